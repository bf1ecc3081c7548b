package dataclient

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/koperasi/internal/audit"
	"github.com/lalithlochan/koperasi/internal/postgrest"
	"github.com/lalithlochan/koperasi/internal/query"
)

// ExecSQLFunction is the stored procedure ExecSQL delegates to. The client
// never parses the statement itself.
const ExecSQLFunction = "exec_sql"

const backupPageSize = 1000

// AdminClient uses the service-role key. Every privileged operation checks
// the admin capability first and destructive ones are audited.
type AdminClient struct {
	*Client
	auth    AdminAuth
	buckets BucketAdmin
	audit   *audit.Recorder
	actor   string
}

// AdminOption configures optional admin client collaborators.
type AdminOption func(*AdminClient)

// WithAuditSink sends audit entries to sink instead of the log.
func WithAuditSink(sink audit.Sink) AdminOption {
	return func(a *AdminClient) {
		a.audit = audit.NewRecorder(sink, a.logger)
	}
}

// WithActor names who audit entries are attributed to.
func WithActor(actor string) AdminOption {
	return func(a *AdminClient) {
		a.actor = actor
	}
}

// NewAdminClient needs the project URL and the service-role key.
func NewAdminClient(cfg Config, logger *zap.Logger, opts ...AdminOption) (*AdminClient, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, ErrMissingCredentials
	}
	pg, err := postgrest.New(postgrest.Config{
		URL:     cfg.URL,
		APIKey:  cfg.ServiceRoleKey,
		Schema:  cfg.Schema,
		Timeout: cfg.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	return newAdminClient(pg, pg, pg, cfg, logger, opts...), nil
}

func newAdminClient(backend Backend, auth AdminAuth, buckets BucketAdmin, cfg Config, logger *zap.Logger, opts ...AdminOption) *AdminClient {
	a := &AdminClient{
		Client:  newKindClient(backend, KindAdmin, cfg, logger),
		auth:    auth,
		buckets: buckets,
		actor:   "service_role",
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = audit.NewRecorder(nil, a.logger)
	}
	return a
}

func (a *AdminClient) requireAdmin(op string) error {
	if !a.caps.Admin {
		return a.deny(op, "admin")
	}
	return nil
}

func (a *AdminClient) record(ctx context.Context, action, resource string, details map[string]any, err error) {
	e := audit.NewEntry(a.actor, action, resource, details)
	if err != nil {
		e = e.Failed(err)
	}
	a.audit.Record(ctx, e)
}

func (a *AdminClient) CreateUser(ctx context.Context, attrs postgrest.UserAttributes) (*postgrest.User, error) {
	if err := a.requireAdmin("create_user"); err != nil {
		return nil, err
	}
	start := time.Now()
	u, err := a.auth.AdminCreateUser(ctx, attrs)
	a.record(ctx, "create_user", "auth.users", map[string]any{"email": attrs.Email, "phone": attrs.Phone}, err)
	if err != nil {
		return nil, a.fail("create_user", start, err)
	}
	a.ok("create_user", start)
	return u, nil
}

func (a *AdminClient) UpdateUser(ctx context.Context, id string, attrs postgrest.UserAttributes) (*postgrest.User, error) {
	if err := a.requireAdmin("update_user"); err != nil {
		return nil, err
	}
	start := time.Now()
	u, err := a.auth.AdminUpdateUser(ctx, id, attrs)
	a.record(ctx, "update_user", "auth.users/"+id, map[string]any{"password_changed": attrs.Password != ""}, err)
	if err != nil {
		return nil, a.fail("update_user", start, err)
	}
	a.ok("update_user", start)
	return u, nil
}

func (a *AdminClient) DeleteUser(ctx context.Context, id string) error {
	if err := a.requireAdmin("delete_user"); err != nil {
		return err
	}
	start := time.Now()
	err := a.auth.AdminDeleteUser(ctx, id)
	a.record(ctx, "delete_user", "auth.users/"+id, nil, err)
	if err != nil {
		return a.fail("delete_user", start, err)
	}
	a.ok("delete_user", start)
	return nil
}

func (a *AdminClient) GetUser(ctx context.Context, id string) (*postgrest.User, error) {
	if err := a.requireAdmin("get_user"); err != nil {
		return nil, err
	}
	start := time.Now()
	u, err := a.auth.AdminGetUser(ctx, id)
	if err != nil {
		return nil, a.fail("get_user", start, err)
	}
	a.ok("get_user", start)
	return u, nil
}

// ListUsers returns one page of users. Pages start at 1.
func (a *AdminClient) ListUsers(ctx context.Context, page, perPage int) ([]postgrest.User, error) {
	if err := a.requireAdmin("list_users"); err != nil {
		return nil, err
	}
	start := time.Now()
	users, err := a.auth.AdminListUsers(ctx, page, perPage)
	if err != nil {
		return nil, a.fail("list_users", start, err)
	}
	a.ok("list_users", start)
	return users, nil
}

// SendPasswordReset triggers the recovery email for a user.
func (a *AdminClient) SendPasswordReset(ctx context.Context, email, redirectTo string) error {
	if err := a.requireAdmin("password_reset"); err != nil {
		return err
	}
	start := time.Now()
	err := a.auth.ResetPasswordForEmail(ctx, email, redirectTo)
	a.record(ctx, "password_reset", "auth.users", map[string]any{"email": email}, err)
	if err != nil {
		return a.fail("password_reset", start, err)
	}
	a.ok("password_reset", start)
	return nil
}

// ExecSQL hands a raw statement to the exec_sql procedure.
func (a *AdminClient) ExecSQL(ctx context.Context, statement string) (json.RawMessage, error) {
	if err := a.requireAdmin("exec_sql"); err != nil {
		return nil, err
	}
	out, err := a.rpc(ctx, ExecSQLFunction, map[string]string{"query": statement})
	a.record(ctx, "exec_sql", "rpc/"+ExecSQLFunction, map[string]any{"statement_length": len(statement)}, err)
	return out, err
}

// BackupTable reads every row of table in pages ordered by id. The table
// must have an id column.
func (a *AdminClient) BackupTable(ctx context.Context, table string) ([]Row, error) {
	if err := a.requireAdmin("backup_table"); err != nil {
		return nil, err
	}
	var all []Row
	b := query.From(table).OrderBy("id", false).Limit(backupPageSize)
	for offset := 0; ; offset += backupPageSize {
		res, err := a.Query(ctx, b.Offset(offset).Build())
		if err != nil {
			return nil, err
		}
		all = append(all, res.Data...)
		if len(res.Data) < backupPageSize {
			break
		}
	}
	a.logger.Info("table backed up", zap.String("table", table), zap.Int("rows", len(all)))
	return all, nil
}

// Stats returns the exact row count of each table.
func (a *AdminClient) Stats(ctx context.Context, tables ...string) (map[string]int64, error) {
	if err := a.requireAdmin("stats"); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(tables))
	for _, t := range tables {
		res, err := a.Query(ctx, query.From(t).Limit(1).WithCount().Build())
		if err != nil {
			return nil, err
		}
		if res.Count != nil {
			out[t] = *res.Count
		} else {
			out[t] = int64(len(res.Data))
		}
	}
	return out, nil
}

// TruncateTable deletes every row with a non-null id and returns how many
// were removed.
func (a *AdminClient) TruncateTable(ctx context.Context, table string) (int, error) {
	if err := a.requireAdmin("truncate_table"); err != nil {
		return 0, err
	}
	rows, err := a.delete(ctx, table, map[string]any{query.Key("id", query.OpNotNull): nil})
	a.record(ctx, "truncate_table", table, map[string]any{"rows": len(rows)}, err)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (a *AdminClient) CreateBucket(ctx context.Context, id string, public bool) (*postgrest.Bucket, error) {
	if err := a.requireAdmin("create_bucket"); err != nil {
		return nil, err
	}
	start := time.Now()
	b, err := a.buckets.CreateBucket(ctx, id, public)
	a.record(ctx, "create_bucket", "storage/"+id, map[string]any{"public": public}, err)
	if err != nil {
		return nil, a.fail("create_bucket", start, err)
	}
	a.ok("create_bucket", start)
	return b, nil
}

// DeleteBucket empties the bucket and then deletes it.
func (a *AdminClient) DeleteBucket(ctx context.Context, id string) error {
	if err := a.requireAdmin("delete_bucket"); err != nil {
		return err
	}
	start := time.Now()
	err := a.buckets.EmptyBucket(ctx, id)
	if err == nil {
		err = a.buckets.DeleteBucket(ctx, id)
	}
	a.record(ctx, "delete_bucket", "storage/"+id, nil, err)
	if err != nil {
		return a.fail("delete_bucket", start, err)
	}
	a.ok("delete_bucket", start)
	return nil
}
