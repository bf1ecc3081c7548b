// Package dataclient wraps the data service in clients whose capability
// profile is fixed at construction. Public, server and admin clients share
// the base Client and add only the operations their credentials allow.
package dataclient

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/koperasi/internal/metrics"
	"github.com/lalithlochan/koperasi/internal/postgrest"
	"github.com/lalithlochan/koperasi/internal/query"
)

// DefaultHealthTable is read by HealthCheck when Config leaves it empty.
const DefaultHealthTable = "koperasi"

// Config carries the project URL and keys. Which key is required depends
// on the client kind.
type Config struct {
	URL            string
	AnonKey        string
	ServiceRoleKey string
	JWTSecret      string
	Schema         string
	HealthTable    string
	Timeout        time.Duration
}

// DataAccess is the operation set every client kind exposes.
type DataAccess interface {
	Capabilities() Capabilities
	Query(ctx context.Context, d query.Descriptor) (*QueryResult, error)
	Insert(ctx context.Context, table string, rows ...Row) ([]Row, error)
	Update(ctx context.Context, table string, patch Row, filters map[string]any) ([]Row, error)
	Delete(ctx context.Context, table string, filters map[string]any) ([]Row, error)
	Batch(ctx context.Context, ops []Operation) (*BatchResult, error)
	Subscribe(ctx context.Context, opts SubscribeOptions, handler func(postgrest.Change)) (Subscription, error)
	HealthCheck(ctx context.Context) bool
}

var (
	_ DataAccess = (*Client)(nil)
	_ DataAccess = (*PublicClient)(nil)
	_ DataAccess = (*ServerClient)(nil)
	_ DataAccess = (*AdminClient)(nil)
)

type QueryResult struct {
	Data  []Row
	Count *int64 // set only when the descriptor asked for a count
}

// First returns the first row or nil.
func (r *QueryResult) First() Row {
	if r == nil || len(r.Data) == 0 {
		return nil
	}
	return r.Data[0]
}

type SubscribeOptions struct {
	Table  string
	Schema string
	Event  string // INSERT, UPDATE, DELETE or * (default)
	Filter string
}

// Client is the base data client. All fields are set at construction and
// never change, so a Client is safe for concurrent use.
type Client struct {
	backend     Backend
	realtime    Subscriber
	caps        Capabilities
	kind        Kind
	healthTable string
	logger      *zap.Logger

	// token supplies a per-call access token; nil means the API key alone.
	token func() string
}

// NewClient builds a base client over backend with an explicit capability
// profile. Realtime is unavailable unless backend also implements the
// change-feed protocol.
func NewClient(backend Backend, caps Capabilities, logger *zap.Logger) *Client {
	c := &Client{
		backend:     backend,
		caps:        caps,
		kind:        KindCustom,
		healthTable: DefaultHealthTable,
		logger:      logger,
	}
	switch b := backend.(type) {
	case *postgrest.Client:
		c.realtime = realtimeAdapter{pg: b}
	case Subscriber:
		c.realtime = b
	}
	return c
}

func newKindClient(backend Backend, kind Kind, cfg Config, logger *zap.Logger) *Client {
	c := NewClient(backend, ProfileFor(kind), logger.With(zap.String("client", string(kind))))
	c.kind = kind
	if cfg.HealthTable != "" {
		c.healthTable = cfg.HealthTable
	}
	return c
}

func (c *Client) Capabilities() Capabilities {
	return c.caps
}

func (c *Client) Kind() Kind {
	return c.kind
}

func (c *Client) ctx(ctx context.Context) context.Context {
	if c.token == nil {
		return ctx
	}
	if _, ok := postgrest.AccessToken(ctx); ok {
		return ctx
	}
	if tok := c.token(); tok != "" {
		return postgrest.WithAccessToken(ctx, tok)
	}
	return ctx
}

func (c *Client) deny(op, capability string) error {
	metrics.RecordPermissionDenied(string(c.kind), op)
	c.logger.Debug("operation refused", zap.String("operation", op), zap.String("capability", capability))
	return permissionError(op, capability)
}

// fail normalises err and records the outcome.
func (c *Client) fail(op string, start time.Time, err error) *ClientError {
	ce := FormatError(err)
	metrics.RecordDataOperation(string(c.kind), op, ce.Code, time.Since(start))
	c.logger.Warn("data operation failed",
		zap.String("operation", op),
		zap.String("code", ce.Code),
		zap.String("message", ce.Message),
	)
	return ce
}

func (c *Client) ok(op string, start time.Time) {
	metrics.RecordDataOperation(string(c.kind), op, "ok", time.Since(start))
}

// Query runs a read. In single mode exactly one row must match; zero or
// several rows give a NOT_FOUND error. d is not modified.
func (c *Client) Query(ctx context.Context, d query.Descriptor) (*QueryResult, error) {
	if !c.caps.Read {
		return nil, c.deny("query", "read")
	}
	if d.Table == "" {
		return nil, validationError("query: table is required")
	}
	start := time.Now()

	req := d.Copy()
	if req.Single {
		req.Limit = 2
	}

	rows, count, err := c.backend.Select(c.ctx(ctx), req)
	if err != nil {
		return nil, c.fail("query", start, err)
	}
	if req.Single && len(rows) != 1 {
		ce := &ClientError{
			Code:    CodeNotFound,
			Message: "expected exactly one row in " + d.Table,
			Details: matchedDetail(len(rows)),
		}
		return nil, c.fail("query", start, ce)
	}

	c.ok("query", start)
	return &QueryResult{Data: rows, Count: count}, nil
}

func matchedDetail(n int) string {
	switch n {
	case 0:
		return "no rows matched"
	default:
		return "more than one row matched"
	}
}

// Insert writes rows and returns them as stored.
func (c *Client) Insert(ctx context.Context, table string, rows ...Row) ([]Row, error) {
	if !c.caps.Write {
		return nil, c.deny("insert", "write")
	}
	return c.insert(ctx, table, rows)
}

func (c *Client) insert(ctx context.Context, table string, rows []Row) ([]Row, error) {
	if table == "" || len(rows) == 0 {
		return nil, validationError("insert: table and at least one row are required")
	}
	start := time.Now()
	out, err := c.backend.Insert(c.ctx(ctx), table, rows)
	if err != nil {
		return nil, c.fail("insert", start, err)
	}
	c.ok("insert", start)
	return out, nil
}

// Update applies patch to rows matching every filter entry.
func (c *Client) Update(ctx context.Context, table string, patch Row, filters map[string]any) ([]Row, error) {
	if !c.caps.Write {
		return nil, c.deny("update", "write")
	}
	return c.update(ctx, table, patch, filters)
}

func (c *Client) update(ctx context.Context, table string, patch Row, filters map[string]any) ([]Row, error) {
	if table == "" || len(patch) == 0 {
		return nil, validationError("update: table and a non-empty patch are required")
	}
	start := time.Now()
	out, err := c.backend.Update(c.ctx(ctx), table, patch, filters)
	if err != nil {
		return nil, c.fail("update", start, err)
	}
	c.ok("update", start)
	return out, nil
}

// Delete removes rows matching every filter entry.
func (c *Client) Delete(ctx context.Context, table string, filters map[string]any) ([]Row, error) {
	if !c.caps.Write {
		return nil, c.deny("delete", "write")
	}
	return c.delete(ctx, table, filters)
}

func (c *Client) delete(ctx context.Context, table string, filters map[string]any) ([]Row, error) {
	if table == "" {
		return nil, validationError("delete: table is required")
	}
	start := time.Now()
	out, err := c.backend.Delete(c.ctx(ctx), table, filters)
	if err != nil {
		return nil, c.fail("delete", start, err)
	}
	c.ok("delete", start)
	return out, nil
}

// Subscribe opens a change feed on a table.
func (c *Client) Subscribe(ctx context.Context, opts SubscribeOptions, handler func(postgrest.Change)) (Subscription, error) {
	if !c.caps.Realtime {
		return nil, c.deny("subscribe", "realtime")
	}
	if c.realtime == nil {
		return nil, &ClientError{Code: CodeUnknown, Message: "subscribe: backend has no realtime support"}
	}
	if opts.Table == "" || handler == nil {
		return nil, validationError("subscribe: table and handler are required")
	}
	start := time.Now()
	sub, err := c.realtime.Subscribe(c.ctx(ctx), postgrest.ChangeFeed{
		Schema: opts.Schema,
		Table:  opts.Table,
		Event:  opts.Event,
		Filter: opts.Filter,
	}, handler)
	if err != nil {
		return nil, c.fail("subscribe", start, err)
	}
	c.ok("subscribe", start)
	return sub, nil
}

// HealthCheck reads one row of the health table. Any failure is reported
// as unhealthy.
func (c *Client) HealthCheck(ctx context.Context) bool {
	d := query.Descriptor{Table: c.healthTable, Columns: []string{"id"}, Limit: 1}
	if _, _, err := c.backend.Select(ctx, d); err != nil {
		c.logger.Debug("health check failed", zap.Error(err))
		return false
	}
	return true
}
