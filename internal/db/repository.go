package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/lalithlochan/koperasi/internal/notify"
)

// ErrLogNotFound is returned by GetLog for an unknown id.
var ErrLogNotFound = errors.New("notification log not found")

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the notification log store backed directly by Postgres. It
// implements notify.LogStore.
type Repository struct {
	q      Querier
	logger *zap.Logger
}

var _ notify.LogStore = (*Repository)(nil)

func NewRepository(q Querier, logger *zap.Logger) *Repository {
	return &Repository{q: q, logger: logger}
}

func (r *Repository) CreatePending(ctx context.Context, e notify.LogEntry) (string, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	var memberID *string
	if e.MemberID != "" {
		memberID = &e.MemberID
	}

	id := uuid.New()
	query := `
		INSERT INTO notification_logs (id, kind, recipient, payload, status, member_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := r.q.Exec(ctx, query, id, string(e.Kind), e.Recipient, payload, string(notify.StatusPending), memberID); err != nil {
		r.logger.Error("failed to create notification log",
			zap.Error(err),
			zap.String("kind", string(e.Kind)),
		)
		return "", fmt.Errorf("insert notification log: %w", err)
	}
	return id.String(), nil
}

func (r *Repository) UpdateStatus(ctx context.Context, id string, status notify.Status, sentAt *time.Time, errMsg *string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid log id %q: %w", id, err)
	}
	query := `
		UPDATE notification_logs
		SET status = $2, sent_at = COALESCE($3, sent_at), error = $4
		WHERE id = $1
	`
	tag, err := r.q.Exec(ctx, query, uid, string(status), sentAt, errMsg)
	if err != nil {
		return fmt.Errorf("update notification log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrLogNotFound, id)
	}
	return nil
}

const logColumns = `id, kind, recipient, payload, status, member_id, sent_at, error, created_at`

func scanLog(row pgx.Row) (*NotificationLog, error) {
	var l NotificationLog
	err := row.Scan(&l.ID, &l.Kind, &l.Recipient, &l.Payload, &l.Status, &l.MemberID, &l.SentAt, &l.Error, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *Repository) GetLog(ctx context.Context, id uuid.UUID) (*NotificationLog, error) {
	l, err := scanLog(r.q.QueryRow(ctx, `SELECT `+logColumns+` FROM notification_logs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrLogNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification log: %w", err)
	}
	return l, nil
}

// ListLogs returns logs newest first.
func (r *Repository) ListLogs(ctx context.Context, f LogFilter) ([]*NotificationLog, error) {
	where, args := f.clauses()
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	query := `SELECT ` + logColumns + ` FROM notification_logs` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notification logs: %w", err)
	}
	defer rows.Close()

	var logs []*NotificationLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CountLogs counts the logs matching f, ignoring its paging.
func (r *Repository) CountLogs(ctx context.Context, f LogFilter) (int64, error) {
	where, args := f.clauses()
	var n int64
	if err := r.q.QueryRow(ctx, `SELECT count(*) FROM notification_logs`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count notification logs: %w", err)
	}
	return n, nil
}

func (f LogFilter) clauses() (string, []any) {
	var conds []string
	var args []any
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("member_id", f.MemberID)
	add("status", f.Status)
	add("kind", f.Kind)
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
