package db

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/lalithlochan/koperasi/internal/notify"
)

type execCall struct {
	sql  string
	args []any
}

type fakeQuerier struct {
	execs    []execCall
	rowCalls []execCall
	tag      string
	err      error
	row      pgx.Row
}

func (f *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql, args})
	return pgconn.NewCommandTag(f.tag), f.err
}

func (f *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not used")
}

func (f *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.rowCalls = append(f.rowCalls, execCall{sql, args})
	return f.row
}

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

type countRow int64

func (r countRow) Scan(dest ...any) error {
	*dest[0].(*int64) = int64(r)
	return nil
}

func TestRepository_CreatePending(t *testing.T) {
	q := &fakeQuerier{tag: "INSERT 0 1"}
	repo := NewRepository(q, zap.NewNop())

	id, err := repo.CreatePending(context.Background(), notify.LogEntry{
		Kind:      notify.KindWelcome,
		Recipient: "6281234567890",
		Payload:   map[string]any{"name": "Siti"},
		MemberID:  "m-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("id %q: %v", id, err)
	}

	args := q.execs[0].args
	if args[1] != "welcome" || args[2] != "6281234567890" || args[4] != "pending" {
		t.Fatalf("args = %v", args)
	}
	var payload map[string]any
	json.Unmarshal(args[3].([]byte), &payload)
	if payload["name"] != "Siti" {
		t.Fatalf("payload = %s", args[3])
	}
	if m := args[5].(*string); m == nil || *m != "m-1" {
		t.Fatalf("member_id = %v", args[5])
	}
}

func TestRepository_CreatePendingError(t *testing.T) {
	repo := NewRepository(&fakeQuerier{err: errors.New("conn refused")}, zap.NewNop())
	if _, err := repo.CreatePending(context.Background(), notify.LogEntry{Kind: notify.KindOTP}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRepository_UpdateStatus(t *testing.T) {
	q := &fakeQuerier{tag: "UPDATE 1"}
	repo := NewRepository(q, zap.NewNop())
	id := uuid.New()
	at := time.Now()

	if err := repo.UpdateStatus(context.Background(), id.String(), notify.StatusSent, &at, nil); err != nil {
		t.Fatal(err)
	}
	args := q.execs[0].args
	if args[0] != id || args[1] != "sent" || args[2].(*time.Time) != &at {
		t.Fatalf("args = %v", args)
	}

	q.tag = "UPDATE 0"
	if err := repo.UpdateStatus(context.Background(), id.String(), notify.StatusFailed, nil, nil); !errors.Is(err, ErrLogNotFound) {
		t.Fatalf("err = %v", err)
	}
	if err := repo.UpdateStatus(context.Background(), "not-a-uuid", notify.StatusFailed, nil, nil); err == nil {
		t.Fatal("expected invalid id error")
	}
}

func TestRepository_GetLogNotFound(t *testing.T) {
	repo := NewRepository(&fakeQuerier{row: errRow{pgx.ErrNoRows}}, zap.NewNop())
	if _, err := repo.GetLog(context.Background(), uuid.New()); !errors.Is(err, ErrLogNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestRepository_CountLogs(t *testing.T) {
	q := &fakeQuerier{row: countRow(12)}
	repo := NewRepository(q, zap.NewNop())

	n, err := repo.CountLogs(context.Background(), LogFilter{MemberID: "m-1", Status: "failed", Limit: 5, Offset: 10})
	if err != nil {
		t.Fatal(err)
	}
	if n != 12 {
		t.Fatalf("count = %d", n)
	}
	call := q.rowCalls[0]
	if !strings.HasSuffix(call.sql, " WHERE member_id = $1 AND status = $2") || len(call.args) != 2 {
		t.Fatalf("sql = %q args = %v", call.sql, call.args)
	}

	repo = NewRepository(&fakeQuerier{row: errRow{errors.New("conn reset")}}, zap.NewNop())
	if _, err := repo.CountLogs(context.Background(), LogFilter{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestLogFilter_Clauses(t *testing.T) {
	tests := []struct {
		name  string
		f     LogFilter
		where string
		args  int
	}{
		{"none", LogFilter{}, "", 0},
		{"member", LogFilter{MemberID: "m"}, " WHERE member_id = $1", 1},
		{"member and status", LogFilter{MemberID: "m", Status: "failed"}, " WHERE member_id = $1 AND status = $2", 2},
		{"status and kind", LogFilter{Status: "sent", Kind: "otp"}, " WHERE status = $1 AND kind = $2", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := tt.f.clauses()
			if where != tt.where || len(args) != tt.args {
				t.Fatalf("got %q %v", where, args)
			}
		})
	}
}

func TestConfig_DSN(t *testing.T) {
	if got := (Config{URL: "postgres://x"}).DSN(); got != "postgres://x" {
		t.Errorf("DSN = %q", got)
	}
	dsn := Config{Host: "localhost", Port: 5432, User: "app", Database: "koperasi", SSLMode: "disable", Password: "pw"}.DSN()
	if !strings.Contains(dsn, "password=pw") || !strings.Contains(dsn, "dbname=koperasi") {
		t.Errorf("DSN = %q", dsn)
	}
	if strings.Contains(Config{Host: "h"}.DSN(), "password") {
		t.Error("empty password rendered")
	}
}
