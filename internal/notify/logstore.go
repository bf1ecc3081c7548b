package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultLogTable holds the delivery log.
const DefaultLogTable = "notification_logs"

// Table is the slice of a data client the table log store writes through.
// *dataclient.AdminClient and *dataclient.Client satisfy it.
type Table interface {
	Insert(ctx context.Context, table string, rows ...map[string]any) ([]map[string]any, error)
	Update(ctx context.Context, table string, patch map[string]any, filters map[string]any) ([]map[string]any, error)
}

// TableLogStore keeps the delivery log in a data-service table.
type TableLogStore struct {
	db    Table
	table string
}

func NewTableLogStore(db Table, table string) *TableLogStore {
	if table == "" {
		table = DefaultLogTable
	}
	return &TableLogStore{db: db, table: table}
}

func (s *TableLogStore) CreatePending(ctx context.Context, e LogEntry) (string, error) {
	id := uuid.New().String()
	row := map[string]any{
		"id":        id,
		"kind":      string(e.Kind),
		"recipient": e.Recipient,
		"payload":   e.Payload,
		"status":    string(StatusPending),
		"member_id": nil,
	}
	if e.MemberID != "" {
		row["member_id"] = e.MemberID
	}
	if _, err := s.db.Insert(ctx, s.table, row); err != nil {
		return "", fmt.Errorf("insert %s: %w", s.table, err)
	}
	return id, nil
}

func (s *TableLogStore) UpdateStatus(ctx context.Context, id string, status Status, sentAt *time.Time, errMsg *string) error {
	patch := map[string]any{"status": string(status)}
	if sentAt != nil {
		patch["sent_at"] = sentAt.UTC().Format(time.RFC3339Nano)
	}
	if errMsg != nil {
		patch["error"] = *errMsg
	}
	if _, err := s.db.Update(ctx, s.table, patch, map[string]any{"id": id}); err != nil {
		return fmt.Errorf("update %s %s: %w", s.table, id, err)
	}
	return nil
}
