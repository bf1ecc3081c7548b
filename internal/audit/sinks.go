package audit

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// LogSink writes entries to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Record(ctx context.Context, e Entry) error {
	s.logger.Info("audit",
		zap.String("id", e.ID.String()),
		zap.String("actor", e.Actor),
		zap.String("action", e.Action),
		zap.String("resource", e.Resource),
		zap.String("outcome", e.Outcome),
		zap.String("error", e.Error),
		zap.Any("details", e.Details),
	)
	return nil
}

// Publisher is satisfied by sqs.Producer.
type Publisher interface {
	Publish(ctx context.Context, eventType string, v any) (string, error)
}

// QueueSink forwards entries to a message queue as "audit.<action>" events.
type QueueSink struct {
	pub Publisher
}

func NewQueueSink(pub Publisher) *QueueSink {
	return &QueueSink{pub: pub}
}

func (s *QueueSink) Record(ctx context.Context, e Entry) error {
	if _, err := s.pub.Publish(ctx, "audit."+e.Action, e); err != nil {
		return fmt.Errorf("publish audit entry: %w", err)
	}
	return nil
}

// Inserter is satisfied by the data clients.
type Inserter interface {
	Insert(ctx context.Context, table string, rows ...map[string]any) ([]map[string]any, error)
}

// TableSink stores entries as rows of an audit table.
type TableSink struct {
	db    Inserter
	table string
}

func NewTableSink(db Inserter, table string) *TableSink {
	if table == "" {
		table = "audit_logs"
	}
	return &TableSink{db: db, table: table}
}

func (s *TableSink) Record(ctx context.Context, e Entry) error {
	row := map[string]any{
		"id":          e.ID.String(),
		"actor":       e.Actor,
		"action":      e.Action,
		"resource":    e.Resource,
		"details":     e.Details,
		"outcome":     e.Outcome,
		"occurred_at": e.OccurredAt,
	}
	if e.Error != "" {
		row["error"] = e.Error
	}
	if _, err := s.db.Insert(ctx, s.table, row); err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}
