// Package audit shapes and records entries for privileged operations.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/koperasi/internal/format"
	"github.com/lalithlochan/koperasi/internal/metrics"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type Entry struct {
	ID         uuid.UUID      `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Details    map[string]any `json:"details,omitempty"`
	Outcome    string         `json:"outcome"`
	Error      string         `json:"error,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// NewEntry builds a successful entry with sensitive detail values redacted
// or masked.
func NewEntry(actor, action, resource string, details map[string]any) Entry {
	return Entry{
		ID:         uuid.New(),
		Actor:      actor,
		Action:     action,
		Resource:   resource,
		Details:    Redact(details),
		Outcome:    OutcomeSuccess,
		OccurredAt: time.Now().UTC(),
	}
}

// Failed marks the entry as failed with err.
func (e Entry) Failed(err error) Entry {
	e.Outcome = OutcomeFailure
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

var secretKeys = []string{"password", "token", "secret", "api_key", "apikey"}

var maskKeys = map[string]string{
	"nik":            format.MaskNIK,
	"phone":          format.MaskPhone,
	"recipient":      format.MaskPhone,
	"email":          format.MaskEmail,
	"account_number": format.MaskAccount,
}

// Redact returns a copy of details with credentials replaced and personal
// identifiers masked. Nested maps are handled.
func Redact(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		lk := strings.ToLower(k)
		switch t := v.(type) {
		case map[string]any:
			out[k] = Redact(t)
			continue
		case string:
			if kind, ok := maskKeys[lk]; ok {
				out[k] = format.MaskData(t, kind)
				continue
			}
		}
		if isSecret(lk) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}

func isSecret(key string) bool {
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// Sink persists or forwards audit entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Recorder sends entries to a sink and counts the outcome. Sink failures
// are logged and never fail the audited operation.
type Recorder struct {
	sink   Sink
	logger *zap.Logger
}

func NewRecorder(sink Sink, logger *zap.Logger) *Recorder {
	if sink == nil {
		sink = NewLogSink(logger)
	}
	return &Recorder{sink: sink, logger: logger}
}

func (r *Recorder) Record(ctx context.Context, e Entry) {
	err := r.sink.Record(ctx, e)
	metrics.RecordAuditEvent(e.Action, err == nil)
	if err != nil {
		r.logger.Warn("audit sink failed",
			zap.String("action", e.Action),
			zap.String("entry_id", e.ID.String()),
			zap.Error(err),
		)
	}
}

// MultiSink records to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
