// Package notify delivers templated WhatsApp messages to members. Every send
// is logged as pending before the relay is called and settled to sent or
// failed afterwards.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/koperasi/internal/format"
	"github.com/lalithlochan/koperasi/internal/metrics"
)

var (
	// ErrUnknownKind is returned for a kind without a template. Nothing is
	// persisted or sent.
	ErrUnknownKind = errors.New("unknown notification type")
	// ErrNoRecipient is returned when the recipient has no digits.
	ErrNoRecipient = errors.New("notification recipient is empty")
	// ErrRelayUnavailable is wrapped by relays that refused a call without
	// contacting the provider. The gateway does not retry it.
	ErrRelayUnavailable = errors.New("relay unavailable")
)

// Status of a notification log row.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Job is one outbound message request.
type Job struct {
	Recipient string         `json:"recipient"`
	Kind      Kind           `json:"type"`
	Payload   map[string]any `json:"data"`
	MemberID  string         `json:"member_id,omitempty"`
}

// Result reports how a Send settled. A failed delivery is a Result with
// StatusFailed, not an error.
type Result struct {
	LogID     string `json:"log_id"`
	Status    Status `json:"status"`
	Recipient string `json:"recipient"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

// Message is what a Relay delivers. Attempt counts from 1 within one Send
// and LastAttempt is set on the final try; both are zero outside the gateway.
type Message struct {
	Recipient   string
	Body        string
	CountryCode string
	Kind        Kind
	Attempt     int
	LastAttempt bool
}

// Relay delivers a rendered message through an external provider.
type Relay interface {
	Deliver(ctx context.Context, msg Message) error
	Name() string
}

// LogEntry is the pending row written before dispatch.
type LogEntry struct {
	Kind      Kind
	Recipient string
	Payload   map[string]any
	MemberID  string
}

// LogStore persists the delivery log.
type LogStore interface {
	CreatePending(ctx context.Context, e LogEntry) (string, error)
	UpdateStatus(ctx context.Context, id string, status Status, sentAt *time.Time, errMsg *string) error
}

type Config struct {
	MaxRetries  int
	RetryDelay  time.Duration
	CountryCode string
}

// DefaultConfig is one attempt plus three retries, two seconds apart.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		RetryDelay:  2 * time.Second,
		CountryCode: format.DefaultCountryCode,
	}
}

type Gateway struct {
	relay  Relay
	logs   LogStore
	config Config
	logger *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New builds a gateway. Zero config fields take the defaults; a negative
// MaxRetries disables retrying.
func New(relay Relay, logs LogStore, cfg Config, logger *zap.Logger) *Gateway {
	def := DefaultConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = def.CountryCode
	}

	return &Gateway{
		relay:  relay,
		logs:   logs,
		config: cfg,
		logger: logger,
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Send renders and delivers job. It returns an error only for an unknown
// kind, an empty recipient or a failure to write the pending log.
func (g *Gateway) Send(ctx context.Context, job Job) (*Result, error) {
	if !job.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, job.Kind)
	}
	recipient := format.NormalizePhone(job.Recipient, g.config.CountryCode)
	if recipient == "" {
		return nil, ErrNoRecipient
	}

	start := time.Now()
	logID, err := g.logs.CreatePending(ctx, LogEntry{
		Kind:      job.Kind,
		Recipient: recipient,
		Payload:   job.Payload,
		MemberID:  job.MemberID,
	})
	if err != nil {
		return nil, fmt.Errorf("create notification log: %w", err)
	}

	res := &Result{LogID: logID, Recipient: recipient}

	body, err := Render(job.Kind, job.Payload)
	if err == nil {
		res.Attempts, err = g.dispatch(ctx, Message{
			Recipient:   recipient,
			Body:        body,
			CountryCode: g.config.CountryCode,
			Kind:        job.Kind,
		})
	}

	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		g.logger.Warn("notification failed",
			zap.String("log_id", logID),
			zap.String("kind", string(job.Kind)),
			zap.String("recipient", format.MaskData(recipient, format.MaskPhone)),
			zap.Int("attempts", res.Attempts),
			zap.Error(err),
		)
		g.settle(ctx, logID, StatusFailed, nil, &res.Error)
	} else {
		res.Status = StatusSent
		sentAt := g.now().UTC()
		g.logger.Info("notification sent",
			zap.String("log_id", logID),
			zap.String("kind", string(job.Kind)),
			zap.Int("attempts", res.Attempts),
		)
		g.settle(ctx, logID, StatusSent, &sentAt, nil)
	}

	metrics.RecordNotification(string(job.Kind), string(res.Status), time.Since(start))
	return res, nil
}

// dispatch makes at most 1+MaxRetries attempts with a fixed delay between
// them and returns the number made along with the last error. A relay that
// reports ErrRelayUnavailable ends the loop early.
func (g *Gateway) dispatch(ctx context.Context, msg Message) (int, error) {
	var lastErr error
	attempts := 0
	for i := 0; i <= g.config.MaxRetries; i++ {
		if i > 0 {
			if err := g.sleep(ctx, g.config.RetryDelay); err != nil {
				return attempts, fmt.Errorf("retry aborted after %d attempts: %w", attempts, lastErr)
			}
		}
		attempts++
		msg.Attempt = attempts
		msg.LastAttempt = i == g.config.MaxRetries
		err := g.relay.Deliver(ctx, msg)
		metrics.RecordRelayAttempt(g.relay.Name(), err == nil)
		if err == nil {
			return attempts, nil
		}
		if errors.Is(err, ErrRelayUnavailable) {
			return attempts, err
		}
		lastErr = err
		g.logger.Debug("relay attempt failed",
			zap.String("relay", g.relay.Name()),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
	}
	return attempts, lastErr
}

func (g *Gateway) settle(ctx context.Context, id string, status Status, sentAt *time.Time, errMsg *string) {
	if err := g.logs.UpdateStatus(context.WithoutCancel(ctx), id, status, sentAt, errMsg); err != nil {
		g.logger.Error("failed to update notification log",
			zap.String("log_id", id),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}
