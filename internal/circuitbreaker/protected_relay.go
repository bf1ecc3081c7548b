package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/koperasi/internal/notify"
)

// ProtectedRelay wraps a notify.Relay so that calls fail fast while the
// provider is down. The breaker sees one outcome per send: the first attempt
// asks Allow, and a failure is recorded only once the gateway's last retry
// has failed.
type ProtectedRelay struct {
	relay   notify.Relay
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedRelay(relay notify.Relay, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedRelay {
	return &ProtectedRelay{relay: relay, breaker: breaker, logger: logger}
}

func (p *ProtectedRelay) Name() string { return p.relay.Name() }

func (p *ProtectedRelay) Deliver(ctx context.Context, msg notify.Message) error {
	if msg.Attempt <= 1 && !p.breaker.Allow() {
		p.logger.Debug("relay call rejected",
			zap.String("relay", p.relay.Name()),
			zap.String("kind", string(msg.Kind)),
		)
		return fmt.Errorf("%w: %w: %s", ErrCircuitOpen, notify.ErrRelayUnavailable, p.relay.Name())
	}

	err := p.relay.Deliver(ctx, msg)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case msg.Attempt == 0 || msg.LastAttempt:
		p.breaker.RecordFailure()
	}
	return err
}

func (p *ProtectedRelay) Breaker() *CircuitBreaker {
	return p.breaker
}
