package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const DefaultFonnteURL = "https://api.fonnte.com/send"

// ErrRelayRejected is returned when the provider answers but reports the
// message as not sent.
var ErrRelayRejected = errors.New("relay rejected message")

type FonnteConfig struct {
	URL     string
	Token   string
	Timeout time.Duration

	// RatePerSecond caps outgoing requests. Zero means unlimited.
	RatePerSecond float64
	Burst         int

	HTTPClient *http.Client
}

// FonnteRelay sends WhatsApp messages through the Fonnte HTTP API.
type FonnteRelay struct {
	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewFonnteRelay(cfg FonnteConfig, logger *zap.Logger) *FonnteRelay {
	if cfg.URL == "" {
		cfg.URL = DefaultFonnteURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	r := &FonnteRelay{
		url:    cfg.URL,
		token:  cfg.Token,
		client: client,
		logger: logger,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return r
}

func (r *FonnteRelay) Name() string { return "fonnte" }

type fonnteRequest struct {
	Target      string `json:"target"`
	Message     string `json:"message"`
	CountryCode string `json:"countryCode"`
}

// Deliver posts one message. A transport error, a non-2xx status or a body
// with status false all count as failure.
func (r *FonnteRelay) Deliver(ctx context.Context, msg Message) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("fonnte rate limit: %w", err)
		}
	}

	body, err := json.Marshal(fonnteRequest{
		Target:      msg.Recipient,
		Message:     msg.Body,
		CountryCode: msg.CountryCode,
	})
	if err != nil {
		return fmt.Errorf("marshal fonnte request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create fonnte request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("fonnte request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("read fonnte response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fonnte returned non-2xx status: %d, body: %s", resp.StatusCode, raw)
	}

	res := gjson.ParseBytes(raw)
	if !res.Get("status").Bool() {
		return fmt.Errorf("%w: %s", ErrRelayRejected, reason(res))
	}

	r.logger.Debug("fonnte accepted message",
		zap.String("kind", string(msg.Kind)),
		zap.String("detail", res.Get("detail").String()),
	)
	return nil
}

func reason(res gjson.Result) string {
	for _, key := range []string{"detail", "reason", "message"} {
		if v := res.Get(key).String(); v != "" {
			return v
		}
	}
	return "status false"
}
