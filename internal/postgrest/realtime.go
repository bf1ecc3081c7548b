package postgrest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const heartbeatInterval = 30 * time.Second

// ChangeFeed selects which row changes a subscription receives.
type ChangeFeed struct {
	Schema string // defaults to the client schema
	Table  string
	Event  string // INSERT, UPDATE, DELETE or * (default)
	Filter string // optional server-side filter such as "koperasi_id=eq.1"
}

// Change is one row change delivered by the realtime server.
type Change struct {
	Type            string         `json:"type"`
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	Record          map[string]any `json:"record"`
	OldRecord       map[string]any `json:"old_record"`
	CommitTimestamp string         `json:"commit_timestamp"`
}

type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// Subscription is a live change feed over its own websocket. The caller
// owns it and must call Unsubscribe.
type Subscription struct {
	conn    *websocket.Conn
	topic   string
	joinRef string
	logger  *zap.Logger

	writeMu sync.Mutex
	ref     int

	done chan struct{}
	once sync.Once
}

// Subscribe opens a websocket, joins the channel for feed and calls handler
// for every matching change until Unsubscribe is called or the connection
// drops. handler runs on the read goroutine, so changes arrive in order.
func (c *Client) Subscribe(ctx context.Context, feed ChangeFeed, handler func(Change)) (*Subscription, error) {
	if feed.Table == "" {
		return nil, fmt.Errorf("table is required")
	}
	if feed.Schema == "" {
		feed.Schema = c.cfg.Schema
	}
	if feed.Event == "" {
		feed.Event = "*"
	}

	u := c.realtimeURL + "?apikey=" + url.QueryEscape(c.cfg.APIKey) + "&vsn=1.0.0"
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	topic := "realtime:" + feed.Schema + ":" + feed.Table
	if feed.Filter != "" {
		topic += ":" + feed.Filter
	}

	s := &Subscription{
		conn:   conn,
		topic:  topic,
		logger: c.logger.With(zap.String("topic", topic)),
		done:   make(chan struct{}),
	}

	change := map[string]string{"event": feed.Event, "schema": feed.Schema, "table": feed.Table}
	if feed.Filter != "" {
		change["filter"] = feed.Filter
	}
	payload := map[string]any{
		"config": map[string]any{"postgres_changes": []map[string]string{change}},
	}
	if tok, ok := AccessToken(ctx); ok {
		payload["access_token"] = tok
	}

	s.joinRef, err = s.send("phx_join", topic, payload, "")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}

	go s.readLoop(feed.Event, handler)
	go s.heartbeat()

	return s, nil
}

func (s *Subscription) send(event, topic string, payload any, joinRef string) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ref++
	ref := strconv.Itoa(s.ref)
	if event == "phx_join" {
		joinRef = ref
	}
	msg := phxMessage{Topic: topic, Event: event, Payload: b, Ref: ref, JoinRef: joinRef}
	return ref, s.conn.WriteJSON(msg)
}

func (s *Subscription) readLoop(event string, handler func(Change)) {
	defer s.close()
	for {
		var msg phxMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn("realtime connection closed", zap.Error(err))
			}
			return
		}
		if msg.Topic != s.topic {
			continue
		}

		var ch Change
		switch msg.Event {
		case "postgres_changes":
			var p struct {
				Data Change `json:"data"`
			}
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				s.logger.Debug("bad realtime payload", zap.Error(err))
				continue
			}
			ch = p.Data
		case "INSERT", "UPDATE", "DELETE":
			if err := json.Unmarshal(msg.Payload, &ch); err != nil {
				s.logger.Debug("bad realtime payload", zap.Error(err))
				continue
			}
			if ch.Type == "" {
				ch.Type = msg.Event
			}
		case "phx_error":
			s.logger.Warn("realtime channel error", zap.ByteString("payload", msg.Payload))
			continue
		default:
			continue
		}

		if event != "*" && ch.Type != event {
			continue
		}
		handler(ch)
	}
}

func (s *Subscription) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := s.send("heartbeat", "phoenix", map[string]any{}, ""); err != nil {
				s.logger.Warn("realtime heartbeat failed", zap.Error(err))
				s.close()
				return
			}
		}
	}
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Done is closed once the subscription has stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe leaves the channel and closes the connection. It is safe to
// call more than once.
func (s *Subscription) Unsubscribe() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	_, err := s.send("phx_leave", s.topic, map[string]any{}, s.joinRef)

	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	s.close()
	if err != nil {
		return fmt.Errorf("send leave: %w", err)
	}
	return nil
}
