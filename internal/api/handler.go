package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/koperasi/internal/dataclient"
	"github.com/lalithlochan/koperasi/internal/db"
	"github.com/lalithlochan/koperasi/internal/format"
	"github.com/lalithlochan/koperasi/internal/metrics"
	"github.com/lalithlochan/koperasi/internal/notify"
	"github.com/lalithlochan/koperasi/internal/postgrest"
	"github.com/lalithlochan/koperasi/internal/query"
	"github.com/lalithlochan/koperasi/internal/redis"
)

// Sender is satisfied by *notify.Gateway.
type Sender interface {
	Send(ctx context.Context, job notify.Job) (*notify.Result, error)
}

// UserData runs queries with the caller's token so row-level policies
// apply. Satisfied by *dataclient.ServerClient.
type UserData interface {
	QueryAsUser(ctx context.Context, bearer string, d query.Descriptor) (*postgrest.User, *dataclient.QueryResult, error)
}

// LogReader reads notification logs straight from Postgres when the gateway
// logs there instead of through the data service. Satisfied by
// *db.Repository.
type LogReader interface {
	ListLogs(ctx context.Context, f db.LogFilter) ([]*db.NotificationLog, error)
	CountLogs(ctx context.Context, f db.LogFilter) (int64, error)
	GetLog(ctx context.Context, id uuid.UUID) (*db.NotificationLog, error)
}

// NotificationRequest is the body of POST /v1/notifications.
type NotificationRequest struct {
	Recipient string         `json:"recipient"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	MemberID  string         `json:"member_id,omitempty"`
}

// ErrorResponse is written as application/problem+json.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type Handler struct {
	logger      *zap.Logger
	sender      Sender
	data        UserData
	logTable    string
	countryCode string
	logs        LogReader                 // nil reads through data
	idempotency *redis.IdempotencyService // nil if Redis not configured
	otpLimiter  *redis.RateLimiter        // nil if Redis not configured
}

type Option func(*Handler)

func WithIdempotency(svc *redis.IdempotencyService) Option {
	return func(h *Handler) { h.idempotency = svc }
}

// WithOTPLimiter caps one-time-code sends per recipient.
func WithOTPLimiter(l *redis.RateLimiter) Option {
	return func(h *Handler) { h.otpLimiter = l }
}

func WithLogTable(table string) Option {
	return func(h *Handler) { h.logTable = table }
}

// WithCountryCode sets the country recipients are validated against.
func WithCountryCode(cc string) Option {
	return func(h *Handler) { h.countryCode = cc }
}

// WithLogReader serves the read endpoints from r. Callers without the
// service role only see rows whose member_id is their user id, since the
// direct store has no row-level policies.
func WithLogReader(r LogReader) Option {
	return func(h *Handler) { h.logs = r }
}

func NewHandler(logger *zap.Logger, sender Sender, data UserData, opts ...Option) *Handler {
	h := &Handler{
		logger:      logger,
		sender:      sender,
		data:        data,
		logTable:    notify.DefaultLogTable,
		countryCode: format.DefaultCountryCode,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SendNotification handles POST /v1/notifications. The send is synchronous;
// a delivery failure still answers 201 with status "failed".
func (h *Handler) SendNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := UserFromContext(ctx)
	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Recipient == "" || req.Type == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "recipient and type are required")
		return
	}
	kind := notify.Kind(req.Type)
	if !kind.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown notification type", req.Type)
		return
	}
	if !format.ValidPhone(req.Recipient, h.countryCode) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient", "recipient must be a mobile number")
		return
	}

	if kind == notify.KindOTP && h.otpLimiter != nil {
		recipient := format.NormalizePhone(req.Recipient, h.countryCode)
		res, err := h.otpLimiter.Allow(ctx, recipient)
		if err != nil {
			h.logger.Warn("otp rate limit check failed", zap.Error(err))
		} else if !res.Allowed {
			metrics.RecordRateLimitRejection("otp")
			h.writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many codes requested", "wait before requesting another code")
			return
		}
	}

	scope := "anonymous"
	if user != nil {
		scope = user.ID
	}
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, scope, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			idempotencyKey = ""
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	result, err := h.sender.Send(ctx, notify.Job{
		Recipient: req.Recipient,
		Kind:      kind,
		Payload:   req.Data,
		MemberID:  req.MemberID,
	})
	if err != nil {
		h.logger.Error("notification not accepted",
			zap.Error(err),
			zap.String("type", req.Type),
		)
		if idempotencyKey != "" && h.idempotency != nil {
			_ = h.idempotency.Release(ctx, scope, idempotencyKey)
		}
		if errors.Is(err, notify.ErrNoRecipient) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient", err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "log_error", "Failed to record notification", "")
		return
	}

	body, _ := json.Marshal(result)
	if idempotencyKey != "" && h.idempotency != nil {
		cached := &redis.IdempotencyResult{StatusCode: http.StatusCreated, Body: body}
		if err := h.idempotency.Store(ctx, scope, idempotencyKey, cached, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

// ListNotifications handles GET /v1/notifications with optional member_id,
// status and type filters and page/per_page pagination.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := intParam(q.Get("page"), 1)
	perPage := intParam(q.Get("per_page"), 20)
	if perPage > 100 {
		perPage = 100
	}
	f, err := listFilter(q.Get("member_id"), q.Get("status"), q.Get("type"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid filter", err.Error())
		return
	}

	if h.logs != nil {
		h.listFromStore(w, r, f, page, perPage)
		return
	}

	b := query.From(h.logTable).
		Select("id", "kind", "recipient", "status", "member_id", "sent_at", "error", "created_at").
		OrderBy("created_at", true).
		Paginate(page, perPage).
		WithCount()
	if f.MemberID != "" {
		b.WhereEq("member_id", f.MemberID)
	}
	if f.Status != "" {
		b.WhereEq("status", f.Status)
	}
	if f.Kind != "" {
		b.WhereEq("kind", f.Kind)
	}

	_, res, err := h.data.QueryAsUser(r.Context(), BearerFromContext(r.Context()), b.Build())
	if err != nil {
		h.writeClientError(w, err)
		return
	}
	for _, row := range res.Data {
		maskRow(row)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":     res.Data,
		"count":    res.Count,
		"page":     page,
		"per_page": perPage,
	})
}

// listFilter validates the list query. Values are matched exactly, so
// pattern characters are refused rather than passed on as wildcards.
func listFilter(memberID, status, kind string) (db.LogFilter, error) {
	if strings.ContainsAny(memberID, "%*") {
		return db.LogFilter{}, errors.New("member_id must not contain wildcards")
	}
	switch notify.Status(status) {
	case "", notify.StatusPending, notify.StatusSent, notify.StatusFailed:
	default:
		return db.LogFilter{}, errors.New("status must be pending, sent or failed")
	}
	if kind != "" && !notify.Kind(kind).Valid() {
		return db.LogFilter{}, errors.New("unknown type " + strconv.Quote(kind))
	}
	return db.LogFilter{MemberID: memberID, Status: status, Kind: kind}, nil
}

func (h *Handler) listFromStore(w http.ResponseWriter, r *http.Request, f db.LogFilter, page, perPage int) {
	ctx := r.Context()
	user := UserFromContext(ctx)
	if user == nil {
		h.writeError(w, http.StatusUnauthorized, dataclient.CodeUnauthorized, "Missing user", "")
		return
	}
	if !privileged(user) {
		f.MemberID = user.ID
	}
	f.Limit = perPage
	f.Offset = (page - 1) * perPage

	logs, err := h.logs.ListLogs(ctx, f)
	if err != nil {
		h.storeError(w, err)
		return
	}
	count, err := h.logs.CountLogs(ctx, f)
	if err != nil {
		h.storeError(w, err)
		return
	}
	data := make([]*db.NotificationLog, 0, len(logs))
	for _, l := range logs {
		l.Recipient = format.MaskData(l.Recipient, format.MaskPhone)
		l.Payload = nil
		data = append(data, l)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":     data,
		"count":    count,
		"page":     page,
		"per_page": perPage,
	})
}

// GetNotification handles GET /v1/notifications/{id}.
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification id", "id must be a UUID")
		return
	}

	if h.logs != nil {
		l, err := h.logs.GetLog(r.Context(), id)
		if err == nil && !canRead(UserFromContext(r.Context()), l) {
			err = db.ErrLogNotFound
		}
		if err != nil {
			h.storeError(w, err)
			return
		}
		l.Recipient = format.MaskData(l.Recipient, format.MaskPhone)
		writeJSON(w, http.StatusOK, l)
		return
	}

	d := query.From(h.logTable).WhereEq("id", id.String()).Single().Build()
	_, res, err := h.data.QueryAsUser(r.Context(), BearerFromContext(r.Context()), d)
	if err != nil {
		h.writeClientError(w, err)
		return
	}
	row := res.First()
	maskRow(row)
	writeJSON(w, http.StatusOK, row)
}

func maskRow(row dataclient.Row) {
	if s, ok := row["recipient"].(string); ok {
		row["recipient"] = format.MaskData(s, format.MaskPhone)
	}
}

func privileged(u *postgrest.User) bool {
	return u != nil && u.Role == "service_role"
}

func canRead(u *postgrest.User, l *db.NotificationLog) bool {
	return privileged(u) || (u != nil && l.MemberID != nil && *l.MemberID == u.ID)
}

func (h *Handler) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrLogNotFound) {
		h.writeError(w, http.StatusNotFound, dataclient.CodeNotFound, "Notification not found", "")
		return
	}
	h.logger.Error("notification log read failed", zap.Error(err))
	h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
}

func intParam(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

var codeStatus = map[string]int{
	dataclient.CodePermissionDenied: http.StatusForbidden,
	dataclient.CodeNotFound:         http.StatusNotFound,
	dataclient.CodeUnauthorized:     http.StatusUnauthorized,
	dataclient.CodeValidation:       http.StatusBadRequest,
	dataclient.CodeNetwork:          http.StatusBadGateway,
}

// writeClientError maps a data client error onto an HTTP status.
func (h *Handler) writeClientError(w http.ResponseWriter, err error) {
	ce := dataclient.FormatError(err)
	status, ok := codeStatus[ce.Code]
	if !ok {
		status = http.StatusInternalServerError
		h.logger.Error("data request failed", zap.String("code", ce.Code), zap.String("message", ce.Message))
	}
	h.writeError(w, status, ce.Code, ce.Message, ce.Details)
}
