package dataclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/koperasi/internal/postgrest"
	"github.com/lalithlochan/koperasi/internal/query"
)

// TokenResolver resolves an access token to its user remotely.
type TokenResolver interface {
	GetUser(ctx context.Context, accessToken string) (*postgrest.User, error)
}

// ServerClient is the stateless anon-key client for request handlers. It
// keeps no session; each call carries the caller's token explicitly.
type ServerClient struct {
	*Client
	users     TokenResolver
	storage   Storage
	jwtSecret []byte
}

// NewServerClient needs the project URL and the anon key. When
// cfg.JWTSecret is set tokens are verified locally.
func NewServerClient(cfg Config, logger *zap.Logger) (*ServerClient, error) {
	if cfg.URL == "" || cfg.AnonKey == "" {
		return nil, ErrMissingCredentials
	}
	pg, err := postgrest.New(postgrest.Config{
		URL:     cfg.URL,
		APIKey:  cfg.AnonKey,
		Schema:  cfg.Schema,
		Timeout: cfg.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	return newServerClient(pg, pg, pg, cfg, logger), nil
}

func newServerClient(backend Backend, users TokenResolver, storage Storage, cfg Config, logger *zap.Logger) *ServerClient {
	s := &ServerClient{
		Client:  newKindClient(backend, KindServer, cfg, logger),
		users:   users,
		storage: storage,
	}
	if cfg.JWTSecret != "" {
		s.jwtSecret = []byte(cfg.JWTSecret)
	}
	return s
}

// VerifyToken validates a bearer token and resolves it to a user. An
// "Authorization" header value with the "Bearer " prefix is accepted too.
func (s *ServerClient) VerifyToken(ctx context.Context, bearer string) (*postgrest.User, error) {
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(bearer), "Bearer "))
	if token == "" {
		return nil, &ClientError{Code: CodeUnauthorized, Message: "missing bearer token"}
	}

	start := time.Now()
	if s.jwtSecret != nil {
		u, err := s.verifyLocal(token)
		if err != nil {
			return nil, s.fail("verify_token", start, err)
		}
		s.ok("verify_token", start)
		return u, nil
	}

	u, err := s.users.GetUser(ctx, token)
	if err != nil {
		return nil, s.fail("verify_token", start, err)
	}
	s.ok("verify_token", start)
	return u, nil
}

func (s *ServerClient) verifyLocal(token string) (*postgrest.User, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		msg := "invalid token"
		if err != nil {
			msg = err.Error()
		}
		return nil, &ClientError{Code: CodeUnauthorized, Message: msg, cause: err}
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, &ClientError{Code: CodeUnauthorized, Message: "token has no subject"}
	}
	u := &postgrest.User{ID: sub}
	u.Email, _ = claims["email"].(string)
	u.Phone, _ = claims["phone"].(string)
	u.Role, _ = claims["role"].(string)
	u.AppMetadata, _ = claims["app_metadata"].(map[string]any)
	u.UserMetadata, _ = claims["user_metadata"].(map[string]any)
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		u.CreatedAt = iat.Time
	}
	return u, nil
}

// QueryAsUser verifies bearer and, only if it is valid, runs d with the
// token forwarded so row-level policies apply to that user.
func (s *ServerClient) QueryAsUser(ctx context.Context, bearer string, d query.Descriptor) (*postgrest.User, *QueryResult, error) {
	u, err := s.VerifyToken(ctx, bearer)
	if err != nil {
		return nil, nil, err
	}
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(bearer), "Bearer "))
	res, err := s.Query(postgrest.WithAccessToken(ctx, token), d)
	if err != nil {
		return u, nil, err
	}
	return u, res, nil
}

// RPC invokes a stored procedure.
func (s *ServerClient) RPC(ctx context.Context, fn string, params any) (json.RawMessage, error) {
	if !s.caps.Read {
		return nil, s.deny("rpc", "read")
	}
	return s.rpc(ctx, fn, params)
}

func (c *Client) rpc(ctx context.Context, fn string, params any) (json.RawMessage, error) {
	start := time.Now()
	out, err := c.backend.RPC(c.ctx(ctx), fn, params)
	if err != nil {
		return nil, c.fail("rpc", start, err)
	}
	c.ok("rpc", start)
	return out, nil
}

// SequenceResult reports how far a RunSequence got. FailedAt is -1 when
// every operation succeeded.
type SequenceResult struct {
	Results   [][]Row
	Completed int
	FailedAt  int
}

// RunSequence applies ops in order and stops at the first failure. It is
// not a transaction: operations that already succeeded stay applied.
func (s *ServerClient) RunSequence(ctx context.Context, ops []Operation) (*SequenceResult, error) {
	if !s.caps.Write {
		return nil, s.deny("sequence", "write")
	}
	res := &SequenceResult{Results: make([][]Row, 0, len(ops)), FailedAt: -1}
	for i, op := range ops {
		rows, err := s.apply(ctx, op)
		if err != nil {
			res.FailedAt = i
			s.logger.Warn("sequence aborted",
				zap.Int("index", i),
				zap.Int("completed", res.Completed),
				zap.String("table", op.Table),
			)
			return res, FormatError(err)
		}
		res.Results = append(res.Results, rows)
		res.Completed++
	}
	return res, nil
}

func (s *ServerClient) CopyFile(ctx context.Context, bucket, from, to string) error {
	if !s.caps.Write {
		return s.deny("copy_file", "write")
	}
	start := time.Now()
	if err := s.storage.Copy(ctx, bucket, from, to); err != nil {
		return s.fail("copy_file", start, err)
	}
	s.ok("copy_file", start)
	return nil
}

func (s *ServerClient) MoveFile(ctx context.Context, bucket, from, to string) error {
	if !s.caps.Write {
		return s.deny("move_file", "write")
	}
	start := time.Now()
	if err := s.storage.Move(ctx, bucket, from, to); err != nil {
		return s.fail("move_file", start, err)
	}
	s.ok("move_file", start)
	return nil
}

func (s *ServerClient) FileMetadata(ctx context.Context, bucket, path string) (*postgrest.FileObject, error) {
	if !s.caps.Read {
		return nil, s.deny("file_metadata", "read")
	}
	start := time.Now()
	info, err := s.storage.Info(ctx, bucket, path)
	if err != nil {
		return nil, s.fail("file_metadata", start, err)
	}
	s.ok("file_metadata", start)
	return info, nil
}

// SignedURLs signs several objects at once. Per-object failures are
// reported in the entries rather than as an error.
func (s *ServerClient) SignedURLs(ctx context.Context, bucket string, paths []string, expiresIn time.Duration) ([]postgrest.SignedURL, error) {
	if !s.caps.Read {
		return nil, s.deny("signed_urls", "read")
	}
	start := time.Now()
	urls, err := s.storage.CreateSignedURLs(ctx, bucket, paths, expiresIn)
	if err != nil {
		return nil, s.fail("signed_urls", start, err)
	}
	s.ok("signed_urls", start)
	return urls, nil
}
