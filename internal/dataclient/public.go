package dataclient

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/koperasi/internal/postgrest"
)

type AuthEvent string

const (
	EventSignedIn  AuthEvent = "SIGNED_IN"
	EventSignedOut AuthEvent = "SIGNED_OUT"
)

// AuthListener is called after the session changes. session is nil on
// sign-out.
type AuthListener func(event AuthEvent, session *postgrest.Session)

// PublicClient is the anonymous-key client used by interactive callers. It
// keeps the signed-in session in memory and forwards its access token on
// every data call.
type PublicClient struct {
	*Client
	auth    SessionAuth
	storage Storage

	mu        sync.RWMutex
	session   *postgrest.Session
	listeners map[int]AuthListener
	nextID    int
}

// NewPublicClient needs the project URL and the anon key.
func NewPublicClient(cfg Config, logger *zap.Logger) (*PublicClient, error) {
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
	return newPublicClient(pg, pg, pg, cfg, logger), nil
}

func newPublicClient(backend Backend, auth SessionAuth, storage Storage, cfg Config, logger *zap.Logger) *PublicClient {
	p := &PublicClient{
		Client:    newKindClient(backend, KindPublic, cfg, logger),
		auth:      auth,
		storage:   storage,
		listeners: make(map[int]AuthListener),
	}
	p.Client.token = p.accessToken
	return p
}

func (p *PublicClient) accessToken() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.session == nil {
		return ""
	}
	return p.session.AccessToken
}

// SignIn authenticates with email and password and stores the session.
func (p *PublicClient) SignIn(ctx context.Context, email, password string) (*postgrest.Session, error) {
	start := time.Now()
	s, err := p.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, p.fail("sign_in", start, err)
	}
	p.ok("sign_in", start)
	p.setSession(EventSignedIn, s)
	return s, nil
}

// SignUp registers a user. The session is stored only when the service
// issues one immediately.
func (p *PublicClient) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*postgrest.Session, error) {
	start := time.Now()
	s, err := p.auth.SignUp(ctx, email, password, metadata)
	if err != nil {
		return nil, p.fail("sign_up", start, err)
	}
	p.ok("sign_up", start)
	if s.AccessToken != "" {
		p.setSession(EventSignedIn, s)
	}
	return s, nil
}

// SignOut revokes the session remotely and always clears it locally.
func (p *PublicClient) SignOut(ctx context.Context) error {
	tok := p.accessToken()
	if tok == "" {
		return nil
	}
	start := time.Now()
	err := p.auth.SignOut(ctx, tok)
	p.setSession(EventSignedOut, nil)
	if err != nil {
		return p.fail("sign_out", start, err)
	}
	p.ok("sign_out", start)
	return nil
}

// CurrentSession returns the stored session or nil.
func (p *PublicClient) CurrentSession() *postgrest.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}

// CurrentUser fetches the user behind the stored session.
func (p *PublicClient) CurrentUser(ctx context.Context) (*postgrest.User, error) {
	tok := p.accessToken()
	if tok == "" {
		return nil, &ClientError{Code: CodeUnauthorized, Message: "no active session"}
	}
	start := time.Now()
	u, err := p.auth.GetUser(ctx, tok)
	if err != nil {
		return nil, p.fail("current_user", start, err)
	}
	p.ok("current_user", start)
	return u, nil
}

// OnAuthStateChange registers l and returns a function that removes it.
func (p *PublicClient) OnAuthStateChange(l AuthListener) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = l
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *PublicClient) setSession(event AuthEvent, s *postgrest.Session) {
	p.mu.Lock()
	p.session = s
	ls := make([]AuthListener, 0, len(p.listeners))
	for _, l := range p.listeners {
		ls = append(ls, l)
	}
	p.mu.Unlock()

	for _, l := range ls {
		l(event, s)
	}
}

// UploadFile stores body at bucket/path and returns the object key.
func (p *PublicClient) UploadFile(ctx context.Context, bucket, path string, body io.Reader, opts postgrest.UploadOptions) (string, error) {
	if !p.caps.Write {
		return "", p.deny("upload", "write")
	}
	start := time.Now()
	key, err := p.storage.Upload(p.ctx(ctx), bucket, path, body, opts)
	if err != nil {
		return "", p.fail("upload", start, err)
	}
	p.ok("upload", start)
	return key, nil
}

// PublicURL builds the URL of an object in a public bucket. No request is
// made.
func (p *PublicClient) PublicURL(bucket, path string) string {
	return p.storage.PublicURL(bucket, path)
}

func (p *PublicClient) DeleteFiles(ctx context.Context, bucket string, paths ...string) error {
	if !p.caps.Write {
		return p.deny("delete_files", "write")
	}
	start := time.Now()
	if _, err := p.storage.Remove(p.ctx(ctx), bucket, paths); err != nil {
		return p.fail("delete_files", start, err)
	}
	p.ok("delete_files", start)
	return nil
}

func (p *PublicClient) SignedURL(ctx context.Context, bucket, path string, expiresIn time.Duration) (string, error) {
	if !p.caps.Read {
		return "", p.deny("signed_url", "read")
	}
	start := time.Now()
	u, err := p.storage.CreateSignedURL(p.ctx(ctx), bucket, path, expiresIn)
	if err != nil {
		return "", p.fail("signed_url", start, err)
	}
	p.ok("signed_url", start)
	return u, nil
}
