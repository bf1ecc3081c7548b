package dataclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/lalithlochan/koperasi/internal/postgrest"
	"github.com/lalithlochan/koperasi/internal/query"
)

// stubBackend echoes writes and serves canned reads. calls counts every
// dispatched request.
type stubBackend struct {
	calls int

	rows     []Row
	count    *int64
	selected []query.Descriptor
	tokens   []string

	failTable string
	err       error

	rpcFn     string
	rpcParams any

	deleted []map[string]any
}

func (s *stubBackend) record(ctx context.Context) {
	s.calls++
	tok, _ := postgrest.AccessToken(ctx)
	s.tokens = append(s.tokens, tok)
}

func (s *stubBackend) Select(ctx context.Context, d query.Descriptor) ([]Row, *int64, error) {
	s.record(ctx)
	s.selected = append(s.selected, d)
	if s.err != nil {
		return nil, nil, s.err
	}
	rows := s.rows
	if d.Limit > 0 && d.Offset < len(rows) {
		end := d.Offset + d.Limit
		if end > len(rows) {
			end = len(rows)
		}
		rows = rows[d.Offset:end]
	} else if d.Offset >= len(rows) && d.Offset > 0 {
		rows = nil
	}
	return rows, s.count, nil
}

func (s *stubBackend) Insert(ctx context.Context, table string, rows []Row) ([]Row, error) {
	s.record(ctx)
	if s.err != nil || table == s.failTable {
		return nil, s.failure()
	}
	return rows, nil
}

func (s *stubBackend) Update(ctx context.Context, table string, patch Row, filters map[string]any) ([]Row, error) {
	s.record(ctx)
	if s.err != nil || table == s.failTable {
		return nil, s.failure()
	}
	row := Row{}
	for k, v := range filters {
		row[k] = v
	}
	for k, v := range patch {
		row[k] = v
	}
	return []Row{row}, nil
}

func (s *stubBackend) Delete(ctx context.Context, table string, filters map[string]any) ([]Row, error) {
	s.record(ctx)
	if s.err != nil || table == s.failTable {
		return nil, s.failure()
	}
	s.deleted = append(s.deleted, filters)
	return []Row{{"id": 1}, {"id": 2}}, nil
}

func (s *stubBackend) RPC(ctx context.Context, fn string, params any) (json.RawMessage, error) {
	s.record(ctx)
	s.rpcFn, s.rpcParams = fn, params
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (s *stubBackend) failure() error {
	if s.err != nil {
		return s.err
	}
	return &postgrest.Error{Code: "23505", Message: "duplicate key value", Status: 409}
}

type stubSub struct{ closed bool }

func (s *stubSub) Unsubscribe() error {
	s.closed = true
	return nil
}

type realtimeBackend struct {
	stubBackend
	feeds []postgrest.ChangeFeed
}

func (r *realtimeBackend) Subscribe(ctx context.Context, feed postgrest.ChangeFeed, h func(postgrest.Change)) (Subscription, error) {
	r.calls++
	r.feeds = append(r.feeds, feed)
	h(postgrest.Change{Type: "INSERT", Table: feed.Table})
	return &stubSub{}, nil
}

type stubAuth struct {
	session   *postgrest.Session
	user      *postgrest.User
	err       error
	signedOut string

	created  []postgrest.UserAttributes
	deleted  []string
	recovery []string
}

func (a *stubAuth) SignInWithPassword(ctx context.Context, email, password string) (*postgrest.Session, error) {
	return a.session, a.err
}

func (a *stubAuth) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*postgrest.Session, error) {
	return a.session, a.err
}

func (a *stubAuth) SignOut(ctx context.Context, accessToken string) error {
	a.signedOut = accessToken
	return a.err
}

func (a *stubAuth) GetUser(ctx context.Context, accessToken string) (*postgrest.User, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.user, nil
}

func (a *stubAuth) AdminCreateUser(ctx context.Context, attrs postgrest.UserAttributes) (*postgrest.User, error) {
	a.created = append(a.created, attrs)
	if a.err != nil {
		return nil, a.err
	}
	return &postgrest.User{ID: "new", Email: attrs.Email}, nil
}

func (a *stubAuth) AdminUpdateUser(ctx context.Context, id string, attrs postgrest.UserAttributes) (*postgrest.User, error) {
	return &postgrest.User{ID: id}, a.err
}

func (a *stubAuth) AdminDeleteUser(ctx context.Context, id string) error {
	a.deleted = append(a.deleted, id)
	return a.err
}

func (a *stubAuth) AdminGetUser(ctx context.Context, id string) (*postgrest.User, error) {
	return &postgrest.User{ID: id}, a.err
}

func (a *stubAuth) AdminListUsers(ctx context.Context, page, perPage int) ([]postgrest.User, error) {
	return []postgrest.User{{ID: "a"}, {ID: "b"}}, a.err
}

func (a *stubAuth) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	a.recovery = append(a.recovery, email)
	return a.err
}

type stubStorage struct {
	calls    int
	uploaded string
	err      error
}

func (s *stubStorage) Upload(ctx context.Context, bucket, path string, body io.Reader, opts postgrest.UploadOptions) (string, error) {
	s.calls++
	b, _ := io.ReadAll(body)
	s.uploaded = string(b)
	return bucket + "/" + path, s.err
}

func (s *stubStorage) PublicURL(bucket, path string) string {
	return "https://cdn.local/" + bucket + "/" + path
}

func (s *stubStorage) Remove(ctx context.Context, bucket string, paths []string) ([]postgrest.FileObject, error) {
	s.calls++
	return nil, s.err
}

func (s *stubStorage) CreateSignedURL(ctx context.Context, bucket, path string, expiresIn time.Duration) (string, error) {
	s.calls++
	return "https://signed.local/" + path, s.err
}

func (s *stubStorage) CreateSignedURLs(ctx context.Context, bucket string, paths []string, expiresIn time.Duration) ([]postgrest.SignedURL, error) {
	s.calls++
	out := make([]postgrest.SignedURL, len(paths))
	for i, p := range paths {
		out[i] = postgrest.SignedURL{Path: p, SignedURL: "https://signed.local/" + p}
	}
	return out, s.err
}

func (s *stubStorage) Copy(ctx context.Context, bucket, from, to string) error {
	s.calls++
	return s.err
}

func (s *stubStorage) Move(ctx context.Context, bucket, from, to string) error {
	s.calls++
	return s.err
}

func (s *stubStorage) Info(ctx context.Context, bucket, path string) (*postgrest.FileObject, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &postgrest.FileObject{Name: path}, nil
}

type stubBuckets struct {
	emptied, deleted []string
	err              error
}

func (b *stubBuckets) CreateBucket(ctx context.Context, id string, public bool) (*postgrest.Bucket, error) {
	return &postgrest.Bucket{ID: id, Public: public}, b.err
}

func (b *stubBuckets) EmptyBucket(ctx context.Context, id string) error {
	b.emptied = append(b.emptied, id)
	return b.err
}

func (b *stubBuckets) DeleteBucket(ctx context.Context, id string) error {
	b.deleted = append(b.deleted, id)
	return nil
}

var errNetwork = errors.New("dial tcp: connection refused")
