package dataclient

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/lalithlochan/koperasi/internal/postgrest"
	"github.com/lalithlochan/koperasi/internal/query"
)

// Row is one table row as decoded from the service.
type Row = map[string]any

// Backend is the table and RPC protocol the clients dispatch to.
// *postgrest.Client implements it.
type Backend interface {
	Select(ctx context.Context, d query.Descriptor) ([]Row, *int64, error)
	Insert(ctx context.Context, table string, rows []Row) ([]Row, error)
	Update(ctx context.Context, table string, patch Row, filters map[string]any) ([]Row, error)
	Delete(ctx context.Context, table string, filters map[string]any) ([]Row, error)
	RPC(ctx context.Context, fn string, params any) (json.RawMessage, error)
}

// Subscription is an open change feed. The caller must Unsubscribe.
type Subscription interface {
	Unsubscribe() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, feed postgrest.ChangeFeed, handler func(postgrest.Change)) (Subscription, error)
}

// SessionAuth covers the user-facing GoTrue calls.
type SessionAuth interface {
	SignInWithPassword(ctx context.Context, email, password string) (*postgrest.Session, error)
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*postgrest.Session, error)
	SignOut(ctx context.Context, accessToken string) error
	GetUser(ctx context.Context, accessToken string) (*postgrest.User, error)
}

type AdminAuth interface {
	AdminCreateUser(ctx context.Context, attrs postgrest.UserAttributes) (*postgrest.User, error)
	AdminUpdateUser(ctx context.Context, id string, attrs postgrest.UserAttributes) (*postgrest.User, error)
	AdminDeleteUser(ctx context.Context, id string) error
	AdminGetUser(ctx context.Context, id string) (*postgrest.User, error)
	AdminListUsers(ctx context.Context, page, perPage int) ([]postgrest.User, error)
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
}

type Storage interface {
	Upload(ctx context.Context, bucket, path string, body io.Reader, opts postgrest.UploadOptions) (string, error)
	PublicURL(bucket, path string) string
	Remove(ctx context.Context, bucket string, paths []string) ([]postgrest.FileObject, error)
	CreateSignedURL(ctx context.Context, bucket, path string, expiresIn time.Duration) (string, error)
	CreateSignedURLs(ctx context.Context, bucket string, paths []string, expiresIn time.Duration) ([]postgrest.SignedURL, error)
	Copy(ctx context.Context, bucket, from, to string) error
	Move(ctx context.Context, bucket, from, to string) error
	Info(ctx context.Context, bucket, path string) (*postgrest.FileObject, error)
}

type BucketAdmin interface {
	CreateBucket(ctx context.Context, id string, public bool) (*postgrest.Bucket, error)
	EmptyBucket(ctx context.Context, id string) error
	DeleteBucket(ctx context.Context, id string) error
}

// realtimeAdapter narrows *postgrest.Subscription to the Subscription
// interface.
type realtimeAdapter struct {
	pg *postgrest.Client
}

func (r realtimeAdapter) Subscribe(ctx context.Context, feed postgrest.ChangeFeed, handler func(postgrest.Change)) (Subscription, error) {
	sub, err := r.pg.Subscribe(ctx, feed, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
