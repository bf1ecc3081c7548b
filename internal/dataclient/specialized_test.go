package dataclient

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/koperasi/internal/audit"
	"github.com/lalithlochan/koperasi/internal/postgrest"
	"github.com/lalithlochan/koperasi/internal/query"
)

func TestPublicClient_SessionLifecycle(t *testing.T) {
	be := &stubBackend{}
	auth := &stubAuth{
		session: &postgrest.Session{AccessToken: "user-at", User: &postgrest.User{ID: "u1"}},
		user:    &postgrest.User{ID: "u1"},
	}
	p := newPublicClient(be, auth, &stubStorage{}, Config{}, zap.NewNop())

	var events []AuthEvent
	unsubscribe := p.OnAuthStateChange(func(e AuthEvent, s *postgrest.Session) { events = append(events, e) })

	if _, err := p.CurrentUser(context.Background()); err == nil {
		t.Fatal("expected error without session")
	}

	if _, err := p.SignIn(context.Background(), "a@b.id", "pw"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if p.CurrentSession() == nil || p.CurrentSession().AccessToken != "user-at" {
		t.Fatal("session not stored")
	}

	// data calls carry the session token
	p.Query(context.Background(), query.From("members").Build())
	if be.tokens[0] != "user-at" {
		t.Fatalf("token forwarded = %q", be.tokens[0])
	}

	u, err := p.CurrentUser(context.Background())
	if err != nil || u.ID != "u1" {
		t.Fatalf("CurrentUser: %v %v", u, err)
	}

	if err := p.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if auth.signedOut != "user-at" || p.CurrentSession() != nil {
		t.Fatal("sign out did not clear session")
	}

	unsubscribe()
	p.SignIn(context.Background(), "a@b.id", "pw")

	if len(events) != 2 || events[0] != EventSignedIn || events[1] != EventSignedOut {
		t.Fatalf("events = %v", events)
	}
}

func TestPublicClient_SignUpWithoutSessionDoesNotSignIn(t *testing.T) {
	auth := &stubAuth{session: &postgrest.Session{User: &postgrest.User{ID: "pending"}}}
	p := newPublicClient(&stubBackend{}, auth, &stubStorage{}, Config{}, zap.NewNop())

	s, err := p.SignUp(context.Background(), "new@b.id", "pw", nil)
	if err != nil || s.User.ID != "pending" {
		t.Fatalf("SignUp: %v %v", s, err)
	}
	if p.CurrentSession() != nil {
		t.Fatal("unconfirmed sign-up must not store a session")
	}
}

func TestPublicClient_SignInErrorIsClientError(t *testing.T) {
	auth := &stubAuth{err: &postgrest.Error{Code: "invalid_grant", Message: "Invalid login credentials", Status: 400}}
	p := newPublicClient(&stubBackend{}, auth, &stubStorage{}, Config{}, zap.NewNop())

	_, err := p.SignIn(context.Background(), "a@b.id", "bad")
	var ce *ClientError
	if !errors.As(err, &ce) || ce.Code != "invalid_grant" {
		t.Fatalf("err = %v", err)
	}
}

func TestPublicClient_Storage(t *testing.T) {
	st := &stubStorage{}
	p := newPublicClient(&stubBackend{}, &stubAuth{}, st, Config{}, zap.NewNop())
	ctx := context.Background()

	key, err := p.UploadFile(ctx, "avatars", "m/1.png", strings.NewReader("png"), postgrest.UploadOptions{ContentType: "image/png"})
	if err != nil || key != "avatars/m/1.png" || st.uploaded != "png" {
		t.Fatalf("UploadFile: %q %v", key, err)
	}
	if got := p.PublicURL("avatars", "m/1.png"); got != "https://cdn.local/avatars/m/1.png" {
		t.Errorf("PublicURL = %q", got)
	}
	if err := p.DeleteFiles(ctx, "avatars", "m/1.png"); err != nil {
		t.Errorf("DeleteFiles: %v", err)
	}
	if u, err := p.SignedURL(ctx, "docs", "ktp.jpg", time.Minute); err != nil || u == "" {
		t.Errorf("SignedURL: %q %v", u, err)
	}
}

func TestServerClient_VerifyTokenLocal(t *testing.T) {
	secret := "super-secret-jwt-key"
	s := newServerClient(&stubBackend{}, &stubAuth{}, &stubStorage{}, Config{JWTSecret: secret}, zap.NewNop())

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "user-9",
		"email": "ani@koperasi.id",
		"role":  "authenticated",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
	})
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}

	u, err := s.VerifyToken(context.Background(), "Bearer "+signed)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if u.ID != "user-9" || u.Email != "ani@koperasi.id" || u.Role != "authenticated" {
		t.Fatalf("user = %+v", u)
	}

	forged, _ := tok.SignedString([]byte("wrong-secret"))
	if _, err := s.VerifyToken(context.Background(), forged); !hasCode(err, CodeUnauthorized) {
		t.Fatalf("forged token: %v", err)
	}

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Minute).Unix()})
	old, _ := expired.SignedString([]byte(secret))
	if _, err := s.VerifyToken(context.Background(), old); !hasCode(err, CodeUnauthorized) {
		t.Fatalf("expired token: %v", err)
	}

	if _, err := s.VerifyToken(context.Background(), "  "); !hasCode(err, CodeUnauthorized) {
		t.Fatalf("empty token: %v", err)
	}
}

func TestServerClient_VerifyTokenRemote(t *testing.T) {
	auth := &stubAuth{user: &postgrest.User{ID: "remote-user"}}
	s := newServerClient(&stubBackend{}, auth, &stubStorage{}, Config{}, zap.NewNop())

	u, err := s.VerifyToken(context.Background(), "opaque")
	if err != nil || u.ID != "remote-user" {
		t.Fatalf("VerifyToken: %v %v", u, err)
	}

	auth.err = &postgrest.Error{Code: "bad_jwt", Message: "invalid JWT", Status: 401}
	if _, err := s.VerifyToken(context.Background(), "opaque"); !hasCode(err, CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
}

func TestServerClient_QueryAsUserGatesOnToken(t *testing.T) {
	be := &stubBackend{rows: []Row{{"id": 1}}}
	auth := &stubAuth{err: errors.New("invalid")}
	s := newServerClient(be, auth, &stubStorage{}, Config{}, zap.NewNop())

	if _, _, err := s.QueryAsUser(context.Background(), "bad", query.From("savings").Build()); err == nil {
		t.Fatal("expected verification failure")
	}
	if be.calls != 0 {
		t.Fatal("query ran despite invalid token")
	}

	auth.err, auth.user = nil, &postgrest.User{ID: "u1"}
	u, res, err := s.QueryAsUser(context.Background(), "Bearer good", query.From("savings").Build())
	if err != nil || u.ID != "u1" || len(res.Data) != 1 {
		t.Fatalf("QueryAsUser: %v %v %v", u, res, err)
	}
	if be.tokens[0] != "good" {
		t.Fatalf("token forwarded = %q", be.tokens[0])
	}
}

func TestServerClient_RunSequenceStopsAtFirstFailure(t *testing.T) {
	be := &stubBackend{failTable: "broken"}
	s := newServerClient(be, &stubAuth{}, &stubStorage{}, Config{}, zap.NewNop())

	res, err := s.RunSequence(context.Background(), []Operation{
		{Kind: OpInsert, Table: "loans", Rows: []Row{{"amount": 1}}},
		{Kind: OpInsert, Table: "broken", Rows: []Row{{"amount": 2}}},
		{Kind: OpInsert, Table: "loans", Rows: []Row{{"amount": 3}}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Completed != 1 || res.FailedAt != 1 || len(res.Results) != 1 {
		t.Fatalf("res = %+v", res)
	}
	if be.calls != 2 {
		t.Fatalf("third op should not run, calls = %d", be.calls)
	}

	ok, err := s.RunSequence(context.Background(), []Operation{{Kind: OpDelete, Table: "loans", Filters: map[string]any{"id": 1}}})
	if err != nil || ok.FailedAt != -1 || ok.Completed != 1 {
		t.Fatalf("ok = %+v err = %v", ok, err)
	}
}

func TestServerClient_RPCAndFiles(t *testing.T) {
	be := &stubBackend{}
	st := &stubStorage{}
	s := newServerClient(be, &stubAuth{}, st, Config{}, zap.NewNop())
	ctx := context.Background()

	out, err := s.RPC(ctx, "monthly_summary", map[string]any{"koperasi_id": "k1"})
	if err != nil || string(out) != `{"ok":true}` || be.rpcFn != "monthly_summary" {
		t.Fatalf("RPC: %s %v", out, err)
	}
	if err := s.CopyFile(ctx, "docs", "a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := s.MoveFile(ctx, "docs", "b", "c"); err != nil {
		t.Fatal(err)
	}
	if info, err := s.FileMetadata(ctx, "docs", "c"); err != nil || info.Name != "c" {
		t.Fatalf("FileMetadata: %v %v", info, err)
	}
	urls, err := s.SignedURLs(ctx, "docs", []string{"a", "b"}, time.Hour)
	if err != nil || len(urls) != 2 {
		t.Fatalf("SignedURLs: %v %v", urls, err)
	}

	st.err = errNetwork
	if err := s.CopyFile(ctx, "docs", "a", "b"); err == nil {
		t.Fatal("expected storage error")
	}
}

type memSink struct{ entries []audit.Entry }

func (m *memSink) Record(ctx context.Context, e audit.Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func TestAdminClient_RequiresAdminCapability(t *testing.T) {
	be := &stubBackend{}
	auth := &stubAuth{}
	buckets := &stubBuckets{}
	a := &AdminClient{
		Client:  NewClient(be, ProfileFor(KindServer), zap.NewNop()),
		auth:    auth,
		buckets: buckets,
		audit:   audit.NewRecorder(nil, zap.NewNop()),
	}
	ctx := context.Background()

	checks := []error{}
	_, err := a.CreateUser(ctx, postgrest.UserAttributes{Email: "x@y.id"})
	checks = append(checks, err)
	checks = append(checks, a.DeleteUser(ctx, "u"))
	_, err = a.ListUsers(ctx, 1, 10)
	checks = append(checks, err)
	_, err = a.ExecSQL(ctx, "select 1")
	checks = append(checks, err)
	_, err = a.TruncateTable(ctx, "members")
	checks = append(checks, err)
	_, err = a.BackupTable(ctx, "members")
	checks = append(checks, err)
	_, err = a.Stats(ctx, "members")
	checks = append(checks, err)
	checks = append(checks, a.DeleteBucket(ctx, "b"))

	for i, err := range checks {
		if !IsPermission(err) {
			t.Errorf("check %d: expected permission error, got %v", i, err)
		}
	}
	if be.calls != 0 || len(auth.created) != 0 || len(buckets.emptied) != 0 {
		t.Fatal("privileged operation dispatched without admin capability")
	}
}

func TestAdminClient_UserLifecycleIsAudited(t *testing.T) {
	sink := &memSink{}
	auth := &stubAuth{}
	a := newAdminClient(&stubBackend{}, auth, &stubBuckets{}, Config{}, zap.NewNop(), WithAuditSink(sink), WithActor("ops@koperasi.id"))
	ctx := context.Background()

	u, err := a.CreateUser(ctx, postgrest.UserAttributes{Email: "budi@koperasi.id", Password: "pw"})
	if err != nil || u.ID != "new" {
		t.Fatalf("CreateUser: %v %v", u, err)
	}
	if err := a.DeleteUser(ctx, "new"); err != nil {
		t.Fatal(err)
	}
	if err := a.SendPasswordReset(ctx, "budi@koperasi.id", ""); err != nil {
		t.Fatal(err)
	}
	if got, err := a.GetUser(ctx, "x"); err != nil || got.ID != "x" {
		t.Fatalf("GetUser: %v %v", got, err)
	}
	if users, err := a.ListUsers(ctx, 1, 50); err != nil || len(users) != 2 {
		t.Fatalf("ListUsers: %v %v", users, err)
	}

	if len(sink.entries) != 3 {
		t.Fatalf("audit entries = %d", len(sink.entries))
	}
	first := sink.entries[0]
	if first.Action != "create_user" || first.Actor != "ops@koperasi.id" || first.Details["email"] != "b***@koperasi.id" {
		t.Fatalf("entry = %+v", first)
	}
}

func TestAdminClient_FailedOperationAuditedAsFailure(t *testing.T) {
	sink := &memSink{}
	auth := &stubAuth{err: &postgrest.Error{Code: "user_not_found", Message: "User not found", Status: 404}}
	a := newAdminClient(&stubBackend{}, auth, &stubBuckets{}, Config{}, zap.NewNop(), WithAuditSink(sink))

	if err := a.DeleteUser(context.Background(), "ghost"); !IsNotFound(err) {
		t.Fatalf("err = %v", err)
	}
	if sink.entries[0].Outcome != audit.OutcomeFailure {
		t.Fatalf("entry = %+v", sink.entries[0])
	}
}

func TestAdminClient_ExecSQLDelegatesToProcedure(t *testing.T) {
	be := &stubBackend{}
	a := newAdminClient(be, &stubAuth{}, &stubBuckets{}, Config{}, zap.NewNop())

	if _, err := a.ExecSQL(context.Background(), "vacuum analyze members"); err != nil {
		t.Fatal(err)
	}
	if be.rpcFn != ExecSQLFunction {
		t.Fatalf("fn = %q", be.rpcFn)
	}
	if be.rpcParams.(map[string]string)["query"] != "vacuum analyze members" {
		t.Fatalf("params = %v", be.rpcParams)
	}
}

func TestAdminClient_BackupTablePages(t *testing.T) {
	rows := make([]Row, 2500)
	for i := range rows {
		rows[i] = Row{"id": i}
	}
	be := &stubBackend{rows: rows}
	a := newAdminClient(be, &stubAuth{}, &stubBuckets{}, Config{}, zap.NewNop())

	got, err := a.BackupTable(context.Background(), "transactions")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2500 {
		t.Fatalf("rows = %d", len(got))
	}
	if be.calls != 3 {
		t.Fatalf("pages fetched = %d", be.calls)
	}
	for i, d := range be.selected {
		want := []query.OrderBy{{Column: "id"}}
		if !reflect.DeepEqual(d.Order, want) {
			t.Errorf("page %d order = %+v", i, d.Order)
		}
		if d.Offset != i*backupPageSize {
			t.Errorf("page %d offset = %d", i, d.Offset)
		}
	}
}

func TestAdminClient_StatsAndTruncate(t *testing.T) {
	n := int64(42)
	be := &stubBackend{count: &n, rows: []Row{{"id": 1}}}
	a := newAdminClient(be, &stubAuth{}, &stubBuckets{}, Config{}, zap.NewNop())
	ctx := context.Background()

	stats, err := a.Stats(ctx, "members", "loans")
	if err != nil || stats["members"] != 42 || stats["loans"] != 42 {
		t.Fatalf("Stats: %v %v", stats, err)
	}
	if !be.selected[0].Count {
		t.Fatal("stats query did not request a count")
	}

	removed, err := a.TruncateTable(ctx, "loans")
	if err != nil || removed != 2 {
		t.Fatalf("TruncateTable: %d %v", removed, err)
	}
	if _, ok := be.deleted[0]["id__not_is"]; !ok {
		t.Fatalf("truncate filter = %v", be.deleted[0])
	}
}

func TestAdminClient_Buckets(t *testing.T) {
	buckets := &stubBuckets{}
	a := newAdminClient(&stubBackend{}, &stubAuth{}, buckets, Config{}, zap.NewNop())
	ctx := context.Background()

	b, err := a.CreateBucket(ctx, "ktp", false)
	if err != nil || b.ID != "ktp" {
		t.Fatalf("CreateBucket: %v %v", b, err)
	}
	if err := a.DeleteBucket(ctx, "ktp"); err != nil {
		t.Fatal(err)
	}
	if len(buckets.emptied) != 1 || len(buckets.deleted) != 1 {
		t.Fatalf("emptied=%v deleted=%v", buckets.emptied, buckets.deleted)
	}

	buckets.err = errNetwork
	if err := a.DeleteBucket(ctx, "ktp"); err == nil {
		t.Fatal("expected error")
	}
	if len(buckets.deleted) != 1 {
		t.Fatal("delete attempted after empty failed")
	}
}
