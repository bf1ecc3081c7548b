package postgrest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/koperasi/internal/query"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{URL: srv.URL, APIKey: "anon-key"}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_RequiresURLAndKey(t *testing.T) {
	if _, err := New(Config{APIKey: "k"}, zap.NewNop()); !errors.Is(err, ErrMissingURL) {
		t.Fatalf("expected ErrMissingURL, got %v", err)
	}
	if _, err := New(Config{URL: "http://x"}, zap.NewNop()); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestSelect_EncodesDescriptor(t *testing.T) {
	var got url.Values
	var path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		got = r.URL.Query()
		if r.Header.Get("apikey") != "anon-key" {
			t.Errorf("missing apikey header")
		}
		if r.Header.Get("Authorization") != "Bearer anon-key" {
			t.Errorf("unexpected Authorization %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`[]`))
	})

	d := query.From("members").
		Select("id", "name").
		InnerJoin("koperasi", "name").
		WhereEq("status", "active").
		WhereIn("branch", []any{"a", "b c"}).
		WhereLike("name", "%budi%").
		WhereGte("balance", 100).
		WhereNotNull("verified_at").
		OrderBy("name", false).
		OrderBy("joined_at", true).
		Paginate(3, 10).
		Build()

	if _, _, err := c.Select(context.Background(), d); err != nil {
		t.Fatalf("Select: %v", err)
	}

	if path != "/rest/v1/members" {
		t.Errorf("path = %q", path)
	}
	want := map[string]string{
		"select":      "id,name,koperasi!inner(name)",
		"status":      "eq.active",
		"branch":      `in.(a,"b c")`,
		"name":        "like.*budi*",
		"balance":     "gte.100",
		"verified_at": "not.is.null",
		"order":       "name.asc,joined_at.desc",
		"limit":       "10",
		"offset":      "20",
	}
	for k, v := range want {
		if got.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, got.Get(k), v)
		}
	}
}

func TestEncodeCondition_PlainKeyInference(t *testing.T) {
	tests := []struct {
		name string
		val  any
		want string
	}{
		{"scalar", 42, "eq.42"},
		{"string", "aktif", "eq.aktif"},
		{"bool", true, "eq.true"},
		{"slice", []string{"x", "y"}, "in.(x,y)"},
		{"wildcard percent", "08%", "like.08*"},
		{"wildcard star", "*@mail.com", "like.*@mail.com"},
		{"nil", nil, "is.null"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := encodeCondition("", tt.val); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSelect_ParsesCount(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Prefer") != "count=exact" {
			t.Errorf("Prefer = %q", r.Header.Get("Prefer"))
		}
		w.Header().Set("Content-Range", "0-1/57")
		w.Write([]byte(`[{"id":1},{"id":2}]`))
	})

	rows, count, err := c.Select(context.Background(), query.From("loans").WithCount().Build())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if count == nil || *count != 57 {
		t.Fatalf("count = %v", count)
	}
}

func TestSelect_UsesContextAccessToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer user-jwt" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`[]`))
	})
	ctx := WithAccessToken(context.Background(), "user-jwt")
	if _, _, err := c.Select(ctx, query.From("members").Build()); err != nil {
		t.Fatalf("Select: %v", err)
	}
}

func TestInsert_ReturnsRepresentation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.Header.Get("Prefer") != "return=representation" {
			t.Errorf("Prefer = %q", r.Header.Get("Prefer"))
		}
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	})

	rows, err := c.Insert(context.Background(), "members", []map[string]any{{"name": "Siti"}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != "Siti" {
		t.Fatalf("rows = %#v", rows)
	}
}

func TestDelete_AppliesFilters(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Query().Get("id") != "eq.7" {
			t.Errorf("id filter = %q", r.URL.Query().Get("id"))
		}
		w.Write([]byte(`[{"id":7}]`))
	})
	rows, err := c.Delete(context.Background(), "members", map[string]any{"id": 7})
	if err != nil || len(rows) != 1 {
		t.Fatalf("Delete: %v %v", rows, err)
	}
}

func TestErrorResponse_IsParsed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"code":"23505","message":"duplicate key","details":"Key (nik) exists","hint":null}`))
	})

	_, err := c.Insert(context.Background(), "members", []map[string]any{{"nik": "1"}})
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *Error, got %T %v", err, err)
	}
	if pe.Code != "23505" || pe.Message != "duplicate key" || pe.Details != "Key (nik) exists" || pe.Status != 409 {
		t.Fatalf("unexpected error %+v", pe)
	}
}

func TestErrorResponse_NonJSONBody(t *testing.T) {
	err := parseError([]byte("bad gateway"), 502)
	var pe *Error
	if !errors.As(err, &pe) || pe.Code != "http_502" || pe.Message != "bad gateway" {
		t.Fatalf("unexpected %+v", err)
	}
}

func TestRPC_PostsParams(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/rpc/exec_sql" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var p map[string]string
		json.NewDecoder(r.Body).Decode(&p)
		if p["query"] != "select 1" {
			t.Errorf("params = %v", p)
		}
		w.Write([]byte(`[{"?column?":1}]`))
	})
	out, err := c.RPC(context.Background(), "exec_sql", map[string]string{"query": "select 1"})
	if err != nil {
		t.Fatalf("RPC: %v", err)
	}
	if string(out) != `[{"?column?":1}]` {
		t.Fatalf("out = %s", out)
	}
}

func TestParseContentRange(t *testing.T) {
	if n := parseContentRange("*/0"); n == nil || *n != 0 {
		t.Errorf("*/0 -> %v", n)
	}
	if n := parseContentRange("0-9/*"); n != nil {
		t.Errorf("unknown total should be nil, got %v", *n)
	}
	if n := parseContentRange(""); n != nil {
		t.Errorf("empty header should be nil")
	}
}
