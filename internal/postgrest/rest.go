package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lalithlochan/koperasi/internal/query"
)

// Select runs a read described by d. The returned count is non-nil only
// when d.Count is set and the server reported a total.
func (c *Client) Select(ctx context.Context, d query.Descriptor) ([]map[string]any, *int64, error) {
	if d.Table == "" {
		return nil, nil, fmt.Errorf("table is required")
	}

	v := url.Values{}
	v.Set("select", selectClause(d))
	encodeFilters(v, d.Filters)
	if len(d.Order) > 0 {
		parts := make([]string, 0, len(d.Order))
		for _, o := range d.Order {
			dir := "asc"
			if o.Descending {
				dir = "desc"
			}
			parts = append(parts, o.Column+"."+dir)
		}
		v.Set("order", strings.Join(parts, ","))
	}
	if d.Limit > 0 {
		v.Set("limit", strconv.Itoa(d.Limit))
	}
	if d.Offset > 0 {
		v.Set("offset", strconv.Itoa(d.Offset))
	}

	headers := c.profileHeaders(false)
	if d.Count {
		headers["Prefer"] = "count=exact"
	}

	resp, err := c.do(ctx, request{
		method:  "GET",
		url:     c.tableURL(d.Table) + "?" + v.Encode(),
		headers: headers,
	})
	if err != nil {
		return nil, nil, err
	}

	var rows []map[string]any
	if err := json.Unmarshal(resp.body, &rows); err != nil {
		return nil, nil, fmt.Errorf("unmarshal rows: %w", err)
	}

	var count *int64
	if d.Count {
		count = parseContentRange(resp.header.Get("Content-Range"))
	}
	return rows, count, nil
}

// Insert writes rows and returns them as stored.
func (c *Client) Insert(ctx context.Context, table string, rows []map[string]any) ([]map[string]any, error) {
	var out []map[string]any
	err := c.write(ctx, "POST", table, nil, rows, &out)
	return out, err
}

// Update patches every row matching filters and returns the updated rows.
func (c *Client) Update(ctx context.Context, table string, patch map[string]any, filters map[string]any) ([]map[string]any, error) {
	var out []map[string]any
	err := c.write(ctx, "PATCH", table, filters, patch, &out)
	return out, err
}

// Delete removes every row matching filters and returns the removed rows.
func (c *Client) Delete(ctx context.Context, table string, filters map[string]any) ([]map[string]any, error) {
	var out []map[string]any
	err := c.write(ctx, "DELETE", table, filters, nil, &out)
	return out, err
}

func (c *Client) write(ctx context.Context, method, table string, filters map[string]any, in any, out *[]map[string]any) error {
	if table == "" {
		return fmt.Errorf("table is required")
	}
	u := c.tableURL(table)
	if len(filters) > 0 {
		v := url.Values{}
		encodeFilters(v, filters)
		u += "?" + v.Encode()
	}
	headers := c.profileHeaders(true)
	headers["Prefer"] = "return=representation"
	return c.doJSON(ctx, method, u, in, out, headers)
}

// RPC calls a stored procedure and returns its raw JSON result.
func (c *Client) RPC(ctx context.Context, fn string, params any) (json.RawMessage, error) {
	if fn == "" {
		return nil, fmt.Errorf("function name is required")
	}
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	resp, err := c.do(ctx, request{
		method:  "POST",
		url:     c.restURL + "/rpc/" + url.PathEscape(fn),
		body:    bytes.NewReader(b),
		headers: c.profileHeaders(true),
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.body), nil
}

func (c *Client) tableURL(table string) string {
	return c.restURL + "/" + url.PathEscape(table)
}

func (c *Client) profileHeaders(write bool) map[string]string {
	h := map[string]string{}
	if c.cfg.Schema != "public" {
		if write {
			h["Content-Profile"] = c.cfg.Schema
		} else {
			h["Accept-Profile"] = c.cfg.Schema
		}
	}
	return h
}

func selectClause(d query.Descriptor) string {
	cols := "*"
	if len(d.Columns) > 0 {
		cols = strings.Join(d.Columns, ",")
	}
	for _, j := range d.Joins {
		name := j.Table
		if j.Hint != "" {
			name += "!" + j.Hint
		}
		if j.Kind == query.JoinInner {
			name += "!inner"
		}
		inner := "*"
		if len(j.Columns) > 0 {
			inner = strings.Join(j.Columns, ",")
		}
		cols += "," + name + "(" + inner + ")"
	}
	return cols
}

// encodeFilters translates a descriptor filter map into PostgREST query
// parameters. Keys are visited in sorted order so the encoding is stable.
func encodeFilters(v url.Values, filters map[string]any) {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		col, op := query.SplitKey(k)
		v.Add(col, encodeCondition(op, filters[k]))
	}
}

func encodeCondition(op string, val any) string {
	switch op {
	case "":
		return inferCondition(val)
	case query.OpIn:
		return "in.(" + joinList(val) + ")"
	case query.OpLike, query.OpILike:
		return op + "." + strings.ReplaceAll(formatValue(val), "%", "*")
	case query.OpIsNull:
		return "is.null"
	case query.OpNotNull:
		return "not.is.null"
	case query.OpFTS:
		return "fts." + formatValue(val)
	default:
		return op + "." + formatValue(val)
	}
}

// inferCondition applies the plain-key rules: nil is a null check, a slice
// is set membership, a string holding a wildcard is a pattern match, and
// anything else is equality.
func inferCondition(val any) string {
	if val == nil {
		return "is.null"
	}
	if isList(val) {
		return "in.(" + joinList(val) + ")"
	}
	if s, ok := val.(string); ok && strings.ContainsAny(s, "%*") {
		return "like." + strings.ReplaceAll(s, "%", "*")
	}
	return "eq." + formatValue(val)
}

func isList(val any) bool {
	rv := reflect.ValueOf(val)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	return rv.Type().Elem().Kind() != reflect.Uint8
}

func joinList(val any) string {
	if !isList(val) {
		return quoteListItem(formatValue(val))
	}
	rv := reflect.ValueOf(val)
	parts := make([]string, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		parts[i] = quoteListItem(formatValue(rv.Index(i).Interface()))
	}
	return strings.Join(parts, ",")
}

func quoteListItem(s string) string {
	if strings.ContainsAny(s, `,()" `) {
		return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return s
}

func formatValue(val any) string {
	switch t := val.(type) {
	case nil:
		return "null"
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// parseContentRange reads the total from a "0-24/3573" or "*/0" header.
func parseContentRange(h string) *int64 {
	i := strings.LastIndex(h, "/")
	if i < 0 || h[i+1:] == "*" {
		return nil
	}
	n, err := strconv.ParseInt(h[i+1:], 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
