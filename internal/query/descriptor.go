package query

import "strings"

// Operator suffixes used in descriptor filter keys. A plain column key means
// equality; every other operator is encoded as "column__op".
const (
	OpEq      = "eq"
	OpNeq     = "neq"
	OpIn      = "in"
	OpLike    = "like"
	OpILike   = "ilike"
	OpGt      = "gt"
	OpGte     = "gte"
	OpLt      = "lt"
	OpLte     = "lte"
	OpIsNull  = "is"
	OpNotNull = "not_is"
	OpFTS     = "fts"
)

// Separator between a column name and its operator in a filter key.
const Separator = "__"

var knownOps = map[string]bool{
	OpEq: true, OpNeq: true, OpIn: true, OpLike: true, OpILike: true,
	OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIsNull: true, OpNotNull: true, OpFTS: true,
}

// Key encodes a column and operator into a filter map key.
func Key(column, op string) string {
	if op == "" || op == OpEq {
		return column
	}
	return column + Separator + op
}

// SplitKey decodes a filter map key. Keys without a recognised operator
// suffix are treated as plain columns with an empty operator.
func SplitKey(key string) (column, op string) {
	i := strings.LastIndex(key, Separator)
	if i <= 0 {
		return key, ""
	}
	if suffix := key[i+len(Separator):]; knownOps[suffix] {
		return key[:i], suffix
	}
	return key, ""
}

// OrderBy is one sort key.
type OrderBy struct {
	Column     string
	Descending bool
}

// JoinKind selects how an embedded resource is joined.
type JoinKind string

const (
	JoinDefault JoinKind = ""
	JoinLeft    JoinKind = "left"
	JoinInner   JoinKind = "inner"
)

// Join embeds a related table in the projection.
type Join struct {
	Table   string
	Columns []string
	Kind    JoinKind
	// Hint disambiguates the foreign key when more than one relation exists.
	Hint string
}

// Descriptor is a serializable description of one read request. Descriptors
// returned from Builder.Build share no mutable state with the builder.
type Descriptor struct {
	Table   string
	Columns []string
	Joins   []Join
	Filters map[string]any
	Order   []OrderBy
	Limit   int // 0 means no limit
	Offset  int
	Single  bool
	Count   bool
}

// Copy returns a deep copy of the descriptor.
func (d Descriptor) Copy() Descriptor {
	out := d
	out.Columns = append([]string(nil), d.Columns...)
	out.Order = append([]OrderBy(nil), d.Order...)
	if d.Joins != nil {
		out.Joins = make([]Join, len(d.Joins))
		for i, j := range d.Joins {
			j.Columns = append([]string(nil), j.Columns...)
			out.Joins[i] = j
		}
	}
	out.Filters = make(map[string]any, len(d.Filters))
	for k, v := range d.Filters {
		out.Filters[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case []any:
		return append([]any(nil), t...)
	case []string:
		return append([]string(nil), t...)
	case []int:
		return append([]int(nil), t...)
	case []int64:
		return append([]int64(nil), t...)
	default:
		return v
	}
}
