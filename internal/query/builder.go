package query

import "time"

type clause struct {
	column string
	op     string
	value  any
}

// Builder accumulates filter, sort, pagination and join clauses and emits a
// Descriptor. Chain methods mutate the receiver and return it; use Clone to
// branch a query without sharing state.
type Builder struct {
	table   string
	columns []string
	clauses []clause
	order   []OrderBy
	joins   []Join
	limit   int
	offset  int
	single  bool
	count   bool
}

// From starts a builder for table.
func From(table string) *Builder {
	return &Builder{table: table}
}

func (b *Builder) add(column, op string, value any) *Builder {
	b.clauses = append(b.clauses, clause{column: column, op: op, value: copyValue(value)})
	return b
}

// Select sets the projected columns. No columns means all columns.
func (b *Builder) Select(columns ...string) *Builder {
	b.columns = append([]string(nil), columns...)
	return b
}

// WhereEq adds an equality filter. A second WhereEq on the same column
// replaces the first.
func (b *Builder) WhereEq(column string, value any) *Builder {
	return b.add(column, OpEq, value)
}

func (b *Builder) WhereNeq(column string, value any) *Builder {
	return b.add(column, OpNeq, value)
}

// WhereIn filters on set membership.
func (b *Builder) WhereIn(column string, values []any) *Builder {
	return b.add(column, OpIn, values)
}

// WhereLike adds a case-sensitive pattern filter. Both % and * act as
// wildcards.
func (b *Builder) WhereLike(column, pattern string) *Builder {
	return b.add(column, OpLike, pattern)
}

func (b *Builder) WhereILike(column, pattern string) *Builder {
	return b.add(column, OpILike, pattern)
}

func (b *Builder) WhereGt(column string, value any) *Builder {
	return b.add(column, OpGt, value)
}

func (b *Builder) WhereGte(column string, value any) *Builder {
	return b.add(column, OpGte, value)
}

func (b *Builder) WhereLt(column string, value any) *Builder {
	return b.add(column, OpLt, value)
}

func (b *Builder) WhereLte(column string, value any) *Builder {
	return b.add(column, OpLte, value)
}

func (b *Builder) WhereNull(column string) *Builder {
	return b.add(column, OpIsNull, nil)
}

func (b *Builder) WhereNotNull(column string) *Builder {
	return b.add(column, OpNotNull, nil)
}

// WhereDateRange bounds column inclusively. A zero time leaves that side open.
func (b *Builder) WhereDateRange(column string, from, to time.Time) *Builder {
	if !from.IsZero() {
		b.add(column, OpGte, from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		b.add(column, OpLte, to.UTC().Format(time.RFC3339))
	}
	return b
}

// WhereTextSearch runs a full-text match against a tsvector column.
func (b *Builder) WhereTextSearch(column, text string) *Builder {
	return b.add(column, OpFTS, text)
}

func (b *Builder) OrderBy(column string, descending bool) *Builder {
	b.order = append(b.order, OrderBy{Column: column, Descending: descending})
	return b
}

func (b *Builder) Limit(n int) *Builder {
	b.limit = n
	return b
}

func (b *Builder) Offset(n int) *Builder {
	b.offset = n
	return b
}

// Paginate sets limit and offset from a 1-based page number.
func (b *Builder) Paginate(page, perPage int) *Builder {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 1
	}
	b.limit = perPage
	b.offset = (page - 1) * perPage
	return b
}

// Join embeds table using whatever relationship the service infers.
func (b *Builder) Join(table string, columns ...string) *Builder {
	return b.join(table, JoinDefault, columns)
}

func (b *Builder) LeftJoin(table string, columns ...string) *Builder {
	return b.join(table, JoinLeft, columns)
}

// InnerJoin embeds table and drops parent rows without a match.
func (b *Builder) InnerJoin(table string, columns ...string) *Builder {
	return b.join(table, JoinInner, columns)
}

func (b *Builder) join(table string, kind JoinKind, columns []string) *Builder {
	b.joins = append(b.joins, Join{
		Table:   table,
		Columns: append([]string(nil), columns...),
		Kind:    kind,
	})
	return b
}

// Single marks the query as expecting exactly one row.
func (b *Builder) Single() *Builder {
	b.single = true
	return b
}

// WithCount requests an exact total count alongside the rows.
func (b *Builder) WithCount() *Builder {
	b.count = true
	return b
}

// Clone returns an independent copy of the builder.
func (b *Builder) Clone() *Builder {
	c := *b
	c.columns = append([]string(nil), b.columns...)
	c.order = append([]OrderBy(nil), b.order...)
	c.clauses = make([]clause, len(b.clauses))
	for i, cl := range b.clauses {
		cl.value = copyValue(cl.value)
		c.clauses[i] = cl
	}
	c.joins = make([]Join, len(b.joins))
	for i, j := range b.joins {
		j.Columns = append([]string(nil), j.Columns...)
		c.joins[i] = j
	}
	return &c
}

// Reset clears every clause but keeps the target table.
func (b *Builder) Reset() *Builder {
	*b = Builder{table: b.table}
	return b
}

// Build folds the accumulated clauses into a fresh Descriptor. Calling Build
// twice without intervening mutation yields equal descriptors.
func (b *Builder) Build() Descriptor {
	filters := make(map[string]any, len(b.clauses))
	for _, cl := range b.clauses {
		filters[Key(cl.column, cl.op)] = copyValue(cl.value)
	}
	d := Descriptor{
		Table:   b.table,
		Filters: filters,
		Limit:   b.limit,
		Offset:  b.offset,
		Single:  b.single,
		Count:   b.count,
		Order:   append([]OrderBy(nil), b.order...),
		Columns: append([]string(nil), b.columns...),
	}
	if len(b.joins) > 0 {
		d.Joins = make([]Join, len(b.joins))
		for i, j := range b.joins {
			j.Columns = append([]string(nil), j.Columns...)
			d.Joins[i] = j
		}
	}
	return d
}
