// Package query implements the filter/order/page data model (spec.md §3,
// §4.1) and its in-memory evaluator. Query values are immutable and built
// through fluent combinators, grounded on the Evaluator/QueryResult split in
// internal/query/evaluator.go: a query either lowers entirely to a flat
// filter list, or needs a predicate function for OR/NOT shapes the filter
// list cannot express.
package query

// Operator enumerates the supported filter comparisons (spec.md §3).
type Operator string

const (
	OpEq              Operator = "eq"
	OpNe              Operator = "ne"
	OpLt              Operator = "lt"
	OpLe              Operator = "le"
	OpGt              Operator = "gt"
	OpGe              Operator = "ge"
	OpIsNull          Operator = "is_null"
	OpIsNotNull       Operator = "is_not_null"
	OpIn              Operator = "in"
	OpNotIn           Operator = "not_in"
	OpContains        Operator = "contains"
	OpStartsWith      Operator = "starts_with"
	OpEndsWith        Operator = "ends_with"
	OpArrayContains   Operator = "array_contains"
	OpArrayContainsAny Operator = "array_contains_any"
)

// Filter is a single (field, operator, value) predicate.
type Filter struct {
	Field    string
	Op       Operator
	Value    any
}

// Ordering is a single sort key; later Orderings only discriminate rows that
// tied on earlier ones (spec.md §4.1).
type Ordering struct {
	Field      string
	Descending bool
}

// Query is an immutable, combinator-built value: every builder method
// returns a new Query, never mutating the receiver (structural sharing of
// the underlying slices is fine since neither side ever appends in place).
type Query struct {
	filters      []Filter
	orderings    []Ordering
	limit        *int
	offset       *int
	afterCursor  *Cursor
	beforeCursor *Cursor
	first        *int
	last         *int
}

// New returns the empty Query: no filters, no ordering, no paging.
func New() Query {
	return Query{}
}

func cloneFilters(f []Filter) []Filter {
	out := make([]Filter, len(f))
	copy(out, f)
	return out
}

func cloneOrderings(o []Ordering) []Ordering {
	out := make([]Ordering, len(o))
	copy(out, o)
	return out
}

// Where appends a filter and returns a new Query.
func (q Query) Where(field string, op Operator, value any) Query {
	next := q
	next.filters = append(cloneFilters(q.filters), Filter{Field: field, Op: op, Value: value})
	return next
}

// OrderBy appends an ordering key and returns a new Query.
func (q Query) OrderBy(field string, descending bool) Query {
	next := q
	next.orderings = append(cloneOrderings(q.orderings), Ordering{Field: field, Descending: descending})
	return next
}

// Limit sets a result-count cap and returns a new Query.
func (q Query) Limit(n int) Query {
	next := q
	next.limit = &n
	return next
}

// Offset sets a skip count and returns a new Query.
func (q Query) Offset(n int) Query {
	next := q
	next.offset = &n
	return next
}

// After sets the cursor after which results begin (exclusive) and returns a new Query.
func (q Query) After(c Cursor) Query {
	next := q
	next.afterCursor = &c
	return next
}

// Before sets the cursor before which results end (exclusive) and returns a new Query.
func (q Query) Before(c Cursor) Query {
	next := q
	next.beforeCursor = &c
	return next
}

// First caps the result length to the first n items (after any After filter)
// and returns a new Query.
func (q Query) First(n int) Query {
	next := q
	next.first = &n
	return next
}

// Last takes the rightmost n items (after any Before filter), returned in
// original order, and returns a new Query.
func (q Query) Last(n int) Query {
	next := q
	next.last = &n
	return next
}

// Filters returns the query's filter list in insertion order.
func (q Query) Filters() []Filter { return cloneFilters(q.filters) }

// Orderings returns the query's ordering list in insertion order.
func (q Query) Orderings() []Ordering { return cloneOrderings(q.orderings) }

func (q Query) hasLimit() (int, bool) {
	if q.limit == nil {
		return 0, false
	}
	return *q.limit, true
}

func (q Query) hasOffset() (int, bool) {
	if q.offset == nil {
		return 0, false
	}
	return *q.offset, true
}

func (q Query) hasFirst() (int, bool) {
	if q.first == nil {
		return 0, false
	}
	return *q.first, true
}

func (q Query) hasLast() (int, bool) {
	if q.last == nil {
		return 0, false
	}
	return *q.last, true
}

// PageInfo describes the position of a page within a larger ordered result.
type PageInfo struct {
	HasNext      bool
	HasPrev      bool
	StartCursor  *Cursor
	EndCursor    *Cursor
	TotalCount   *int
}

// PagedResult is the result of evaluating a Query with pagination.
type PagedResult[T any] struct {
	Items    []T
	PageInfo PageInfo
}
