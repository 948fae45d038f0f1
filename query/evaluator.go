package query

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// FieldAccessor reads a named field off an item. It must be deterministic
// and free of side effects (spec.md §6). A nil return means the field is
// null or absent — the evaluator treats both the same way.
type FieldAccessor[T any] func(item T, field string) any

// Matches reports whether item satisfies every filter in q, short-circuiting
// on the first failing filter (spec.md §4.1).
func Matches[T any](item T, q Query, accessor FieldAccessor[T]) bool {
	for _, f := range q.filters {
		if !matchesFilter(accessor(item, f.Field), f) {
			return false
		}
	}
	return true
}

// MatchesExpression interprets the full AND/OR/NOT expression tree against item.
func MatchesExpression[T any](item T, expr Expr, accessor FieldAccessor[T]) bool {
	switch e := expr.(type) {
	case Comparison:
		return matchesFilter(accessor(item, e.Field), Filter{Field: e.Field, Op: e.Op, Value: e.Value})
	case And:
		return MatchesExpression(item, e.Left, accessor) && MatchesExpression(item, e.Right, accessor)
	case Or:
		return MatchesExpression(item, e.Left, accessor) || MatchesExpression(item, e.Right, accessor)
	case Not:
		return !MatchesExpression(item, e.Inner, accessor)
	default:
		panic(fmt.Sprintf("query: unknown Expr variant %T", expr))
	}
}

func matchesFilter(value any, f Filter) bool {
	switch f.Op {
	case OpIsNull:
		return value == nil
	case OpIsNotNull:
		return value != nil
	}

	// Every other operator returns false against a null field value
	// (spec.md §4.1: "any relational operator with a null operand returns false").
	if value == nil {
		return false
	}

	switch f.Op {
	case OpEq:
		return compare(value, f.Value) == 0
	case OpNe:
		return compare(value, f.Value) != 0
	case OpLt:
		return compare(value, f.Value) < 0
	case OpLe:
		return compare(value, f.Value) <= 0
	case OpGt:
		return compare(value, f.Value) > 0
	case OpGe:
		return compare(value, f.Value) >= 0
	case OpIn:
		return inList(value, f.Value)
	case OpNotIn:
		return !inList(value, f.Value)
	case OpContains:
		return strings.Contains(toStr(value), toStr(f.Value))
	case OpStartsWith:
		return strings.HasPrefix(toStr(value), toStr(f.Value))
	case OpEndsWith:
		return strings.HasSuffix(toStr(value), toStr(f.Value))
	case OpArrayContains:
		return arrayContains(value, f.Value)
	case OpArrayContainsAny:
		return arrayContainsAny(value, f.Value)
	default:
		panic(fmt.Sprintf("query: unknown operator %q", f.Op))
	}
}

// inList implements `in`/`not_in` against an empty list per spec.md §4.1:
// `in` on an empty list is false, `not_in` on an empty list is true — this
// function returns the `in` answer; callers negate for `not_in`.
func inList(value, list any) bool {
	items := toSlice(list)
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if compare(value, item) == 0 {
			return true
		}
	}
	return false
}

func arrayContains(fieldValue, operand any) bool {
	for _, item := range toSlice(fieldValue) {
		if compare(item, operand) == 0 {
			return true
		}
	}
	return false
}

func arrayContainsAny(fieldValue, operand any) bool {
	fieldItems := toSlice(fieldValue)
	for _, want := range toSlice(operand) {
		for _, have := range fieldItems {
			if compare(have, want) == 0 {
				return true
			}
		}
	}
	return false
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out
	case []int:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out
	default:
		return nil
	}
}

func toStr(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// compare imposes a total order on the value types this evaluator supports:
// numeric kinds, strings, bools, and time.Time. Mixed or unsupported types
// fall back to comparing their fmt "%v" forms as strings rather than
// panicking, since Matches must never panic mid-filter on heterogeneous
// caller data; that fallback is consistent but not meaningful, and it can
// report 0 for values of different types (int 1 and string "1"). No check
// ahead of time rejects bad field types.
func compare(a, b any) int {
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs)
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			if ab == bb {
				return 0
			}
			if !ab && bb {
				return -1
			}
			return 1
		}
	}
	as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	return strings.Compare(as, bs)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Evaluate filters, orders (stable, multi-key), then applies offset+limit or
// cursor windowing, per spec.md §4.1. It rejects q up front with q.Validate
// (spec.md §4.1: a cursor whose field set disagrees with q's orderings is a
// validation error, not a silently-ignored cursor).
func Evaluate[T any](items []T, q Query, accessor FieldAccessor[T]) ([]T, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	matched := make([]T, 0, len(items))
	for _, it := range items {
		if Matches(it, q, accessor) {
			matched = append(matched, it)
		}
	}
	return finishEvaluation(matched, q, accessor), nil
}

// EvaluateWithExpression combines expression-tree matching with ordering and
// paging, for queries containing OR that Evaluate's flat filter list cannot
// express (spec.md §4.1).
func EvaluateWithExpression[T any](items []T, expr Expr, q Query, accessor FieldAccessor[T]) ([]T, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	matched := make([]T, 0, len(items))
	for _, it := range items {
		if MatchesExpression(it, expr, accessor) {
			matched = append(matched, it)
		}
	}
	return finishEvaluation(matched, q, accessor), nil
}

func finishEvaluation[T any](matched []T, q Query, accessor FieldAccessor[T]) []T {
	orderItems(matched, q.orderings, accessor)
	return paginate(matched, q, accessor)
}

func orderItems[T any](items []T, orderings []Ordering, accessor FieldAccessor[T]) {
	if len(orderings) == 0 {
		return
	}
	sort.SliceStable(items, func(i, j int) bool {
		for _, o := range orderings {
			vi := accessor(items[i], o.Field)
			vj := accessor(items[j], o.Field)
			c := compareNullable(vi, vj)
			if c == 0 {
				continue
			}
			if o.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// compareNullable treats nil as sorting before any non-nil value.
func compareNullable(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	return compare(a, b)
}

func paginate[T any](items []T, q Query, accessor FieldAccessor[T]) []T {
	if after, ok := q.afterOrderValues(); ok {
		items = filterAfter(items, after, q.orderings, accessor, true)
	}
	if before, ok := q.beforeOrderValues(); ok {
		items = filterAfter(items, before, q.orderings, accessor, false)
	}

	if n, ok := q.hasFirst(); ok {
		if n < len(items) {
			items = items[:n]
		}
		return items
	}
	if n, ok := q.hasLast(); ok {
		if n < len(items) {
			items = items[len(items)-n:]
		}
		return items
	}

	if off, ok := q.hasOffset(); ok {
		if off >= len(items) {
			items = items[:0]
		} else {
			items = items[off:]
		}
	}
	if lim, ok := q.hasLimit(); ok && lim < len(items) {
		items = items[:lim]
	}
	return items
}

// filterAfter keeps items whose ordered tuple compares strictly beyond
// (after=true) or strictly before (after=false) the cursor's tuple, per
// spec.md §4.1's "tuple(orderFields(item)) > c.values" rule, reversed for
// descending orderings.
func filterAfter[T any](items []T, cursorValues map[string]any, orderings []Ordering, accessor FieldAccessor[T], after bool) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		cmp := compareTuple(it, cursorValues, orderings, accessor)
		if after && cmp > 0 {
			out = append(out, it)
		} else if !after && cmp < 0 {
			out = append(out, it)
		}
	}
	return out
}

// compareTuple compares item's ordered field values against a cursor's
// stored values, lexicographically across the ordering list, honoring each
// field's direction (spec.md §4.1: "Multi-field cursors compare
// lexicographically with the declared directions").
func compareTuple[T any](item T, cursorValues map[string]any, orderings []Ordering, accessor FieldAccessor[T]) int {
	for _, o := range orderings {
		c := compareNullable(accessor(item, o.Field), cursorValues[o.Field])
		if o.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}
