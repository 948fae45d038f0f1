package query

// EvaluatePaged runs Evaluate and wraps the result in a PagedResult with
// PageInfo computed from the query's windowing (spec.md §3's PagedResult).
// Like Evaluate, it enforces q.Validate() before touching items.
func EvaluatePaged[T any](items []T, q Query, accessor FieldAccessor[T]) (PagedResult[T], error) {
	if err := q.Validate(); err != nil {
		return PagedResult[T]{}, err
	}
	matched := make([]T, 0, len(items))
	for _, it := range items {
		if Matches(it, q, accessor) {
			matched = append(matched, it)
		}
	}
	return buildPagedResult(matched, q, accessor), nil
}

// EvaluatePagedWithExpression is EvaluatePaged for an OR-bearing Expr.
func EvaluatePagedWithExpression[T any](items []T, expr Expr, q Query, accessor FieldAccessor[T]) (PagedResult[T], error) {
	if err := q.Validate(); err != nil {
		return PagedResult[T]{}, err
	}
	matched := make([]T, 0, len(items))
	for _, it := range items {
		if MatchesExpression(it, expr, accessor) {
			matched = append(matched, it)
		}
	}
	return buildPagedResult(matched, q, accessor), nil
}

func buildPagedResult[T any](matched []T, q Query, accessor FieldAccessor[T]) PagedResult[T] {
	orderItems(matched, q.orderings, accessor)

	preWindow := matched
	if after, ok := q.afterOrderValues(); ok {
		preWindow = filterAfter(preWindow, after, q.orderings, accessor, true)
	}
	if before, ok := q.beforeOrderValues(); ok {
		preWindow = filterAfter(preWindow, before, q.orderings, accessor, false)
	}

	hasNext, hasPrev := false, q.afterCursor != nil
	window := preWindow
	if n, ok := q.hasFirst(); ok {
		hasNext = n < len(preWindow)
		if n < len(window) {
			window = window[:n]
		}
	} else if n, ok := q.hasLast(); ok {
		hasPrev = hasPrev || n < len(preWindow)
		if n < len(window) {
			window = window[len(window)-n:]
		}
	} else {
		off, hasOff := q.hasOffset()
		if hasOff {
			hasPrev = hasPrev || off > 0
			if off >= len(window) {
				window = window[:0]
			} else {
				window = window[off:]
			}
		}
		if lim, ok := q.hasLimit(); ok {
			hasNext = lim < len(window)
			if lim < len(window) {
				window = window[:lim]
			}
		}
	}

	info := PageInfo{HasNext: hasNext, HasPrev: hasPrev}
	if len(window) > 0 && len(q.orderings) > 0 {
		start := ToCursor(window[0], q.orderings, accessor)
		end := ToCursor(window[len(window)-1], q.orderings, accessor)
		info.StartCursor = &start
		info.EndCursor = &end
	}
	return PagedResult[T]{Items: window, PageInfo: info}
}
