package backend

import (
	"context"

	"github.com/fluxstore/core/query"
)

// The functions in this file implement the optional parts of the Backend contract
// in terms of the required subset, replacing the source's
// StoreBackendDefaults inheritance mixin with free functions an adapter
// calls explicitly (spec.md §9's "inheritance -> free functions"
// redesign target). An adapter that has a more efficient native
// implementation of any of these is free to implement it directly
// instead of delegating here.

// PagedFromGetAll implements GetAllPaged purely in terms of GetAll plus
// in-memory paging, for adapters whose backend has no native cursor
// support.
func PagedFromGetAll[T any](ctx context.Context, getAll func(ctx context.Context, q query.Query) ([]T, error), accessor query.FieldAccessor[T], q query.Query) (query.PagedResult[T], error) {
	items, err := getAll(ctx, unpaged(q))
	if err != nil {
		return query.PagedResult[T]{}, err
	}
	return query.EvaluatePaged(items, q, accessor)
}

// unpaged strips pagination directives so the full candidate set can be
// fetched before paginating in memory.
func unpaged(q query.Query) query.Query {
	out := query.New()
	for _, f := range q.Filters() {
		out = out.Where(f.Field, f.Op, f.Value)
	}
	for _, o := range q.Orderings() {
		out = out.OrderBy(o.Field, o.Descending)
	}
	return out
}

// SaveAllFromSave implements SaveAll by calling save once per item in
// order, for adapters with no native batch-write operation.
func SaveAllFromSave[T any](ctx context.Context, save func(ctx context.Context, item T) (T, error), items []T) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, item := range items {
		saved, err := save(ctx, item)
		if err != nil {
			return out, err
		}
		out = append(out, saved)
	}
	return out, nil
}

// DeleteAllFromDelete implements DeleteAll by calling delete once per id,
// returning the count of ids that were actually found and removed
// (spec.md §9's open-question decision: partial matches return the
// actual deleted count, not the requested count).
func DeleteAllFromDelete[ID any](ctx context.Context, delete func(ctx context.Context, id ID) (bool, error), ids []ID) (int, error) {
	n := 0
	for _, id := range ids {
		ok, err := delete(ctx, id)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// DeleteWhereFromGetAllAndDelete implements DeleteWhere for adapters with
// no native predicate-delete: fetch matching items, then delete each by
// id.
func DeleteWhereFromGetAllAndDelete[T any, ID comparable](
	ctx context.Context,
	getAll func(ctx context.Context, q query.Query) ([]T, error),
	idOf func(T) ID,
	delete func(ctx context.Context, id ID) (bool, error),
	q query.Query,
) (int, error) {
	items, err := getAll(ctx, q)
	if err != nil {
		return 0, err
	}
	ids := make([]ID, len(items))
	for i, it := range items {
		ids[i] = idOf(it)
	}
	return DeleteAllFromDelete(ctx, delete, ids)
}
