package api

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"net/url"
)

// Resource is a typed collection endpoint such as /api/facility-tasks.
type Resource[T any] struct {
	client  *Client
	path    string
	listKey string // data field holding the collection
	itemKey string // data field holding a single entity
}

// NewResource binds a collection endpoint. listKey and itemKey name the
// envelope fields, for example "tasks" and "task".
func NewResource[T any](c *Client, path, listKey, itemKey string) *Resource[T] {
	return &Resource[T]{client: c, path: path, listKey: listKey, itemKey: itemKey}
}

// List fetches the collection. Retried on transient failures.
func (r *Resource[T]) List(ctx context.Context, query url.Values) ([]T, error) {
	var items []T
	if err := r.client.get(ctx, r.path, query, r.listKey, &items); err != nil {
		return nil, fmt.Errorf("list %s: %w", r.path, err)
	}
	return items, nil
}

// Load fetches the whole collection.
func (r *Resource[T]) Load(ctx context.Context) ([]T, error) {
	return r.List(ctx, nil)
}

// Create posts entity and returns the server's version.
func (r *Resource[T]) Create(ctx context.Context, entity any) (T, error) {
	var out T
	if err := r.client.send(ctx, http.MethodPost, r.path, nil, entity, r.itemKey, &out); err != nil {
		return out, fmt.Errorf("create in %s: %w", r.path, err)
	}
	return out, nil
}

// Update sends the changed fields of id and returns the server's version.
func (r *Resource[T]) Update(ctx context.Context, id string, changes map[string]any) (T, error) {
	body := make(map[string]any, len(changes)+1)
	maps.Copy(body, changes)
	body["id"] = id

	var out T
	if err := r.client.send(ctx, http.MethodPut, r.path, nil, body, r.itemKey, &out); err != nil {
		return out, fmt.Errorf("update %s in %s: %w", id, r.path, err)
	}
	return out, nil
}

// Delete removes id.
func (r *Resource[T]) Delete(ctx context.Context, id string) error {
	query := url.Values{"id": []string{id}}
	if err := r.client.send(ctx, http.MethodDelete, r.path, query, nil, "", nil); err != nil {
		return fmt.Errorf("delete %s in %s: %w", id, r.path, err)
	}
	return nil
}

// CreateFunc returns a perform function for an optimistic create.
func (r *Resource[T]) CreateFunc(entity any) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return r.Create(ctx, entity)
	}
}

// UpdateFunc returns a perform function for an optimistic update.
func (r *Resource[T]) UpdateFunc(id string, changes map[string]any) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return r.Update(ctx, id, changes)
	}
}

// DeleteFunc returns a perform function for an optimistic delete.
func (r *Resource[T]) DeleteFunc(id string) func(context.Context) error {
	return func(ctx context.Context) error {
		return r.Delete(ctx, id)
	}
}
