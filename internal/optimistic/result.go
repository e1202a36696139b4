package optimistic

import (
	"context"
	"sync"
)

// Result is the outcome of one mutation. It completes exactly once, when
// the action commits, rolls back, expires or is found stale.
//
// Blocking:
//
//	res := store.Create(ctx, id, task, api.CreateFunc(task))
//	created, err := res.Wait(ctx)
//
// Non-blocking:
//
//	select {
//	case <-res.Done():
//	    if err := res.Err(); err != nil { ... }
//	case <-time.After(5 * time.Second):
//	}
type Result[T any] struct {
	token uint64
	done  chan struct{}
	once  sync.Once

	value T
	err   error
	stale bool
}

func newResult[T any](token uint64) *Result[T] {
	return &Result[T]{
		token: token,
		done:  make(chan struct{}),
	}
}

// Wait blocks until the mutation completes or ctx is done. On success it
// returns the server's entity; for deletes, the entity as it was before
// the delete.
func (r *Result[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done returns a channel that closes when the mutation completes.
func (r *Result[T]) Done() <-chan struct{} {
	return r.done
}

// Err returns the mutation error once Done is closed.
func (r *Result[T]) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Stale reports whether the resolution was discarded because the action
// was no longer current when perform returned.
func (r *Result[T]) Stale() bool {
	select {
	case <-r.done:
		return r.stale
	default:
		return false
	}
}

// Token returns the ordering token assigned to the action.
func (r *Result[T]) Token() uint64 {
	return r.token
}

func (r *Result[T]) complete(value T, err error, stale bool) {
	r.once.Do(func() {
		r.value = value
		r.err = err
		r.stale = stale
		close(r.done)
	})
}
