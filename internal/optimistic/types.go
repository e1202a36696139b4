package optimistic

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEntityNotFound is returned synchronously when an update or delete
	// targets an id the lookup does not know.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrCreatePending is returned when an update or delete targets a
	// temporary id whose create has not been confirmed.
	ErrCreatePending = errors.New("create still pending for entity")

	// ErrStaleCommit marks a resolution that arrived after its action was
	// superseded, cancelled or expired. It is logged, never returned.
	ErrStaleCommit = errors.New("stale commit discarded")

	// ErrExpired is the cause reported to a Result whose action was rolled
	// back by SweepExpired.
	ErrExpired = errors.New("pending action expired")
)

// Kind identifies the mutation a pending action speculates on.
type Kind int

const (
	Create Kind = iota + 1
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Patch is a partial entity: field name (JSON key) to new value.
type Patch map[string]any

// IDFunc extracts the identity of an entity.
type IDFunc[T any] func(T) string

// MergeFunc applies changes to original and returns the speculative entity.
type MergeFunc[T any] func(original T, changes Patch) (T, error)

// LookupFunc resolves the current version of an entity by id. A nil lookup
// means the store's own derived view.
type LookupFunc[T any] func(id string) (T, bool)

// PendingAction is a registered mutation awaiting server confirmation.
type PendingAction[T any] struct {
	EntityID    string
	Kind        Kind
	Speculative T
	Original    *T // Nil for creates
	Token       uint64
	CreatedAt   time.Time
}

// MutationError wraps the failure of a perform function. The action has
// already been rolled back when it is reported.
type MutationError struct {
	Kind     Kind
	EntityID string
	Err      error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.EntityID, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}
