package router

import (
	"slices"

	"github.com/rickgao/livesync/internal/connection"
)

// Handler consumes one event. A returned error is logged and isolated.
type Handler func(connection.Event) error

// Route binds a handler to a resource and a set of event kinds. Meta carries
// caller-owned data (status handlers, tags) alongside the route.
type Route[M any] struct {
	ID       string
	Resource string
	Kinds    []connection.EventKind // Empty means every kind
	Handler  Handler
	Meta     M

	// Seq is the registration sequence, assigned by Table.Add.
	Seq uint64
}

// Accepts reports whether the route wants events of kind k.
func (r Route[M]) Accepts(k connection.EventKind) bool {
	return len(r.Kinds) == 0 || slices.Contains(r.Kinds, k)
}

// DispatchResult summarizes one dispatched event.
type DispatchResult struct {
	Matched   int
	Delivered int
	Failed    int
}

// TableStats contains runtime statistics.
type TableStats struct {
	Routes          int
	EventsReceived  int64
	EventsUnmatched int64
	Deliveries      int64
	HandlerErrors   int64
	HandlerPanics   int64
}

// NormalizeKinds returns a sorted, de-duplicated copy. An empty input or
// one naming every kind normalizes to nil (all kinds).
func NormalizeKinds(kinds []connection.EventKind) []connection.EventKind {
	if len(kinds) == 0 {
		return nil
	}
	out := slices.Clone(kinds)
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) >= len(connection.AllKinds) {
		return nil
	}
	return out
}

// Covers reports whether a binding for have receives every kind in want.
func Covers(have, want []connection.EventKind) bool {
	if len(have) == 0 {
		return true
	}
	if len(want) == 0 {
		return false
	}
	for _, k := range want {
		if !slices.Contains(have, k) {
			return false
		}
	}
	return true
}

// UnionKinds merges two kind sets.
func UnionKinds(a, b []connection.EventKind) []connection.EventKind {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	return NormalizeKinds(append(slices.Clone(a), b...))
}

// MissingKinds returns the kinds in want that a binding for have does not
// already receive. The result is nil when have covers want.
func MissingKinds(have, want []connection.EventKind) []connection.EventKind {
	if Covers(have, want) {
		return nil
	}
	if len(want) == 0 {
		want = connection.AllKinds
	}
	var out []connection.EventKind
	for _, k := range want {
		if !slices.Contains(have, k) {
			out = append(out, k)
		}
	}
	return out
}
