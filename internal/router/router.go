package router

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rickgao/livesync/internal/connection"
)

// Table is the subscription registry behind event fan-out. Routes are kept
// in registration order; each event is delivered to every matching route in
// that order, and one failing handler never prevents delivery to the rest.
type Table[M any] struct {
	logger *slog.Logger

	mu     sync.RWMutex
	routes map[string]*Route[M]
	seq    uint64

	statsMu         sync.Mutex
	eventsReceived  int64
	eventsUnmatched int64
	deliveries      int64
	handlerErrors   int64
	handlerPanics   int64
}

// NewTable creates an empty table.
func NewTable[M any](logger *slog.Logger) *Table[M] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table[M]{
		logger: logger,
		routes: make(map[string]*Route[M]),
	}
}

// Add registers r, replacing any route with the same ID. A replacement is
// treated as a new registration and moves to the end of dispatch order.
// Returns the stored route (with Seq set) and the replaced one, if any.
func (t *Table[M]) Add(r Route[M]) (Route[M], *Route[M]) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var replaced *Route[M]
	if old, ok := t.routes[r.ID]; ok {
		prev := *old
		replaced = &prev
	}

	t.seq++
	r.Seq = t.seq
	r.Kinds = NormalizeKinds(r.Kinds)
	t.routes[r.ID] = &r
	return r, replaced
}

// Remove drops the route with the given id.
func (t *Table[M]) Remove(id string) (Route[M], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.routes[id]
	if !ok {
		return Route[M]{}, false
	}
	delete(t.routes, id)
	return *r, true
}

// Get returns the route with the given id.
func (t *Table[M]) Get(id string) (Route[M], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.routes[id]
	if !ok {
		return Route[M]{}, false
	}
	return *r, true
}

// Active reports whether the registration identified by id and seq is
// still current.
func (t *Table[M]) Active(id string, seq uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.routes[id]
	return ok && r.Seq == seq
}

// Len returns the number of routes.
func (t *Table[M]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// Clear drops every route.
func (t *Table[M]) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = make(map[string]*Route[M])
}

// Routes returns a snapshot in registration order.
func (t *Table[M]) Routes() []Route[M] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sortedLocked(func(*Route[M]) bool { return true })
}

// Match returns the routes that receive an event, in registration order.
func (t *Table[M]) Match(resource string, kind connection.EventKind) []Route[M] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sortedLocked(func(r *Route[M]) bool {
		return r.Resource == resource && r.Accepts(kind)
	})
}

func (t *Table[M]) sortedLocked(keep func(*Route[M]) bool) []Route[M] {
	out := make([]Route[M], 0, len(t.routes))
	for _, r := range t.routes {
		if keep(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// KindsFor returns the union of kinds wanted on resource and whether any
// route wants it at all. A nil slice with ok=true means every kind.
func (t *Table[M]) KindsFor(resource string) (kinds []connection.EventKind, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, r := range t.routes {
		if r.Resource != resource {
			continue
		}
		if !ok {
			kinds, ok = r.Kinds, true
			continue
		}
		kinds = UnionKinds(kinds, r.Kinds)
	}
	return kinds, ok
}

// Bindings returns, for each resource with at least one route, the union of
// kinds its routes want.
func (t *Table[M]) Bindings() map[string][]connection.EventKind {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string][]connection.EventKind)
	for _, r := range t.routes {
		kinds, seen := out[r.Resource]
		if !seen {
			out[r.Resource] = r.Kinds
			continue
		}
		out[r.Resource] = UnionKinds(kinds, r.Kinds)
	}
	return out
}

// Dispatch delivers ev to every matching route. A route removed while
// earlier handlers run is skipped. Handler errors and panics are logged
// and counted.
func (t *Table[M]) Dispatch(ev connection.Event) DispatchResult {
	routes := t.Match(ev.Resource, ev.Kind)

	res := DispatchResult{Matched: len(routes)}
	var errs, panics int64
	for _, r := range routes {
		if !t.Active(r.ID, r.Seq) {
			continue
		}
		panicked, err := invoke(r.Handler, ev)
		switch {
		case panicked:
			panics++
			res.Failed++
			t.logger.Error("event handler panicked",
				"subscription", r.ID, "resource", ev.Resource, "kind", ev.Kind, "panic", err)
		case err != nil:
			errs++
			res.Failed++
			t.logger.Warn("event handler failed",
				"subscription", r.ID, "resource", ev.Resource, "kind", ev.Kind, "error", err)
		default:
			res.Delivered++
		}
	}

	t.statsMu.Lock()
	t.eventsReceived++
	if res.Matched == 0 {
		t.eventsUnmatched++
	}
	t.deliveries += int64(res.Delivered)
	t.handlerErrors += errs
	t.handlerPanics += panics
	t.statsMu.Unlock()

	return res
}

func invoke(h Handler, ev connection.Event) (panicked bool, err error) {
	if h == nil {
		return false, nil
	}
	defer func() {
		if p := recover(); p != nil {
			panicked, err = true, fmt.Errorf("%v", p)
		}
	}()
	return false, h(ev)
}

// Stats returns current table statistics.
func (t *Table[M]) Stats() TableStats {
	n := t.Len()

	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return TableStats{
		Routes:          n,
		EventsReceived:  t.eventsReceived,
		EventsUnmatched: t.eventsUnmatched,
		Deliveries:      t.deliveries,
		HandlerErrors:   t.handlerErrors,
		HandlerPanics:   t.handlerPanics,
	}
}
