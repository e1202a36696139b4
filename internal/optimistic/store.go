package optimistic

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

// node is one registered action. Nodes on the same id form a chain through
// prev, newest first; the head is the current action.
type node[T any] struct {
	action PendingAction[T]
	order  uint64 // Token of the oldest action in the chain; fixes view position
	prev   *node[T]
	result *Result[T]

	// A superseded action that succeeded parks its server entity here.
	committed bool
	value     T
}

// Option configures a Store.
type Option[T any] func(*Store[T])

// WithBaseData seeds the base collection.
func WithBaseData[T any](items []T) Option[T] {
	return func(s *Store[T]) {
		s.base = slices.Clone(items)
	}
}

// WithClock overrides time.Now for action timestamps and expiry.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(s *Store[T]) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger. Nil means slog.Default().
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(s *Store[T]) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMerge replaces JSONMerge as the update merge function.
func WithMerge[T any](merge MergeFunc[T]) Option[T] {
	return func(s *Store[T]) {
		if merge != nil {
			s.merge = merge
		}
	}
}

// Store is a base collection plus an overlay of pending actions.
//
// Listeners are invoked synchronously, in mutation order, on the goroutine
// that caused the change. A listener may read the store but must not mutate
// it before returning.
type Store[T any] struct {
	idFn   IDFunc[T]
	merge  MergeFunc[T]
	now    func() time.Time
	logger *slog.Logger

	// notifyMu serializes each state change with its listener notification.
	notifyMu sync.Mutex

	mu        sync.Mutex
	base      []T
	pending   map[string]*node[T]
	token     uint64
	listeners []*listener[T]
}

type listener[T any] struct {
	fn func([]T)
}

// New creates a store keyed by idFn.
func New[T any](idFn IDFunc[T], opts ...Option[T]) *Store[T] {
	s := &Store[T]{
		idFn:    idFn,
		merge:   JSONMerge[T],
		now:     time.Now,
		logger:  slog.Default(),
		pending: make(map[string]*node[T]),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "optimistic")
	return s
}

// Create shows entity under tempID immediately and runs perform. On success
// the server's entity enters the base collection under its own id.
func (s *Store[T]) Create(ctx context.Context, tempID string, entity T, perform func(context.Context) (T, error)) *Result[T] {
	n, _ := s.register(tempID, Create, entity, nil, false)
	go s.run(ctx, n, perform)
	return n.result
}

// Update shows merge(original, changes) immediately and runs perform. The
// original comes from lookup, or from the store's own view when lookup is
// nil.
func (s *Store[T]) Update(ctx context.Context, id string, changes Patch, perform func(context.Context) (T, error), lookup LookupFunc[T]) (*Result[T], error) {
	original, err := s.resolve(id, lookup)
	if err != nil {
		return nil, err
	}
	speculative, err := s.merge(original, changes)
	if err != nil {
		return nil, fmt.Errorf("merge changes into %s: %w", id, err)
	}
	n, err := s.register(id, Update, speculative, &original, true)
	if err != nil {
		return nil, err
	}
	go s.run(ctx, n, perform)
	return n.result, nil
}

// Delete hides id immediately and runs perform. The Result carries the
// entity as it was before the delete.
func (s *Store[T]) Delete(ctx context.Context, id string, perform func(context.Context) error, lookup LookupFunc[T]) (*Result[T], error) {
	original, err := s.resolve(id, lookup)
	if err != nil {
		return nil, err
	}
	n, err := s.register(id, Delete, original, &original, true)
	if err != nil {
		return nil, err
	}
	go s.run(ctx, n, func(ctx context.Context) (T, error) {
		if err := perform(ctx); err != nil {
			return original, err
		}
		return original, nil
	})
	return n.result, nil
}

func (s *Store[T]) resolve(id string, lookup LookupFunc[T]) (T, error) {
	if s.createPending(id) {
		var zero T
		return zero, fmt.Errorf("%s: %w", id, ErrCreatePending)
	}
	if lookup == nil {
		lookup = s.lookupView
	}
	original, ok := lookup(id)
	if !ok {
		return original, fmt.Errorf("%s: %w", id, ErrEntityNotFound)
	}
	return original, nil
}

func (s *Store[T]) createPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createPendingLocked(id)
}

func (s *Store[T]) createPendingLocked(id string) bool {
	n, ok := s.pending[id]
	return ok && n.action.Kind == Create
}

func (s *Store[T]) lookupView(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.pending[id]; ok {
		if n.action.Kind == Delete {
			var zero T
			return zero, false
		}
		return n.action.Speculative, true
	}
	for _, item := range s.base {
		if s.idFn(item) == id {
			return item, true
		}
	}
	var zero T
	return zero, false
}

func (s *Store[T]) register(id string, kind Kind, speculative T, original *T, guard bool) (*node[T], error) {
	var n *node[T]
	err := s.mutate(func() (bool, error) {
		if guard && s.createPendingLocked(id) {
			return false, fmt.Errorf("%s: %w", id, ErrCreatePending)
		}
		s.token++
		n = &node[T]{
			action: PendingAction[T]{
				EntityID:    id,
				Kind:        kind,
				Speculative: speculative,
				Original:    original,
				Token:       s.token,
				CreatedAt:   s.now(),
			},
			order:  s.token,
			result: newResult[T](s.token),
		}
		if prev, ok := s.pending[id]; ok {
			n.prev = prev
			n.order = prev.order
		}
		s.pending[id] = n
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("registered pending action",
		"entity_id", id, "kind", kind, "token", n.action.Token)
	return n, nil
}

func (s *Store[T]) run(ctx context.Context, n *node[T], perform func(context.Context) (T, error)) {
	value, err := call(ctx, perform)
	if err != nil {
		s.fail(n, err)
		return
	}
	s.commit(n, value)
}

func call[T any](ctx context.Context, perform func(context.Context) (T, error)) (value T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("perform panicked: %v", p)
		}
	}()
	return perform(ctx)
}

func (s *Store[T]) commit(n *node[T], value T) {
	id := n.action.EntityID
	stale := false
	_ = s.mutate(func() (bool, error) {
		if s.pending[id] == n {
			delete(s.pending, id)
			s.applyLocked(n.action.Kind, id, value)
			return true, nil
		}
		stale = true
		if s.linkedLocked(n) {
			n.committed = true
			n.value = value
			n.prev = nil
		}
		return false, nil
	})
	if stale {
		s.logger.Warn("stale commit discarded",
			"entity_id", id, "kind", n.action.Kind, "token", n.action.Token, "error", ErrStaleCommit)
	}
	n.result.complete(value, nil, stale)
}

func (s *Store[T]) fail(n *node[T], cause error) {
	id := n.action.EntityID
	merr := &MutationError{Kind: n.action.Kind, EntityID: id, Err: cause}
	stale := false
	_ = s.mutate(func() (bool, error) {
		if s.pending[id] == n {
			s.restoreLocked(n)
			return true, nil
		}
		stale = true
		s.unlinkLocked(n)
		return false, nil
	})
	if stale {
		s.logger.Warn("stale rollback discarded",
			"entity_id", id, "kind", n.action.Kind, "token", n.action.Token, "error", cause)
	} else {
		s.logger.Info("pending action rolled back",
			"entity_id", id, "kind", n.action.Kind, "token", n.action.Token, "error", cause)
	}
	var zero T
	n.result.complete(zero, merr, stale)
}

// restoreLocked removes the current action n and puts back what the view
// showed before it was registered.
func (s *Store[T]) restoreLocked(n *node[T]) {
	id := n.action.EntityID
	prev := n.prev
	switch {
	case prev == nil:
		delete(s.pending, id)
	case prev.committed:
		delete(s.pending, id)
		s.applyLocked(prev.action.Kind, id, prev.value)
	default:
		s.pending[id] = prev
	}
	n.prev = nil
}

// linkedLocked reports whether n is in the chain of its id.
func (s *Store[T]) linkedLocked(n *node[T]) bool {
	for cur := s.pending[n.action.EntityID]; cur != nil; cur = cur.prev {
		if cur == n {
			return true
		}
	}
	return false
}

func (s *Store[T]) unlinkLocked(n *node[T]) {
	for cur := s.pending[n.action.EntityID]; cur != nil; cur = cur.prev {
		if cur.prev == n {
			cur.prev = n.prev
			n.prev = nil
			return
		}
	}
}

// applyLocked writes a confirmed mutation into the base collection.
func (s *Store[T]) applyLocked(kind Kind, id string, value T) {
	switch kind {
	case Delete:
		s.removeBaseLocked(id)
	case Create:
		s.upsertBaseLocked(value)
	default:
		// The server may return a different id only for creates.
		if got := s.idFn(value); got != id {
			s.removeBaseLocked(id)
		}
		s.upsertBaseLocked(value)
	}
}

func (s *Store[T]) upsertBaseLocked(item T) {
	id := s.idFn(item)
	for i := range s.base {
		if s.idFn(s.base[i]) == id {
			s.base[i] = item
			return
		}
	}
	s.base = append(s.base, item)
}

func (s *Store[T]) removeBaseLocked(id string) bool {
	before := len(s.base)
	s.base = slices.DeleteFunc(s.base, func(item T) bool {
		return s.idFn(item) == id
	})
	return len(s.base) != before
}

// OptimisticData returns the derived view: base order preserved, pending
// updates in place, pending creates appended in registration order,
// pending deletes excluded.
func (s *Store[T]) OptimisticData() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Store[T]) viewLocked() []T {
	out := make([]T, 0, len(s.base)+len(s.pending))
	inBase := make(map[string]struct{}, len(s.base))
	for _, item := range s.base {
		id := s.idFn(item)
		inBase[id] = struct{}{}
		n, ok := s.pending[id]
		switch {
		case !ok:
			out = append(out, item)
		case n.action.Kind != Delete:
			out = append(out, n.action.Speculative)
		}
	}

	var extra []*node[T]
	for id, n := range s.pending {
		if _, ok := inBase[id]; ok || n.action.Kind == Delete {
			continue
		}
		extra = append(extra, n)
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].order < extra[j].order })
	for _, n := range extra {
		out = append(out, n.action.Speculative)
	}
	return out
}

// IsPending reports whether id has an unresolved action.
func (s *Store[T]) IsPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// PendingActions returns the current action of every pending id, oldest
// first.
func (s *Store[T]) PendingActions() []PendingAction[T] {
	s.mu.Lock()
	out := make([]PendingAction[T], 0, len(s.pending))
	for _, n := range s.pending {
		out = append(out, n.action)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Token < out[j].Token
	})
	return out
}

// PendingCount returns the number of ids with an unresolved action.
func (s *Store[T]) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CancelAllPending drops every pending action. Resolutions still in flight
// are reported stale.
func (s *Store[T]) CancelAllPending() {
	var n int
	_ = s.mutate(func() (bool, error) {
		n = len(s.pending)
		if n == 0 {
			return false, nil
		}
		s.pending = make(map[string]*node[T])
		return true, nil
	})
	if n > 0 {
		s.logger.Info("cancelled pending actions", "count", n)
	}
}

// UpdateBaseData replaces the base collection. Pending actions still apply
// on top of it.
func (s *Store[T]) UpdateBaseData(items []T) {
	_ = s.mutate(func() (bool, error) {
		s.base = slices.Clone(items)
		return true, nil
	})
}

// UpsertBase replaces the base entry with item's id, or appends it.
func (s *Store[T]) UpsertBase(item T) {
	_ = s.mutate(func() (bool, error) {
		s.upsertBaseLocked(item)
		return true, nil
	})
}

// RemoveBase drops id from the base collection and reports whether it was
// present.
func (s *Store[T]) RemoveBase(id string) bool {
	var removed bool
	_ = s.mutate(func() (bool, error) {
		removed = s.removeBaseLocked(id)
		return removed, nil
	})
	return removed
}

// Base returns a copy of the base collection.
func (s *Store[T]) Base() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.base)
}

// SweepExpired rolls back every pending action older than maxAge and
// returns how many were rolled back. Expired superseded actions are dropped
// from their chain; an expired current action is rolled back, which may
// restore a predecessor that is then checked in turn.
func (s *Store[T]) SweepExpired(maxAge time.Duration) int {
	var expired []*node[T]
	_ = s.mutate(func() (bool, error) {
		now := s.now()
		for id, head := range s.pending {
			// Drop expired predecessors so a later rollback cannot revive them.
			for cur := head; cur.prev != nil; {
				p := cur.prev
				if !p.committed && now.Sub(p.action.CreatedAt) > maxAge {
					cur.prev = p.prev
					p.prev = nil
					expired = append(expired, p)
					continue
				}
				cur = p
			}
			for {
				n, ok := s.pending[id]
				if !ok || now.Sub(n.action.CreatedAt) <= maxAge {
					break
				}
				s.restoreLocked(n)
				expired = append(expired, n)
			}
		}
		return len(expired) > 0, nil
	})

	var zero T
	for _, n := range expired {
		s.logger.Warn("pending action expired",
			"entity_id", n.action.EntityID, "kind", n.action.Kind,
			"token", n.action.Token, "age", s.now().Sub(n.action.CreatedAt))
		n.result.complete(zero, &MutationError{
			Kind: n.action.Kind, EntityID: n.action.EntityID, Err: ErrExpired,
		}, false)
	}
	return len(expired)
}

// Subscribe registers fn to receive the derived view after every state
// change. The returned func removes it.
func (s *Store[T]) Subscribe(fn func([]T)) (unsubscribe func()) {
	l := &listener[T]{fn: fn}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.listeners = slices.DeleteFunc(s.listeners, func(x *listener[T]) bool { return x == l })
		})
	}
}

// mutate runs fn under the state lock and, when fn reports a change,
// notifies listeners before the next mutation can start.
func (s *Store[T]) mutate(fn func() (bool, error)) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	changed, err := fn()
	if err != nil || !changed || len(s.listeners) == 0 {
		s.mu.Unlock()
		return err
	}
	listeners := slices.Clone(s.listeners)
	view := s.viewLocked()
	s.mu.Unlock()

	for _, l := range listeners {
		s.notify(l, slices.Clone(view))
	}
	return nil
}

func (s *Store[T]) notify(l *listener[T], view []T) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("store listener panicked", "panic", p)
		}
	}()
	l.fn(view)
}
