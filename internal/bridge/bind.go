package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/optimistic"
	"github.com/rickgao/livesync/internal/realtime"
)

// DefaultResyncTimeout bounds a reload started by the binding itself.
const DefaultResyncTimeout = 30 * time.Second

var ErrUnbound = errors.New("binding closed")

// Subscriber is the part of the multiplexer a binding uses.
type Subscriber interface {
	Subscribe(ctx context.Context, sub realtime.Subscription) error
	Unsubscribe(id string)
}

// Loader fetches the full base collection.
type Loader[T any] interface {
	Load(ctx context.Context) ([]T, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc[T any] func(ctx context.Context) ([]T, error)

func (f LoaderFunc[T]) Load(ctx context.Context) ([]T, error) { return f(ctx) }

// Config describes one binding.
type Config[T any] struct {
	ID       string // Subscription id; generated when empty
	Resource string
	Kinds    []connection.EventKind // Defaults to all kinds
	Loader   Loader[T]
	IDFunc   optimistic.IDFunc[T] // Identifies records in delete events

	// ApplyRecords applies change records directly. When false every event
	// triggers a reload.
	ApplyRecords bool

	// OnStatus, if set, also receives the subscription's state changes.
	OnStatus realtime.StatusHandler

	ResyncTimeout time.Duration
	Logger        *slog.Logger
}

// Stats counts what a binding has done.
type Stats struct {
	Applied      int64
	Resyncs      int64
	ResyncErrors int64
	DecodeErrors int64
	LastResync   time.Time
}

// change is one applied record, kept for replay over a reload.
type change[T any] struct {
	item   T
	id     string
	remove bool
}

// Binding feeds realtime changes for one resource into a store.
type Binding[T any] struct {
	cfg    Config[T]
	store  *optimistic.Store[T]
	sub    Subscriber
	logger *slog.Logger

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu     sync.Mutex // Guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Bool // A disconnect was seen since the last connect

	// applyMu orders applied changes against installing a reload. While a
	// load is in flight, applied changes are also kept in journal and
	// replayed over the snapshot.
	applyMu sync.Mutex
	loading bool
	journal []change[T]

	applied      atomic.Int64
	resyncs      atomic.Int64
	resyncErrors atomic.Int64
	decodeErrors atomic.Int64
	lastResync   atomic.Int64 // Unix nanos
}

// Bind subscribes to cfg.Resource and starts applying its changes to store.
// The initial load is left to the caller.
func Bind[T any](ctx context.Context, sub Subscriber, store *optimistic.Store[T], cfg Config[T]) (*Binding[T], error) {
	if cfg.Resource == "" {
		return nil, fmt.Errorf("bind: empty resource")
	}
	if cfg.Loader == nil {
		return nil, fmt.Errorf("bind %s: loader is required", cfg.Resource)
	}
	if cfg.ApplyRecords && cfg.IDFunc == nil {
		return nil, fmt.Errorf("bind %s: id func is required to apply records", cfg.Resource)
	}
	if cfg.ID == "" {
		cfg.ID = realtime.NewSubscriptionID(cfg.Resource)
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = connection.AllKinds
	}
	if cfg.ResyncTimeout <= 0 {
		cfg.ResyncTimeout = DefaultResyncTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Binding[T]{
		cfg:    cfg,
		store:  store,
		sub:    sub,
		logger: logger.With("component", "bridge", "resource", cfg.Resource),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	err := sub.Subscribe(ctx, realtime.Subscription{
		ID:       cfg.ID,
		Resource: cfg.Resource,
		Kinds:    cfg.Kinds,
		OnEvent:  b.handleEvent,
		OnStatus: b.handleStatus,
	})
	if err != nil {
		b.cancel()
		return nil, fmt.Errorf("bind %s: %w", cfg.Resource, err)
	}

	b.logger.Info("bound", "subscription", cfg.ID, "kinds", cfg.Kinds, "apply_records", cfg.ApplyRecords)
	return b, nil
}

// Name returns the bound resource.
func (b *Binding[T]) Name() string { return b.cfg.Resource }

// Store returns the bound store.
func (b *Binding[T]) Store() *optimistic.Store[T] { return b.store }

// SweepExpired rolls back the store's expired pending actions.
func (b *Binding[T]) SweepExpired(maxAge time.Duration) int {
	return b.store.SweepExpired(maxAge)
}

// Resync reloads the base collection. Concurrent calls share one load,
// which runs on the binding's own context bounded by ResyncTimeout; ctx only
// bounds how long this caller waits for it. Changes applied while the load
// is in flight are replayed over the loaded snapshot.
func (b *Binding[T]) Resync(ctx context.Context) error {
	if b.ctx.Err() != nil {
		return ErrUnbound
	}
	ch := b.group.DoChan("resync", func() (any, error) {
		return nil, b.reload()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Binding[T]) reload() error {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.ResyncTimeout)
	defer cancel()

	b.applyMu.Lock()
	b.loading = true
	b.journal = nil
	b.applyMu.Unlock()

	start := time.Now()
	items, err := b.cfg.Loader.Load(ctx)

	b.applyMu.Lock()
	defer b.applyMu.Unlock()
	replay := b.journal
	b.loading = false
	b.journal = nil

	if err != nil {
		b.resyncErrors.Add(1)
		return fmt.Errorf("resync %s: %w", b.cfg.Resource, err)
	}
	b.store.UpdateBaseData(items)
	for _, c := range replay {
		b.applyLocked(c)
	}
	b.resyncs.Add(1)
	b.lastResync.Store(time.Now().UnixNano())
	b.logger.Debug("resynced", "count", len(items), "replayed", len(replay), "duration", time.Since(start))
	return nil
}

// Unbind drops the subscription and waits for reloads the binding started.
// Safe to call more than once.
func (b *Binding[T]) Unbind() {
	b.once.Do(func() {
		b.sub.Unsubscribe(b.cfg.ID)
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.cancel()
		b.wg.Wait()
		b.logger.Info("unbound")
	})
}

// Stats returns a snapshot of the binding's counters.
func (b *Binding[T]) Stats() Stats {
	s := Stats{
		Applied:      b.applied.Load(),
		Resyncs:      b.resyncs.Load(),
		ResyncErrors: b.resyncErrors.Load(),
		DecodeErrors: b.decodeErrors.Load(),
	}
	if ns := b.lastResync.Load(); ns != 0 {
		s.LastResync = time.Unix(0, ns)
	}
	return s
}

func (b *Binding[T]) handleEvent(ev connection.Event) error {
	if !b.cfg.ApplyRecords {
		b.resyncAsync("change event")
		return nil
	}

	var item T
	switch ev.Kind {
	case connection.KindCreated, connection.KindUpdated:
		if err := ev.Decode(&item); err != nil {
			return b.decodeFailed(ev, err)
		}
		b.apply(change[T]{item: item})

	case connection.KindDeleted:
		if err := ev.DecodeOld(&item); err != nil {
			return b.decodeFailed(ev, err)
		}
		id := b.cfg.IDFunc(item)
		if id == "" {
			return b.decodeFailed(ev, errors.New("old record has no id"))
		}
		b.apply(change[T]{id: id, remove: true})

	default:
		return fmt.Errorf("unexpected event kind %q", ev.Kind)
	}

	b.applied.Add(1)
	return nil
}

func (b *Binding[T]) apply(c change[T]) {
	b.applyMu.Lock()
	defer b.applyMu.Unlock()
	b.applyLocked(c)
	if b.loading {
		b.journal = append(b.journal, c)
	}
}

func (b *Binding[T]) applyLocked(c change[T]) {
	if c.remove {
		b.store.RemoveBase(c.id)
		return
	}
	b.store.UpsertBase(c.item)
}

func (b *Binding[T]) decodeFailed(ev connection.Event, err error) error {
	b.decodeErrors.Add(1)
	b.resyncAsync("undecodable record")
	return fmt.Errorf("decode %s %s record: %w", ev.Resource, ev.Kind, err)
}

func (b *Binding[T]) handleStatus(state realtime.State, err error) {
	switch state {
	case realtime.StateDisconnected:
		b.dropped.Store(true)
		b.logger.Warn("realtime disconnected", "err", err)
	case realtime.StateConnected:
		if b.dropped.Swap(false) {
			b.resyncAsync("reconnected")
		}
	}
	if b.cfg.OnStatus != nil {
		b.cfg.OnStatus(state, err)
	}
}

// resyncAsync reloads off the dispatcher goroutine.
func (b *Binding[T]) resyncAsync(reason string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(b.ctx, b.cfg.ResyncTimeout)
		defer cancel()
		if err := b.Resync(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("resync failed", "reason", reason, "err", err)
		}
	}()
}
