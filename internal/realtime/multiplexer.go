package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/router"
)

const connectKey = "connect"

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Multiplexer) {
		m.logger = logger
	}
}

// WithQueueSize sets the initial capacity of the dispatch queue.
func WithQueueSize(n int) Option {
	return func(m *Multiplexer) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithDetachTimeout bounds the Unlisten call made when a resource loses its
// last subscriber.
func WithDetachTimeout(d time.Duration) Option {
	return func(m *Multiplexer) {
		if d > 0 {
			m.detachTimeout = d
		}
	}
}

// delivery is one unit of dispatcher work: an event or a status change.
type delivery struct {
	event  connection.Event
	status *statusChange
}

type statusChange struct {
	state   State
	err     error
	targets []router.Route[StatusHandler]
}

// Multiplexer shares one Channel among many subscriptions.
type Multiplexer struct {
	dial          Dialer
	logger        *slog.Logger
	queueSize     int
	detachTimeout time.Duration

	// Lifetime of the multiplexer; connection attempts run on it so one
	// caller abandoning its context never aborts a shared attempt.
	ctx    context.Context
	cancel context.CancelFunc

	flight       singleflight.Group
	table        *router.Table[StatusHandler]
	queue        *router.Queue[delivery]
	dispatchOnce sync.Once
	wg           sync.WaitGroup

	// bindMu serializes Listen/Unlisten on the live channel.
	bindMu sync.Mutex

	mu      sync.Mutex
	state   State
	lastErr error
	ch      Channel
	stop    chan struct{}
	epoch   uint64
	bound   map[string][]connection.EventKind
	closed  bool

	eventsReceived atomic.Int64
	lastEventAt    atomic.Int64
	reconnects     atomic.Int64
}

// New creates a multiplexer. No channel is opened until the first
// subscription or an explicit InitializeConnection.
func New(dial Dialer, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		dial:          dial,
		logger:        slog.Default(),
		queueSize:     256,
		detachTimeout: 5 * time.Second,
		bound:         make(map[string][]connection.EventKind),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "realtime")
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.table = router.NewTable[StatusHandler](m.logger)
	m.queue = router.NewQueue[delivery](m.queueSize)
	return m
}

// InitializeConnection connects the shared channel if it is not already
// connected. Concurrent callers share one attempt. The attempt itself is
// not bound to ctx; ctx only bounds how long this caller waits.
func (m *Multiplexer) InitializeConnection(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		if m.state == StateConnected {
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		result := m.flight.DoChan(connectKey, func() (any, error) {
			return nil, m.establish()
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-result:
			if !errors.Is(res.Err, ErrSuperseded) {
				return res.Err
			}
			// Join the attempt that replaced ours, if there is one.
			m.mu.Lock()
			retry := !m.closed && m.state == StateConnecting
			m.mu.Unlock()
			if !retry {
				return res.Err
			}
		}
	}
}

// establish dials, joins and attaches every binding. It runs at most once
// at a time via the singleflight group.
func (m *Multiplexer) establish() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.beginConnectingLocked()
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	m.logger.Debug("connecting", "epoch", epoch)

	ch, err := m.dial(m.ctx)
	if err == nil {
		err = ch.Join(m.ctx)
		if err != nil {
			ch.Close()
		}
	}
	if err != nil {
		m.mu.Lock()
		if m.epoch != epoch || m.closed {
			m.mu.Unlock()
			return ErrSuperseded
		}
		m.state = StateDisconnected
		m.lastErr = err
		m.fanoutLocked(StateDisconnected, err)
		m.mu.Unlock()

		m.logger.Warn("realtime connection failed", "epoch", epoch, "error", err)
		return err
	}

	m.bindMu.Lock()
	defer m.bindMu.Unlock()

	m.mu.Lock()
	if m.epoch != epoch || m.closed {
		m.mu.Unlock()
		ch.Close()
		m.logger.Debug("discarding late handshake", "epoch", epoch)
		return ErrSuperseded
	}
	m.ch = ch
	m.bound = make(map[string][]connection.EventKind)
	m.mu.Unlock()

	// Subscriptions may arrive while bindings are attached; loop until the
	// bound set covers the table, then publish Connected under the same lock.
	for {
		m.mu.Lock()
		if m.epoch != epoch || m.closed {
			m.mu.Unlock()
			return ErrSuperseded
		}
		missing := m.missingBindingsLocked()
		if len(missing) == 0 {
			m.state = StateConnected
			m.lastErr = nil
			m.stop = make(chan struct{})
			m.startDispatcherLocked()
			m.wg.Add(1)
			go m.pump(ch, epoch, m.stop)
			m.fanoutLocked(StateConnected, nil)
			bindings := len(m.bound)
			m.mu.Unlock()

			m.logger.Info("realtime connected", "epoch", epoch, "bindings", bindings)
			return nil
		}
		m.mu.Unlock()

		for resource, kinds := range missing {
			if err := ch.Listen(m.ctx, resource, kinds); err != nil {
				m.mu.Lock()
				if m.epoch != epoch || m.closed {
					m.mu.Unlock()
					return ErrSuperseded
				}
				old := m.teardownLocked(StateDisconnected, err)
				m.fanoutLocked(StateDisconnected, err)
				m.mu.Unlock()

				m.closeChannel(old)
				m.logger.Warn("failed to attach binding", "resource", resource, "error", err)
				return err
			}
			m.mu.Lock()
			if m.epoch == epoch {
				m.markBoundLocked(resource, kinds)
			}
			m.mu.Unlock()
		}
	}
}

// Subscribe registers sub. When the channel is connected the binding is
// attached before returning (using ctx for any server round trip) and the
// subscription is told Connected; otherwise it is told Connecting and a
// connection attempt starts in the background. Connection failures are
// reported through OnStatus, never returned.
func (m *Multiplexer) Subscribe(ctx context.Context, sub Subscription) error {
	sub, err := sub.normalize()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	connected := m.state == StateConnected
	if !connected {
		// Existing subscribers hear Connecting before the newcomer is added.
		m.beginConnectingLocked()
	}
	route, replaced := m.table.Add(router.Route[StatusHandler]{
		ID:       sub.ID,
		Resource: sub.Resource,
		Kinds:    sub.Kinds,
		Handler:  router.Handler(sub.OnEvent),
		Meta:     sub.OnStatus,
	})
	epoch := m.epoch
	if !connected {
		m.notifyLocked(route, StateConnecting, nil)
	}
	m.mu.Unlock()

	if replaced != nil {
		m.logger.Debug("subscription replaced", "id", sub.ID, "resource", sub.Resource)
	}

	if !connected {
		go func() {
			if err := m.InitializeConnection(m.ctx); err != nil && !errors.Is(err, ErrClosed) {
				m.logger.Debug("background connect finished with error", "subscription", sub.ID, "error", err)
			}
		}()
		return nil
	}

	err = m.attach(ctx, route.Resource, epoch)

	m.mu.Lock()
	defer m.mu.Unlock()
	// A teardown or failure since then has already notified this route.
	if m.epoch != epoch || m.state != StateConnected || !m.table.Active(route.ID, route.Seq) {
		return nil
	}
	if err != nil {
		m.logger.Warn("failed to attach binding", "subscription", sub.ID, "resource", sub.Resource, "error", err)
		m.notifyLocked(route, StateDisconnected, err)
		return nil
	}
	m.notifyLocked(route, StateConnected, nil)
	return nil
}

// attach makes sure the live channel receives every kind the table wants
// on resource.
func (m *Multiplexer) attach(ctx context.Context, resource string, epoch uint64) error {
	m.bindMu.Lock()
	defer m.bindMu.Unlock()

	m.mu.Lock()
	if m.epoch != epoch || m.ch == nil {
		m.mu.Unlock()
		return nil
	}
	want, wanted := m.table.KindsFor(resource)
	have, bound := m.bound[resource]
	ch := m.ch
	m.mu.Unlock()

	if !wanted {
		return nil
	}
	listen := want
	if bound {
		listen = router.MissingKinds(have, want)
		if len(listen) == 0 {
			return nil
		}
	}

	if err := ch.Listen(ctx, resource, listen); err != nil {
		return err
	}

	m.mu.Lock()
	if m.epoch == epoch {
		m.markBoundLocked(resource, listen)
	}
	m.mu.Unlock()
	return nil
}

// Unsubscribe removes a subscription. Delivery to it stops immediately.
// Removing the last subscription closes the channel. Unknown ids are ignored.
func (m *Multiplexer) Unsubscribe(id string) {
	m.mu.Lock()
	route, ok := m.table.Remove(id)
	if !ok {
		m.mu.Unlock()
		return
	}

	if m.table.Len() == 0 {
		old := m.teardownLocked(StateUninitialized, nil)
		m.mu.Unlock()

		m.closeChannel(old)
		if old != nil {
			m.logger.Info("last subscription removed, channel closed")
		}
		return
	}

	epoch, connected := m.epoch, m.state == StateConnected
	m.mu.Unlock()

	if connected {
		m.detach(route.Resource, epoch)
	}
}

// detach drops the server binding for a resource nobody wants anymore.
// Without Unlistener the binding stays and dispatch filtering applies.
func (m *Multiplexer) detach(resource string, epoch uint64) {
	m.bindMu.Lock()
	defer m.bindMu.Unlock()

	m.mu.Lock()
	if m.epoch != epoch || m.ch == nil {
		m.mu.Unlock()
		return
	}
	if _, wanted := m.table.KindsFor(resource); wanted {
		m.mu.Unlock()
		return
	}
	if _, bound := m.bound[resource]; !bound {
		m.mu.Unlock()
		return
	}
	u, ok := m.ch.(Unlistener)
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.bound, resource)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.detachTimeout)
	defer cancel()
	if err := u.Unlisten(ctx, resource); err != nil {
		m.logger.Warn("failed to detach binding", "resource", resource, "error", err)
	}
}

// Reconnect closes the current channel, if any, and connects a new one
// with every registered binding. It does not retry.
func (m *Multiplexer) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old := m.teardownLocked(StateDisconnected, m.lastErr)
	m.beginConnectingLocked()
	m.mu.Unlock()

	m.closeChannel(old)
	m.reconnects.Add(1)
	m.logger.Info("reconnecting realtime channel")

	return m.InitializeConnection(ctx)
}

// Broadcast sends a client broadcast over the live channel.
func (m *Multiplexer) Broadcast(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	state, ch := m.state, m.ch
	m.mu.Unlock()

	if state != StateConnected || ch == nil {
		return ErrNotConnected
	}
	b, ok := ch.(Broadcaster)
	if !ok {
		return ErrBroadcastUnsupported
	}
	return b.Broadcast(ctx, event, payload)
}

// ConnectionState returns a snapshot of the channel state.
func (m *Multiplexer) ConnectionState() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionState{
		State:           m.state,
		LastError:       m.lastErr,
		SubscriberCount: m.table.Len(),
	}
}

// Stats returns a snapshot of multiplexer activity.
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	state, epoch, bindings := m.state, m.epoch, len(m.bound)
	m.mu.Unlock()

	ts := m.table.Stats()
	s := Stats{
		State:           state,
		SubscriberCount: ts.Routes,
		Bindings:        bindings,
		Epoch:           epoch,
		EventsReceived:  m.eventsReceived.Load(),
		EventsDelivered: ts.Deliveries,
		HandlerErrors:   ts.HandlerErrors,
		HandlerPanics:   ts.HandlerPanics,
		QueueDepth:      m.queue.Len(),
		Reconnects:      m.reconnects.Load(),
	}
	if ns := m.lastEventAt.Load(); ns > 0 {
		s.LastEventAt = time.Unix(0, ns)
	}
	return s
}

// Close tears everything down regardless of subscriber count. Pending
// callbacks are dropped. Must not be called from a callback.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	old := m.teardownLocked(StateUninitialized, nil)
	m.table.Clear()
	m.mu.Unlock()

	m.closeChannel(old)
	m.cancel()
	m.queue.Close()
	m.wg.Wait()

	m.logger.Info("multiplexer closed")
	return nil
}

// pump forwards one channel's events into the dispatch queue until the
// channel fails or its epoch ends.
func (m *Multiplexer) pump(ch Channel, epoch uint64, stop <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case <-m.ctx.Done():
			return
		case ev, ok := <-ch.Events():
			if !ok {
				m.channelFailed(epoch, ErrChannelClosed)
				return
			}
			m.eventsReceived.Add(1)
			m.lastEventAt.Store(time.Now().UnixNano())
			m.queue.Send(delivery{event: ev})
		case err, ok := <-ch.Errors():
			if !ok || err == nil {
				err = ErrChannelClosed
			}
			m.channelFailed(epoch, err)
			return
		}
	}
}

func (m *Multiplexer) channelFailed(epoch uint64, err error) {
	m.mu.Lock()
	if m.epoch != epoch || m.closed {
		m.mu.Unlock()
		return
	}
	old := m.teardownLocked(StateDisconnected, err)
	m.fanoutLocked(StateDisconnected, err)
	m.mu.Unlock()

	m.closeChannel(old)
	m.logger.Warn("realtime channel lost", "epoch", epoch, "error", err)
}

func (m *Multiplexer) dispatchLoop() {
	defer m.wg.Done()

	for {
		d, ok := m.queue.Receive()
		if !ok {
			return
		}
		if d.status != nil {
			m.deliverStatus(d.status)
			continue
		}
		m.table.Dispatch(d.event)
	}
}

func (m *Multiplexer) deliverStatus(sc *statusChange) {
	for _, r := range sc.targets {
		if r.Meta == nil || !m.table.Active(r.ID, r.Seq) {
			continue
		}
		func() {
			defer func() {
				if p := recover(); p != nil {
					m.logger.Error("status handler panicked", "subscription", r.ID, "state", sc.state, "panic", p)
				}
			}()
			r.Meta(sc.state, sc.err)
		}()
	}
}

// teardownLocked ends the current epoch and returns the channel to close.
func (m *Multiplexer) teardownLocked(state State, err error) Channel {
	m.epoch++
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	old := m.ch
	m.ch = nil
	m.bound = make(map[string][]connection.EventKind)
	m.state = state
	m.lastErr = err
	m.flight.Forget(connectKey)
	return old
}

func (m *Multiplexer) closeChannel(ch Channel) {
	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil {
		m.logger.Debug("channel close error", "error", err)
	}
}

// beginConnectingLocked moves to Connecting and tells current subscribers.
func (m *Multiplexer) beginConnectingLocked() {
	if m.state == StateConnecting || m.state == StateConnected {
		return
	}
	m.state = StateConnecting
	m.fanoutLocked(StateConnecting, nil)
}

func (m *Multiplexer) fanoutLocked(state State, err error) {
	routes := m.table.Routes()
	if len(routes) == 0 {
		return
	}
	m.startDispatcherLocked()
	m.queue.Send(delivery{status: &statusChange{state: state, err: err, targets: routes}})
}

func (m *Multiplexer) notifyLocked(route router.Route[StatusHandler], state State, err error) {
	if route.Meta == nil {
		return
	}
	m.startDispatcherLocked()
	m.queue.Send(delivery{status: &statusChange{state: state, err: err, targets: []router.Route[StatusHandler]{route}}})
}

func (m *Multiplexer) startDispatcherLocked() {
	m.dispatchOnce.Do(func() {
		m.wg.Add(1)
		go m.dispatchLoop()
	})
}

func (m *Multiplexer) missingBindingsLocked() map[string][]connection.EventKind {
	out := make(map[string][]connection.EventKind)
	for resource, want := range m.table.Bindings() {
		have, ok := m.bound[resource]
		if !ok {
			out[resource] = want
			continue
		}
		if miss := router.MissingKinds(have, want); len(miss) > 0 {
			out[resource] = miss
		}
	}
	return out
}

func (m *Multiplexer) markBoundLocked(resource string, kinds []connection.EventKind) {
	if have, ok := m.bound[resource]; ok {
		m.bound[resource] = router.UnionKinds(have, kinds)
		return
	}
	m.bound[resource] = router.NormalizeKinds(kinds)
}
