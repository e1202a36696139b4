package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/optimistic"
	"github.com/rickgao/livesync/internal/realtime"
)

type item struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func itemID(i item) string { return i.ID }

type fakeSubscriber struct {
	mu           sync.Mutex
	subs         map[string]realtime.Subscription
	unsubscribed []string
	err          error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{subs: make(map[string]realtime.Subscription)}
}

func (f *fakeSubscriber) Subscribe(_ context.Context, sub realtime.Subscription) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.ID] = sub
	return nil
}

func (f *fakeSubscriber) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	f.unsubscribed = append(f.unsubscribed, id)
}

func (f *fakeSubscriber) only(t *testing.T) realtime.Subscription {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.subs, 1)
	for _, s := range f.subs {
		return s
	}
	return realtime.Subscription{}
}

type fakeLoader struct {
	mu    sync.Mutex
	items []item
	err   error
	calls int

	// When set, Load signals entered and then blocks until gate closes.
	entered chan struct{}
	gate    chan struct{}
}

func (l *fakeLoader) Load(ctx context.Context) ([]item, error) {
	l.mu.Lock()
	l.calls++
	items, err := append([]item(nil), l.items...), l.err
	entered, gate := l.entered, l.gate
	l.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (l *fakeLoader) block() (entered, gate chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entered = make(chan struct{}, 4)
	l.gate = make(chan struct{})
	return l.entered, l.gate
}

func (l *fakeLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func setup(t *testing.T, apply bool, base ...item) (*Binding[item], *fakeSubscriber, *fakeLoader, *optimistic.Store[item]) {
	t.Helper()
	sub := newFakeSubscriber()
	loader := &fakeLoader{}
	store := optimistic.New(itemID, optimistic.WithBaseData(base))
	b, err := Bind(context.Background(), sub, store, Config[item]{
		Resource:     "facility_tasks",
		Loader:       loader,
		IDFunc:       itemID,
		ApplyRecords: apply,
	})
	require.NoError(t, err)
	t.Cleanup(b.Unbind)
	return b, sub, loader, store
}

func event(kind connection.EventKind, record, old string) connection.Event {
	var rec, prev []byte
	if record != "" {
		rec = []byte(record)
	}
	if old != "" {
		prev = []byte(old)
	}
	return connection.NewEvent("facility_tasks", kind, rec, prev)
}

func TestBind_AppliesRecords(t *testing.T) {
	b, sub, loader, store := setup(t, true, item{ID: "1", Title: "a"})
	s := sub.only(t)
	assert.Equal(t, connection.AllKinds, s.Kinds)
	assert.Contains(t, s.ID, "facility_tasks:")

	require.NoError(t, s.OnEvent(event(connection.KindCreated, `{"id":"2","title":"b"}`, "")))
	require.NoError(t, s.OnEvent(event(connection.KindUpdated, `{"id":"1","title":"a2"}`, "")))
	assert.Equal(t, []item{{ID: "1", Title: "a2"}, {ID: "2", Title: "b"}}, store.Base())

	require.NoError(t, s.OnEvent(event(connection.KindDeleted, "", `{"id":"1"}`)))
	assert.Equal(t, []item{{ID: "2", Title: "b"}}, store.Base())

	assert.Equal(t, int64(3), b.Stats().Applied)
	assert.Zero(t, loader.count())
}

func TestBind_DecodeFailureResyncs(t *testing.T) {
	b, sub, loader, store := setup(t, true, item{ID: "1"})
	loader.items = []item{{ID: "9", Title: "fresh"}}
	s := sub.only(t)

	err := s.OnEvent(event(connection.KindUpdated, `{"id":`, ""))
	require.Error(t, err)

	require.Eventually(t, func() bool { return b.Stats().Resyncs == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []item{{ID: "9", Title: "fresh"}}, store.Base())
	assert.Equal(t, int64(1), b.Stats().DecodeErrors)
}

func TestBind_DeleteWithoutOldRecordResyncs(t *testing.T) {
	b, sub, _, _ := setup(t, true, item{ID: "1"})
	s := sub.only(t)

	err := s.OnEvent(event(connection.KindDeleted, "", ""))
	assert.ErrorIs(t, err, connection.ErrEmptyPayload)
	require.Eventually(t, func() bool { return b.Stats().Resyncs == 1 }, time.Second, 5*time.Millisecond)

	err = s.OnEvent(event(connection.KindDeleted, "", `{"title":"no id"}`))
	assert.Error(t, err)
	assert.Equal(t, int64(2), b.Stats().DecodeErrors)
}

func TestBind_ReloadMode(t *testing.T) {
	b, sub, loader, store := setup(t, false, item{ID: "1"})
	loader.items = []item{{ID: "1"}, {ID: "2"}}
	s := sub.only(t)

	require.NoError(t, s.OnEvent(event(connection.KindCreated, `{"id":"2"}`, "")))
	require.Eventually(t, func() bool { return b.Stats().Resyncs >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []item{{ID: "1"}, {ID: "2"}}, store.Base())
	assert.Zero(t, b.Stats().Applied)
}

func TestBind_ResyncAfterReconnect(t *testing.T) {
	b, sub, loader, _ := setup(t, true)
	s := sub.only(t)

	s.OnStatus(realtime.StateConnected, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, loader.count(), "first connect does not reload")

	s.OnStatus(realtime.StateDisconnected, errors.New("read: eof"))
	s.OnStatus(realtime.StateConnecting, nil)
	s.OnStatus(realtime.StateConnected, nil)
	require.Eventually(t, func() bool { return b.Stats().Resyncs == 1 }, time.Second, 5*time.Millisecond)

	s.OnStatus(realtime.StateConnected, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, loader.count())
}

func TestBind_ForwardsStatus(t *testing.T) {
	var got []realtime.State
	sub := newFakeSubscriber()
	b, err := Bind(context.Background(), sub, optimistic.New(itemID), Config[item]{
		Resource: "facility_tasks",
		Loader:   &fakeLoader{},
		OnStatus: func(s realtime.State, _ error) { got = append(got, s) },
	})
	require.NoError(t, err)
	defer b.Unbind()

	s := sub.only(t)
	s.OnStatus(realtime.StateConnecting, nil)
	s.OnStatus(realtime.StateConnected, nil)
	assert.Equal(t, []realtime.State{realtime.StateConnecting, realtime.StateConnected}, got)
}

func TestBind_ResyncError(t *testing.T) {
	b, _, loader, store := setup(t, true, item{ID: "1"})
	loader.err = errors.New("backend down")

	err := b.Resync(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, loader.err)
	assert.Equal(t, int64(1), b.Stats().ResyncErrors)
	assert.True(t, b.Stats().LastResync.IsZero())
	assert.Equal(t, []item{{ID: "1"}}, store.Base())
}

func TestBind_ResyncPreservesPending(t *testing.T) {
	b, _, loader, store := setup(t, true, item{ID: "1", Title: "a"})
	loader.items = []item{{ID: "1", Title: "server"}}

	block := make(chan struct{})
	res, err := store.Update(context.Background(), "1", optimistic.Patch{"title": "mine"},
		func(ctx context.Context) (item, error) {
			<-block
			return item{ID: "1", Title: "mine"}, nil
		}, nil)
	require.NoError(t, err)

	require.NoError(t, b.Resync(context.Background()))
	assert.Equal(t, []item{{ID: "1", Title: "mine"}}, store.OptimisticData())
	assert.Equal(t, []item{{ID: "1", Title: "server"}}, store.Base())

	close(block)
	_, err = res.Wait(context.Background())
	require.NoError(t, err)
}

func TestBind_ResyncSharedLoadOutlivesFirstCaller(t *testing.T) {
	b, _, loader, store := setup(t, true, item{ID: "1", Title: "old"})
	loader.items = []item{{ID: "1", Title: "new"}}
	entered, gate := loader.block()

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() { errA <- b.Resync(ctxA) }()
	<-entered

	errB := make(chan error, 1)
	go func() { errB <- b.Resync(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(gate)
	select {
	case err := <-errB:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second caller never got the shared load")
	}
	assert.Equal(t, []item{{ID: "1", Title: "new"}}, store.Base())
	assert.Zero(t, b.Stats().ResyncErrors)
}

func TestBind_ChangesDuringResyncSurviveSnapshot(t *testing.T) {
	b, sub, loader, store := setup(t, true, item{ID: "1", Title: "a"}, item{ID: "2", Title: "b"})
	s := sub.only(t)
	// Read before the changes below were committed.
	loader.items = []item{{ID: "1", Title: "a"}, {ID: "2", Title: "b"}}
	entered, gate := loader.block()

	done := make(chan error, 1)
	go func() { done <- b.Resync(context.Background()) }()
	<-entered

	require.NoError(t, s.OnEvent(event(connection.KindUpdated, `{"id":"1","title":"a2"}`, "")))
	require.NoError(t, s.OnEvent(event(connection.KindDeleted, "", `{"id":"2"}`)))
	require.NoError(t, s.OnEvent(event(connection.KindCreated, `{"id":"3","title":"c"}`, "")))

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, []item{{ID: "1", Title: "a2"}, {ID: "3", Title: "c"}}, store.Base())

	// The journal is cleared once the reload is installed.
	loader.mu.Lock()
	loader.entered, loader.gate = nil, nil
	loader.items = []item{{ID: "9"}}
	loader.mu.Unlock()
	require.NoError(t, b.Resync(context.Background()))
	assert.Equal(t, []item{{ID: "9"}}, store.Base())
}

func TestBind_Unbind(t *testing.T) {
	b, sub, _, _ := setup(t, true)
	id := sub.only(t).ID

	b.Unbind()
	b.Unbind()
	assert.Equal(t, []string{id}, sub.unsubscribed)
	assert.ErrorIs(t, b.Resync(context.Background()), ErrUnbound)
}

func TestBind_Target(t *testing.T) {
	now := time.Now()
	sub := newFakeSubscriber()
	store := optimistic.New(itemID,
		optimistic.WithBaseData([]item{{ID: "1"}}),
		optimistic.WithClock[item](func() time.Time { return now }))
	b, err := Bind(context.Background(), sub, store, Config[item]{
		Resource: "facility_tasks",
		Loader:   LoaderFunc[item](func(context.Context) ([]item, error) { return nil, nil }),
	})
	require.NoError(t, err)
	defer b.Unbind()

	block := make(chan struct{})
	defer close(block)
	store.Create(context.Background(), "tmp-1", item{ID: "tmp-1"}, func(ctx context.Context) (item, error) {
		<-block
		return item{}, errors.New("unreachable")
	})

	assert.Equal(t, "facility_tasks", b.Name())
	assert.Same(t, store, b.Store())
	assert.Zero(t, b.SweepExpired(time.Minute))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, b.SweepExpired(time.Minute))
	assert.Equal(t, []item{{ID: "1"}}, store.OptimisticData())
}

func TestBind_Validation(t *testing.T) {
	store := optimistic.New(itemID)
	loader := &fakeLoader{}

	tests := []struct {
		name string
		cfg  Config[item]
	}{
		{"no resource", Config[item]{Loader: loader}},
		{"no loader", Config[item]{Resource: "r"}},
		{"apply without id func", Config[item]{Resource: "r", Loader: loader, ApplyRecords: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Bind(context.Background(), newFakeSubscriber(), store, tt.cfg)
			assert.Error(t, err)
		})
	}

	sub := newFakeSubscriber()
	sub.err = realtime.ErrClosed
	_, err := Bind(context.Background(), sub, store, Config[item]{Resource: "r", Loader: loader})
	assert.ErrorIs(t, err, realtime.ErrClosed)
}
