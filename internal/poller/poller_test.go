package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTarget struct {
	name    string
	expired int
	sweeps  atomic.Int32
	lastAge atomic.Int64
}

func (f *fakeTarget) Name() string { return f.name }

func (f *fakeTarget) SweepExpired(maxAge time.Duration) int {
	f.sweeps.Add(1)
	f.lastAge.Store(int64(maxAge))
	return f.expired
}

type fakeResyncer struct {
	fakeTarget
	err     error
	resyncs atomic.Int32
}

func (f *fakeResyncer) Resync(ctx context.Context) error {
	f.resyncs.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("resync context has no deadline")
	}
	return f.err
}

func TestPoller_SweepAll(t *testing.T) {
	a := &fakeTarget{name: "tasks", expired: 2}
	b := &fakeTarget{name: "notifications", expired: 1}
	c := &fakeResyncer{fakeTarget: fakeTarget{name: "idle"}}

	p := New(Config{MaxPendingAge: 3 * time.Minute, Concurrency: 2}, nil, a, b, c)

	if got := p.SweepAll(); got != 3 {
		t.Errorf("SweepAll() = %d, want 3", got)
	}
	for _, ft := range []*fakeTarget{a, b, &c.fakeTarget} {
		if ft.sweeps.Load() != 1 {
			t.Errorf("%s swept %d times, want 1", ft.name, ft.sweeps.Load())
		}
		if time.Duration(ft.lastAge.Load()) != 3*time.Minute {
			t.Errorf("%s maxAge = %v, want 3m", ft.name, time.Duration(ft.lastAge.Load()))
		}
	}
}

func TestPoller_ResyncAll(t *testing.T) {
	plain := &fakeTarget{name: "plain"}
	good := &fakeResyncer{fakeTarget: fakeTarget{name: "good"}}
	bad := &fakeResyncer{fakeTarget: fakeTarget{name: "bad"}, err: errors.New("backend down")}

	p := New(Config{}, nil, plain, good, bad)

	resynced, failed := p.ResyncAll(context.Background())
	if resynced != 1 || failed != 1 {
		t.Errorf("ResyncAll() = %d, %d; want 1, 1", resynced, failed)
	}
	if good.resyncs.Load() != 1 || bad.resyncs.Load() != 1 {
		t.Errorf("resyncs good=%d bad=%d", good.resyncs.Load(), bad.resyncs.Load())
	}
}

func TestPoller_Defaults(t *testing.T) {
	p := New(Config{}, nil)
	def := DefaultConfig()
	if p.cfg.SweepInterval != def.SweepInterval {
		t.Errorf("SweepInterval = %v, want %v", p.cfg.SweepInterval, def.SweepInterval)
	}
	if p.cfg.MaxPendingAge != 5*time.Minute {
		t.Errorf("MaxPendingAge = %v, want 5m", p.cfg.MaxPendingAge)
	}
	if p.cfg.Concurrency != def.Concurrency {
		t.Errorf("Concurrency = %d, want %d", p.cfg.Concurrency, def.Concurrency)
	}
	if p.cfg.ResyncInterval != 0 {
		t.Errorf("ResyncInterval = %v, want 0 (disabled) when unset", p.cfg.ResyncInterval)
	}
}

func TestPoller_StartStop(t *testing.T) {
	target := &fakeResyncer{fakeTarget: fakeTarget{name: "tasks"}}
	p := New(Config{
		SweepInterval:  10 * time.Millisecond,
		ResyncInterval: 15 * time.Millisecond,
	}, nil)
	p.Add(target)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for target.sweeps.Load() < 2 || target.resyncs.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeps=%d resyncs=%d after 2s", target.sweeps.Load(), target.resyncs.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	after := target.sweeps.Load()
	time.Sleep(30 * time.Millisecond)
	if target.sweeps.Load() != after {
		t.Error("sweeps continued after Stop")
	}
}

func TestPoller_StopWithoutStart(t *testing.T) {
	p := New(Config{}, nil)
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop() = %v", err)
	}
}
