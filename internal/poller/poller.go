package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Target is anything holding pending actions that can expire.
type Target interface {
	Name() string
	SweepExpired(maxAge time.Duration) int
}

// Resyncer is a Target that can reload its base collection.
type Resyncer interface {
	Target
	Resync(ctx context.Context) error
}

// Config holds poller configuration.
type Config struct {
	SweepInterval  time.Duration // Sweep interval (default: 60s)
	MaxPendingAge  time.Duration // Age after which a pending action expires (default: 5m)
	ResyncInterval time.Duration // Resync interval; zero disables resync
	Concurrency    int           // Max targets worked concurrently (default: 4)
	Timeout        time.Duration // Per-target resync timeout (default: 30s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:  60 * time.Second,
		MaxPendingAge:  5 * time.Minute,
		ResyncInterval: 15 * time.Minute,
		Concurrency:    4,
		Timeout:        30 * time.Second,
	}
}

// Poller runs sweep and resync cycles over registered targets.
type Poller struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	targets []Target

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller.
func New(cfg Config, logger *slog.Logger, targets ...Target) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MaxPendingAge <= 0 {
		cfg.MaxPendingAge = def.MaxPendingAge
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Poller{
		cfg:     cfg,
		logger:  logger.With("component", "poller"),
		targets: targets,
	}
}

// Add registers another target. Safe to call while running.
func (p *Poller) Add(t Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append(p.targets, t)
}

func (p *Poller) snapshot() []Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Target(nil), p.targets...)
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("poller started",
		"sweep_interval", p.cfg.SweepInterval,
		"resync_interval", p.cfg.ResyncInterval,
		"concurrency", p.cfg.Concurrency,
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	sweep := time.NewTicker(p.cfg.SweepInterval)
	defer sweep.Stop()

	var resync <-chan time.Time
	if p.cfg.ResyncInterval > 0 {
		t := time.NewTicker(p.cfg.ResyncInterval)
		defer t.Stop()
		resync = t.C
	}

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-sweep.C:
			p.SweepAll()
		case <-resync:
			p.ResyncAll(p.ctx)
		}
	}
}

// SweepAll runs one sweep cycle and returns the number of actions rolled
// back across all targets.
func (p *Poller) SweepAll() int {
	start := time.Now()
	targets := p.snapshot()

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	var expired atomic.Int64

	for _, t := range targets {
		g.Go(func() error {
			if n := t.SweepExpired(p.cfg.MaxPendingAge); n > 0 {
				expired.Add(int64(n))
				p.logger.Warn("expired pending actions rolled back",
					"target", t.Name(),
					"count", n,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Debug("sweep cycle complete",
		"targets", len(targets),
		"expired", expired.Load(),
		"duration", time.Since(start),
	)
	return int(expired.Load())
}

// ResyncAll reloads every target that supports it. Failures are logged and
// counted; one failing target does not stop the others.
func (p *Poller) ResyncAll(ctx context.Context) (resynced, failed int) {
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	var ok, errs atomic.Int64

	for _, t := range p.snapshot() {
		r, isResyncer := t.(Resyncer)
		if !isResyncer {
			continue
		}
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
			defer cancel()

			if err := r.Resync(rctx); err != nil {
				p.logger.Warn("failed to resync target",
					"target", r.Name(),
					"error", err,
				)
				errs.Add(1)
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info("resync cycle complete",
		"resynced", ok.Load(),
		"errors", errs.Load(),
		"duration", time.Since(start),
	)
	return int(ok.Load()), int(errs.Load())
}
