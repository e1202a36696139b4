package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/livesync/internal/auth"
	"github.com/rickgao/livesync/internal/config"
	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/realtime"
)

// tokenSource is satisfied by auth.Credentials and auth.Static.
type tokenSource interface {
	Token(ctx context.Context) (string, error)
}

func newLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	case "", "text":
		handler = slog.NewTextHandler(w, handlerOpts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(handler), nil
}

// newTokenSource returns nil when no credentials are configured.
func newTokenSource(cfg config.AuthConfig) (tokenSource, error) {
	switch {
	case cfg.StaticToken != "":
		return auth.Static(cfg.StaticToken), nil
	case cfg.Secret != "" || cfg.PrivateKeyPath != "":
		creds, err := auth.LoadCredentials(auth.Config{
			KeyID:          cfg.KeyID,
			Issuer:         cfg.Issuer,
			Subject:        cfg.Subject,
			Secret:         cfg.Secret,
			PrivateKeyPath: cfg.PrivateKeyPath,
			TTL:            cfg.TTL,
		})
		if err != nil {
			return nil, err
		}
		return creds, nil
	}
	return nil, nil
}

func channelConfig(cfg config.RealtimeConfig) connection.ChannelConfig {
	return connection.ChannelConfig{
		Client: connection.ClientConfig{
			URL:              cfg.URL,
			HandshakeTimeout: cfg.HandshakeTimeout,
			PingInterval:     cfg.PingInterval,
			PingTimeout:      cfg.PingTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			BufferSize:       cfg.BufferSize,
		},
		Codec:           cfg.Codec,
		CommandTimeout:  cfg.CommandTimeout,
		EventBufferSize: cfg.EventBufferSize,
		ClientName:      cfg.ClientName,
	}
}

// newMultiplexer builds the shared multiplexer over websocket channels.
func newMultiplexer(cfg *config.Config, tokens tokenSource, logger *slog.Logger) (*realtime.Multiplexer, error) {
	chCfg := channelConfig(cfg.Realtime)
	if _, err := connection.CodecByName(chCfg.Codec); err != nil {
		return nil, err
	}

	var ts connection.TokenSource
	if tokens != nil {
		ts = tokens
	}
	dial := func(ctx context.Context) (realtime.Channel, error) {
		ch, err := connection.NewChannel(chCfg, ts, logger)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}

	return realtime.New(dial,
		realtime.WithLogger(logger),
		realtime.WithQueueSize(cfg.Realtime.QueueSize),
		realtime.WithDetachTimeout(cfg.Realtime.DetachTimeout),
	), nil
}

// backoff is a capped exponential delay with jitter.
type backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(base, maxDelay time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &backoff{base: base, max: maxDelay}
}

// next returns the delay before the next attempt.
func (b *backoff) next() time.Duration {
	if b.current == 0 {
		b.current = b.base
	} else if b.current < b.max {
		b.current *= 2
	}
	if b.current > b.max {
		b.current = b.max
	}
	// Add jitter: current * (0.5 to 1.0)
	half := b.current / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

func (b *backoff) reset() { b.current = 0 }

type reconnector interface {
	Reconnect(ctx context.Context) error
	ConnectionState() realtime.ConnectionState
}

// dropNotifier returns a status handler that signals drops on a
// one-slot channel.
func dropNotifier() (realtime.StatusHandler, <-chan error) {
	drops := make(chan error, 1)
	return func(state realtime.State, err error) {
		if state != realtime.StateDisconnected {
			return
		}
		select {
		case drops <- err:
		default:
		}
	}, drops
}

// superviseReconnect reconnects after every drop until ctx ends. Retrying
// is a caller policy: the multiplexer itself never retries.
func superviseReconnect(ctx context.Context, r reconnector, drops <-chan error, b *backoff, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-drops:
			if r.ConnectionState().State == realtime.StateConnected {
				continue
			}
			logger.Warn("realtime connection lost", "error", err)
		}

		for attempt := 1; ; attempt++ {
			delay := b.next()
			logger.Info("reconnecting", "attempt", attempt, "delay", delay)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			err := r.Reconnect(ctx)
			if err == nil {
				logger.Info("reconnected", "attempts", attempt)
				b.reset()
				break
			}
			if errors.Is(err, realtime.ErrClosed) || ctx.Err() != nil {
				return
			}
			logger.Warn("reconnect failed", "attempt", attempt, "error", err)
		}
	}
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
