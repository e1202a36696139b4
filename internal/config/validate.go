package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Realtime.URL == "" {
		return errors.New("realtime.url is required")
	}
	switch c.Realtime.Codec {
	case "json", "msgpack":
	default:
		return fmt.Errorf("realtime.codec must be json or msgpack, got %q", c.Realtime.Codec)
	}
	if c.Realtime.BufferSize < 1 {
		return errors.New("realtime.buffer_size must be >= 1")
	}
	if c.Realtime.QueueSize < 1 {
		return errors.New("realtime.queue_size must be >= 1")
	}
	if c.Realtime.ReconnectMaxDelay < c.Realtime.ReconnectBaseDelay {
		return errors.New("realtime.reconnect_max_delay cannot be less than reconnect_base_delay")
	}

	if err := c.Auth.validate("auth"); err != nil {
		return err
	}

	if c.API.RestURL == "" {
		return errors.New("api.rest_url is required")
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}

	if c.Database.Enabled() {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	}

	if c.Store.SweepInterval <= 0 {
		return errors.New("store.sweep_interval must be > 0")
	}
	if c.Store.MaxPendingAge <= 0 {
		return errors.New("store.max_pending_age must be > 0")
	}
	if c.Store.Concurrency < 1 {
		return errors.New("store.concurrency must be >= 1")
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (a *AuthConfig) validate(prefix string) error {
	keys := 0
	for _, v := range []string{a.Secret, a.PrivateKeyPath, a.StaticToken} {
		if v != "" {
			keys++
		}
	}
	switch {
	case keys == 0:
		return fmt.Errorf("%s requires one of secret, private_key_path or static_token", prefix)
	case keys > 1:
		return fmt.Errorf("%s: secret, private_key_path and static_token are mutually exclusive", prefix)
	}
	if a.StaticToken == "" && a.Subject == "" {
		return fmt.Errorf("%s.subject is required", prefix)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

// SlogLevel maps the configured level name to a slog.Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", l.Level)
	}
}
