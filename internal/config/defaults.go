package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultCodec              = "json"
	DefaultClientName         = "livesync"
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultCommandTimeout     = 10 * time.Second
	DefaultPingInterval       = 25 * time.Second
	DefaultPingTimeout        = 60 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultBufferSize         = 1000
	DefaultEventBufferSize    = 256
	DefaultQueueSize          = 256
	DefaultDetachTimeout      = 5 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultTokenTTL           = 15 * time.Minute
	DefaultAPITimeout         = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultRetryBackoff       = 1 * time.Second
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultTasksTable         = "facility_tasks"
	DefaultSweepInterval      = 60 * time.Second
	DefaultMaxPendingAge      = 5 * time.Minute
	DefaultResyncInterval     = 15 * time.Minute
	DefaultStoreConcurrency   = 4
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultHealthPort         = 8080
)

func (c *Config) applyDefaults() {
	// Realtime defaults
	if c.Realtime.Codec == "" {
		c.Realtime.Codec = DefaultCodec
	}
	if c.Realtime.ClientName == "" {
		c.Realtime.ClientName = DefaultClientName
	}
	if c.Realtime.HandshakeTimeout == 0 {
		c.Realtime.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Realtime.CommandTimeout == 0 {
		c.Realtime.CommandTimeout = DefaultCommandTimeout
	}
	if c.Realtime.PingInterval == 0 {
		c.Realtime.PingInterval = DefaultPingInterval
	}
	if c.Realtime.PingTimeout == 0 {
		c.Realtime.PingTimeout = DefaultPingTimeout
	}
	if c.Realtime.WriteTimeout == 0 {
		c.Realtime.WriteTimeout = DefaultWriteTimeout
	}
	if c.Realtime.BufferSize == 0 {
		c.Realtime.BufferSize = DefaultBufferSize
	}
	if c.Realtime.EventBufferSize == 0 {
		c.Realtime.EventBufferSize = DefaultEventBufferSize
	}
	if c.Realtime.QueueSize == 0 {
		c.Realtime.QueueSize = DefaultQueueSize
	}
	if c.Realtime.DetachTimeout == 0 {
		c.Realtime.DetachTimeout = DefaultDetachTimeout
	}
	if c.Realtime.ReconnectBaseDelay == 0 {
		c.Realtime.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Realtime.ReconnectMaxDelay == 0 {
		c.Realtime.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}

	// Auth defaults
	if c.Auth.TTL == 0 {
		c.Auth.TTL = DefaultTokenTTL
	}
	if c.Auth.Subject == "" {
		c.Auth.Subject = c.Instance.ID
	}

	// API defaults
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}
	if c.API.RetryBackoff == 0 {
		c.API.RetryBackoff = DefaultRetryBackoff
	}

	// Database defaults
	if c.Database.Enabled() {
		applyDBDefaults(&c.Database.Postgres)
	}
	if c.Database.TasksTable == "" {
		c.Database.TasksTable = DefaultTasksTable
	}

	// Store defaults
	if c.Store.SweepInterval == 0 {
		c.Store.SweepInterval = DefaultSweepInterval
	}
	if c.Store.MaxPendingAge == 0 {
		c.Store.MaxPendingAge = DefaultMaxPendingAge
	}
	if c.Store.ResyncInterval == 0 {
		c.Store.ResyncInterval = DefaultResyncInterval
	}
	if c.Store.Concurrency == 0 {
		c.Store.Concurrency = DefaultStoreConcurrency
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
