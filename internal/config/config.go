// Package config loads the livesync YAML configuration.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Auth     AuthConfig     `yaml:"auth"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
	Health   HealthConfig   `yaml:"health"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// RealtimeConfig holds push-channel settings.
type RealtimeConfig struct {
	URL              string        `yaml:"url"`
	Codec            string        `yaml:"codec"` // json or msgpack
	ClientName       string        `yaml:"client_name"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	BufferSize       int           `yaml:"buffer_size"`
	EventBufferSize  int           `yaml:"event_buffer_size"`
	QueueSize        int           `yaml:"queue_size"`
	DetachTimeout    time.Duration `yaml:"detach_timeout"`

	// Caller-side reconnect policy.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
}

// AuthConfig selects how access tokens are produced. Either a signing key
// (secret or private_key_path) or a static_token.
type AuthConfig struct {
	KeyID          string        `yaml:"key_id"`
	Issuer         string        `yaml:"issuer"`
	Subject        string        `yaml:"subject"`
	Secret         string        `yaml:"secret"`
	PrivateKeyPath string        `yaml:"private_key_path"` // Path to RSA private key PEM file
	TTL            time.Duration `yaml:"ttl"`
	StaticToken    string        `yaml:"static_token"`
}

// APIConfig holds REST backend settings.
type APIConfig struct {
	RestURL      string        `yaml:"rest_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DatabaseConfig points the base loader at Postgres. Optional: when no host
// is set, base collections are loaded through the REST API.
type DatabaseConfig struct {
	Postgres   DBConfig `yaml:"postgres"`
	TasksTable string   `yaml:"tasks_table"`
}

// Enabled reports whether a database is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Postgres.Host != ""
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// StoreConfig drives the optimistic store's periodic work.
type StoreConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	MaxPendingAge  time.Duration `yaml:"max_pending_age"`
	ResyncInterval time.Duration `yaml:"resync_interval"`
	Concurrency    int           `yaml:"concurrency"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}
