package database

import (
	"testing"

	"github.com/rickgao/livesync/internal/config"
)

func TestPoolConfig(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.DBConfig
		app      string
		wantHost string
		wantPort uint16
		wantTLS  bool
	}{
		{
			name: "basic",
			cfg: config.DBConfig{
				Host: "localhost", Port: 5432, Name: "app", User: "livesync",
				Password: "secret", SSLMode: "disable", MinConns: 1, MaxConns: 4,
			},
			app:      "livesync-1",
			wantHost: "localhost",
			wantPort: 5432,
		},
		{
			name: "password with special chars",
			cfg: config.DBConfig{
				Host: "db.example.com", Port: 5433, Name: "app", User: "livesync",
				Password: "p@ss:word/te st?", SSLMode: "require",
			},
			wantHost: "db.example.com",
			wantPort: 5433,
			wantTLS:  true,
		},
		{
			name: "ipv6 host",
			cfg: config.DBConfig{
				Host: "::1", Port: 5432, Name: "app", User: "livesync",
				Password: "x", SSLMode: "disable",
			},
			wantHost: "::1",
			wantPort: 5432,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PoolConfig(tt.cfg, tt.app)
			if err != nil {
				t.Fatalf("PoolConfig() error = %v", err)
			}
			cc := got.ConnConfig
			if cc.Host != tt.wantHost || cc.Port != tt.wantPort {
				t.Errorf("host = %s:%d, want %s:%d", cc.Host, cc.Port, tt.wantHost, tt.wantPort)
			}
			if cc.User != tt.cfg.User || cc.Password != tt.cfg.Password || cc.Database != tt.cfg.Name {
				t.Errorf("credentials = %q/%q/%q", cc.User, cc.Password, cc.Database)
			}
			if (cc.TLSConfig != nil) != tt.wantTLS {
				t.Errorf("TLS = %v, want %v", cc.TLSConfig != nil, tt.wantTLS)
			}
			if cc.RuntimeParams["application_name"] != tt.app {
				t.Errorf("application_name = %q, want %q", cc.RuntimeParams["application_name"], tt.app)
			}
			if tt.cfg.MaxConns > 0 && got.MaxConns != int32(tt.cfg.MaxConns) {
				t.Errorf("MaxConns = %d, want %d", got.MaxConns, tt.cfg.MaxConns)
			}
			if tt.cfg.MinConns > 0 && got.MinConns != int32(tt.cfg.MinConns) {
				t.Errorf("MinConns = %d, want %d", got.MinConns, tt.cfg.MinConns)
			}
		})
	}
}

func TestPoolConfig_InvalidSSLMode(t *testing.T) {
	_, err := PoolConfig(config.DBConfig{Host: "localhost", Name: "app", User: "u", SSLMode: "sometimes"}, "")
	if err == nil {
		t.Fatal("expected error for invalid sslmode")
	}
}
