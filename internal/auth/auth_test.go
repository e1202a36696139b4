package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func writeKey(t *testing.T, block *pem.Block) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-key.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestCredentials_HMACToken(t *testing.T) {
	creds := NewHMAC(Config{KeyID: "k1", Issuer: "livesync", Subject: "worker-1"}, []byte("s3cret"))

	signed, err := creds.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		t.Fatalf("token does not verify: %v", err)
	}

	if token.Header["kid"] != "k1" {
		t.Errorf("kid = %v, want k1", token.Header["kid"])
	}
	if claims.Subject != "worker-1" {
		t.Errorf("sub = %q, want worker-1", claims.Subject)
	}
	if claims.Issuer != "livesync" {
		t.Errorf("iss = %q, want livesync", claims.Issuer)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != DefaultTTL {
		t.Errorf("lifetime = %v, want %v", got, DefaultTTL)
	}
}

func TestCredentials_RSAToken(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	creds := NewRSA(Config{Subject: "worker-2", TTL: time.Minute}, privateKey)

	signed, err := creds.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}

	_, err = jwt.Parse(signed, func(*jwt.Token) (any, error) {
		return &privateKey.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		t.Fatalf("token does not verify with public key: %v", err)
	}
}

func TestCredentials_TokenCaching(t *testing.T) {
	creds := NewHMAC(Config{Subject: "worker", TTL: time.Minute}, []byte("k"))
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	creds.now = func() time.Time { return now }

	first, err := creds.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}

	now = now.Add(20 * time.Second)
	second, _ := creds.Token(context.Background())
	if second != first {
		t.Error("token re-signed while still fresh")
	}

	now = now.Add(20 * time.Second)
	third, _ := creds.Token(context.Background())
	if third == first {
		t.Error("token not refreshed near expiry")
	}
}

func TestCredentials_CancelledContext(t *testing.T) {
	creds := NewHMAC(Config{Subject: "worker"}, []byte("k"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := creds.Token(ctx); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestStatic(t *testing.T) {
	tok, err := Static("abc").Token(context.Background())
	if err != nil || tok != "abc" {
		t.Errorf("Token() = %q, %v", tok, err)
	}
	if _, err := Static("").Token(context.Background()); err == nil {
		t.Error("expected error for empty static token")
	}
}

func TestInspect(t *testing.T) {
	creds := NewHMAC(Config{Subject: "inspect-me"}, []byte("k"))
	signed, _ := creds.Token(context.Background())

	claims, err := Inspect(signed)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if claims.Subject != "inspect-me" {
		t.Errorf("sub = %q, want inspect-me", claims.Subject)
	}

	if _, err := Inspect("not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
}

func TestLoadPrivateKey_PKCS8(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		t.Fatalf("failed to marshal PKCS#8: %v", err)
	}
	path := writeKey(t, &pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8Bytes})

	loadedKey, err := LoadPrivateKey(path)
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}
	if loadedKey.N.Cmp(privateKey.N) != 0 {
		t.Error("loaded key does not match original")
	}
}

func TestLoadPrivateKey_PKCS1(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	path := writeKey(t, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})

	loadedKey, err := LoadPrivateKey(path)
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}
	if loadedKey.N.Cmp(privateKey.N) != 0 {
		t.Error("loaded key does not match original")
	}
}

func TestLoadPrivateKey_Errors(t *testing.T) {
	if _, err := LoadPrivateKey("/nonexistent/path/to/key.pem"); err == nil {
		t.Error("expected error for nonexistent file")
	}

	path := filepath.Join(t.TempDir(), "invalid.pem")
	if err := os.WriteFile(path, []byte("not a pem file"), 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if _, err := LoadPrivateKey(path); err == nil {
		t.Error("expected error for invalid PEM")
	}
}

func TestLoadCredentials(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	pkcs8Bytes, _ := x509.MarshalPKCS8PrivateKey(privateKey)
	keyPath := writeKey(t, &pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8Bytes})

	tests := []struct {
		name    string
		cfg     Config
		method  string
		wantErr bool
	}{
		{name: "secret", cfg: Config{Subject: "s", Secret: "x"}, method: "HS256"},
		{name: "private key", cfg: Config{Subject: "s", PrivateKeyPath: keyPath}, method: "RS256"},
		{name: "missing subject", cfg: Config{Secret: "x"}, wantErr: true},
		{name: "no key", cfg: Config{Subject: "s"}, wantErr: true},
		{name: "both keys", cfg: Config{Subject: "s", Secret: "x", PrivateKeyPath: keyPath}, wantErr: true},
		{name: "bad key path", cfg: Config{Subject: "s", PrivateKeyPath: "/nope.pem"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds, err := LoadCredentials(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadCredentials failed: %v", err)
			}
			if creds.method.Alg() != tt.method {
				t.Errorf("alg = %s, want %s", creds.method.Alg(), tt.method)
			}
		})
	}
}
