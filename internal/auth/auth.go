// Package auth mints the short-lived access tokens presented when opening
// the realtime channel and calling the REST API.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token lifetime defaults.
const (
	DefaultTTL = 15 * time.Minute

	// refreshBefore is how long before expiry a cached token is replaced.
	refreshBefore = 30 * time.Second
)

// Credentials signs JWTs with either a shared secret (HS256) or an RSA
// private key (RS256). Tokens are cached until shortly before expiry.
type Credentials struct {
	KeyID   string
	Issuer  string
	Subject string
	TTL     time.Duration

	method jwt.SigningMethod
	key    any
	now    func() time.Time

	mu      sync.Mutex
	cached  string
	expires time.Time
}

// Config selects the signing key. Exactly one of Secret and PrivateKeyPath
// must be set.
type Config struct {
	KeyID          string
	Issuer         string
	Subject        string
	Secret         string
	PrivateKeyPath string
	TTL            time.Duration
}

// LoadCredentials builds credentials from cfg, reading the private key file
// when one is configured.
func LoadCredentials(cfg Config) (*Credentials, error) {
	if cfg.Subject == "" {
		return nil, fmt.Errorf("token subject is required")
	}
	switch {
	case cfg.Secret != "" && cfg.PrivateKeyPath != "":
		return nil, fmt.Errorf("secret and private key path are mutually exclusive")
	case cfg.Secret != "":
		return NewHMAC(cfg, []byte(cfg.Secret)), nil
	case cfg.PrivateKeyPath != "":
		privateKey, err := LoadPrivateKey(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load private key: %w", err)
		}
		return NewRSA(cfg, privateKey), nil
	default:
		return nil, fmt.Errorf("secret or private key path is required")
	}
}

// NewHMAC returns credentials signing with HS256.
func NewHMAC(cfg Config, secret []byte) *Credentials {
	return newCredentials(cfg, jwt.SigningMethodHS256, secret)
}

// NewRSA returns credentials signing with RS256.
func NewRSA(cfg Config, key *rsa.PrivateKey) *Credentials {
	return newCredentials(cfg, jwt.SigningMethodRS256, key)
}

func newCredentials(cfg Config, method jwt.SigningMethod, key any) *Credentials {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Credentials{
		KeyID:   cfg.KeyID,
		Issuer:  cfg.Issuer,
		Subject: cfg.Subject,
		TTL:     ttl,
		method:  method,
		key:     key,
		now:     time.Now,
	}
}

// Token returns a signed access token, reusing the cached one while it has
// more than refreshBefore left.
func (c *Credentials) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.cached != "" && now.Add(refreshBefore).Before(c.expires) {
		return c.cached, nil
	}

	expires := now.Add(c.TTL)
	claims := jwt.RegisteredClaims{
		Subject:   c.Subject,
		Issuer:    c.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token := jwt.NewWithClaims(c.method, claims)
	if c.KeyID != "" {
		token.Header["kid"] = c.KeyID
	}

	signed, err := token.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	c.cached, c.expires = signed, expires
	return signed, nil
}

// Static is a fixed token, for servers that issue long-lived keys.
type Static string

// Token returns the fixed token.
func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("empty static token")
	}
	return string(s), nil
}

// Inspect decodes a token's registered claims without verifying the
// signature. Use it for diagnostics only.
func Inspect(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	// Try PKCS#8 first (newer format)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	// Fall back to PKCS#1 (older format)
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return rsaKey, nil
}
