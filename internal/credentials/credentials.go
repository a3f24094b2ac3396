// Package credentials signs and caches APNs provider authentication tokens.
package credentials

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sideshow/apns2/token"
	"golang.org/x/sync/singleflight"

	"github.com/tinywideclouds/go-paddock-push/pkg/push"
)

// TokenLifetime is how long a signed token is reused. APNs rejects tokens
// older than one hour.
const TokenLifetime = 50 * time.Minute

// Config holds the APNs signing identity.
type Config struct {
	KeyID  string
	TeamID string
	// PrivateKey is the PEM content of the .p8 file (PKCS#8, P-256).
	PrivateKey string
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager produces ES256 provider tokens for the APNs REST API.
// It is safe for concurrent use; concurrent refreshes are collapsed into one signature.
type Manager struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	group singleflight.Group

	mu       sync.RWMutex
	key      *ecdsa.PrivateKey
	token    string
	issuedAt time.Time
}

// New creates a Manager. Nothing is validated until the first Token call.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "CredentialManager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Token returns the cached provider token, signing a new one when the cached
// token is older than TokenLifetime.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if tok, ok := m.cached(); ok {
		return tok, nil
	}

	v, err, _ := m.group.Do("apns-token", func() (interface{}, error) {
		if tok, ok := m.cached(); ok {
			return tok, nil
		}
		return m.refresh()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) cached() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == "" {
		return "", false
	}
	if m.now().Sub(m.issuedAt) >= TokenLifetime {
		return "", false
	}
	return m.token, true
}

func (m *Manager) refresh() (string, error) {
	if m.cfg.KeyID == "" || m.cfg.TeamID == "" || m.cfg.PrivateKey == "" {
		return "", fmt.Errorf("%w: key id, team id and private key are all required", push.ErrConfiguration)
	}

	key, err := m.signingKey()
	if err != nil {
		return "", err
	}

	issuedAt := m.now()
	jwtToken := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": m.cfg.TeamID,
		"iat": issuedAt.Unix(),
	})
	// APNs expects exactly alg and kid in the header.
	jwtToken.Header = map[string]interface{}{
		"alg": jwt.SigningMethodES256.Alg(),
		"kid": m.cfg.KeyID,
	}

	signed, err := jwtToken.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", push.ErrCrypto, err)
	}

	m.mu.Lock()
	m.token = signed
	m.issuedAt = issuedAt
	m.mu.Unlock()

	m.logger.Debug("Signed new APNs provider token", "key_id", m.cfg.KeyID, "iat", issuedAt.Unix())
	return signed, nil
}

func (m *Manager) signingKey() (*ecdsa.PrivateKey, error) {
	m.mu.RLock()
	key := m.key
	m.mu.RUnlock()
	if key != nil {
		return key, nil
	}

	key, err := token.AuthKeyFromBytes([]byte(m.cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse APNs P8 key: %w", push.ErrCrypto, err)
	}

	m.mu.Lock()
	m.key = key
	m.mu.Unlock()
	return key, nil
}
