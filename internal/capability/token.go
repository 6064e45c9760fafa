// Package capability mints and verifies capability tokens: short-lived,
// unrevocable, non-persisted bearer credentials that tell an agent
// exactly which tools, scopes, and budgets the broker granted it for
// this conversation.
package capability

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PaymentPolicy caps what a capability token's holder may spend
// without a fresh challenge.
type PaymentPolicy struct {
	MaxAmount         float64  `json:"max_amount,omitempty"`
	PreapprovedOnly   bool     `json:"preapproved_only,omitempty"`
	PreapprovedPayees []string `json:"preapproved_payees,omitempty"`
}

// Claims is the custom claim set embedded in every capability token.
type Claims struct {
	jwt.RegisteredClaims
	Tools         []string       `json:"tools"`
	Scopes        []string       `json:"scopes"`
	Budgets       map[string]int `json:"budgets,omitempty"`
	PaymentPolicy *PaymentPolicy `json:"payment_policy,omitempty"`
}

// Grant describes what a capability token should authorize before it
// is signed.
type Grant struct {
	AgentID       string
	Tools         []string
	Scopes        []string
	Budgets       map[string]int
	PaymentPolicy *PaymentPolicy
}

// Config configures the Minter.
type Config struct {
	HMACSecret         string
	PreviousHMACSecret string
	RotationGrace      time.Duration
	TTL                time.Duration
	Issuer             string
	Audience           string
}

// Minter issues and verifies HS256 capability tokens. Tokens are
// immutable once minted: there is no revocation list, and nothing is
// persisted — the token itself is the only record of the grant, valid
// until it expires.
type Minter struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time
	ttl        time.Duration
	issuer     string
	audience   string
}

// NewMinter builds a Minter from cfg, applying defaults matching the
// broker's capability-token contract (300s TTL, issuer "broker",
// audience "agent").
func NewMinter(cfg Config) *Minter {
	if cfg.TTL == 0 {
		cfg.TTL = 300 * time.Second
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "broker"
	}
	if cfg.Audience == "" {
		cfg.Audience = "agent"
	}
	if cfg.RotationGrace == 0 {
		cfg.RotationGrace = 24 * time.Hour
	}

	m := &Minter{
		secret:   []byte(cfg.HMACSecret),
		ttl:      cfg.TTL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}
	if cfg.PreviousHMACSecret != "" {
		m.prevSecret = []byte(cfg.PreviousHMACSecret)
		m.graceUntil = time.Now().Add(cfg.RotationGrace)
	}
	return m
}

// Mint signs a new capability token for grant.
func (m *Minter) Mint(grant Grant) (string, error) {
	m.mu.RLock()
	secret := m.secret
	ttl := m.ttl
	issuer := m.issuer
	audience := m.audience
	m.mu.RUnlock()

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   grant.AgentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Tools:         grant.Tools,
		Scopes:        grant.Scopes,
		Budgets:       grant.Budgets,
		PaymentPolicy: grant.PaymentPolicy,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Verify checks signature, issuer, audience, expiry, and that sub
// matches expectedAgentID, in that order, returning the parsed claims
// on success.
func (m *Minter) Verify(tokenStr, expectedAgentID string) (*Claims, error) {
	m.mu.RLock()
	secret := m.secret
	prevSecret := m.prevSecret
	graceActive := len(m.prevSecret) > 0 && time.Now().Before(m.graceUntil)
	issuer := m.issuer
	audience := m.audience
	m.mu.RUnlock()

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithAudience(audience))

	if err != nil && graceActive {
		// Retry against the previous key during the rotation grace
		// window, so tokens minted just before a rotation still verify.
		parsed, err = jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			return prevSecret, nil
		}, jwt.WithIssuer(issuer), jwt.WithAudience(audience))
	}

	if err != nil {
		return nil, fmt.Errorf("capability token invalid: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("capability token invalid")
	}
	if claims.Subject != expectedAgentID {
		return nil, errors.New("capability token subject mismatch")
	}
	return claims, nil
}

// RotateKey atomically rotates the signing secret. The previous key
// remains valid for the configured grace period so in-flight tokens
// minted under it keep verifying.
func (m *Minter) RotateKey(newSecret string, grace time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if grace == 0 {
		grace = 24 * time.Hour
	}
	m.prevSecret = m.secret
	m.graceUntil = time.Now().Add(grace)
	m.secret = []byte(newSecret)
}

// HasTool reports whether claims grant the named tool.
func (c *Claims) HasTool(tool string) bool {
	for _, t := range c.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// HasScope reports whether claims grant the named scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
