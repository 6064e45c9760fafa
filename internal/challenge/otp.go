// Package challenge implements the step-up one-time-code challenge
// issued before a high-risk operation (e.g. a payment above the
// pre-approved threshold) is allowed to proceed.
package challenge

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Store holds outstanding challenges keyed by challenge ID, with a
// background sweep for expired entries — the same mutex-map-plus-
// cleanup-goroutine shape used elsewhere in this service for
// short-lived security state.
type Store struct {
	mu          sync.Mutex
	entries     map[string]*entry
	codeLength  int
	expiry      time.Duration
	maxAttempts int
	stopCleanup chan struct{}
}

type entry struct {
	code      string
	createdAt time.Time
	expiresAt time.Time
	attempts  int
	verified  bool
}

// Config tunes a Store's behavior.
type Config struct {
	ExpirySeconds int
	MaxAttempts   int
	CodeLength    int
}

// NewStore builds a Store and starts its background cleanup loop.
func NewStore(cfg Config) *Store {
	if cfg.ExpirySeconds == 0 {
		cfg.ExpirySeconds = 300
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.CodeLength == 0 {
		cfg.CodeLength = 6
	}

	s := &Store{
		entries:     make(map[string]*entry),
		codeLength:  cfg.CodeLength,
		expiry:      time.Duration(cfg.ExpirySeconds) * time.Second,
		maxAttempts: cfg.MaxAttempts,
		stopCleanup: make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Issue generates a fresh numeric challenge code for challengeID and
// stores it, overwriting any prior challenge under the same ID.
func (s *Store) Issue(challengeID string) (string, error) {
	code, err := randomDigits(s.codeLength)
	if err != nil {
		return "", fmt.Errorf("generate challenge code: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	s.entries[challengeID] = &entry{
		code:      code,
		createdAt: now,
		expiresAt: now.Add(s.expiry),
	}
	s.mu.Unlock()

	return code, nil
}

// Verify checks providedCode against the stored challenge. The
// challenge is consumed (deleted) on expiry or attempt exhaustion;
// a successful verification marks it verified but leaves it in place
// until it expires, so a duplicate submission of the same correct
// code is harmless.
func (s *Store) Verify(challengeID, providedCode string) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[challengeID]
	if !ok {
		return false, "invalid_challenge_id"
	}

	if time.Now().After(e.expiresAt) {
		delete(s.entries, challengeID)
		return false, "expired"
	}

	if e.attempts >= s.maxAttempts {
		delete(s.entries, challengeID)
		return false, "max_attempts_exceeded"
	}

	e.attempts++

	if e.code != providedCode {
		return false, "invalid_code"
	}

	e.verified = true
	return true, "verified"
}

// Verified reports whether challengeID has already passed
// verification, without consuming an attempt.
func (s *Store) Verified(challengeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[challengeID]
	return ok && e.verified
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
		}
	}
}

// Stop halts the background cleanup goroutine.
func (s *Store) Stop() {
	close(s.stopCleanup)
}

func randomDigits(n int) (string, error) {
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits), nil
}
