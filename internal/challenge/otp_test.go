package challenge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore() *Store {
	return NewStore(Config{ExpirySeconds: 300, MaxAttempts: 3, CodeLength: 6})
}

func TestIssueAndVerifySuccess(t *testing.T) {
	s := testStore()
	defer s.Stop()

	code, err := s.Issue("challenge-1")
	require.NoError(t, err)
	require.Len(t, code, 6)

	ok, reason := s.Verify("challenge-1", code)
	assert.True(t, ok)
	assert.Equal(t, "verified", reason)
	assert.True(t, s.Verified("challenge-1"))
}

func TestVerifyRejectsWrongCode(t *testing.T) {
	s := testStore()
	defer s.Stop()

	_, err := s.Issue("challenge-1")
	require.NoError(t, err)

	ok, reason := s.Verify("challenge-1", "000000")
	assert.False(t, ok)
	assert.Equal(t, "invalid_code", reason)
}

func TestVerifyRejectsUnknownChallenge(t *testing.T) {
	s := testStore()
	defer s.Stop()

	ok, reason := s.Verify("nonexistent", "123456")
	assert.False(t, ok)
	assert.Equal(t, "invalid_challenge_id", reason)
}

func TestVerifyExpiresChallenge(t *testing.T) {
	s := NewStore(Config{ExpirySeconds: 0, MaxAttempts: 3, CodeLength: 6})
	defer s.Stop()

	code, err := s.Issue("challenge-1")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	ok, reason := s.Verify("challenge-1", code)
	assert.False(t, ok)
	assert.Equal(t, "expired", reason)
}

func TestVerifyExhaustsAttempts(t *testing.T) {
	s := NewStore(Config{ExpirySeconds: 300, MaxAttempts: 2, CodeLength: 6})
	defer s.Stop()

	_, err := s.Issue("challenge-1")
	require.NoError(t, err)

	ok, reason := s.Verify("challenge-1", "000000")
	assert.False(t, ok)
	assert.Equal(t, "invalid_code", reason)

	ok, reason = s.Verify("challenge-1", "000000")
	assert.False(t, ok)
	assert.Equal(t, "invalid_code", reason)

	ok, reason = s.Verify("challenge-1", "000000")
	assert.False(t, ok)
	assert.Equal(t, "max_attempts_exceeded", reason)
}
