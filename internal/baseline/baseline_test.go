package baseline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLearningPhaseContributesNoScore(t *testing.T) {
	s := NewStore(DefaultWeights())
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 9; i++ {
		r := s.Observe("agent-1", "api.vendor.example", "GET", 100, base.Add(time.Duration(i)*time.Minute))
		assert.Equal(t, 0, r.Score)
		assert.Equal(t, StateLearning, r.State)
	}
}

func TestActiveAfterWarmupScoresNewDomain(t *testing.T) {
	s := NewStore(DefaultWeights())
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		s.Observe("agent-1", "api.vendor.example", "GET", 100, base.Add(time.Duration(i)*time.Minute))
	}
	assert.Equal(t, StateActive, s.StateOf("agent-1"))

	r := s.Observe("agent-1", "api.other.example", "GET", 100, base.Add(11*time.Minute))
	assert.Contains(t, r.Reasons, "new_domain:api.other.example")
	assert.True(t, r.Score > 0)
}

func TestKnownDomainDoesNotRepeatAnomaly(t *testing.T) {
	s := NewStore(DefaultWeights())
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		s.Observe("agent-1", "api.vendor.example", "GET", 100, base.Add(time.Duration(i)*time.Minute))
	}
	s.Observe("agent-1", "api.other.example", "GET", 100, base.Add(11*time.Minute))
	r := s.Observe("agent-1", "api.other.example", "GET", 100, base.Add(12*time.Minute))
	assert.NotContains(t, r.Reasons, "new_domain:api.other.example")
}

func TestPayloadSpikeDetected(t *testing.T) {
	s := NewStore(DefaultWeights())
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		s.Observe("agent-1", "api.vendor.example", "GET", 100, base.Add(time.Duration(i)*time.Minute))
	}
	r := s.Observe("agent-1", "api.vendor.example", "GET", 1000, base.Add(11*time.Minute))
	assert.Contains(t, r.Reasons, "oversized_payload")
}

func TestScoreCrossingThresholdQuarantines(t *testing.T) {
	s := NewStore(BankingWeights())
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		s.Observe("agent-1", "api.vendor.example", "GET", 100, base.Add(time.Duration(i)*time.Minute))
	}
	r := s.Observe("agent-1", "api.totally-new.example", "POST", 100, base.Add(11*time.Minute))
	require.True(t, r.Score >= 40)
	assert.Contains(t, r.Reasons, "new_domain:api.totally-new.example")
}

func TestQuarantinedAgentAlwaysScores100(t *testing.T) {
	s := NewStore(DefaultWeights())
	s.Quarantine("agent-1")

	r := s.Observe("agent-1", "api.vendor.example", "GET", 100, time.Now())
	assert.Equal(t, 100, r.Score)
	assert.Equal(t, StateQuarantined, r.State)
}

func TestBehavioralScoreCappedAt50(t *testing.T) {
	s := NewStore(BankingWeights())
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 15; i++ {
		s.Observe("agent-1", "api.vendor.example", "GET", 100, base.Add(time.Duration(i)*time.Minute))
	}
	r := s.Observe("agent-1", "api.other.example", "POST", 100000, base.Add(3*time.Hour))
	assert.True(t, r.Score <= 50)
}
