package compliance

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeguard/sentry/internal/journal"
)

func TestHealthScoreStartsAtHundredWithNoIncidents(t *testing.T) {
	j, err := journal.New(t.TempDir(), "")
	require.NoError(t, err)
	defer j.Close()

	r := New(j, false)
	score, err := r.HealthScore()
	require.NoError(t, err)
	assert.Equal(t, 100.0, score)
}

func TestHealthScoreDeductsForHighScoreIncidents(t *testing.T) {
	j, err := journal.New(t.TempDir(), "")
	require.NoError(t, err)
	defer j.Close()

	j.Append(journal.ConcernIncidents, "quarantine_blocked", map[string]interface{}{
		"agent_id": "agent-1", "score": 90, "action": "QUARANTINE",
	})

	r := New(j, false)
	score, err := r.HealthScore()
	require.NoError(t, err)
	assert.InDelta(t, 90.0, score, 0.01)
}

func TestHealthScoreUsesBankingMultiplier(t *testing.T) {
	j, err := journal.New(t.TempDir(), "")
	require.NoError(t, err)
	defer j.Close()

	j.Append(journal.ConcernIncidents, "quarantine_blocked", map[string]interface{}{
		"agent_id": "agent-1", "score": 90, "action": "QUARANTINE",
	})

	r := New(j, true)
	score, err := r.HealthScore()
	require.NoError(t, err)
	assert.InDelta(t, 85.0, score, 0.01)
}

func TestGenerateEvidencePackIncludesIncidents(t *testing.T) {
	j, err := journal.New(t.TempDir(), "")
	require.NoError(t, err)
	defer j.Close()

	j.Append(journal.ConcernIncidents, "quarantine_blocked", map[string]interface{}{
		"agent_id": "agent-1", "score": 90, "action": "QUARANTINE", "reasons": []interface{}{"not_allowlisted"},
	})

	r := New(j, false)
	html, err := r.GenerateEvidencePack(85.0, 3, []string{"agent-1"})
	require.NoError(t, err)
	assert.True(t, strings.Contains(html, "agent-1"))
	assert.True(t, strings.Contains(html, "not_allowlisted"))
}
