package riskengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeguard/sentry/internal/baseline"
)

func testPolicy() NetworkPolicy {
	return NetworkPolicy{
		Mode:      "deny_by_default",
		Allowlist: []string{"api.vendor.example"},
		Denylist:  []string{"pastebin.com"},
		EmailAPIs: []string{"api.sendgrid.com"},
	}
}

func TestAllowlistedDomainScoresLow(t *testing.T) {
	e := New(testPolicy(), true, baseline.NewStore(baseline.BankingWeights()))
	d := e.Score(Request{
		AgentID: "agent-1",
		URL:     "https://api.vendor.example/accounts",
		Method:  "GET",
		At:      time.Now(),
	})
	assert.Equal(t, ActionAllow, d.Action)
	assert.Less(t, d.Score, 40)
}

func TestNotAllowlistedDomainBlocksHigh(t *testing.T) {
	e := New(testPolicy(), true, baseline.NewStore(baseline.BankingWeights()))
	d := e.Score(Request{
		AgentID: "agent-1",
		URL:     "https://random-host.example/x",
		Method:  "GET",
		At:      time.Now(),
	})
	assert.Contains(t, d.Reasons, "not_allowlisted:random-host.example")
	assert.Equal(t, ActionQuarantine, d.Action)
}

func TestDenylistedDomainForces70(t *testing.T) {
	e := New(testPolicy(), true, baseline.NewStore(baseline.BankingWeights()))
	d := e.Score(Request{
		AgentID: "agent-1",
		URL:     "https://pastebin.com/raw/abc",
		Method:  "GET",
		At:      time.Now(),
	})
	assert.Contains(t, d.Reasons, "denylisted_domain:pastebin.com")
}

func TestSecretPatternForces100(t *testing.T) {
	e := New(testPolicy(), true, baseline.NewStore(baseline.BankingWeights()))
	d := e.Score(Request{
		AgentID: "agent-1",
		URL:     "https://api.vendor.example/x",
		Method:  "POST",
		Body:    "api_key: abcdefghijklmnop1234",
		At:      time.Now(),
	})
	require.True(t, d.Forced)
	assert.Equal(t, 100, d.Score)
	assert.Equal(t, ActionQuarantine, d.Action)
}

func TestPANInBodyForces100(t *testing.T) {
	e := New(testPolicy(), true, baseline.NewStore(baseline.BankingWeights()))
	d := e.Score(Request{
		AgentID: "agent-1",
		URL:     "https://api.vendor.example/x",
		Method:  "POST",
		Body:    "card 4532-0151-1283-0366 please",
		At:      time.Now(),
	})
	require.True(t, d.Forced)
	assert.Contains(t, d.Reasons, "pii_match_pan")
	assert.Equal(t, 100, d.Score)
}

func TestGetWithLargeBodyAddsScore(t *testing.T) {
	e := New(testPolicy(), true, baseline.NewStore(baseline.BankingWeights()))
	body := make([]byte, 200)
	for i := range body {
		body[i] = 'x'
	}
	d := e.Score(Request{
		AgentID: "agent-1",
		URL:     "https://api.vendor.example/x",
		Method:  "GET",
		Body:    string(body),
		At:      time.Now(),
	})
	assert.Contains(t, d.Reasons, "get_with_large_body")
}

func TestPrivateDestinationFlagged(t *testing.T) {
	e := New(testPolicy(), true, baseline.NewStore(baseline.BankingWeights()))
	d := e.Score(Request{
		AgentID: "agent-1",
		URL:     "http://10.0.0.5/internal",
		Method:  "GET",
		At:      time.Now(),
	})
	assert.Contains(t, d.Reasons, "private_destination")
}
