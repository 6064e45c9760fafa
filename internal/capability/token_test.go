package capability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMinter() *Minter {
	return NewMinter(Config{HMACSecret: "test-secret", TTL: 300 * time.Second})
}

func TestMintAndVerifyRoundTrip(t *testing.T) {
	m := testMinter()
	tok, err := m.Mint(Grant{
		AgentID: "agent-1",
		Tools:   []string{"account_lookup"},
		Scopes:  []string{"read:accounts"},
		Budgets: map[string]int{"requests_per_minute": 10},
	})
	require.NoError(t, err)

	claims, err := m.Verify(tok, "agent-1")
	require.NoError(t, err)
	assert.True(t, claims.HasTool("account_lookup"))
	assert.True(t, claims.HasScope("read:accounts"))
	assert.Equal(t, "broker", claims.Issuer)
	assert.Equal(t, []string{"agent"}, []string(claims.Audience))
}

func TestVerifyRejectsWrongSubject(t *testing.T) {
	m := testMinter()
	tok, err := m.Mint(Grant{AgentID: "agent-1", Tools: []string{"chat"}})
	require.NoError(t, err)

	_, err = m.Verify(tok, "agent-2")
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := NewMinter(Config{HMACSecret: "test-secret", TTL: -1 * time.Second})
	tok, err := m.Mint(Grant{AgentID: "agent-1"})
	require.NoError(t, err)

	_, err = m.Verify(tok, "agent-1")
	assert.Error(t, err)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	m := testMinter()
	tok, err := m.Mint(Grant{AgentID: "agent-1"})
	require.NoError(t, err)

	other := NewMinter(Config{HMACSecret: "different-secret", TTL: 300 * time.Second})
	_, err = other.Verify(tok, "agent-1")
	assert.Error(t, err)
}

func TestRotateKeyHonorsGraceWindow(t *testing.T) {
	m := testMinter()
	tok, err := m.Mint(Grant{AgentID: "agent-1"})
	require.NoError(t, err)

	m.RotateKey("new-secret", time.Hour)

	claims, err := m.Verify(tok, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", claims.Subject)

	newTok, err := m.Mint(Grant{AgentID: "agent-1"})
	require.NoError(t, err)
	_, err = m.Verify(newTok, "agent-1")
	assert.NoError(t, err)
}

func TestRotateKeyGraceExpiresRejectsOldKey(t *testing.T) {
	m := testMinter()
	tok, err := m.Mint(Grant{AgentID: "agent-1"})
	require.NoError(t, err)

	m.RotateKey("new-secret", -1*time.Second)

	_, err = m.Verify(tok, "agent-1")
	assert.Error(t, err)
}

func TestPaymentPolicyRoundTrips(t *testing.T) {
	m := testMinter()
	tok, err := m.Mint(Grant{
		AgentID: "agent-1",
		PaymentPolicy: &PaymentPolicy{
			MaxAmount:       500,
			PreapprovedOnly: true,
		},
	})
	require.NoError(t, err)

	claims, err := m.Verify(tok, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, claims.PaymentPolicy)
	assert.Equal(t, 500.0, claims.PaymentPolicy.MaxAmount)
	assert.True(t, claims.PaymentPolicy.PreapprovedOnly)
}
