package webhooks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterRejectsEmptyURL(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&WebhookSubscription{Events: []EventType{EventQuarantineApplied}})
	assert.Error(t, err)
}

func TestRegisterRejectsNoEvents(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&WebhookSubscription{URL: "https://example.com/hook"})
	assert.Error(t, err)
}

func TestDispatcherDeliversToSubscriber(t *testing.T) {
	var received int32
	var gotSig string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&received, 1)
		gotSig = req.Header.Get("X-Sentry-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&WebhookSubscription{
		URL:    srv.URL,
		Events: []EventType{EventQuarantineApplied},
		Secret: "shh",
	}))

	d := NewDispatcher(reg, 2)
	defer d.Shutdown()

	d.Emit(EventQuarantineApplied, "agent-1", map[string]interface{}{"score": 90})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&received) == 1
	}, time.Second, 10*time.Millisecond)

	assert.NotEmpty(t, gotSig)
}

func TestDispatcherMarksFailedOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&WebhookSubscription{
		URL:    srv.URL,
		Events: []EventType{EventBlockIssued},
	}))

	d := NewDispatcher(reg, 1)
	defer d.Shutdown()

	d.Emit(EventBlockIssued, "agent-2", nil)

	require.Eventually(t, func() bool {
		hooks := reg.ListAll()
		return len(hooks) == 1 && hooks[0].FailCount >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSignPayloadIsDeterministic(t *testing.T) {
	payload, err := json.Marshal(map[string]string{"a": "b"})
	require.NoError(t, err)

	sig1 := SignPayload(payload, "secret")
	sig2 := SignPayload(payload, "secret")
	assert.Equal(t, sig1, sig2)

	sig3 := SignPayload(payload, "other-secret")
	assert.NotEqual(t, sig1, sig3)
}
