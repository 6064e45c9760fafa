// Package agent implements the agent adapter's internal HTTP surface:
// verify the capability token the broker minted, then dispatch the
// sanitized turn to the adapter for intent classification and
// tool-gated execution.
package agent

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/latticeguard/sentry/internal/agentadapter"
	"github.com/latticeguard/sentry/internal/capability"
)

// Handler wires the capability verifier to the adapter.
type Handler struct {
	Minter  *capability.Minter
	Adapter *agentadapter.Adapter
}

func New(minter *capability.Minter, adapter *agentadapter.Adapter) *Handler {
	return &Handler{Minter: minter, Adapter: adapter}
}

type runRequest struct {
	AgentID   string `json:"agent_id"`
	Purpose   string `json:"purpose"`
	UserText  string `json:"user_text"`
	RequestID string `json:"request_id,omitempty"`
}

// HandleRun implements POST /_internal/run.
func (h *Handler) HandleRun() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeCapabilityError(w, http.StatusBadRequest, "malformed_body")
			return
		}

		bearer := r.Header.Get("Authorization")
		token := strings.TrimPrefix(bearer, "Bearer ")
		if token == "" || token == bearer {
			writeCapabilityError(w, http.StatusUnauthorized, "missing_token")
			return
		}

		claims, err := h.Minter.Verify(token, req.AgentID)
		if err != nil {
			writeCapabilityError(w, http.StatusUnauthorized, classifyTokenError(err))
			return
		}

		resp, err := h.Adapter.Run(r.Context(), claims, req.AgentID, req.Purpose, req.UserText)
		if err != nil {
			slog.Warn("agent run rejected", "error", err, "agent_id", req.AgentID)
			writeToolError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"answer":         resp.Answer,
			"fetch_decision": resp.FetchDecision,
			"payment_result": resp.PaymentResult,
			"account_data":   resp.AccountData,
			"logs":           []string{},
		})
	}
}

// classifyTokenError maps a capability.Minter.Verify error to the
// externally-visible capability_invalid reason taxonomy.
func classifyTokenError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "subject mismatch"):
		return "subject_mismatch"
	case strings.Contains(msg, "audience"):
		return "wrong_audience"
	case strings.Contains(msg, "expired"):
		return "expired"
	default:
		return "tampered"
	}
}

// writeToolError surfaces a missing-tool rejection from the adapter
// as tool_not_permitted/<tool-name>; any other adapter error is an
// internal error.
func writeToolError(w http.ResponseWriter, err error) {
	msg := err.Error()
	const marker = `tool "`
	if idx := strings.Index(msg, marker); idx != -1 {
		rest := msg[idx+len(marker):]
		if end := strings.Index(rest, `"`); end != -1 {
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "tool_not_permitted",
				"tool":  rest[:end],
			})
			return
		}
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
}

func writeCapabilityError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": "capability_invalid", "reason": reason})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
