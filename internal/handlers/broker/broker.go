// Package broker implements the ingress broker's HTTP surface:
// authenticate the caller, run the prompt firewall, mint a capability
// token, and forward the sanitized request to the agent adapter.
package broker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/latticeguard/sentry/internal/capability"
	"github.com/latticeguard/sentry/internal/challenge"
	"github.com/latticeguard/sentry/internal/events"
	"github.com/latticeguard/sentry/internal/firewall"
	"github.com/latticeguard/sentry/internal/journal"
	"github.com/latticeguard/sentry/internal/metrics"
	"github.com/latticeguard/sentry/internal/rbac"
	"github.com/latticeguard/sentry/internal/webhooks"
)

const apiKeyHeader = "X-API-Key"

// Handler wires together everything a broker invoke call touches.
type Handler struct {
	Roles        rbac.RoleMap
	Pipeline     *firewall.Pipeline
	PaymentCheck firewall.PaymentIntentDetector
	Minter       *capability.Minter
	Challenges   *challenge.Store
	Journal      *journal.Journal
	Metrics      *metrics.Metrics
	Bus          events.EventEmitter
	Webhooks     webhooks.WebhookEmitter
	AgentURL     string
	Client       *http.Client
	MaxTextLen   int

	PaymentMaxAmount  float64
	PreapprovedOnly   bool
	PreapprovedPayees []string

	// DevMode controls whether /otp/send echoes the generated code back
	// to the caller. Production deployments must leave this false — the
	// code is delivered out of band (SMS/push), never over this API.
	DevMode bool
}

// New builds a Handler. client may be nil, in which case a 30s-timeout
// client is used, matching the broker→agent deadline.
func New(h Handler) *Handler {
	if h.Client == nil {
		h.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if h.PaymentCheck == nil {
		h.PaymentCheck = firewall.DefaultPaymentDetector{}
	}
	return &h
}

// invokeRequest mirrors the original's InvokeRequest model: the caller
// declares the tools/scopes/budgets it wants granted, and RBAC governs
// only whether the caller may reach the agent at all. The broker never
// invents a wider grant than the caller asked for.
type invokeRequest struct {
	AgentID      string         `json:"agent_id"`
	Purpose      string         `json:"purpose"`
	UserText     string         `json:"user_text"`
	AllowedTools []string       `json:"allowed_tools"`
	DataScope    []string       `json:"data_scope"`
	Budgets      map[string]int `json:"budgets,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
}

type agentResponse struct {
	Answer        interface{} `json:"answer"`
	FetchDecision interface{} `json:"fetch_decision,omitempty"`
	PaymentResult interface{} `json:"payment_result,omitempty"`
	AccountData   interface{} `json:"account_data,omitempty"`
	Logs          interface{} `json:"logs,omitempty"`
}

type invokeResponse struct {
	Decision string         `json:"decision"`
	Reason   string         `json:"reason,omitempty"`
	Agent    *agentResponse `json:"agent,omitempty"`
}

// HandleInvoke implements POST /invoke.
func (h *Handler) HandleInvoke() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()

		apiKey := r.Header.Get(apiKeyHeader)
		keyHash := hashCaller(apiKey)

		if apiKey == "" {
			h.journalAuth(keyHash, "missing_api_key")
			h.writeBlocked(w, http.StatusUnauthorized, "auth_failed/missing_api_key", start, "blocked")
			return
		}

		role, err := h.Roles.RoleFor(ctx, apiKey)
		if err != nil {
			slog.Error("rbac role lookup failed", "error", err)
			http.Error(w, `{"error":"role lookup failed"}`, http.StatusInternalServerError)
			return
		}
		if role == "" {
			h.journalAuth(keyHash, "invalid_api_key")
			h.writeBlocked(w, http.StatusUnauthorized, "auth_failed/invalid_api_key", start, "blocked")
			return
		}

		var req invokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeBlocked(w, http.StatusBadRequest, "validation_failed/malformed_body", start, "blocked")
			return
		}

		allowed, err := h.Roles.Allowed(ctx, apiKey, req.AgentID)
		if err != nil {
			slog.Error("rbac allowed lookup failed", "error", err)
			http.Error(w, `{"error":"rbac lookup failed"}`, http.StatusInternalServerError)
			return
		}
		if !allowed {
			h.journalEvent("rbac_denied", map[string]interface{}{"caller_hash": keyHash, "agent_id": req.AgentID})
			h.emitWebhook(webhooks.EventRoleDenied, req.AgentID, map[string]interface{}{"caller_hash": keyHash})
			h.journalSession(req.AgentID, keyHash, "rbac_denied", "rbac_denied")
			h.writeBlocked(w, http.StatusForbidden, "rbac_denied", start, "blocked")
			return
		}

		if strings.TrimSpace(req.UserText) == "" {
			h.journalEvent("validation_failed", map[string]interface{}{"reason": "empty_user_text", "agent_id": req.AgentID})
			h.writeBlocked(w, http.StatusBadRequest, "validation_failed/empty_user_text", start, "blocked")
			return
		}
		if h.MaxTextLen > 0 && len(req.UserText) > h.MaxTextLen {
			h.journalEvent("validation_failed", map[string]interface{}{"reason": "text_too_long", "agent_id": req.AgentID})
			h.writeBlocked(w, http.StatusBadRequest, "validation_failed/text_too_long", start, "blocked")
			return
		}

		decision := h.Pipeline.Run(ctx, req.UserText)
		if decision.Blocked {
			if h.Metrics != nil {
				h.Metrics.RecordFirewallBlock(firewallStage(decision.Reason))
			}
			h.journalEvent("firewall_blocked", map[string]interface{}{
				"agent_id": req.AgentID, "reason": decision.Reason,
			})
			h.emitBus(events.TypeInvokeBlocked, "broker", req.AgentID, map[string]interface{}{"reason": decision.Reason})
			h.journalSession(req.AgentID, keyHash, "firewall_blocked", decision.Reason)
			h.writeBlocked(w, http.StatusOK, "firewall_blocked/"+decision.Reason, start, "blocked")
			return
		}
		if len(decision.Redactions) > 0 {
			h.journalEvent("secrets_redacted", map[string]interface{}{
				"agent_id": req.AgentID, "redactions": decision.Redactions,
			})
		}

		grant := capability.Grant{
			AgentID: req.AgentID,
			Tools:   req.AllowedTools,
			Scopes:  req.DataScope,
			Budgets: req.Budgets,
		}
		if intent := h.PaymentCheck.Detect(decision.SanitizedText); intent.Detected {
			grant.Tools = narrowToPaymentTools(req.AllowedTools)
			grant.PaymentPolicy = &capability.PaymentPolicy{
				MaxAmount:         h.PaymentMaxAmount,
				PreapprovedOnly:   h.PreapprovedOnly,
				PreapprovedPayees: h.PreapprovedPayees,
			}
			grant.Budgets = reducedBudget(req.Budgets)
		}

		token, err := h.Minter.Mint(grant)
		if err != nil {
			slog.Error("mint capability token failed", "error", err)
			http.Error(w, `{"error":"token mint failed"}`, http.StatusInternalServerError)
			return
		}
		h.emitWebhook(webhooks.EventTokenMinted, req.AgentID, map[string]interface{}{"scopes": grant.Scopes})

		agentResp, reason, err := h.forwardToAgent(ctx, token, req)
		if err != nil {
			h.journalEvent("invoke_blocked", map[string]interface{}{"agent_id": req.AgentID, "reason": reason})
			h.journalSession(req.AgentID, keyHash, "agent_error", reason)
			h.writeBlocked(w, http.StatusBadGateway, reason, start, "blocked")
			return
		}

		h.journalEvent("invoke_allowed", map[string]interface{}{"agent_id": req.AgentID})
		h.journalSession(req.AgentID, keyHash, "invoke_allowed", "")
		h.emitBus(events.TypeInvokeAllowed, "broker", req.AgentID, nil)
		if h.Metrics != nil {
			h.Metrics.RecordInvocation("ALLOW", time.Since(start).Seconds())
		}

		writeJSON(w, http.StatusOK, invokeResponse{Decision: "ALLOW", Agent: agentResp})
	}
}

func (h *Handler) forwardToAgent(ctx context.Context, token string, req invokeRequest) (*agentResponse, string, error) {
	body, err := json.Marshal(map[string]string{
		"agent_id":   req.AgentID,
		"purpose":    req.Purpose,
		"user_text":  req.UserText,
		"request_id": req.RequestID,
	})
	if err != nil {
		return nil, "internal_error", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.AgentURL+"/_internal/run", bytes.NewReader(body))
	if err != nil {
		return nil, "internal_error", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := h.Client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, "agent_timeout", err
		}
		return nil, "agent_unreachable", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Sprintf("agent_error:%d", resp.StatusCode), fmt.Errorf("agent returned status %d", resp.StatusCode)
	}

	var out agentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "agent_error:undecodable", err
	}
	return &out, "", nil
}

// HandleOTPSend implements POST /otp/send.
func (h *Handler) HandleOTPSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ChallengeID string `json:"challenge_id"`
			Purpose     string `json:"purpose"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChallengeID == "" {
			http.Error(w, `{"error":"challenge_id required"}`, http.StatusBadRequest)
			return
		}

		code, err := h.Challenges.Issue(req.ChallengeID)
		if err != nil {
			slog.Error("otp issue failed", "error", err)
			http.Error(w, `{"error":"challenge issue failed"}`, http.StatusInternalServerError)
			return
		}

		h.journalEvent("otp_issued", map[string]interface{}{"challenge_id": req.ChallengeID, "purpose": req.Purpose})

		resp := map[string]interface{}{"challenge_id": req.ChallengeID}
		if h.DevMode {
			resp["code"] = code
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleOTPVerify implements POST /otp/verify.
func (h *Handler) HandleOTPVerify() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ChallengeID string `json:"challenge_id"`
			Code        string `json:"code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChallengeID == "" {
			http.Error(w, `{"error":"challenge_id and code required"}`, http.StatusBadRequest)
			return
		}

		ok, reason := h.Challenges.Verify(req.ChallengeID, req.Code)
		h.journalEvent("otp_verified", map[string]interface{}{
			"challenge_id": req.ChallengeID, "verified": ok, "reason": reason,
		})
		writeJSON(w, http.StatusOK, map[string]interface{}{"verified": ok, "reason": reason})
	}
}

// HandleHealth implements GET /health.
func (h *Handler) HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "broker"})
	}
}

// HandleRBACReload implements POST /rbac/reload.
func (h *Handler) HandleRBACReload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.Roles.Reload(r.Context()); err != nil {
			slog.Error("rbac reload failed", "error", err)
			http.Error(w, `{"error":"reload failed"}`, http.StatusInternalServerError)
			return
		}
		h.journalEvent("rbac_reloaded", nil)
		h.emitBus(events.TypeRBACReloaded, "broker", "", nil)
		writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	}
}

func (h *Handler) emitBus(eventType, source, subject string, data map[string]interface{}) {
	if h.Bus == nil {
		return
	}
	h.Bus.Emit(eventType, source, subject, data)
}

func (h *Handler) emitWebhook(eventType webhooks.EventType, agentID string, data map[string]interface{}) {
	if h.Webhooks == nil {
		return
	}
	h.Webhooks.Emit(eventType, agentID, data)
}

func (h *Handler) writeBlocked(w http.ResponseWriter, status int, reason string, start time.Time, decision string) {
	if h.Metrics != nil {
		h.Metrics.RecordInvocation(decision, time.Since(start).Seconds())
	}
	writeJSON(w, status, invokeResponse{Decision: "BLOCK", Reason: reason})
}

func (h *Handler) journalAuth(callerHash, reason string) {
	h.journalEvent("auth_failed", map[string]interface{}{"caller_hash": callerHash, "reason": reason})
}

func (h *Handler) journalEvent(eventType string, payload map[string]interface{}) {
	if h.Journal == nil {
		return
	}
	h.Journal.Append(journal.ConcernBroker, eventType, payload)
}

// journalSession records one session-audit entry: a flat, queryable
// summary of a single invoke call's outcome, independent of the
// richer per-stage broker.ndjson trail. This is what HandleSessionAudit
// filters over.
func (h *Handler) journalSession(agentID, callerHash, eventType, reason string) {
	if h.Journal == nil {
		return
	}
	h.Journal.Append(journal.ConcernSessions, eventType, map[string]interface{}{
		"agent_id":    agentID,
		"caller_hash": callerHash,
		"reason":      reason,
	})
}

// HandleSessionAudit implements GET /sessions/audit?agent_id=&event_type=&since=&until=&limit=&offset=.
func (h *Handler) HandleSessionAudit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Journal == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"entries": []interface{}{}, "total_entries": 0})
			return
		}

		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		if limit <= 0 {
			limit = 50
		}

		entries, total, err := h.Journal.TailFiltered(journal.ConcernSessions, journal.SessionFilter{
			AgentID:   q.Get("agent_id"),
			EventType: q.Get("event_type"),
			Since:     q.Get("since"),
			Until:     q.Get("until"),
			Limit:     limit,
			Offset:    offset,
		})
		if err != nil {
			slog.Error("session audit query failed", "error", err)
			http.Error(w, `{"error":"session audit unavailable"}`, http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"entries":       entries,
			"total_entries": total,
			"limit":         limit,
			"offset":        offset,
		})
	}
}

// narrowToPaymentTools restricts a caller-requested tool set down to
// the payment subset once the sanitized text is classified as a
// payment intent, so a broad grant never rides along with a payment.
func narrowToPaymentTools(requested []string) []string {
	var narrowed []string
	for _, t := range requested {
		if t == "payments.create" || t == "secure_paylink.create" {
			narrowed = append(narrowed, t)
		}
	}
	return narrowed
}

func reducedBudget(requested map[string]int) map[string]int {
	if requested == nil {
		return nil
	}
	reduced := make(map[string]int, len(requested))
	for k, v := range requested {
		half := v / 2
		if half < 1 {
			half = 1
		}
		reduced[k] = half
	}
	return reduced
}

func hashCaller(apiKey string) string {
	if apiKey == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])[:16]
}

func firewallStage(reason string) string {
	if idx := strings.Index(reason, ":"); idx != -1 {
		return reason[:idx]
	}
	return reason
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
