// Package gateway implements the egress gateway's HTTP surface: score
// every outbound call an agent wants to make, execute it upstream
// when the score permits, and expose the compliance views built on
// top of the resulting journal.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/latticeguard/sentry/internal/circuitbreaker"
	"github.com/latticeguard/sentry/internal/compliance"
	"github.com/latticeguard/sentry/internal/journal"
	"github.com/latticeguard/sentry/internal/metrics"
	"github.com/latticeguard/sentry/internal/quarantine"
	"github.com/latticeguard/sentry/internal/riskengine"
	"github.com/latticeguard/sentry/internal/webhooks"
)

// IdentityVerifier verifies a caller's SPIFFE SVID and returns a stable
// hash of its certificate for destination attribution. Implemented by
// internal/identity.SPIFFEVerifier; nil means no workload identity
// backend is configured and verification is skipped.
type IdentityVerifier interface {
	VerifySVID(spiffeID string) (uint64, error)
}

// Handler wires together everything a gateway call touches.
type Handler struct {
	Engine     *riskengine.Engine
	Quarantine quarantine.Store
	Journal    *journal.Journal
	Metrics    *metrics.Metrics
	Compliance *compliance.Reducer
	Client     *http.Client
	UpstreamTO time.Duration
	ModelProvs map[string]bool // providers with real credentials configured
	AgentsSeen func() int
	Breakers   *circuitbreaker.UpstreamBreakers
	Identity   IdentityVerifier
	Webhooks   webhooks.WebhookEmitter
}

// New builds a Handler, applying the 3s upstream deadline from
// spec.md §4.4 when none is set.
func New(h Handler) *Handler {
	if h.UpstreamTO <= 0 {
		h.UpstreamTO = 3 * time.Second
	}
	if h.Client == nil {
		h.Client = &http.Client{Timeout: h.UpstreamTO}
	}
	if h.Breakers == nil {
		h.Breakers = circuitbreaker.NewUpstreamBreakers()
	}
	return &h
}

type proxyRequest struct {
	AgentID  string `json:"agent_id"`
	URL      string `json:"url"`
	Method   string `json:"method"`
	Body     string `json:"body"`
	Purpose  string `json:"purpose"`
	SPIFFEID string `json:"spiffe_id,omitempty"`
}

type upstreamInfo struct {
	StatusCode    int   `json:"status_code"`
	FirstByteMS   int64 `json:"first_byte_ms"`
	ContentLength int64 `json:"content_length"`
}

type proxyResponse struct {
	Status   string        `json:"status"`
	Score    int           `json:"score"`
	Reasons  []string      `json:"reasons,omitempty"`
	Upstream *upstreamInfo `json:"upstream,omitempty"`
}

// HandleProxy implements POST /proxy.
func (h *Handler) HandleProxy() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()

		var req proxyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"malformed body"}`, http.StatusBadRequest)
			return
		}
		if req.Method == "" {
			req.Method = http.MethodGet
		}

		h.verifyIdentity(req)

		quarantined, err := h.Quarantine.Contains(ctx, req.AgentID)
		if err != nil {
			slog.Error("quarantine lookup failed", "error", err)
			http.Error(w, `{"error":"quarantine lookup failed"}`, http.StatusInternalServerError)
			return
		}
		if quarantined {
			h.journalGateway("quarantine_blocked", req.AgentID, nil)
			h.writeDecision(w, riskengine.Decision{Score: 100, Action: riskengine.ActionQuarantine, Forced: true}, nil, start)
			return
		}

		decision := h.Engine.Score(riskengine.Request{
			AgentID: req.AgentID,
			URL:     req.URL,
			Method:  req.Method,
			Body:    req.Body,
			Purpose: req.Purpose,
			At:      time.Now(),
		})

		h.journalGateway("proxy_decision", req.AgentID, map[string]interface{}{
			"action": string(decision.Action), "score": decision.Score, "reasons": decision.Reasons,
			"url": req.URL, "method": req.Method,
		})

		if decision.Action == riskengine.ActionBlock || decision.Action == riskengine.ActionQuarantine {
			h.journalIncident(req.AgentID, decision)
		}
		if decision.Action == riskengine.ActionQuarantine {
			if err := h.Quarantine.Add(ctx, req.AgentID); err != nil {
				slog.Error("quarantine add failed", "error", err)
			}
			h.journalControl("apply_waf_quarantine", req.AgentID, map[string]interface{}{"score": decision.Score})
			if h.Metrics != nil {
				h.Metrics.SetQuarantined(req.AgentID, true)
			}
			h.emitWebhook(webhooks.EventQuarantineApplied, req.AgentID, map[string]interface{}{"score": decision.Score, "reasons": decision.Reasons})
		} else if decision.Action == riskengine.ActionBlock {
			h.emitWebhook(webhooks.EventBlockIssued, req.AgentID, map[string]interface{}{"score": decision.Score, "reasons": decision.Reasons, "url": req.URL})
		} else if decision.Action == riskengine.ActionAllowWatch {
			h.emitWebhook(webhooks.EventWatchIssued, req.AgentID, map[string]interface{}{"score": decision.Score, "reasons": decision.Reasons})
		}

		if h.Metrics != nil {
			h.Metrics.RecordProxyDecision(string(decision.Action), decision.Score, time.Since(start).Seconds())
		}

		if decision.Action == riskengine.ActionBlock || decision.Action == riskengine.ActionQuarantine {
			h.writeDecision(w, decision, nil, start)
			return
		}

		upstream := h.executeUpstream(ctx, req)
		h.writeDecision(w, decision, upstream, start)
	}
}

func (h *Handler) executeUpstream(ctx context.Context, req proxyRequest) *upstreamInfo {
	host := req.URL
	if u, err := url.Parse(req.URL); err == nil && u.Host != "" {
		host = u.Host
	}
	breaker := h.Breakers.For(host)

	result, err := breaker.ExecuteContext(ctx, func(reqCtx context.Context) (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(reqCtx, h.UpstreamTO)
		defer cancel()

		var bodyReader io.Reader
		if req.Body != "" {
			bodyReader = strings.NewReader(req.Body)
		}

		httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, req.URL, bodyReader)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := h.Client.Do(httpReq)
		if err != nil {
			reason := "upstream_error"
			if reqCtx.Err() == context.DeadlineExceeded {
				reason = "upstream_timeout"
			}
			h.journalGateway("upstream_failed", req.AgentID, map[string]interface{}{"reason": reason})
			return nil, err
		}
		defer resp.Body.Close()

		firstByte := time.Since(start)
		n, _ := io.Copy(io.Discard, resp.Body)

		return &upstreamInfo{
			StatusCode:    resp.StatusCode,
			FirstByteMS:   firstByte.Milliseconds(),
			ContentLength: n,
		}, nil
	})

	if err != nil {
		if err == circuitbreaker.ErrCircuitOpen || err == circuitbreaker.ErrTooManyRequests {
			h.journalGateway("upstream_circuit_open", req.AgentID, map[string]interface{}{"host": host})
		}
		return nil
	}
	return result.(*upstreamInfo)
}

func (h *Handler) writeDecision(w http.ResponseWriter, d riskengine.Decision, up *upstreamInfo, start time.Time) {
	resp := proxyResponse{Status: string(d.Action), Score: d.Score, Upstream: up}
	if d.Action != riskengine.ActionAllow {
		resp.Reasons = d.Reasons
	}
	writeJSON(w, http.StatusOK, resp)
}

// llmRequest is the sanitized model-call body the agent adapter
// forwards; user_text has already passed the broker's firewall.
type llmRequest struct {
	AgentID  string `json:"agent_id"`
	Purpose  string `json:"purpose"`
	UserText string `json:"user_text"`
}

type llmResponse struct {
	Answer     string `json:"answer"`
	TokensUsed int    `json:"tokens_used"`
	Mocked     bool   `json:"mocked"`
}

// HandleLLM implements POST /llm/{provider}. When the provider has no
// credentials configured, a fixed mock answer is returned rather than
// failing the call — per spec.md's environment-configuration note.
func (h *Handler) HandleLLM() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := mux.Vars(r)["provider"]

		var req llmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"malformed body"}`, http.StatusBadRequest)
			return
		}

		if h.ModelProvs == nil || !h.ModelProvs[provider] {
			writeJSON(w, http.StatusOK, llmResponse{
				Answer: "This is a simulated response. Connect a model provider to enable live answers.",
				Mocked: true,
			})
			return
		}

		// A real provider integration is out of scope here; this path
		// is reserved for a future adapter and currently behaves
		// identically to the mock path until one is wired in.
		writeJSON(w, http.StatusOK, llmResponse{
			Answer: "This is a simulated response. Connect a model provider to enable live answers.",
			Mocked: true,
		})
	}
}

// HandleIncidents implements GET /incidents.
func (h *Handler) HandleIncidents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if q := r.URL.Query().Get("limit"); q != "" {
			if n, err := strconv.Atoi(q); err == nil && n > 0 {
				limit = n
			}
		}

		incidents, err := h.Compliance.RecentIncidents(limit)
		if err != nil {
			slog.Error("recent incidents failed", "error", err)
			http.Error(w, `{"error":"incidents unavailable"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"incidents": incidents})
	}
}

// HandleHealth implements GET /health.
func (h *Handler) HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		score, err := h.Compliance.HealthScore()
		if err != nil {
			slog.Error("health score failed", "error", err)
			http.Error(w, `{"error":"health unavailable"}`, http.StatusInternalServerError)
			return
		}
		recent, err := h.Compliance.IncidentsInWindow(24 * time.Hour)
		if err != nil {
			slog.Error("incidents in window failed", "error", err)
			http.Error(w, `{"error":"health unavailable"}`, http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":           "ok",
			"service":          "gateway",
			"health_score":     score,
			"recent_incidents": recent,
		})
	}
}

// HandleComplianceGenerate implements POST /compliance/generate.
func (h *Handler) HandleComplianceGenerate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		score, err := h.Compliance.HealthScore()
		if err != nil {
			slog.Error("health score failed", "error", err)
			http.Error(w, `{"error":"evidence pack unavailable"}`, http.StatusInternalServerError)
			return
		}

		agentsSeen := 0
		if h.AgentsSeen != nil {
			agentsSeen = h.AgentsSeen()
		}

		quarantinedList := []string{}
		if ms, ok := h.Quarantine.(interface{ List() []string }); ok {
			quarantinedList = ms.List()
		}

		html, err := h.Compliance.GenerateEvidencePack(score, agentsSeen, quarantinedList)
		if err != nil {
			slog.Error("generate evidence pack failed", "error", err)
			http.Error(w, `{"error":"evidence pack generation failed"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(html))
	}
}

// verifyIdentity checks the caller's SPIFFE SVID when an identity
// backend is configured and the request carries one. It contributes
// destination attribution to the journal only — it never blocks the
// call, matching the package's graceful-degradation contract.
func (h *Handler) verifyIdentity(req proxyRequest) {
	if h.Identity == nil || req.SPIFFEID == "" {
		return
	}
	hash, err := h.Identity.VerifySVID(req.SPIFFEID)
	if err != nil {
		slog.Warn("spiffe verification failed", "agent_id", req.AgentID, "error", err)
		h.journalGateway("spiffe_verify_failed", req.AgentID, map[string]interface{}{"spiffe_id": req.SPIFFEID})
		return
	}
	h.journalGateway("spiffe_verified", req.AgentID, map[string]interface{}{"spiffe_id": req.SPIFFEID, "svid_hash": hash})
}

func (h *Handler) emitWebhook(eventType webhooks.EventType, agentID string, data map[string]interface{}) {
	if h.Webhooks == nil {
		return
	}
	h.Webhooks.Emit(eventType, agentID, data)
}

func (h *Handler) journalGateway(eventType, agentID string, payload map[string]interface{}) {
	if h.Journal == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["agent_id"] = agentID
	h.Journal.Append(journal.ConcernGateway, eventType, payload)
}

func (h *Handler) journalIncident(agentID string, d riskengine.Decision) {
	if h.Journal == nil {
		return
	}
	h.Journal.Append(journal.ConcernIncidents, "proxy_"+string(d.Action), map[string]interface{}{
		"agent_id": agentID, "score": d.Score, "reasons": d.Reasons,
	})
}

func (h *Handler) journalControl(eventType, agentID string, payload map[string]interface{}) {
	if h.Journal == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["agent_id"] = agentID
	h.Journal.Append(journal.ConcernControl, eventType, payload)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
