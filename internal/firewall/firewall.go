// Package firewall implements the ingress prompt firewall: a fixed
// sequence of checks run over a caller's text before it is allowed to
// reach an agent. Each stage either blocks the request outright or
// passes a (possibly rewritten) text to the next stage.
package firewall

import (
	"context"
	"strings"
	"time"

	"github.com/latticeguard/sentry/internal/banking"
)

var markupTags = []string{"<script", "<iframe", "<object", "<embed"}

// Classifier is the pluggable semantic-classification interface. A
// nil Classifier disables layer 5 entirely; firewall.Run treats a
// classifier error or timeout as fail-open, per the design note that
// the firewall degrades gracefully when the external model is
// unavailable.
type Classifier interface {
	Classify(ctx context.Context, text string) (safe bool, confidence float64, err error)
}

// Decision is the outcome of running the full pipeline over a piece
// of text.
type Decision struct {
	Blocked       bool
	Reason        string
	SanitizedText string
	Redactions    []string
	StageTimings  map[string]time.Duration
}

// Config tunes pipeline thresholds; fields mirror config.FirewallConfig
// so the broker can pass its loaded config straight through.
type Config struct {
	PayloadCeilingBytes int
	ClassifierTimeout   time.Duration
	BankingMode         bool
}

// Pipeline runs the layered firewall checks described in the ingress
// broker's contract: payload ceiling, instruction-override lexicon,
// markup denylist, banking detectors, optional semantic classifier,
// then secret redaction — which also runs the SSN/IBAN/card redactors
// in banking mode.
type Pipeline struct {
	cfg        Config
	classifier Classifier
}

// New builds a Pipeline. classifier may be nil.
func New(cfg Config, classifier Classifier) *Pipeline {
	return &Pipeline{cfg: cfg, classifier: classifier}
}

// Run executes every stage in order, short-circuiting on the first
// block.
func (p *Pipeline) Run(ctx context.Context, text string) Decision {
	timings := make(map[string]time.Duration)

	start := time.Now()
	if len(text) > p.cfg.PayloadCeilingBytes {
		timings["payload_ceiling"] = time.Since(start)
		return Decision{Blocked: true, Reason: "text_too_long", StageTimings: timings}
	}
	timings["payload_ceiling"] = time.Since(start)

	start = time.Now()
	if hit, phrase := ContainsJailbreakPhrase(text); hit {
		timings["instruction_override"] = time.Since(start)
		return Decision{Blocked: true, Reason: "instruction_override:" + phrase, StageTimings: timings}
	}
	timings["instruction_override"] = time.Since(start)

	start = time.Now()
	if tag := matchedMarkupTag(text); tag != "" {
		timings["markup_denylist"] = time.Since(start)
		return Decision{Blocked: true, Reason: "markup_denylist:" + tag, StageTimings: timings}
	}
	timings["markup_denylist"] = time.Since(start)

	start = time.Now()
	if p.cfg.BankingMode {
		if pans := banking.DetectPANs(text); len(pans) > 0 {
			timings["banking_detectors"] = time.Since(start)
			return Decision{Blocked: true, Reason: "pan_in_chat", StageTimings: timings}
		}
		if cvvs := banking.DetectCVVs(text); len(cvvs) > 0 {
			timings["banking_detectors"] = time.Since(start)
			return Decision{Blocked: true, Reason: "cvv_in_chat", StageTimings: timings}
		}
	}
	timings["banking_detectors"] = time.Since(start)

	start = time.Now()
	if p.classifier != nil {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.ClassifierTimeout)
		safe, _, err := p.classifier.Classify(cctx, text)
		cancel()
		// Fail-open: a classifier error or timeout never blocks the
		// request, it only skips this layer's verdict.
		if err == nil && !safe {
			timings["semantic_classifier"] = time.Since(start)
			return Decision{Blocked: true, Reason: "semantic_classifier_unsafe", StageTimings: timings}
		}
	}
	timings["semantic_classifier"] = time.Since(start)

	start = time.Now()
	sanitized, redactions := RedactSecrets(text)
	if p.cfg.BankingMode {
		var bankRedactions []string
		sanitized, bankRedactions = banking.RedactChat(sanitized)
		redactions = append(redactions, bankRedactions...)
	}
	timings["secret_redaction"] = time.Since(start)

	return Decision{
		Blocked:       false,
		SanitizedText: sanitized,
		Redactions:    redactions,
		StageTimings:  timings,
	}
}

func matchedMarkupTag(text string) string {
	lower := strings.ToLower(text)
	for _, tag := range markupTags {
		if strings.Contains(lower, tag) {
			return tag + ">"
		}
	}
	return ""
}
