// Package compliance reduces the incidents journal into a health
// score and a self-contained HTML evidence report, read-only over
// whatever the journal has already recorded.
package compliance

import (
	"html/template"
	"strconv"
	"strings"
	"time"

	"github.com/latticeguard/sentry/internal/journal"
)

// Reducer computes compliance views over a Journal's incidents file.
type Reducer struct {
	j           *journal.Journal
	bankingMode bool
}

// New builds a Reducer over j. bankingMode selects the heavier ×0.3
// health-score penalty multiplier over the default ×0.2.
func New(j *journal.Journal, bankingMode bool) *Reducer {
	return &Reducer{j: j, bankingMode: bankingMode}
}

// RecentIncidents returns up to limit most-recent incident entries.
func (r *Reducer) RecentIncidents(limit int) ([]map[string]interface{}, error) {
	return r.j.Tail(journal.ConcernIncidents, limit)
}

// IncidentsInWindow counts incidents within the trailing window.
func (r *Reducer) IncidentsInWindow(window time.Duration) (int, error) {
	incidents, err := r.j.Tail(journal.ConcernIncidents, 1000)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-window)
	count := 0
	for _, inc := range incidents {
		if ts, ok := parseTimestamp(inc["timestamp"]); ok && ts.After(cutoff) {
			count++
		}
	}
	return count, nil
}

// HealthScore computes the rolling health score: start at 100, for
// every incident in the last 24h with score > 40 subtract
// (score - 40) * multiplier, clamp to [0, 100].
func (r *Reducer) HealthScore() (float64, error) {
	incidents, err := r.j.Tail(journal.ConcernIncidents, 1000)
	if err != nil {
		return 0, err
	}

	multiplier := 0.2
	if r.bankingMode {
		multiplier = 0.3
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	health := 100.0

	for _, inc := range incidents {
		ts, ok := parseTimestamp(inc["timestamp"])
		if !ok || ts.Before(cutoff) {
			continue
		}
		score := toFloat(inc["score"])
		if score > 40 {
			health -= (score - 40) * multiplier
		}
	}

	if health < 0 {
		health = 0
	}
	if health > 100 {
		health = 100
	}
	return health, nil
}

func parseTimestamp(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

// EvidencePack is the data fed to the HTML report template.
type EvidencePack struct {
	GeneratedAt       string
	HealthScore       float64
	IncidentsLast24h  int
	AgentsSeen        int
	QuarantinedAgents []string
	Incidents         []IncidentRow
}

// IncidentRow is one rendered row in the evidence table.
type IncidentRow struct {
	Timestamp string
	AgentID   string
	Score     float64
	Action    string
	Reasons   string
}

var reportTemplate = template.Must(template.New("evidence").Parse(evidenceHTML))

// GenerateEvidencePack renders a self-contained HTML report for
// healthScore, agentsSeen unique agents, and the given quarantined
// agent list, pulling up to 50 recent incidents from the journal.
func (r *Reducer) GenerateEvidencePack(healthScore float64, agentsSeen int, quarantinedAgents []string) (string, error) {
	incidents, err := r.RecentIncidents(100)
	if err != nil {
		return "", err
	}
	incidents24h, err := r.IncidentsInWindow(24 * time.Hour)
	if err != nil {
		return "", err
	}

	rows := make([]IncidentRow, 0, 50)
	for i, inc := range incidents {
		if i >= 50 {
			break
		}
		rows = append(rows, IncidentRow{
			Timestamp: stringOr(inc["timestamp"], "N/A"),
			AgentID:   stringOr(inc["agent_id"], "N/A"),
			Score:     toFloat(inc["score"]),
			Action:    stringOr(inc["action"], "N/A"),
			Reasons:   joinReasons(inc["reasons"]),
		})
	}

	pack := EvidencePack{
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		HealthScore:       healthScore,
		IncidentsLast24h:  incidents24h,
		AgentsSeen:        agentsSeen,
		QuarantinedAgents: quarantinedAgents,
		Incidents:         rows,
	}

	var sb strings.Builder
	if err := reportTemplate.Execute(&sb, pack); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func stringOr(v interface{}, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

func joinReasons(v interface{}) string {
	items, ok := v.([]interface{})
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

const evidenceHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Sentry Compliance Evidence Pack</title>
<style>
body { font-family: -apple-system, sans-serif; margin: 2rem; color: #1a1a1a; }
h1 { font-size: 1.4rem; }
.summary { display: flex; gap: 2rem; margin-bottom: 1.5rem; }
.metric { border: 1px solid #ddd; border-radius: 6px; padding: 1rem; min-width: 140px; }
.metric .value { font-size: 1.8rem; font-weight: 600; }
table { border-collapse: collapse; width: 100%; font-size: 0.85rem; }
th, td { border-bottom: 1px solid #eee; padding: 0.4rem 0.6rem; text-align: left; }
.badge { padding: 0.1rem 0.5rem; border-radius: 4px; color: white; font-size: 0.75rem; }
.badge-allow { background: #2e7d32; }
.badge-allow\+watch { background: #f9a825; }
.badge-block { background: #e65100; }
.badge-quarantine { background: #c62828; }
</style>
</head>
<body>
<h1>Sentry Compliance Evidence Pack</h1>
<p>Generated {{.GeneratedAt}}</p>
<div class="summary">
  <div class="metric"><div>Health score</div><div class="value">{{printf "%.1f" .HealthScore}}</div></div>
  <div class="metric"><div>Incidents (24h)</div><div class="value">{{.IncidentsLast24h}}</div></div>
  <div class="metric"><div>Agents observed</div><div class="value">{{.AgentsSeen}}</div></div>
  <div class="metric"><div>Quarantined</div><div class="value">{{len .QuarantinedAgents}}</div></div>
</div>
<h2>Quarantined agents</h2>
<ul>
{{range .QuarantinedAgents}}<li>{{.}}</li>{{else}}<li><em>None</em></li>{{end}}
</ul>
<h2>Recent incidents</h2>
<table>
<tr><th>Time</th><th>Agent</th><th>Score</th><th>Action</th><th>Reasons</th></tr>
{{range .Incidents}}
<tr>
  <td>{{.Timestamp}}</td>
  <td>{{.AgentID}}</td>
  <td>{{printf "%.1f" .Score}}</td>
  <td>{{.Action}}</td>
  <td>{{.Reasons}}</td>
</tr>
{{end}}
</table>
</body>
</html>
`
