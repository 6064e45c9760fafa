// Package journal implements the append-only event trail: one
// newline-delimited JSON file per concern under a data directory.
// Writes are best-effort — an I/O failure logs a warning and never
// fails the caller's request.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// Concern names the journal file a record belongs to.
type Concern string

const (
	ConcernBroker    Concern = "broker.ndjson"
	ConcernGateway   Concern = "gateway.ndjson"
	ConcernIncidents Concern = "incidents.ndjson"
	ConcernControl   Concern = "control.ndjson"
	ConcernSessions  Concern = "sessions.ndjson"
)

// Entry is one journal record. Payload carries the event-specific
// fields; Timestamp and EventType are always present.
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Payload alongside the fixed timestamp/event_type
// fields into a single JSON object.
func (e Entry) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(e.Payload)+2)
	for k, v := range e.Payload {
		flat[k] = v
	}
	flat["timestamp"] = e.Timestamp
	flat["event_type"] = e.EventType
	return json.Marshal(flat)
}

// Journal appends entries to per-concern NDJSON files, with an
// optional Postgres mirror for operators who want queryable
// compliance evidence alongside the flat files.
type Journal struct {
	mu      sync.Mutex
	dataDir string
	files   map[Concern]*os.File
	mirror  *sql.DB
}

// New builds a Journal rooted at dataDir, creating the directory if
// necessary. mirrorDSN may be empty to disable the Postgres mirror.
func New(dataDir, mirrorDSN string) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal data dir: %w", err)
	}

	j := &Journal{
		dataDir: dataDir,
		files:   make(map[Concern]*os.File),
	}

	if mirrorDSN != "" {
		db, err := sql.Open("postgres", mirrorDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres mirror: %w", err)
		}
		j.mirror = db
	}

	return j, nil
}

// Append writes entry to concern's file, best-effort. A write failure
// is logged and swallowed — the caller's request must never fail
// because the journal is unavailable.
func (j *Journal) Append(concern Concern, eventType string, payload map[string]interface{}) {
	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		Payload:   payload,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("journal marshal failed", "concern", concern, "error", err)
		return
	}

	j.mu.Lock()
	f, err := j.fileFor(concern)
	j.mu.Unlock()
	if err != nil {
		slog.Warn("journal open failed", "concern", concern, "error", err)
		return
	}

	j.mu.Lock()
	_, werr := f.Write(append(line, '\n'))
	j.mu.Unlock()
	if werr != nil {
		slog.Warn("journal write failed", "concern", concern, "error", werr)
	}

	if j.mirror != nil {
		j.mirrorWrite(concern, entry)
	}
}

func (j *Journal) fileFor(concern Concern) (*os.File, error) {
	if f, ok := j.files[concern]; ok {
		return f, nil
	}
	path := filepath.Join(j.dataDir, string(concern))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	j.files[concern] = f
	return f, nil
}

func (j *Journal) mirrorWrite(concern Concern, entry Entry) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_, err = j.mirror.Exec(
		`INSERT INTO journal_entries (concern, event_type, ts, payload) VALUES ($1, $2, $3, $4)`,
		string(concern), entry.EventType, entry.Timestamp, payload,
	)
	if err != nil {
		slog.Warn("journal postgres mirror write failed", "concern", concern, "error", err)
	}
}

// Tail reads the most recent n lines of concern's file, parsed into
// entries-as-maps, oldest first. Used by the compliance reducer and
// the incident stream.
func (j *Journal) Tail(concern Concern, n int) ([]map[string]interface{}, error) {
	path := filepath.Join(j.dataDir, string(concern))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read journal %s: %w", concern, err)
	}

	lines := splitNonEmptyLines(data)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	out := make([]map[string]interface{}, 0, len(lines))
	for _, line := range lines {
		var rec map[string]interface{}
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// SessionFilter narrows a session-audit query. Zero-valued fields are
// not applied. Since and Until are RFC3339Nano timestamp bounds,
// compared lexically against the entry's ts field like the rest of
// the journal.
type SessionFilter struct {
	AgentID   string
	EventType string
	Since     string
	Until     string
	Limit     int
	Offset    int
}

// TailFiltered reads every entry from concern's file and returns the
// page matching filter, newest first. Unlike Tail, filtering happens
// before pagination so Offset/Limit apply to the matched set, not the
// raw file.
func (j *Journal) TailFiltered(concern Concern, filter SessionFilter) ([]map[string]interface{}, int, error) {
	path := filepath.Join(j.dataDir, string(concern))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []map[string]interface{}{}, 0, nil
		}
		return nil, 0, fmt.Errorf("read journal %s: %w", concern, err)
	}

	var matched []map[string]interface{}
	for _, line := range splitNonEmptyLines(data) {
		var rec map[string]interface{}
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if filter.AgentID != "" && rec["agent_id"] != filter.AgentID {
			continue
		}
		if filter.EventType != "" && rec["event_type"] != filter.EventType {
			continue
		}
		if ts, _ := rec["timestamp"].(string); filter.Since != "" && ts < filter.Since {
			continue
		}
		if ts, _ := rec["timestamp"].(string); filter.Until != "" && ts > filter.Until {
			continue
		}
		matched = append(matched, rec)
	}

	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}

	total := len(matched)
	if filter.Offset >= total {
		return []map[string]interface{}{}, total, nil
	}
	end := total
	if filter.Limit > 0 && filter.Offset+filter.Limit < end {
		end = filter.Offset + filter.Limit
	}
	return matched[filter.Offset:end], total, nil
}

func splitNonEmptyLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// Close releases open file handles and the Postgres mirror
// connection, if any.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, f := range j.files {
		f.Close()
	}
	if j.mirror != nil {
		return j.mirror.Close()
	}
	return nil
}
