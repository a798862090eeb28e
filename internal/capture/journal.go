package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Journal writes one JSON line per session transition.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

type journalRecord struct {
	Timestamp  string            `json:"ts"`
	Event      string            `json:"event"`
	SessionID  string            `json:"session_id"`
	Status     Status            `json:"status,omitempty"`
	Transcript string            `json:"transcript,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// OpenJournal creates <dir>/<started>_session_<id8>.jsonl.
func OpenJournal(dir, sessionID string, started time.Time) (*Journal, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	shortID := sessionID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	name := filepath.Join(dir, fmt.Sprintf("%s_session_%s.jsonl", started.Format("20060102_150405"), shortID))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{file: f, enc: json.NewEncoder(f)}, nil
}

// Path returns the journal file name, or "" once closed.
func (j *Journal) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return ""
	}
	return j.file.Name()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func (j *Journal) record(at time.Time, sessionID, event string, snap Snapshot, details map[string]string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return
	}
	rec := journalRecord{
		Timestamp: at.Format(time.RFC3339Nano),
		Event:     event,
		SessionID: sessionID,
		Status:    snap.Status,
		Details:   details,
	}
	if event == "session_stop" {
		rec.Transcript = snap.Transcript
	}
	_ = j.enc.Encode(rec)
}
