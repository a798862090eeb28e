package store

import (
	"errors"
	"time"
)

var ErrRecordNotFound = errors.New("transcript record not found")

// Record is what a finished call hands off.
type Record struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Provider   string    `json:"provider"`
	SampleRate int       `json:"sample_rate"`
	Transcript string    `json:"transcript"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Restarts   int       `json:"restarts"`
	Errors     int       `json:"errors"`
	Denied     bool      `json:"denied"`
}

func (r Record) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
