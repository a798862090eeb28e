package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/amanullahtanweer/speechcapture/internal/capture"
	"github.com/benbjohnson/clock"
)

// SessionMetrics accumulates per-call counters from the audio fed to a
// capture session and the snapshots it publishes.
type SessionMetrics struct {
	Provider         string
	SessionID        string
	SampleRate       int
	StartTime        time.Time
	EndTime          time.Time
	AudioBytes       int
	TranscriptLength int
	PartialCount     int
	FinalCount       int
	Restarts         int
	EngineErrors     int
	FirstResultTime  *time.Time

	clock      clock.Clock
	lastText   string
	lastChunks int
	mu         sync.Mutex
}

func NewSessionMetrics(provider, sessionID string, sampleRate int, clk clock.Clock) *SessionMetrics {
	if clk == nil {
		clk = clock.New()
	}
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	return &SessionMetrics{
		Provider:   provider,
		SessionID:  sessionID,
		SampleRate: sampleRate,
		StartTime:  clk.Now(),
		clock:      clk,
	}
}

func (m *SessionMetrics) AddAudioBytes(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AudioBytes += bytes
}

// Observe folds one published snapshot into the counters.
func (m *SessionMetrics) Observe(snap capture.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Transcript != m.lastText {
		if m.FirstResultTime == nil && snap.Transcript != "" {
			now := m.clock.Now()
			m.FirstResultTime = &now
		}
		if snap.FinalChunks <= m.lastChunks && snap.Transcript != "" {
			m.PartialCount++
		}
		m.lastText = snap.Transcript
	}
	// The chunk count drops back to zero on reset or a fresh start.
	if snap.FinalChunks > m.lastChunks {
		m.FinalCount += snap.FinalChunks - m.lastChunks
	}
	m.lastChunks = snap.FinalChunks
	if snap.Restarts > m.Restarts {
		m.Restarts = snap.Restarts
	}
	if snap.Errors > m.EngineErrors {
		m.EngineErrors = snap.Errors
	}
	if snap.Transcript != "" {
		m.TranscriptLength = len(snap.Transcript)
	}
}

func (m *SessionMetrics) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EndTime = m.clock.Now()
}

func (m *SessionMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	duration := m.EndTime.Sub(m.StartTime)
	var latency time.Duration
	if m.FirstResultTime != nil {
		latency = m.FirstResultTime.Sub(m.StartTime)
	}

	audioDuration := float64(m.AudioBytes) / float64(m.SampleRate*2)
	var rtf float64
	if audioDuration > 0 {
		rtf = duration.Seconds() / audioDuration
	}

	return fmt.Sprintf(
		"Provider: %s\n"+
			"Session: %s\n"+
			"Duration: %v\n"+
			"Audio Duration: %.2f seconds\n"+
			"Audio Bytes: %d\n"+
			"Transcript Length: %d chars\n"+
			"First Result Latency: %v\n"+
			"Partial Updates: %d\n"+
			"Final Chunks: %d\n"+
			"Engine Restarts: %d\n"+
			"Engine Errors: %d\n"+
			"Real-time Factor: %.2fx\n",
		m.Provider,
		m.SessionID,
		duration,
		audioDuration,
		m.AudioBytes,
		m.TranscriptLength,
		latency,
		m.PartialCount,
		m.FinalCount,
		m.Restarts,
		m.EngineErrors,
		rtf,
	)
}
