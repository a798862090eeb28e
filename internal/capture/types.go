package capture

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a capture session.
type Status string

const (
	StatusIdle           Status = "idle"
	StatusListening      Status = "listening"
	StatusRestartPending Status = "restart_pending"
	StatusStopped        Status = "stopped"
	StatusUnsupported    Status = "unsupported"
)

// ErrorKind identifies why a recognition engine failed.
type ErrorKind string

const (
	ErrorNoSpeech             ErrorKind = "no-speech"
	ErrorAborted              ErrorKind = "aborted"
	ErrorAudioCapture         ErrorKind = "audio-capture"
	ErrorNetwork              ErrorKind = "network"
	ErrorNotAllowed           ErrorKind = "not-allowed"
	ErrorServiceNotAllowed    ErrorKind = "service-not-allowed"
	ErrorLanguageNotSupported ErrorKind = "language-not-supported"
	ErrorEngineUnavailable    ErrorKind = "engine-unavailable"
	ErrorUnknown              ErrorKind = "unknown"
)

// Permission reports whether the error was a refusal that a restart cannot fix.
func (k ErrorKind) Permission() bool {
	return k == ErrorNotAllowed || k == ErrorServiceNotAllowed
}

// EngineError is the failure value engines report through an error event.
type EngineError struct {
	Kind ErrorKind
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError wraps err with a kind.
func NewEngineError(kind ErrorKind, err error) *EngineError {
	return &EngineError{Kind: kind, Err: err}
}

// Result is one recognition hypothesis inside an update batch.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
}

// EventType enumerates the callbacks a recognition engine can fire.
type EventType int

const (
	EventStarted EventType = iota + 1
	EventResult
	EventError
	EventEnded
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	case EventEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Event is a single engine callback.
type Event struct {
	Type    EventType
	Results []Result
	Err     *EngineError
}

// Started, Results, Failed and Ended build engine events.
func Started() Event { return Event{Type: EventStarted} }

func Results(results ...Result) Event { return Event{Type: EventResult, Results: results} }

func Failed(kind ErrorKind, err error) Event {
	return Event{Type: EventError, Err: NewEngineError(kind, err)}
}

func Ended() Event { return Event{Type: EventEnded} }

// EngineConfig is applied to every engine instance before Start.
type EngineConfig struct {
	Continuous     bool
	InterimResults bool
	Language       string
	SampleRate     int
}

// Engine is a single-use recognition instance. Once it has ended it must
// not be started again; the session always asks the Factory for a new one.
//
// Implementations deliver events through the emit function given to
// Factory.New, from their own goroutines, in the order they occur. Stop asks
// for a graceful end (final results, then an ended event). Abort releases
// everything immediately; events after Abort are ignored.
type Engine interface {
	Start() error
	Feed(pcm []byte) error
	Stop()
	Abort()
}

// Factory constructs engines and reports whether the environment has one.
type Factory interface {
	Supported() bool
	New(cfg EngineConfig, emit func(Event)) (Engine, error)
}

// Snapshot is the observable view of a session.
type Snapshot struct {
	Status      Status    `json:"status"`
	IsListening bool      `json:"isListening"`
	IsSupported bool      `json:"isSupported"`
	Transcript  string    `json:"transcript"`
	Denied      bool      `json:"denied"`
	LastError   ErrorKind `json:"lastError,omitempty"`
	Restarts    int       `json:"restarts"`
	Errors      int       `json:"errors"`
	FinalChunks int       `json:"finalChunks"`
	Generation  uint64    `json:"generation"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
