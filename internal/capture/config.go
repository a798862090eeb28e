package capture

import "time"

const (
	DefaultRestartDelay      = 100 * time.Millisecond
	DefaultErrorRestartDelay = 500 * time.Millisecond
	DefaultMaxRestartDelay   = 5 * time.Second
	DefaultStopTimeout       = 2 * time.Second
)

// Config tunes segmentation and the restart policy of a Session.
type Config struct {
	Engine EngineConfig

	// PauseThreshold is the gap between finalized chunks that starts a new paragraph.
	PauseThreshold     time.Duration
	ParagraphSeparator string
	// ChunkSeparator joins finalized chunks inside a paragraph. Engines that
	// emit chunks without surrounding whitespace want " ".
	ChunkSeparator string

	RestartDelay      time.Duration
	ErrorRestartDelay time.Duration
	MaxRestartDelay   time.Duration
	// MaxConsecutiveFailures stops the session after that many engine errors in
	// a row with no start or result in between. Zero means retry forever.
	MaxConsecutiveFailures int

	// StopTimeout bounds how long Stop waits for the engine to confirm its end.
	StopTimeout time.Duration
}

// DefaultConfig returns a continuous, interim-enabled configuration.
func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			Continuous:     true,
			InterimResults: true,
			Language:       "en-US",
			SampleRate:     16000,
		},
		PauseThreshold:     DefaultPauseThreshold,
		ParagraphSeparator: DefaultParagraphSeparator,
		RestartDelay:       DefaultRestartDelay,
		ErrorRestartDelay:  DefaultErrorRestartDelay,
		MaxRestartDelay:    DefaultMaxRestartDelay,
		StopTimeout:        DefaultStopTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.PauseThreshold <= 0 {
		c.PauseThreshold = DefaultPauseThreshold
	}
	if c.ParagraphSeparator == "" {
		c.ParagraphSeparator = DefaultParagraphSeparator
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.ErrorRestartDelay <= 0 {
		c.ErrorRestartDelay = DefaultErrorRestartDelay
	}
	if c.MaxRestartDelay < c.ErrorRestartDelay {
		c.MaxRestartDelay = DefaultMaxRestartDelay
		if c.MaxRestartDelay < c.ErrorRestartDelay {
			c.MaxRestartDelay = c.ErrorRestartDelay
		}
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.MaxConsecutiveFailures < 0 {
		c.MaxConsecutiveFailures = 0
	}
	return c
}
