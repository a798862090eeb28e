package capture

import "time"

// backoff picks the delay before the next engine instance is created.
// Ends restart quickly; errors double their delay until the engine shows
// signs of life again.
type backoff struct {
	endDelay   time.Duration
	errorDelay time.Duration
	max        time.Duration
	failures   int
}

func newBackoff(cfg Config) backoff {
	return backoff{
		endDelay:   cfg.RestartDelay,
		errorDelay: cfg.ErrorRestartDelay,
		max:        cfg.MaxRestartDelay,
	}
}

func (b *backoff) afterEnd() time.Duration {
	return b.endDelay
}

func (b *backoff) afterError() time.Duration {
	d := b.errorDelay
	for i := 0; i < b.failures && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	b.failures++
	return d
}

func (b *backoff) reset() {
	b.failures = 0
}
