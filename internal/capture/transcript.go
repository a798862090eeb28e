package capture

import (
	"strings"
	"time"
)

const (
	DefaultParagraphSeparator = "\n\n"
	DefaultPauseThreshold     = 3000 * time.Millisecond
)

// transcript accumulates finalized speech across engine instances.
type transcript struct {
	pauseThreshold     time.Duration
	paragraphSeparator string
	chunkSeparator     string

	segments  []string
	interim   string
	lastFinal time.Time
}

func newTranscript(pause time.Duration, paragraphSep, chunkSep string) *transcript {
	return &transcript{
		pauseThreshold:     pause,
		paragraphSeparator: paragraphSep,
		chunkSeparator:     chunkSep,
	}
}

// clear drops all text and restarts the pause clock at now.
func (t *transcript) clear(now time.Time) {
	t.segments = nil
	t.interim = ""
	t.lastFinal = now
}

// apply folds one update batch into the transcript. It reports whether a
// finalized chunk was appended.
func (t *transcript) apply(now time.Time, batch []Result) bool {
	var final, interim strings.Builder
	for _, r := range batch {
		if r.Final {
			final.WriteString(r.Text)
		} else {
			interim.WriteString(r.Text)
		}
	}

	appended := false
	if chunk := final.String(); chunk != "" {
		sep := t.chunkSeparator
		if len(t.segments) > 0 && now.Sub(t.lastFinal) > t.pauseThreshold {
			sep = t.paragraphSeparator
		}
		if len(t.segments) == 0 {
			sep = ""
		}
		t.segments = append(t.segments, sep, chunk)
		t.lastFinal = now
		appended = true
	}

	t.interim = interim.String()
	return appended
}

// dropInterim discards the in-progress guess.
func (t *transcript) dropInterim() {
	t.interim = ""
}

func (t *transcript) accumulated() string {
	return strings.Join(t.segments, "")
}

func (t *transcript) chunks() int {
	return len(t.segments) / 2
}

// display is the accumulated text plus the live interim guess.
func (t *transcript) display() string {
	acc := t.accumulated()
	switch {
	case t.interim == "":
		return acc
	case acc == "":
		return t.interim
	}
	return acc + " " + t.interim
}
