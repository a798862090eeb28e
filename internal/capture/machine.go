package capture

import (
	"strconv"
	"time"
)

// Inputs accepted by the state machine.
type (
	input interface{ isInput() }

	startCmd    struct{}
	stopCmd     struct{}
	resetCmd    struct{}
	teardownCmd struct{}

	engineInput struct {
		gen uint64
		ev  Event
	}
	restartDue struct {
		seq uint64
	}
	stopTimeout struct {
		gen uint64
	}
)

func (startCmd) isInput()    {}
func (stopCmd) isInput()     {}
func (resetCmd) isInput()    {}
func (teardownCmd) isInput() {}
func (engineInput) isInput() {}
func (restartDue) isInput()  {}
func (stopTimeout) isInput() {}

// Effects requested by the state machine. The runtime carries them out in order.
type (
	effect interface{ isEffect() }

	spawnEngine struct {
		gen uint64
	}
	stopEngine struct {
		gen uint64
	}
	// releaseEngine aborts the instance and forgets it.
	releaseEngine struct {
		gen uint64
	}
	scheduleRestart struct {
		seq   uint64
		delay time.Duration
	}
	cancelRestart      struct{}
	scheduleStopExpiry struct {
		gen   uint64
		delay time.Duration
	}
	cancelStopExpiry struct{}
	note             struct {
		event   string
		details map[string]string
	}
)

func (spawnEngine) isEffect()        {}
func (stopEngine) isEffect()         {}
func (releaseEngine) isEffect()      {}
func (scheduleRestart) isEffect()    {}
func (cancelRestart) isEffect()      {}
func (scheduleStopExpiry) isEffect() {}
func (cancelStopExpiry) isEffect()   {}
func (note) isEffect()               {}

// machine holds every piece of session state and is only touched by apply.
// It performs no I/O, so every transition can be tested without an engine.
type machine struct {
	cfg       Config
	supported bool

	status    Status
	keepAlive bool
	text      *transcript
	backoff   backoff

	gen      uint64 // last generation handed out
	live     uint64 // generation of the owned engine, zero when none
	stopping bool   // Stop was sent to the live engine

	seq        uint64 // restart token counter
	pendingSeq uint64 // token of the scheduled restart, zero when none

	restarts  int
	failures  int
	denied    bool
	lastError ErrorKind
}

func newMachine(cfg Config, supported bool) *machine {
	cfg = cfg.withDefaults()
	m := &machine{
		cfg:       cfg,
		supported: supported,
		status:    StatusIdle,
		text:      newTranscript(cfg.PauseThreshold, cfg.ParagraphSeparator, cfg.ChunkSeparator),
		backoff:   newBackoff(cfg),
	}
	if !supported {
		m.status = StatusUnsupported
	}
	return m
}

func (m *machine) apply(now time.Time, in input) []effect {
	switch v := in.(type) {
	case startCmd:
		return m.start(now)
	case stopCmd:
		return m.stop()
	case resetCmd:
		m.text.clear(now)
		return []effect{note{event: "reset"}}
	case teardownCmd:
		return m.teardown()
	case engineInput:
		return m.engineEvent(now, v)
	case restartDue:
		return m.restart(v.seq)
	case stopTimeout:
		return m.expireStop(v.gen)
	}
	return nil
}

func (m *machine) start(now time.Time) []effect {
	if !m.supported {
		return []effect{note{event: "start_unsupported"}}
	}
	if m.keepAlive && (m.status == StatusListening || m.status == StatusRestartPending) {
		return nil
	}

	var effects []effect
	if m.pendingSeq != 0 {
		m.pendingSeq = 0
		effects = append(effects, cancelRestart{})
	}
	// An engine still draining from an earlier Stop is discarded.
	if m.live != 0 {
		effects = append(effects, cancelStopExpiry{}, releaseEngine{gen: m.live})
		m.live = 0
		m.stopping = false
	}

	m.text.clear(now)
	m.keepAlive = true
	m.denied = false
	m.lastError = ""
	m.restarts = 0
	m.failures = 0
	m.backoff.reset()

	effects = append(effects, note{event: "session_start"})
	return append(effects, m.spawn()...)
}

// spawn hands out a new generation. It must be the last effect of a transition.
func (m *machine) spawn() []effect {
	m.gen++
	m.live = m.gen
	m.status = StatusListening
	return []effect{spawnEngine{gen: m.gen}}
}

func (m *machine) stop() []effect {
	m.keepAlive = false
	m.text.dropInterim()

	var effects []effect
	if m.pendingSeq != 0 {
		m.pendingSeq = 0
		effects = append(effects, cancelRestart{})
	}

	switch {
	case m.live != 0 && !m.stopping:
		m.stopping = true
		effects = append(effects,
			stopEngine{gen: m.live},
			scheduleStopExpiry{gen: m.live, delay: m.cfg.StopTimeout},
		)
	case m.live == 0 && m.status != StatusStopped && m.status != StatusUnsupported:
		m.status = StatusStopped
		effects = append(effects, note{event: "session_stop", details: map[string]string{"reason": "user"}})
	}
	return effects
}

func (m *machine) teardown() []effect {
	m.keepAlive = false
	m.text.dropInterim()

	var effects []effect
	if m.pendingSeq != 0 {
		m.pendingSeq = 0
		effects = append(effects, cancelRestart{})
	}
	if m.live != 0 {
		effects = append(effects, cancelStopExpiry{}, releaseEngine{gen: m.live})
		m.live = 0
		m.stopping = false
	}
	if m.status != StatusUnsupported && m.status != StatusStopped {
		m.status = StatusStopped
		effects = append(effects, note{event: "session_stop", details: map[string]string{"reason": "teardown"}})
	}
	return effects
}

func (m *machine) engineEvent(now time.Time, in engineInput) []effect {
	if in.gen == 0 || in.gen != m.live {
		return []effect{note{event: "stale_event", details: map[string]string{
			"generation": strconv.FormatUint(in.gen, 10),
			"type":       in.ev.Type.String(),
		}}}
	}

	switch in.ev.Type {
	case EventStarted:
		if m.keepAlive {
			m.status = StatusListening
			m.backoff.reset()
		}
		return []effect{note{event: "engine_start", details: genDetails(in.gen)}}

	case EventResult:
		// Results flushed by a stopping engine still count.
		if m.text.apply(now, in.ev.Results) {
			m.backoff.reset()
		}
		return nil

	case EventError:
		return m.engineFailed(in.gen, in.ev.Err)

	case EventEnded:
		effects := m.release(in.gen)
		effects = append(effects, note{event: "engine_end", details: genDetails(in.gen)})
		if m.keepAlive {
			return append(effects, m.schedule(m.backoff.afterEnd())...)
		}
		return append(effects, m.stopped("ended"))
	}
	return nil
}

func (m *machine) engineFailed(gen uint64, err *EngineError) []effect {
	if err == nil {
		err = NewEngineError(ErrorUnknown, nil)
	}
	m.lastError = err.Kind
	m.failures++

	effects := m.release(gen)
	details := genDetails(gen)
	details["kind"] = string(err.Kind)
	details["error"] = err.Error()
	effects = append(effects, note{event: "engine_error", details: details})

	switch {
	case err.Kind.Permission():
		m.denied = true
		m.keepAlive = false
		return append(effects, m.stopped("denied"))
	case !m.keepAlive:
		return append(effects, m.stopped("error"))
	case m.cfg.MaxConsecutiveFailures > 0 && m.backoff.failures+1 >= m.cfg.MaxConsecutiveFailures:
		m.keepAlive = false
		return append(effects, m.stopped("gave_up"))
	}
	return append(effects, m.schedule(m.backoff.afterError())...)
}

// release drops the live engine after it ended or failed.
func (m *machine) release(gen uint64) []effect {
	effects := []effect{releaseEngine{gen: gen}}
	if m.stopping {
		effects = append(effects, cancelStopExpiry{})
	}
	m.live = 0
	m.stopping = false
	m.text.dropInterim()
	return effects
}

func (m *machine) schedule(delay time.Duration) []effect {
	m.seq++
	m.pendingSeq = m.seq
	m.status = StatusRestartPending
	return []effect{
		scheduleRestart{seq: m.seq, delay: delay},
		note{event: "restart_scheduled", details: map[string]string{"delay": delay.String()}},
	}
}

func (m *machine) stopped(reason string) effect {
	m.status = StatusStopped
	return note{event: "session_stop", details: map[string]string{"reason": reason}}
}

func (m *machine) restart(seq uint64) []effect {
	if seq == 0 || seq != m.pendingSeq || !m.keepAlive {
		return nil
	}
	m.pendingSeq = 0
	m.restarts++
	return m.spawn()
}

func (m *machine) expireStop(gen uint64) []effect {
	if gen == 0 || gen != m.live || !m.stopping {
		return nil
	}
	effects := m.release(gen)
	return append(effects, m.stopped("stop_timeout"))
}

func (m *machine) snapshot(now time.Time) Snapshot {
	return Snapshot{
		Status:      m.status,
		IsListening: m.keepAlive && m.status == StatusListening,
		IsSupported: m.supported,
		Transcript:  m.text.display(),
		Denied:      m.denied,
		LastError:   m.lastError,
		Restarts:    m.restarts,
		Errors:      m.failures,
		FinalChunks: m.text.chunks(),
		Generation:  m.live,
		UpdatedAt:   now,
	}
}

func genDetails(gen uint64) map[string]string {
	return map[string]string{"generation": strconv.FormatUint(gen, 10)}
}
