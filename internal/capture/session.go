package capture

import (
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const inboxSize = 256

type (
	feedInput struct {
		pcm []byte
	}
	snapshotReq struct {
		reply chan Snapshot
	}
	closeReq struct{}
)

func (feedInput) isInput()   {}
func (snapshotReq) isInput() {}
func (closeReq) isInput()    {}

// Option customizes a Session.
type Option func(*Session)

// WithClock replaces the wall clock used for timestamps and restart timers.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the logger transitions are reported to.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Session) { s.log = l }
}

// WithJournal records every transition to j. The session closes j on Close.
func WithJournal(j *Journal) Option {
	return func(s *Session) { s.journal = j }
}

// WithID names the session in logs and the journal.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Session keeps a single-shot recognition engine running as a continuous
// capture. All state lives in one goroutine; the exported methods only
// enqueue work and return.
type Session struct {
	id      string
	factory Factory
	clock   clock.Clock
	log     logrus.FieldLogger
	journal *Journal

	inbox     chan input
	done      chan struct{}
	closeOnce sync.Once

	// owned by the loop goroutine
	m            *machine
	engines      map[uint64]Engine
	restartTimer *clock.Timer
	stopTimer    *clock.Timer

	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
	closed  bool
	last    Snapshot
}

// NewSession builds a session around factory and starts its loop. A nil or
// unsupported factory yields a session that stays StatusUnsupported.
func NewSession(factory Factory, cfg Config, opts ...Option) *Session {
	s := &Session{
		factory: factory,
		clock:   clock.New(),
		log:     logrus.StandardLogger(),
		inbox:   make(chan input, inboxSize),
		done:    make(chan struct{}),
		engines: make(map[uint64]Engine),
		subs:    make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id != "" {
		s.log = s.log.WithField("session_id", s.id)
	}

	supported := factory != nil && factory.Supported()
	s.m = newMachine(cfg, supported)
	s.last = s.m.snapshot(s.clock.Now())

	go s.run()
	return s
}

// IsSupported reports whether a recognition engine is available.
func (s *Session) IsSupported() bool {
	return s.m.supported
}

// Start begins a fresh capture. It is a no-op while already listening or
// when no engine is available.
func (s *Session) Start() { s.post(startCmd{}) }

// Stop ends the capture; no restart fires after it.
func (s *Session) Stop() { s.post(stopCmd{}) }

// Reset discards the transcript without touching the engine.
func (s *Session) Reset() { s.post(resetCmd{}) }

// Feed hands audio to the live engine. Audio is dropped while no engine is listening.
func (s *Session) Feed(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.post(feedInput{pcm: pcm})
}

// Snapshot returns the current observable state, reflecting every call made
// before it.
func (s *Session) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if !s.post(snapshotReq{reply: reply}) {
		return s.lastSnapshot()
	}
	select {
	case snap := <-reply:
		return snap
	case <-s.done:
		return s.lastSnapshot()
	}
}

// Subscribe returns a channel carrying every changed snapshot, newest wins.
// The channel is closed by cancel or when the session closes.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.subMu.Lock()
	if s.closed {
		ch <- s.last
		close(ch)
		s.subMu.Unlock()
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.last
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close tears the session down: restarts are suppressed, the engine is
// aborted and released, subscribers are closed. Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.post(closeReq{})
		<-s.done
		if s.journal != nil {
			if err := s.journal.Close(); err != nil {
				s.log.WithError(err).Warn("failed to close session journal")
			}
		}
	})
}

func (s *Session) post(in input) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- in:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run() {
	defer close(s.done)
	for in := range s.inbox {
		switch v := in.(type) {
		case snapshotReq:
			v.reply <- s.m.snapshot(s.clock.Now())
		case feedInput:
			s.feed(v.pcm)
		case closeReq:
			s.dispatch(teardownCmd{})
			s.closeSubscribers()
			return
		default:
			s.dispatch(in)
		}
	}
}

func (s *Session) dispatch(in input) {
	for _, eff := range s.m.apply(s.clock.Now(), in) {
		s.execute(eff)
	}
	s.publish()
}

func (s *Session) execute(eff effect) {
	switch e := eff.(type) {
	case spawnEngine:
		s.spawn(e.gen)

	case stopEngine:
		if eng := s.engines[e.gen]; eng != nil {
			eng.Stop()
		}

	case releaseEngine:
		if eng := s.engines[e.gen]; eng != nil {
			delete(s.engines, e.gen)
			eng.Abort()
		}

	case scheduleRestart:
		s.stopRestartTimer()
		seq := e.seq
		s.restartTimer = s.clock.AfterFunc(e.delay, func() { s.post(restartDue{seq: seq}) })

	case cancelRestart:
		s.stopRestartTimer()

	case scheduleStopExpiry:
		s.stopStopTimer()
		gen := e.gen
		s.stopTimer = s.clock.AfterFunc(e.delay, func() { s.post(stopTimeout{gen: gen}) })

	case cancelStopExpiry:
		s.stopStopTimer()

	case note:
		s.report(e)
	}
}

// spawn constructs and starts the engine for gen. Construction or start
// failures come back to the machine as that generation's error event.
func (s *Session) spawn(gen uint64) {
	emit := func(ev Event) { s.post(engineInput{gen: gen, ev: ev}) }

	eng, err := s.factory.New(s.m.cfg.Engine, emit)
	if err != nil {
		s.dispatchFailure(gen, err)
		return
	}
	s.engines[gen] = eng
	if err := eng.Start(); err != nil {
		s.dispatchFailure(gen, err)
	}
}

func (s *Session) dispatchFailure(gen uint64, err error) {
	var engErr *EngineError
	if !errors.As(err, &engErr) {
		engErr = NewEngineError(ErrorEngineUnavailable, err)
	}
	for _, eff := range s.m.apply(s.clock.Now(), engineInput{gen: gen, ev: Event{Type: EventError, Err: engErr}}) {
		s.execute(eff)
	}
}

func (s *Session) feed(pcm []byte) {
	if !s.m.keepAlive || s.m.live == 0 || s.m.stopping {
		return
	}
	eng := s.engines[s.m.live]
	if eng == nil {
		return
	}
	if err := eng.Feed(pcm); err != nil {
		s.log.WithError(err).Debug("engine rejected audio")
	}
}

func (s *Session) stopRestartTimer() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

func (s *Session) stopStopTimer() {
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
}

func (s *Session) report(n note) {
	now := s.clock.Now()
	fields := logrus.Fields{"event": n.event}
	for k, v := range n.details {
		fields[k] = v
	}
	entry := s.log.WithFields(fields)
	switch n.event {
	case "engine_error", "start_unsupported":
		entry.Warn("capture session")
	case "stale_event", "restart_scheduled":
		entry.Debug("capture session")
	default:
		entry.Info("capture session")
	}
	if s.journal != nil {
		s.journal.record(now, s.id, n.event, s.m.snapshot(now), n.details)
	}
}

func (s *Session) publish() {
	snap := s.m.snapshot(s.clock.Now())

	s.subMu.Lock()
	defer s.subMu.Unlock()
	prev := s.last
	prev.UpdatedAt = snap.UpdatedAt
	if prev == snap {
		return
	}
	s.last = snap
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (s *Session) lastSnapshot() Snapshot {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.last
}

func (s *Session) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
