package capture

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	emit func(Event)

	mu      sync.Mutex
	started bool
	stopped bool
	aborted bool
	fed     int
}

func (e *fakeEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}
	e.started = true
	return nil
}

func (e *fakeEngine) Feed(pcm []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fed += len(pcm)
	return nil
}

func (e *fakeEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
}

func (e *fakeEngine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborted = true
}

func (e *fakeEngine) state() (started, stopped, aborted bool, fed int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started, e.stopped, e.aborted, e.fed
}

type fakeFactory struct {
	supported bool

	mu      sync.Mutex
	engines []*fakeEngine
	newErr  error
	cfgs    []EngineConfig
}

func (f *fakeFactory) Supported() bool { return f.supported }

func (f *fakeFactory) New(cfg EngineConfig, emit func(Event)) (Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfgs = append(f.cfgs, cfg)
	if f.newErr != nil {
		return nil, f.newErr
	}
	e := &fakeEngine{emit: emit}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func (f *fakeFactory) engine(i int) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[i]
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestSession(t *testing.T, f Factory, cfg Config) (*Session, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(epoch)
	s := NewSession(f, cfg, WithClock(mock), WithLogger(quietLogger()), WithID("test-session"))
	t.Cleanup(s.Close)
	return s, mock
}

func waitForEngines(t *testing.T, f *fakeFactory, n int) *fakeEngine {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() >= n }, time.Second, 2*time.Millisecond)
	return f.engine(n - 1)
}

func TestSessionStartCreatesConfiguredEngine(t *testing.T) {
	f := &fakeFactory{supported: true}
	cfg := DefaultConfig()
	cfg.Engine.Language = "ja-JP"
	s, _ := newTestSession(t, f, cfg)

	s.Start()
	snap := s.Snapshot()

	require.Equal(t, 1, f.count())
	started, _, _, _ := f.engine(0).state()
	assert.True(t, started)
	assert.Equal(t, "ja-JP", f.cfgs[0].Language)
	assert.True(t, f.cfgs[0].Continuous)
	assert.True(t, f.cfgs[0].InterimResults)
	assert.Equal(t, StatusListening, snap.Status)
	assert.True(t, snap.IsListening)
	assert.True(t, snap.IsSupported)
}

func TestSessionUnsupportedStartIsNoop(t *testing.T) {
	f := &fakeFactory{supported: false}
	s, _ := newTestSession(t, f, DefaultConfig())

	assert.False(t, s.IsSupported())
	s.Start()
	snap := s.Snapshot()

	assert.Equal(t, 0, f.count())
	assert.Equal(t, StatusUnsupported, snap.Status)
	assert.False(t, snap.IsListening)
	assert.False(t, snap.IsSupported)
}

func TestSessionNilFactoryIsUnsupported(t *testing.T) {
	s, _ := newTestSession(t, nil, DefaultConfig())

	s.Start()
	assert.Equal(t, StatusUnsupported, s.Snapshot().Status)
}

func TestSessionRestartsAfterEngineEnds(t *testing.T) {
	f := &fakeFactory{supported: true}
	s, mock := newTestSession(t, f, DefaultConfig())

	s.Start()
	first := waitForEngines(t, f, 1)
	first.emit(Started())
	first.emit(Results(Result{Text: "Hello", Final: true}))
	first.emit(Ended())
	require.Equal(t, StatusRestartPending, s.Snapshot().Status)

	mock.Add(DefaultRestartDelay)
	second := waitForEngines(t, f, 2)
	require.NotSame(t, first, second)
	_, _, aborted, _ := first.state()
	assert.True(t, aborted, "ended engine is released")

	second.emit(Started())
	second.emit(Results(Result{Text: "World", Final: true}))

	snap := s.Snapshot()
	assert.Equal(t, StatusListening, snap.Status)
	assert.Equal(t, "HelloWorld", snap.Transcript)
	assert.Equal(t, 1, snap.Restarts)
}

func TestSessionParagraphBreakAfterPause(t *testing.T) {
	f := &fakeFactory{supported: true}
	s, mock := newTestSession(t, f, DefaultConfig())

	s.Start()
	e := waitForEngines(t, f, 1)
	e.emit(Results(Result{Text: "Hello", Final: true}))
	s.Snapshot()
	mock.Add(5 * time.Second)
	e.emit(Results(Result{Text: "World", Final: true}))

	assert.Equal(t, "Hello\n\nWorld", s.Snapshot().Transcript)
}

func TestSessionInterimReplacement(t *testing.T) {
	f := &fakeFactory{supported: true}
	s, _ := newTestSession(t, f, DefaultConfig())

	s.Start()
	e := waitForEngines(t, f, 1)
	e.emit(Results(Result{Text: "Hel"}))
	e.emit(Results(Result{Text: "Hello"}))

	transcript := s.Snapshot().Transcript
	assert.True(t, strings.HasSuffix(transcript, "Hello"))
	assert.NotContains(t, transcript, "HelHello")
}

func TestSessionStopSuppressesRestart(t *testing.T) {
	f := &fakeFactory{supported: true}
	s, mock := newTestSession(t, f, DefaultConfig())

	s.Start()
	e := waitForEngines(t, f, 1)
	s.Stop()
	assert.False(t, s.Snapshot().IsListening)
	_, stopped, _, _ := e.state()
	assert.True(t, stopped)

	e.emit(Ended())
	mock.Add(time.Second)

	snap := s.Snapshot()
	assert.Equal(t, StatusStopped, snap.Status)
	assert.Equal(t, 1, f.count())
}

func TestSessionStopDuringRestartDelay(t *testing.T) {
	f := &fakeFactory{supported: true}
	s, mock := newTestSession(t, f, DefaultConfig())

	s.Start()
	e := waitForEngines(t, f, 1)
	e.emit(Ended())
	require.Equal(t, StatusRestartPending, s.Snapshot().Status)

	s.Stop()
	require.Equal(t, StatusStopped, s.Snapshot().Status)
	mock.Add(time.Second)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, StatusStopped, s.Snapshot().Status)
	assert.Equal(t, 1, f.count())
}

func TestSessionIdempotentStop(t *testing.T) {
	f := &fakeFactory{supported: true}
	s, _ := newTestSession(t, f, DefaultConfig())

	s.Start()
	e := waitForEngines(t, f, 1)
	e.emit(Results(Result{Text: "done", Final: true}))
	s.Stop()
	e.emit(Ended())
	once := s.Snapshot()

	s.Stop()
	twice := s.Snapshot()

	once.UpdatedAt, twice.UpdatedAt = time.Time{}, time.Time{}
	assert.Equal(t, once, twice)
	assert.Equal(t, StatusStopped, twice.Status)
	assert.Equal(t, "done", twice.Transcript)
}

func TestSessionStopTimeoutAbortsSilentEngine(t *testing.T) {
	f := &fakeFactory{supported: true}
	s, mock := newTestSession(t, f, DefaultConfig())

	s.Start()
	e := waitForEngines(t, f, 1)
	s.Stop()
	require.Equal(t, StatusListening, s.Snapshot().Status)

	mock.Add(DefaultStopTimeout)

	require.Eventually(t, func() bool { return s.Snapshot().Status == StatusStopped }, time.Second, 2*time.Millisecond)
	_, _, aborted, _ := e.state()
	assert.True(t, aborted)
}

func TestSessionResetWhileListening(t *testing.T) {
	f := &fakeFactory{supported: true}
	s, _ := newTestSession(t, f, DefaultConfig())

	s.Start()
	e := waitForEngines(t, f, 1)
	e.emit(Started())
	e.emit(Results(Result{Text: "scrap this", Final: true}))
	s.Reset()

	snap := s.Snapshot()
	assert.Equal(t, "", snap.Transcript)
	assert.Equal(t, StatusListening, snap.Status)
	_, stopped, aborted, _ := e.state()
	assert.False(t, stopped)
	assert.False(t, aborted)
	assert.Equal(t, 1, f.count())

	e.emit(Results(Result{Text: "keep this", Final: true}))
	assert.Equal(t, "keep this", s.Snapshot().Transcript)
}

func TestSessionPermissionDenied(t *testing.T) {
	f := &fakeFactory{supported: true}
	s, mock := newTestSession(t, f, DefaultConfig())

	s.Start()
	e := waitForEngines(t, f, 1)
	e.emit(Failed(ErrorNotAllowed, errors.New("microphone refused")))
	e.emit(Ended())
	mock.Add(time.Second)

	snap := s.Snapshot()
	assert.Equal(t, StatusStopped, snap.Status)
	assert.True(t, snap.Denied)
	assert.Equal(t, 1, f.count())
}

func TestSessionConstructorFailureRetries(t *testing.T) {
	f := &fakeFactory{supported: true, newErr: errors.New("dial refused")}
	s, mock := newTestSession(t, f, DefaultConfig())

	s.Start()
	snap := s.Snapshot()
	require.Equal(t, StatusRestartPending, snap.Status)
	assert.Equal(t, ErrorEngineUnavailable, snap.LastError)

	f.mu.Lock()
	f.newErr = nil
	f.mu.Unlock()
	mock.Add(DefaultErrorRestartDelay)

	waitForEngines(t, f, 1)
	require.Eventually(t, func() bool { return s.Snapshot().Status == StatusListening }, time.Second, 2*time.Millisecond)
}

func TestSessionTypedConstructorFailureKeepsKind(t *testing.T) {
	f := &fakeFactory{supported: true, newErr: NewEngineError(ErrorNotAllowed, errors.New("401"))}
	s, _ := newTestSession(t, f, DefaultConfig())

	s.Start()
	snap := s.Snapshot()

	assert.Equal(t, StatusStopped, snap.Status)
	assert.True(t, snap.Denied)
}

func TestSessionFeedReachesLiveEngineOnly(t *testing.T) {
	f := &fakeFactory{supported: true}
	s, _ := newTestSession(t, f, DefaultConfig())

	s.Feed([]byte{1, 2, 3})
	s.Start()
	e := waitForEngines(t, f, 1)
	s.Feed([]byte{1, 2, 3, 4})
	s.Stop()
	s.Feed([]byte{5, 6})
	s.Snapshot()

	_, _, _, fed := e.state()
	assert.Equal(t, 4, fed)
}

func TestSessionSubscribeReceivesChanges(t *testing.T) {
	f := &fakeFactory{supported: true}
	s, _ := newTestSession(t, f, DefaultConfig())

	updates, cancel := s.Subscribe()
	defer cancel()

	initial := <-updates
	assert.Equal(t, StatusIdle, initial.Status)

	s.Start()
	e := waitForEngines(t, f, 1)
	e.emit(Results(Result{Text: "pushed", Final: true}))

	require.Eventually(t, func() bool {
		select {
		case snap := <-updates:
			return snap.Transcript == "pushed"
		default:
			return false
		}
	}, time.Second, 2*time.Millisecond)
}

func TestSessionCloseTearsDown(t *testing.T) {
	f := &fakeFactory{supported: true}
	s, mock := newTestSession(t, f, DefaultConfig())
	updates, _ := s.Subscribe()

	s.Start()
	e := waitForEngines(t, f, 1)
	s.Close()
	s.Close()

	_, _, aborted, _ := e.state()
	assert.True(t, aborted)
	select {
	case <-s.Done():
	default:
		t.Fatal("session loop still running")
	}

	e.emit(Ended())
	mock.Add(time.Second)
	assert.Equal(t, 1, f.count())
	assert.Equal(t, StatusStopped, s.Snapshot().Status)

	for range updates {
	}
	s.Start()
	s.Stop()
	s.Reset()
}

func TestSessionJournalRecordsTransitions(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, "journal-session-id", epoch)
	require.NoError(t, err)
	path := j.Path()

	f := &fakeFactory{supported: true}
	mock := clock.NewMock()
	mock.Set(epoch)
	s := NewSession(f, DefaultConfig(), WithClock(mock), WithLogger(quietLogger()), WithJournal(j), WithID("journal-session-id"))

	s.Start()
	e := waitForEngines(t, f, 1)
	e.emit(Started())
	e.emit(Results(Result{Text: "journaled", Final: true}))
	s.Stop()
	e.emit(Ended())
	s.Snapshot()
	s.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Contains(t, lines[0], `"event":"session_start"`)
	assert.Contains(t, string(data), `"event":"engine_start"`)
	assert.Contains(t, string(data), `"transcript":"journaled"`)
	assert.Equal(t, "", j.Path())
}
