package server

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/amanullahtanweer/speechcapture/internal/capture"
	"github.com/amanullahtanweer/speechcapture/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptEngine answers every audio frame with the next scripted final result.
type scriptEngine struct {
	factory *scriptFactory
	emit    func(capture.Event)
}

func (e *scriptEngine) Start() error {
	e.emit(capture.Started())
	return nil
}

func (e *scriptEngine) Feed(pcm []byte) error {
	e.emit(capture.Results(capture.Result{Text: e.factory.next(), Final: true}))
	return nil
}

func (e *scriptEngine) Stop()  { e.emit(capture.Ended()) }
func (e *scriptEngine) Abort() {}

type scriptFactory struct {
	supported bool

	mu      sync.Mutex
	words   []string
	n       int
	configs []capture.EngineConfig
}

func (f *scriptFactory) Supported() bool { return f.supported }

func (f *scriptFactory) New(cfg capture.EngineConfig, emit func(capture.Event)) (capture.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, cfg)
	return &scriptEngine{factory: f, emit: emit}, nil
}

func (f *scriptFactory) next() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.words[f.n%len(f.words)]
	f.n++
	return w
}

func (f *scriptFactory) language() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.configs) == 0 {
		return ""
	}
	return f.configs[0].Language
}

type fakeFeed struct {
	mu       sync.Mutex
	last     map[string]capture.Snapshot
	finished map[string]bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{last: make(map[string]capture.Snapshot), finished: make(map[string]bool)}
}

func (f *fakeFeed) Publish(id string, snap capture.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last[id] = snap
}

func (f *fakeFeed) Finish(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[id] = true
}

func (f *fakeFeed) snapshot(id string) capture.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[id]
}

func (f *fakeFeed) isFinished(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished[id]
}

type fakeRecords struct {
	mu        sync.Mutex
	vars      map[string]string
	saved     []store.Record
	published int
}

func (r *fakeRecords) Save(ctx context.Context, rec store.Record) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, rec)
	return "rec-" + rec.SessionID[:8], nil
}

func (r *fakeRecords) Publish(ctx context.Context, sessionID string, snap capture.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published++
	return nil
}

func (r *fakeRecords) CallVars(ctx context.Context, sessionID string) (map[string]string, error) {
	return r.vars, nil
}

func (r *fakeRecords) records() []store.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.Record, len(r.saved))
	copy(out, r.saved)
	return out
}

type harness struct {
	srv     *Server
	addr    string
	factory *scriptFactory
	feed    *fakeFeed
	records *fakeRecords
	outDir  string
}

func newHarness(t *testing.T, supported bool) *harness {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := capture.DefaultConfig()
	cfg.ChunkSeparator = " "
	cfg.Engine.SampleRate = 8000

	h := &harness{
		factory: &scriptFactory{supported: supported, words: []string{"hello", "world", "again"}},
		feed:    newFakeFeed(),
		records: &fakeRecords{},
		outDir:  t.TempDir(),
	}
	files, err := store.NewFileStore(h.outDir)
	require.NoError(t, err)

	h.srv, err = New(Config{
		Host:            "127.0.0.1",
		Port:            0,
		Provider:        "script",
		HangupWait:      time.Second,
		Capture:         cfg,
		SaveTranscripts: true,
		SaveAudio:       true,
	}, h.factory,
		WithLogger(log),
		WithFeed(h.feed),
		WithRecordStore(h.records),
		WithTranscriptWriter(files),
	)
	require.NoError(t, err)

	addr, err := h.srv.Listen()
	require.NoError(t, err)
	h.addr = addr.String()
	go h.srv.Serve()
	t.Cleanup(h.srv.Stop)
	return h
}

func (h *harness) dial(t *testing.T) (net.Conn, string) {
	t.Helper()
	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	id := uuid.New()
	_, err = conn.Write(audiosocket.IDMessage(id))
	require.NoError(t, err)
	return conn, id.String()
}

func send(t *testing.T, conn net.Conn, msg []byte) {
	t.Helper()
	_, err := conn.Write(msg)
	require.NoError(t, err)
}

func dtmf(digit byte) []byte {
	return []byte{byte(audiosocket.KindDTMF), 0x00, 0x01, digit}
}

func (h *harness) waitTranscript(t *testing.T, id, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.feed.snapshot(id).Transcript == want
	}, 2*time.Second, 10*time.Millisecond, "transcript never became %q", want)
}

func (h *harness) waitRecord(t *testing.T) store.Record {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.records.records()) == 1 }, 3*time.Second, 10*time.Millisecond)
	return h.records.records()[0]
}

func TestCallTranscriptHandOff(t *testing.T) {
	h := newHarness(t, true)
	conn, id := h.dial(t)

	send(t, conn, audiosocket.SlinMessage(make([]byte, 320)))
	h.waitTranscript(t, id, "hello")
	send(t, conn, audiosocket.SlinMessage(make([]byte, 320)))
	h.waitTranscript(t, id, "hello world")
	assert.True(t, h.feed.snapshot(id).IsListening)

	send(t, conn, audiosocket.HangupMessage())

	rec := h.waitRecord(t)
	assert.Equal(t, id, rec.SessionID)
	assert.Equal(t, "script", rec.Provider)
	assert.Equal(t, 8000, rec.SampleRate)
	assert.Equal(t, "hello world", rec.Transcript)
	assert.False(t, rec.Denied)
	assert.False(t, rec.EndedAt.Before(rec.StartedAt))

	require.Eventually(t, func() bool { return h.feed.isFinished(id) }, time.Second, 10*time.Millisecond)
	assert.Equal(t, capture.StatusStopped, h.feed.snapshot(id).Status)

	require.Eventually(t, func() bool { return len(h.srv.ActiveCalls()) == 0 }, time.Second, 10*time.Millisecond)
	entries, err := os.ReadDir(h.outDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Len(t, names, 2)
	txt := names[0]
	if !strings.HasSuffix(txt, ".txt") {
		txt = names[1]
	}
	content, err := os.ReadFile(h.outDir + "/" + txt)
	require.NoError(t, err)
	assert.Contains(t, string(content), "Session ID: "+id)
	assert.Contains(t, string(content), "Record ID: rec-"+id[:8])
	assert.True(t, strings.HasSuffix(string(content), "hello world\n"))
}

func TestCallDTMFResetClearsTranscript(t *testing.T) {
	h := newHarness(t, true)
	conn, id := h.dial(t)

	send(t, conn, audiosocket.SlinMessage(make([]byte, 320)))
	h.waitTranscript(t, id, "hello")

	send(t, conn, dtmf('*'))
	h.waitTranscript(t, id, "")
	assert.True(t, h.feed.snapshot(id).IsListening)

	send(t, conn, audiosocket.SlinMessage(make([]byte, 320)))
	h.waitTranscript(t, id, "world")
	send(t, conn, audiosocket.HangupMessage())

	assert.Equal(t, "world", h.waitRecord(t).Transcript)
}

func TestCallDTMFStopEndsCapture(t *testing.T) {
	h := newHarness(t, true)
	conn, id := h.dial(t)

	send(t, conn, audiosocket.SlinMessage(make([]byte, 320)))
	h.waitTranscript(t, id, "hello")

	send(t, conn, dtmf('#'))
	require.Eventually(t, func() bool {
		return h.feed.snapshot(id).Status == capture.StatusStopped
	}, 2*time.Second, 10*time.Millisecond)

	// audio after the stop is not transcribed and no restart happens
	send(t, conn, audiosocket.SlinMessage(make([]byte, 320)))
	send(t, conn, audiosocket.HangupMessage())

	rec := h.waitRecord(t)
	assert.Equal(t, "hello", rec.Transcript)
	assert.Zero(t, rec.Restarts)
}

func TestCallUnsupportedRecognizer(t *testing.T) {
	h := newHarness(t, false)
	conn, id := h.dial(t)

	send(t, conn, audiosocket.SlinMessage(make([]byte, 320)))
	send(t, conn, audiosocket.HangupMessage())

	rec := h.waitRecord(t)
	assert.Equal(t, id, rec.SessionID)
	assert.Empty(t, rec.Transcript)
	assert.Equal(t, capture.StatusUnsupported, h.feed.snapshot(id).Status)
	assert.False(t, h.feed.snapshot(id).IsSupported)

	// only the raw audio is written
	require.Eventually(t, func() bool { return len(h.srv.ActiveCalls()) == 0 }, time.Second, 10*time.Millisecond)
	entries, err := os.ReadDir(h.outDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".raw"))
}

func TestCallVariablesOverrideLanguage(t *testing.T) {
	h := newHarness(t, true)
	h.records.vars = map[string]string{"language": "de-DE"}
	conn, id := h.dial(t)

	send(t, conn, audiosocket.SlinMessage(make([]byte, 320)))
	h.waitTranscript(t, id, "hello")
	assert.Equal(t, "de-DE", h.factory.language())
}

func TestServerStopTearsDownCalls(t *testing.T) {
	h := newHarness(t, true)
	conn, id := h.dial(t)

	send(t, conn, audiosocket.SlinMessage(make([]byte, 320)))
	h.waitTranscript(t, id, "hello")
	require.Equal(t, []string{id}, h.srv.ActiveCalls())

	h.srv.Stop()

	rec := h.waitRecord(t)
	assert.Equal(t, "hello", rec.Transcript)
	assert.Empty(t, h.srv.ActiveCalls())
	assert.True(t, h.feed.isFinished(id))

	_, err := net.DialTimeout("tcp", h.addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestNewRequiresProviderToSave(t *testing.T) {
	_, err := New(Config{SaveTranscripts: true}, &scriptFactory{})
	assert.Error(t, err)
}

func TestWaitStoppedIgnoresIdle(t *testing.T) {
	factory := &scriptFactory{supported: true, words: []string{"hello"}}
	session := capture.NewSession(factory, capture.DefaultConfig())
	t.Cleanup(session.Close)
	call := &Call{session: session}

	// never started: the idle snapshot is not a stop
	assert.False(t, call.waitStopped(100*time.Millisecond))

	go func() {
		time.Sleep(50 * time.Millisecond)
		session.Start()
		session.Stop()
	}()
	assert.True(t, call.waitStopped(2*time.Second))
	assert.Equal(t, capture.StatusStopped, session.Snapshot().Status)
}

func TestServerRefusesConnectionsAfterStop(t *testing.T) {
	h := newHarness(t, true)
	h.srv.Stop()

	assert.False(t, h.srv.track())
	assert.Empty(t, h.srv.ActiveCalls())
}

func TestServerStopRacesNewCalls(t *testing.T) {
	h := newHarness(t, true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", h.addr, time.Second)
			if err != nil {
				return
			}
			defer conn.Close()
			_, _ = conn.Write(audiosocket.IDMessage(uuid.New()))
			_, _ = conn.Write(audiosocket.SlinMessage(make([]byte, 320)))
		}()
	}

	stopped := make(chan struct{})
	go func() {
		h.srv.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	wg.Wait()
	assert.Empty(t, h.srv.ActiveCalls())
}
