package recognizer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/amanullahtanweer/speechcapture/internal/capture"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	ErrEngineClosed = errors.New("recognition engine is not accepting audio")
	ErrSendBacklog  = errors.New("recognition engine send queue is full")
)

const (
	// sendQueueSize bounds the frames waiting for the socket. Audio beyond it
	// is dropped rather than blocking the caller.
	sendQueueSize = 256
	writeTimeout  = 5 * time.Second
)

type outbound struct {
	messageType int
	data        []byte
}

// protocol is the provider-specific half of a websocket engine.
type protocol interface {
	// endpoint returns the URL and headers for the websocket handshake.
	endpoint(cfg capture.EngineConfig) (string, http.Header)
	// frames converts captured PCM into zero or more messages ready to send.
	frames(pcm []byte) [][]byte
	// flush returns any audio still buffered.
	flush() [][]byte
	// finish is the text message that asks the provider to finalize.
	finish() []byte
	// decode turns one provider message into engine events. done reports
	// that the provider finished the utterance and will close the socket.
	decode(message []byte) (events []capture.Event, done bool, err error)
}

type engineState int

const (
	stateNew engineState = iota
	stateConnecting
	stateOpen
	stateStopping
	stateClosed
)

// socketEngine runs one recognition utterance over one websocket. It is
// never reused: once closed, the session builds a new one.
type socketEngine struct {
	proto        protocol
	cfg          capture.EngineConfig
	emit         func(capture.Event)
	log          logrus.FieldLogger
	dialer       *websocket.Dialer
	maxUtterance time.Duration
	stopGrace    time.Duration
	writeTimeout time.Duration

	mu        sync.Mutex
	state     engineState
	conn      *websocket.Conn
	pending   [][]byte
	tail      [][]byte
	stopAsked bool
	aborted   bool
	dropped   int
	cancel    context.CancelFunc
	utterance *time.Timer

	// sendQueue feeds the writer goroutine, the only goroutine that writes
	// to the socket. finishing is closed once by Stop, done by Abort or the
	// end of the read loop.
	sendQueue chan outbound
	finishing chan struct{}
	done      chan struct{}
	doneOnce  sync.Once
}

func newSocketEngine(proto protocol, cfg capture.EngineConfig, opts engineOptions, emit func(capture.Event)) *socketEngine {
	return &socketEngine{
		proto:        proto,
		cfg:          cfg,
		emit:         emit,
		log:          opts.log,
		dialer:       &websocket.Dialer{HandshakeTimeout: opts.dialTimeout, Proxy: http.ProxyFromEnvironment},
		maxUtterance: opts.maxUtterance,
		stopGrace:    opts.stopGrace,
		writeTimeout: opts.writeTimeout,
		sendQueue:    make(chan outbound, sendQueueSize),
		finishing:    make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start connects in the background and returns at once.
func (e *socketEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateNew {
		return capture.NewEngineError(capture.ErrorAborted, errors.New("engine instance already used"))
	}
	e.state = stateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.run(ctx)
	return nil
}

// Feed queues audio for the writer and never blocks. When the provider stops
// reading and the queue fills up, the audio is dropped.
func (e *socketEngine) Feed(pcm []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateConnecting:
		for _, frame := range e.proto.frames(pcm) {
			if len(e.pending) >= sendQueueSize {
				e.dropped++
				return ErrSendBacklog
			}
			e.pending = append(e.pending, frame)
		}
		return nil
	case stateOpen:
		for _, frame := range e.proto.frames(pcm) {
			select {
			case e.sendQueue <- outbound{messageType: websocket.BinaryMessage, data: frame}:
			default:
				e.dropped++
				return ErrSendBacklog
			}
		}
		return nil
	default:
		return ErrEngineClosed
	}
}

// Stop asks the provider to finalize what it heard and end the utterance.
func (e *socketEngine) Stop() {
	e.mu.Lock()
	switch e.state {
	case stateConnecting:
		e.stopAsked = true
		e.mu.Unlock()
	case stateOpen:
		e.state = stateStopping
		e.tail = e.proto.flush()
		close(e.finishing)
		e.mu.Unlock()
	default:
		e.mu.Unlock()
	}
}

// Abort drops the connection. No events are delivered afterwards.
func (e *socketEngine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborted = true
	e.state = stateClosed
	e.pending = nil
	if e.cancel != nil {
		e.cancel()
	}
	if e.utterance != nil {
		e.utterance.Stop()
	}
	e.closeDone()
	// Closing the socket also releases a writer stuck on a full TCP buffer.
	if e.conn != nil {
		_ = e.conn.Close()
	}
}

func (e *socketEngine) closeDone() {
	e.doneOnce.Do(func() { close(e.done) })
}

func (e *socketEngine) run(ctx context.Context) {
	url, header := e.proto.endpoint(e.cfg)
	conn, resp, err := e.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if !e.isAborted() {
			e.log.WithError(err).Warn("recognition engine dial failed")
			e.deliver(capture.Event{Type: capture.EventError, Err: classifyDial(err, resp)})
			e.deliver(capture.Ended())
		}
		return
	}

	e.mu.Lock()
	if e.aborted {
		e.mu.Unlock()
		conn.Close()
		return
	}
	e.conn = conn
	e.state = stateOpen
	// The queue and the pending buffer share one bound, so this never blocks.
	for _, frame := range e.pending {
		e.sendQueue <- outbound{messageType: websocket.BinaryMessage, data: frame}
	}
	e.pending = nil
	stopAsked := e.stopAsked
	if e.maxUtterance > 0 {
		e.utterance = time.AfterFunc(e.maxUtterance, e.Stop)
	}
	e.mu.Unlock()

	go e.writer(conn)
	e.deliver(capture.Started())
	if stopAsked {
		e.Stop()
	}

	e.readLoop(conn)
}

// writer owns every write to conn. A write that misses its deadline closes
// the socket, which ends the read loop with an error.
func (e *socketEngine) writer(conn *websocket.Conn) {
	for {
		select {
		case msg := <-e.sendQueue:
			if err := e.write(conn, msg.messageType, msg.data); err != nil {
				e.writeFailed(conn, err)
				return
			}
		case <-e.finishing:
			e.sendFinish(conn)
			return
		case <-e.done:
			return
		}
	}
}

func (e *socketEngine) writeFailed(conn *websocket.Conn, err error) {
	if e.isAborted() {
		return
	}
	e.log.WithError(err).Warn("recognition engine stopped accepting audio")
	_ = conn.Close()
}

func (e *socketEngine) readLoop(conn *websocket.Conn) {
	defer func() {
		e.mu.Lock()
		e.state = stateClosed
		if e.utterance != nil {
			e.utterance.Stop()
		}
		if e.dropped > 0 {
			e.log.WithField("frames", e.dropped).Warn("dropped audio the recognition engine did not accept in time")
		}
		e.mu.Unlock()
		e.closeDone()
		conn.Close()
		e.deliver(capture.Ended())
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if e.expectedClose(err) {
				return
			}
			e.deliver(capture.Event{Type: capture.EventError, Err: classifyRead(err)})
			return
		}

		events, done, err := e.proto.decode(message)
		if err != nil {
			e.log.WithError(err).Warn("failed to parse recognition message")
			continue
		}
		events, final := e.shape(events)
		for _, ev := range events {
			e.deliver(ev)
		}
		if done {
			return
		}
		if final && !e.cfg.Continuous {
			e.Stop()
		}
	}
}

// shape drops interim results when they are not wanted and reports whether a
// final result came through.
func (e *socketEngine) shape(events []capture.Event) ([]capture.Event, bool) {
	out := events[:0]
	final := false
	for _, ev := range events {
		if ev.Type == capture.EventResult {
			kept := ev.Results[:0]
			for _, r := range ev.Results {
				if r.Final {
					final = true
				} else if !e.cfg.InterimResults {
					continue
				}
				kept = append(kept, r)
			}
			if len(kept) == 0 {
				continue
			}
			ev.Results = kept
		}
		out = append(out, ev)
	}
	return out, final
}

// sendFinish drains the queued audio, sends the provider's tail and finish
// message, and bounds how long the read loop waits for the final result.
func (e *socketEngine) sendFinish(conn *websocket.Conn) {
	if e.stopGrace > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(e.stopGrace))
	}

	e.mu.Lock()
	tail := e.tail
	e.tail = nil
	e.mu.Unlock()

drain:
	for {
		select {
		case msg := <-e.sendQueue:
			if err := e.write(conn, msg.messageType, msg.data); err != nil {
				e.writeFailed(conn, err)
				return
			}
		default:
			break drain
		}
	}
	if err := e.write(conn, websocket.BinaryMessage, tail...); err != nil {
		e.writeFailed(conn, err)
		return
	}
	if err := e.write(conn, websocket.TextMessage, e.proto.finish()); err != nil {
		e.writeFailed(conn, err)
	}
}

func (e *socketEngine) write(conn *websocket.Conn, messageType int, frames ...[]byte) error {
	for _, frame := range frames {
		if len(frame) == 0 {
			continue
		}
		if e.writeTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
		}
		if err := conn.WriteMessage(messageType, frame); err != nil {
			return fmt.Errorf("write to recognition engine: %w", err)
		}
	}
	return nil
}

func (e *socketEngine) expectedClose(err error) bool {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state == stateStopping || state == stateClosed {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func (e *socketEngine) isAborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted
}

func (e *socketEngine) deliver(ev capture.Event) {
	if e.isAborted() {
		return
	}
	e.emit(ev)
}

// classifyDial maps a failed handshake to an error kind. Refused
// credentials cannot be fixed by reconnecting.
func classifyDial(err error, resp *http.Response) *capture.EngineError {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return capture.NewEngineError(capture.ErrorNotAllowed, err)
		case http.StatusPaymentRequired:
			return capture.NewEngineError(capture.ErrorServiceNotAllowed, err)
		}
	}
	return capture.NewEngineError(capture.ErrorNetwork, err)
}

func classifyRead(err error) *capture.EngineError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return capture.NewEngineError(capture.ErrorNoSpeech, err)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.ClosePolicyViolation:
			return capture.NewEngineError(capture.ErrorNotAllowed, err)
		case websocket.CloseUnsupportedData:
			return capture.NewEngineError(capture.ErrorLanguageNotSupported, err)
		}
	}
	return capture.NewEngineError(capture.ErrorNetwork, err)
}
