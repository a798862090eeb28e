package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/amanullahtanweer/speechcapture/internal/capture"
	"github.com/amanullahtanweer/speechcapture/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	dtmfReset = '*'
	dtmfStop  = '#'

	redisTimeout = 800 * time.Millisecond
)

type Config struct {
	Host       string
	Port       int
	Provider   string
	SampleRate int
	// HangupWait bounds how long a finished call waits for the capture to stop.
	HangupWait      time.Duration
	Capture         capture.Config
	SaveTranscripts bool
	SaveAudio       bool
	JournalDir      string
}

// Feed receives live snapshots for connected viewers.
type Feed interface {
	Publish(sessionID string, snap capture.Snapshot)
	Finish(sessionID string)
}

// RecordStore persists finished calls and relays live snapshots.
type RecordStore interface {
	Save(ctx context.Context, rec store.Record) (string, error)
	Publish(ctx context.Context, sessionID string, snap capture.Snapshot) error
	CallVars(ctx context.Context, sessionID string) (map[string]string, error)
}

// TranscriptWriter writes transcripts and audio to disk.
type TranscriptWriter interface {
	Save(rec store.Record) (string, error)
	SaveAudio(rec store.Record, pcm []byte) (string, error)
}

type Option func(*Server)

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.log = l }
}

func WithFeed(f Feed) Option {
	return func(s *Server) { s.feed = f }
}

func WithRecordStore(rs RecordStore) Option {
	return func(s *Server) { s.records = rs }
}

func WithTranscriptWriter(w TranscriptWriter) Option {
	return func(s *Server) { s.files = w }
}

// Server accepts AudioSocket calls and runs a capture session per call.
type Server struct {
	config  Config
	factory capture.Factory
	log     logrus.FieldLogger
	feed    Feed
	records RecordStore
	files   TranscriptWriter

	mu       sync.Mutex
	listener net.Listener
	calls    map[string]*Call
	wg       sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once
}

func New(config Config, factory capture.Factory, opts ...Option) (*Server, error) {
	if config.SaveTranscripts || config.SaveAudio {
		if config.Provider == "" {
			return nil, errors.New("provider name is required to save transcripts")
		}
	}
	if config.HangupWait <= 0 {
		config.HangupWait = 3 * time.Second
	}
	if config.SampleRate <= 0 {
		config.SampleRate = config.Capture.Engine.SampleRate
	}

	s := &Server{
		config:   config,
		factory:  factory,
		log:      logrus.StandardLogger(),
		calls:    make(map[string]*Call),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("provider", config.Provider)
	return s, nil
}

// Listen binds the configured address.
func (s *Server) Listen() (net.Addr, error) {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.log.Infof("AudioSocket server listening on %s", listener.Addr())
	return listener.Addr(), nil
}

// Serve accepts calls until Stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.WithError(err).Error("accept error")
			continue
		}

		if !s.track() {
			conn.Close()
			return nil
		}
		go s.handleConnection(conn)
	}
}

// track counts a new connection unless Stop has begun. Stop closes the
// shutdown channel under the same lock, so no connection is added to the
// wait group once Stop is waiting on it.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.shutdown:
		return false
	default:
	}
	s.wg.Add(1)
	return true
}

func (s *Server) Start() error {
	if _, err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop closes the listener, hangs up every live call and waits for their
// hand-off to finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
		for _, call := range s.calls {
			call.conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
}

// ActiveCalls returns the ids of calls in progress.
func (s *Server) ActiveCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.calls))
	for id := range s.calls {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) register(call *Call) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.shutdown:
		return false
	default:
	}
	s.calls[call.id] = call
	return true
}

func (s *Server) unregister(call *Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, call.id)
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	log := s.log.WithField("remote", conn.RemoteAddr().String())
	log.Debug("new connection")

	id, err := audiosocket.GetID(conn)
	if err != nil {
		log.WithError(err).Warn("failed to get call id")
		return
	}

	call, err := s.newCall(id.String(), conn)
	if err != nil {
		log.WithError(err).Error("failed to set up call")
		return
	}
	if !s.register(call) {
		call.session.Close()
		return
	}
	defer s.unregister(call)

	call.log.Info("call started")
	call.run()
	call.finish()
}

// captureConfig applies per-call variables on top of the configured session
// settings. Only the language can be overridden.
func (s *Server) captureConfig(sessionID string) capture.Config {
	cfg := s.config.Capture
	if s.records == nil {
		return cfg
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	vars, err := s.records.CallVars(ctx, sessionID)
	if err != nil {
		s.log.WithError(err).WithField("session_id", sessionID).Debug("call variables unavailable")
		return cfg
	}
	if lang := vars["language"]; lang != "" {
		cfg.Engine.Language = lang
	}
	return cfg
}
