package recognizer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amanullahtanweer/speechcapture/internal/capture"
	"github.com/sirupsen/logrus"
)

const (
	ProviderVosk       = "vosk"
	ProviderAssemblyAI = "assemblyai"
)

var (
	ErrUnknownProvider = errors.New("unknown recognition provider")
	ErrNotConfigured   = errors.New("recognition provider is not configured")
)

// Config selects and configures the recognition provider.
type Config struct {
	Provider   string           `yaml:"provider"`
	Vosk       VoskConfig       `yaml:"vosk"`
	AssemblyAI AssemblyAIConfig `yaml:"assemblyai"`

	// MaxUtterance ends an engine instance after this long so the session
	// restarts it. Zero leaves the provider to decide.
	MaxUtterance time.Duration `yaml:"max_utterance"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	// WriteTimeout bounds a single socket write. A provider that stops
	// reading for longer is treated as a network failure.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// StopGrace is how long a stopping engine waits for its final result.
	StopGrace time.Duration `yaml:"stop_grace"`
}

type engineOptions struct {
	log          logrus.FieldLogger
	dialTimeout  time.Duration
	maxUtterance time.Duration
	stopGrace    time.Duration
	writeTimeout time.Duration
}

// Factory builds engines for the configured provider. It implements capture.Factory.
type Factory struct {
	cfg Config
	log logrus.FieldLogger
}

// NewFactory validates cfg and returns a factory for it.
func NewFactory(cfg Config, log logrus.FieldLogger) (*Factory, error) {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch cfg.Provider {
	case ProviderVosk, ProviderAssemblyAI:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = writeTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Factory{cfg: cfg, log: log.WithField("provider", cfg.Provider)}, nil
}

// Provider returns the provider name.
func (f *Factory) Provider() string {
	return f.cfg.Provider
}

// ChunkSeparator is the text placed between finalized chunks of this provider.
func (f *Factory) ChunkSeparator() string {
	return " "
}

// Supported reports whether the provider has what it needs to connect.
func (f *Factory) Supported() bool {
	return f.configured() == nil
}

func (f *Factory) configured() error {
	switch f.cfg.Provider {
	case ProviderVosk:
		if f.cfg.Vosk.ServerURL == "" {
			return fmt.Errorf("%w: vosk server_url is empty", ErrNotConfigured)
		}
	case ProviderAssemblyAI:
		if f.cfg.AssemblyAI.APIKey == "" {
			return fmt.Errorf("%w: assemblyai api_key is empty", ErrNotConfigured)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, f.cfg.Provider)
	}
	return nil
}

// New builds an unstarted engine instance.
func (f *Factory) New(cfg capture.EngineConfig, emit func(capture.Event)) (capture.Engine, error) {
	if err := f.configured(); err != nil {
		return nil, capture.NewEngineError(capture.ErrorEngineUnavailable, err)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}

	var proto protocol
	switch f.cfg.Provider {
	case ProviderVosk:
		serverURL, err := f.cfg.Vosk.serverFor(cfg.Language)
		if err != nil {
			return nil, capture.NewEngineError(capture.ErrorLanguageNotSupported, err)
		}
		proto = &voskProtocol{serverURL: serverURL}
	case ProviderAssemblyAI:
		proto = &assemblyAIProtocol{cfg: f.cfg.AssemblyAI, sampleRate: cfg.SampleRate}
	}

	opts := engineOptions{
		log:          f.log,
		dialTimeout:  f.cfg.DialTimeout,
		maxUtterance: f.cfg.MaxUtterance,
		stopGrace:    f.cfg.StopGrace,
		writeTimeout: f.cfg.WriteTimeout,
	}
	return newSocketEngine(proto, cfg, opts, emit), nil
}
