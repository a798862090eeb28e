package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/amanullahtanweer/speechcapture/internal/capture"
	"github.com/amanullahtanweer/speechcapture/internal/recognizer"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerInfo        `yaml:"server"`
	Recognizer    recognizer.Config `yaml:"recognizer"`
	Capture       CaptureSettings   `yaml:"capture"`
	Feed          FeedInfo          `yaml:"feed"`
	Redis         RedisInfo         `yaml:"redis"`
	Transcription Transcription     `yaml:"transcription"`
	LogSettings   LogSettings       `yaml:"log_settings"`
}

type ServerInfo struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// HangupWait bounds how long a finished call waits for its capture to stop.
	HangupWait time.Duration `yaml:"hangup_wait"`
}

type CaptureSettings struct {
	Language               string        `yaml:"language"`
	SampleRate             int           `yaml:"sample_rate"`
	PauseThreshold         time.Duration `yaml:"pause_threshold"`
	ParagraphSeparator     string        `yaml:"paragraph_separator"`
	RestartDelay           time.Duration `yaml:"restart_delay"`
	ErrorRestartDelay      time.Duration `yaml:"error_restart_delay"`
	MaxRestartDelay        time.Duration `yaml:"max_restart_delay"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	StopTimeout            time.Duration `yaml:"stop_timeout"`
}

type FeedInfo struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type RedisInfo struct {
	Enable   bool          `yaml:"enable"`
	Addr     string        `yaml:"addr"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	DBName   int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

type Transcription struct {
	OutputDir       string `yaml:"output_dir"`
	SaveTranscripts bool   `yaml:"save_transcripts"`
	SaveAudio       bool   `yaml:"save_audio"`
	// JournalDir enables a per-session JSON lines journal when set.
	JournalDir string `yaml:"journal_dir"`
}

type LogSettings struct {
	LogLevel   string `yaml:"log_level"`
	LogFile    string `yaml:"log_file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// Load reads a yaml file and fills in defaults.
func Load(filename string) (*Config, error) {
	yamlFile, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(yamlFile)
}

// Parse decodes yaml content and fills in defaults.
func Parse(content []byte) (*Config, error) {
	cnf := new(Config)
	if err := yaml.Unmarshal(content, cnf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cnf.applyDefaults()
	return cnf, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.HangupWait <= 0 {
		c.Server.HangupWait = 3 * time.Second
	}
	if c.Capture.Language == "" {
		c.Capture.Language = "en-US"
	}
	if c.Capture.SampleRate == 0 {
		c.Capture.SampleRate = 8000
	}
	if c.Feed.Listen == "" {
		c.Feed.Listen = ":8081"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "speechcapture:"
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 24 * time.Hour
	}
	if c.Transcription.OutputDir == "" {
		c.Transcription.OutputDir = "./transcripts"
	}
	if c.LogSettings.LogLevel == "" {
		c.LogSettings.LogLevel = "info"
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Recognizer.Provider {
	case recognizer.ProviderVosk:
		if c.Recognizer.Vosk.ServerURL == "" {
			errs = append(errs, errors.New("recognizer.vosk.server_url is required"))
		}
	case recognizer.ProviderAssemblyAI:
		if c.Recognizer.AssemblyAI.APIKey == "" {
			errs = append(errs, errors.New("recognizer.assemblyai.api_key is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("recognizer.provider %q: %w", c.Recognizer.Provider, recognizer.ErrUnknownProvider))
	}
	if c.Capture.SampleRate != 8000 && c.Capture.SampleRate != 16000 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be 8000 or 16000", c.Capture.SampleRate))
	}
	if c.Capture.MaxConsecutiveFailures < 0 {
		errs = append(errs, errors.New("capture.max_consecutive_failures must not be negative"))
	}
	return errors.Join(errs...)
}

// CaptureConfig builds the session configuration. chunkSeparator comes from
// the recognition provider.
func (c *Config) CaptureConfig(chunkSeparator string) capture.Config {
	cc := capture.DefaultConfig()
	cc.Engine.Language = c.Capture.Language
	cc.Engine.SampleRate = c.Capture.SampleRate
	cc.ChunkSeparator = chunkSeparator
	if c.Capture.PauseThreshold > 0 {
		cc.PauseThreshold = c.Capture.PauseThreshold
	}
	if c.Capture.ParagraphSeparator != "" {
		cc.ParagraphSeparator = c.Capture.ParagraphSeparator
	}
	if c.Capture.RestartDelay > 0 {
		cc.RestartDelay = c.Capture.RestartDelay
	}
	if c.Capture.ErrorRestartDelay > 0 {
		cc.ErrorRestartDelay = c.Capture.ErrorRestartDelay
	}
	if c.Capture.MaxRestartDelay > 0 {
		cc.MaxRestartDelay = c.Capture.MaxRestartDelay
	}
	if c.Capture.StopTimeout > 0 {
		cc.StopTimeout = c.Capture.StopTimeout
	}
	cc.MaxConsecutiveFailures = c.Capture.MaxConsecutiveFailures
	return cc
}
