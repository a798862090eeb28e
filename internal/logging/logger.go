package logging

import (
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/DeRuina/timberjack"
	"github.com/amanullahtanweer/speechcapture/internal/config"
	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger from the log settings. When a log file
// is set, entries go to stdout and to a rotating file. The returned func
// closes that file and must be called on shutdown.
func NewLogger(cfg config.LogSettings) (*logrus.Logger, func() error, error) {
	logger := logrus.New()

	logLevel := logrus.InfoLevel
	if cfg.LogLevel != "" {
		if lv, err := logrus.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil {
			logLevel = lv
		}
	}
	logger.SetLevel(logLevel)

	var output io.Writer = os.Stdout
	closeFn := func() error { return nil }
	if cfg.LogFile != "" {
		fileLogger := &timberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		}
		output = io.MultiWriter(os.Stdout, fileLogger)
		closeFn = fileLogger.Close
	}
	logger.SetOutput(output)

	textFormatter := &logrus.TextFormatter{
		FullTimestamp: true,
		// The source formatter adds its own caller field.
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return "", ""
		},
	}
	logger.SetFormatter(&SourceFormatter{Underlying: textFormatter})
	logger.SetReportCaller(true)

	return logger, closeFn, nil
}
