package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amanullahtanweer/speechcapture/internal/config"
	"github.com/amanullahtanweer/speechcapture/internal/feed"
	"github.com/amanullahtanweer/speechcapture/internal/logging"
	"github.com/amanullahtanweer/speechcapture/internal/recognizer"
	"github.com/amanullahtanweer/speechcapture/internal/server"
	"github.com/amanullahtanweer/speechcapture/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config.yaml", "Configuration file path")
	flag.Parse()

	cnf, err := config.Load(configFile)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if err := cnf.Validate(); err != nil {
		logrus.Fatalf("Invalid config: %v", err)
	}

	logger, closeLog, err := logging.NewLogger(cnf.LogSettings)
	if err != nil {
		logrus.Fatalf("Failed to set up logging: %v", err)
	}
	defer func() {
		if err := closeLog(); err != nil {
			logrus.Warnf("Failed to close log file: %v", err)
		}
	}()

	factory, err := recognizer.NewFactory(cnf.Recognizer, logger)
	if err != nil {
		logger.Fatalf("Failed to create recognizer: %v", err)
	}

	opts := []server.Option{server.WithLogger(logger)}

	if cnf.Transcription.SaveTranscripts || cnf.Transcription.SaveAudio {
		files, err := store.NewFileStore(cnf.Transcription.OutputDir)
		if err != nil {
			logger.Fatalf("Failed to create transcript store: %v", err)
		}
		opts = append(opts, server.WithTranscriptWriter(files))
	}

	var rdb *redis.Client
	if cnf.Redis.Enable {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cnf.Redis.Addr,
			Username: cnf.Redis.Username,
			Password: cnf.Redis.Password,
			DB:       cnf.Redis.DBName,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			logger.Fatalf("Failed to connect to redis at %s: %v", cnf.Redis.Addr, err)
		}
		opts = append(opts, server.WithRecordStore(store.NewRedisStore(rdb, cnf.Redis.Prefix, cnf.Redis.TTL)))
	}

	var httpSrv *http.Server
	if cnf.Feed.Enable {
		hub := feed.NewHub(logger)
		opts = append(opts, server.WithFeed(hub))
		httpSrv = &http.Server{
			Addr:              cnf.Feed.Listen,
			Handler:           feed.NewMux(hub),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Infof("Live feed listening on %s", cnf.Feed.Listen)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatalf("Feed server error: %v", err)
			}
		}()
	}

	srv, err := server.New(server.Config{
		Host:            cnf.Server.Host,
		Port:            cnf.Server.Port,
		Provider:        factory.Provider(),
		SampleRate:      cnf.Capture.SampleRate,
		HangupWait:      cnf.Server.HangupWait,
		Capture:         cnf.CaptureConfig(factory.ChunkSeparator()),
		SaveTranscripts: cnf.Transcription.SaveTranscripts,
		SaveAudio:       cnf.Transcription.SaveAudio,
		JournalDir:      cnf.Transcription.JournalDir,
	}, factory, opts...)
	if err != nil {
		logger.Fatalf("Failed to create server: %v", err)
	}

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatalf("Server error: %v", err)
		}
	}()
	logger.Infof("Recognition provider: %s", factory.Provider())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	srv.Stop()
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpSrv.Shutdown(ctx)
		cancel()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
}
