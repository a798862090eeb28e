package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/amanullahtanweer/speechcapture/internal/capture"
	"github.com/amanullahtanweer/speechcapture/internal/metrics"
	"github.com/amanullahtanweer/speechcapture/internal/store"
	"github.com/sirupsen/logrus"
)

// Call is one AudioSocket connection and the capture session behind it.
type Call struct {
	id        string
	conn      net.Conn
	server    *Server
	session   *capture.Session
	metrics   *metrics.SessionMetrics
	log       logrus.FieldLogger
	startTime time.Time

	audioBuffer []byte
	forwarded   chan struct{}
}

func (s *Server) newCall(id string, conn net.Conn) (*Call, error) {
	log := s.log.WithField("session_id", id)
	startTime := time.Now()

	opts := []capture.Option{capture.WithID(id), capture.WithLogger(s.log)}
	if s.config.JournalDir != "" {
		journal, err := capture.OpenJournal(s.config.JournalDir, id, startTime)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		opts = append(opts, capture.WithJournal(journal))
	}

	call := &Call{
		id:        id,
		conn:      conn,
		server:    s,
		session:   capture.NewSession(s.factory, s.captureConfig(id), opts...),
		metrics:   metrics.NewSessionMetrics(s.config.Provider, id, s.config.SampleRate, nil),
		log:       log,
		startTime: startTime,
		forwarded: make(chan struct{}),
	}
	if s.config.SaveAudio {
		call.audioBuffer = make([]byte, 0, s.config.SampleRate*2)
	}
	return call, nil
}

// run captures until the caller hangs up or the connection fails.
func (call *Call) run() {
	snapshots, _ := call.session.Subscribe()
	go call.forward(snapshots)

	if !call.session.IsSupported() {
		call.log.Warn("speech recognition is not available for this call")
	}
	call.session.Start()

	for {
		msg, err := audiosocket.NextMessage(call.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				call.log.WithError(err).Warn("failed to read message")
			}
			return
		}

		if err := call.handleMessage(msg); err != nil {
			call.log.WithError(err).Warn("error handling message")
			return
		}

		if msg.Kind() == audiosocket.KindHangup {
			call.log.Info("received hangup")
			return
		}
	}
}

func (call *Call) handleMessage(msg audiosocket.Message) error {
	switch msg.Kind() {
	case audiosocket.KindSlin:
		audioData := msg.Payload()
		if len(audioData) == 0 {
			return nil
		}
		pcm := make([]byte, len(audioData))
		copy(pcm, audioData)
		call.session.Feed(pcm)
		call.metrics.AddAudioBytes(len(pcm))
		if call.server.config.SaveAudio {
			call.audioBuffer = append(call.audioBuffer, pcm...)
		}

	case audiosocket.KindDTMF:
		if len(msg.Payload()) == 0 {
			return nil
		}
		digit := msg.Payload()[0]
		call.log.WithField("digit", string(digit)).Debug("DTMF digit")
		switch digit {
		case dtmfReset:
			call.session.Reset()
		case dtmfStop:
			call.session.Stop()
		}

	case audiosocket.KindError:
		return fmt.Errorf("received error code: %d", msg.ErrorCode())
	}
	return nil
}

// forward relays every snapshot to the live feed, the record store and the
// call metrics until the session closes.
func (call *Call) forward(snapshots <-chan capture.Snapshot) {
	defer close(call.forwarded)
	for snap := range snapshots {
		call.metrics.Observe(snap)
		if call.server.feed != nil {
			call.server.feed.Publish(call.id, snap)
		}
		if call.server.records != nil {
			ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
			if err := call.server.records.Publish(ctx, call.id, snap); err != nil {
				call.log.WithError(err).Debug("failed to publish snapshot")
			}
			cancel()
		}
	}
}

// finish stops the capture, waits a bounded time for the engine to flush its
// last result, tears the session down and hands the transcript off.
func (call *Call) finish() {
	call.session.Stop()
	if !call.waitStopped(call.server.config.HangupWait) {
		call.log.Warn("capture did not stop in time, tearing down")
	}
	call.session.Close()
	<-call.forwarded

	snap := call.session.Snapshot()
	call.metrics.Finalize()
	if call.server.feed != nil {
		call.server.feed.Finish(call.id)
	}

	rec := store.Record{
		SessionID:  call.id,
		Provider:   call.server.config.Provider,
		SampleRate: call.server.config.SampleRate,
		Transcript: snap.Transcript,
		StartedAt:  call.startTime,
		EndedAt:    time.Now(),
		Restarts:   call.metrics.Restarts,
		Errors:     call.metrics.EngineErrors,
		Denied:     snap.Denied,
	}
	call.handOff(rec)

	call.log.WithFields(logrus.Fields{
		"duration": rec.Duration().Round(time.Millisecond).String(),
		"restarts": rec.Restarts,
		"denied":   rec.Denied,
	}).Info("call ended")
	call.log.Debug("\n" + call.metrics.Summary())
}

func (call *Call) waitStopped(timeout time.Duration) bool {
	snapshots, cancel := call.session.Subscribe()
	defer cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				return false
			}
			// An idle snapshot predates Start and says nothing about the stop.
			switch snap.Status {
			case capture.StatusStopped, capture.StatusUnsupported:
				return true
			}
		case <-timer.C:
			return false
		}
	}
}

func (call *Call) handOff(rec store.Record) {
	srv := call.server
	if srv.records != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		id, err := srv.records.Save(ctx, rec)
		cancel()
		if err != nil {
			call.log.WithError(err).Error("failed to save transcript record")
		} else {
			rec.ID = id
			call.log.WithField("record_id", id).Info("transcript record saved")
		}
	}

	if srv.files == nil {
		return
	}
	if srv.config.SaveTranscripts && (rec.Transcript != "" || rec.Denied) {
		if filename, err := srv.files.Save(rec); err != nil {
			call.log.WithError(err).Error("failed to save transcript")
		} else {
			call.log.WithField("file", filename).Info("transcript saved")
		}
	}
	if srv.config.SaveAudio && len(call.audioBuffer) > 0 {
		if filename, err := srv.files.SaveAudio(rec, call.audioBuffer); err != nil {
			call.log.WithError(err).Error("failed to save audio")
		} else {
			call.log.WithFields(logrus.Fields{
				"file":    filename,
				"seconds": float64(len(call.audioBuffer)) / float64(srv.config.SampleRate*2),
			}).Info("audio saved")
		}
	}
}
