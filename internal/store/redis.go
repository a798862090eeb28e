package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/amanullahtanweer/speechcapture/internal/capture"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	recordKey = "record:"
	liveKey   = "live:"
	callKey   = "call:"
)

// RedisStore keeps finished transcripts as hashes and publishes live
// snapshots on a per-session channel.
type RedisStore struct {
	rc     redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(rc redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{rc: rc, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) RecordKey(id string) string {
	return s.prefix + recordKey + id
}

func (s *RedisStore) LiveChannel(sessionID string) string {
	return s.prefix + liveKey + sessionID
}

func (s *RedisStore) callVarsKey(sessionID string) string {
	return s.prefix + callKey + sessionID
}

// Save stores rec and returns its record id. A record without an id gets a new one.
func (s *RedisStore) Save(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	key := s.RecordKey(rec.ID)

	_, err := s.rc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"session_id":  rec.SessionID,
			"provider":    rec.Provider,
			"sample_rate": rec.SampleRate,
			"transcript":  rec.Transcript,
			"started_at":  rec.StartedAt.UTC().Format(time.RFC3339Nano),
			"ended_at":    rec.EndedAt.UTC().Format(time.RFC3339Nano),
			"restarts":    rec.Restarts,
			"errors":      rec.Errors,
			"denied":      strconv.FormatBool(rec.Denied),
		})
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis save %s: %w", key, err)
	}
	return rec.ID, nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Record, error) {
	key := s.RecordKey(id)
	fields, err := s.rc.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, ErrRecordNotFound
	}

	rec := &Record{
		ID:         id,
		SessionID:  fields["session_id"],
		Provider:   fields["provider"],
		Transcript: fields["transcript"],
	}
	rec.SampleRate, _ = strconv.Atoi(fields["sample_rate"])
	rec.Restarts, _ = strconv.Atoi(fields["restarts"])
	rec.Errors, _ = strconv.Atoi(fields["errors"])
	rec.Denied, _ = strconv.ParseBool(fields["denied"])
	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, fields["started_at"]); err != nil {
		return nil, fmt.Errorf("redis load %s: started_at: %w", key, err)
	}
	if rec.EndedAt, err = time.Parse(time.RFC3339Nano, fields["ended_at"]); err != nil {
		return nil, fmt.Errorf("redis load %s: ended_at: %w", key, err)
	}
	return rec, nil
}

// Publish sends snap as JSON to the session's live channel.
func (s *RedisStore) Publish(ctx context.Context, sessionID string, snap capture.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if _, err := s.rc.Publish(ctx, s.LiveChannel(sessionID), payload).Result(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// CallVars returns the variables the dialplan stored for a call. A call with
// none yields an empty map.
func (s *RedisStore) CallVars(ctx context.Context, sessionID string) (map[string]string, error) {
	key := s.callVarsKey(sessionID)
	vars, err := s.rc.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s: %w", key, err)
	}
	return vars, nil
}
