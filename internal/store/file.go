package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileStore writes transcripts and raw call audio into a directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) baseName(rec Record) string {
	return fmt.Sprintf("%s_%s_%s",
		rec.StartedAt.Format("20060102_150405"),
		rec.Provider,
		shortID(rec.SessionID),
	)
}

// Save writes the transcript with a metadata header and returns the file name.
func (s *FileStore) Save(rec Record) (string, error) {
	metadata := fmt.Sprintf("Session ID: %s\nRecord ID: %s\nProvider: %s\nStart Time: %s\nDuration: %v\nSample Rate: %dHz\nRestarts: %d\nErrors: %d\n",
		rec.SessionID,
		rec.ID,
		rec.Provider,
		rec.StartedAt.Format("2006-01-02 15:04:05"),
		rec.Duration(),
		rec.SampleRate,
		rec.Restarts,
		rec.Errors,
	)
	if rec.Denied {
		metadata += "Permission Denied: true\n"
	}
	content := metadata + "\n---TRANSCRIPT---\n\n" + rec.Transcript + "\n"

	filename := filepath.Join(s.dir, s.baseName(rec)+".txt")
	if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("save transcript: %w", err)
	}
	return filename, nil
}

// SaveAudio writes the call's signed linear audio next to its transcript.
func (s *FileStore) SaveAudio(rec Record, pcm []byte) (string, error) {
	filename := filepath.Join(s.dir, s.baseName(rec)+".raw")
	if err := os.WriteFile(filename, pcm, 0644); err != nil {
		return "", fmt.Errorf("save audio: %w", err)
	}
	return filename, nil
}
