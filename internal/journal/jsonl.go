package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shritish20/volguard-production/internal/observ"
)

// FileStore appends one JSON object per line to a local file. This is the
// primary journal: it has no external dependency and survives anything
// short of losing the disk.
type FileStore struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	last uint64
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	return &FileStore{f: f, enc: json.NewEncoder(f)}, nil
}

// Append writes the record and fsyncs before returning. Out-of-order
// sequences are a programming error upstream and are rejected.
func (s *FileStore) Append(_ context.Context, rec *CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last != 0 && rec.Sequence <= s.last {
		observ.JournalAppendsTotal.WithLabelValues("file", "rejected").Inc()
		return fmt.Errorf("journal: sequence %d not after %d", rec.Sequence, s.last)
	}
	if err := s.enc.Encode(rec); err != nil {
		observ.JournalAppendsTotal.WithLabelValues("file", "error").Inc()
		return fmt.Errorf("journal encode: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		observ.JournalAppendsTotal.WithLabelValues("file", "error").Inc()
		return fmt.Errorf("journal sync: %w", err)
	}
	s.last = rec.Sequence
	observ.JournalAppendsTotal.WithLabelValues("file", "ok").Inc()
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// ReadAll loads every record from a journal file, oldest first. Used by
// tooling and tests, not by the hot path.
func ReadAll(path string) ([]CycleRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []CycleRecord
	dec := json.NewDecoder(f)
	for dec.More() {
		var rec CycleRecord
		if err := dec.Decode(&rec); err != nil {
			return out, fmt.Errorf("journal decode at record %d: %w", len(out)+1, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
