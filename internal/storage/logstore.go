package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yndnr/keybox-go/internal/storage/seglog"
	"github.com/yndnr/keybox-go/pkg/cmap"
)

// LogStore is the eager backend: the full namespace is resident in a
// sharded map, durability comes from an append-only segment log that is
// replayed on open and rewritten on compaction.
type LogStore struct {
	// mu provides cross-key atomicity for batch operations; the sharded
	// map alone only guarantees per-key consistency.
	mu sync.RWMutex

	entries *cmap.Map[Record]
	log     *seglog.Writer
	logger  *slog.Logger
	closed  bool
}

// OpenLogStore opens an eager backend, replaying any existing log.
func OpenLogStore(cfg Config) (*LogStore, error) {
	logCfg := cfg.Seglog
	logCfg.Dir = cfg.Dir

	writer, err := seglog.NewWriter(logCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: open log: %w", err)
	}

	s := &LogStore{
		entries: cmap.New[Record](),
		log:     writer,
		logger:  cfg.Logger,
	}

	start := time.Now()
	replayed, err := s.replay(cfg.Dir)
	if err != nil {
		writer.Close()
		return nil, err
	}

	s.logger.Info("log store opened",
		"dir", cfg.Dir,
		"frames_replayed", replayed,
		"keys", s.entries.Count(),
		"elapsed", time.Since(start))

	return s, nil
}

func (s *LogStore) replay(dir string) (int, error) {
	reader, err := seglog.NewReader(dir)
	if err != nil {
		return 0, fmt.Errorf("storage: open log reader: %w", err)
	}
	defer reader.Close()

	frames, err := reader.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("storage: replay log: %w", err)
	}

	for _, f := range frames {
		switch f.Op {
		case seglog.OpSet:
			rec, err := DecodeRecord(f.Value)
			if err != nil {
				s.logger.Warn("skipping bad record during replay", "key", f.Key, "error", err)
				continue
			}
			s.entries.Set(f.Key, rec)
		case seglog.OpDelete:
			s.entries.Delete(f.Key)
		case seglog.OpClear:
			s.entries.Clear()
		}
	}
	return len(frames), nil
}

// Write upserts one record.
func (s *LogStore) Write(_ context.Context, key string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if err := s.log.Append(seglog.Frame{Op: seglog.OpSet, Key: key, Value: EncodeRecord(rec)}); err != nil {
		return fmt.Errorf("storage: append: %w", err)
	}
	s.entries.Set(key, rec)
	return nil
}

// WriteBatch upserts a group of records with one flush. Readers observe
// either none or all of the batch.
func (s *LogStore) WriteBatch(_ context.Context, recs map[string]Record) error {
	if len(recs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	frames := make([]seglog.Frame, 0, len(recs))
	for key, rec := range recs {
		frames = append(frames, seglog.Frame{Op: seglog.OpSet, Key: key, Value: EncodeRecord(rec)})
	}
	if err := s.log.AppendBatch(frames); err != nil {
		return fmt.Errorf("storage: append batch: %w", err)
	}

	for key, rec := range recs {
		s.entries.Set(key, rec)
	}
	return nil
}

// Read fetches a record from memory.
func (s *LogStore) Read(_ context.Context, key string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, false, ErrClosed
	}

	rec, ok := s.entries.Get(key)
	return rec, ok, nil
}

// Remove deletes a key.
func (s *LogStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if !s.entries.Has(key) {
		return nil
	}
	if err := s.log.Append(seglog.Frame{Op: seglog.OpDelete, Key: key}); err != nil {
		return fmt.Errorf("storage: append delete: %w", err)
	}
	s.entries.Delete(key)
	return nil
}

// RemoveBatch deletes a group of keys with one flush.
func (s *LogStore) RemoveBatch(_ context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	frames := make([]seglog.Frame, 0, len(keys))
	for _, key := range keys {
		if !s.entries.Has(key) {
			continue
		}
		frames = append(frames, seglog.Frame{Op: seglog.OpDelete, Key: key})
	}
	if len(frames) == 0 {
		return nil
	}

	if err := s.log.AppendBatch(frames); err != nil {
		return fmt.Errorf("storage: append delete batch: %w", err)
	}
	for _, f := range frames {
		s.entries.Delete(f.Key)
	}
	return nil
}

// Clear removes every key in the namespace.
func (s *LogStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if err := s.log.Append(seglog.Frame{Op: seglog.OpClear}); err != nil {
		return fmt.Errorf("storage: append clear: %w", err)
	}
	s.entries.Clear()
	return nil
}

// Keys enumerates all physically present keys.
func (s *LogStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	return s.entries.Keys(), nil
}

// Scan iterates over all records.
func (s *LogStore) Scan(_ context.Context, fn func(key string, rec Record) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	s.entries.Range(fn)
	return nil
}

// SizeBytes reports the on-disk log size.
func (s *LogStore) SizeBytes(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}
	return s.log.SizeBytes()
}

// Compact rewrites the live set into a fresh segment and drops the old
// ones. Readers see either the pre- or post-compaction state of any key.
func (s *LogStore) Compact(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	start := time.Now()
	live := make(map[string][]byte, s.entries.Count())
	s.entries.Range(func(key string, rec Record) bool {
		live[key] = EncodeRecord(rec)
		return true
	})

	if err := s.log.Rewrite(live); err != nil {
		return fmt.Errorf("storage: compact: %w", err)
	}

	s.logger.Info("log store compacted",
		"live_keys", len(live),
		"elapsed", time.Since(start))
	return nil
}

// Close finalizes the log and releases the directory lock.
func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.log.Close(); err != nil {
		return fmt.Errorf("storage: close log: %w", err)
	}
	return nil
}
