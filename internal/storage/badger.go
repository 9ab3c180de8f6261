package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
)

// BadgerConfig contains tuning parameters for the on-demand backend.
type BadgerConfig struct {
	// GCThreshold is the value-log GC discard ratio threshold (0.0-1.0).
	// Default: 0.5.
	GCThreshold float64

	// CacheSize is the block cache size in bytes. Default: 64MB.
	CacheSize int64

	// ValueLogFileSize is the max value log file size in bytes. Default: 256MB.
	ValueLogFileSize int64

	// NumMemtables is the number of memtables. Default: 2.
	NumMemtables int

	// SyncWrites enables fsync after each write. Default: true.
	SyncWrites bool
}

// DefaultBadgerConfig returns the default on-demand backend configuration.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		GCThreshold:      0.5,
		CacheSize:        64 << 20,
		ValueLogFileSize: 256 << 20,
		NumMemtables:     2,
		SyncWrites:       true,
	}
}

// BadgerStore is the on-demand backend over Badger: only the LSM index
// stays resident, values are fetched from disk per read.
type BadgerStore struct {
	mu     sync.RWMutex
	db     *badger.DB
	cfg    BadgerConfig
	logger *slog.Logger
	closed bool
}

// OpenBadgerStore opens an on-demand backend. Badger holds its own
// directory lock, so a second open of the same namespace fails.
func OpenBadgerStore(cfg Config) (*BadgerStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("storage: dir is required")
	}

	bcfg := cfg.Badger
	if bcfg.GCThreshold == 0 {
		bcfg = DefaultBadgerConfig()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = &badgerLogger{logger: cfg.Logger}
	opts.BlockCacheSize = bcfg.CacheSize
	opts.ValueLogFileSize = bcfg.ValueLogFileSize
	opts.NumMemtables = bcfg.NumMemtables
	opts.SyncWrites = bcfg.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger: %w", err)
	}

	cfg.Logger.Info("badger store opened", "dir", cfg.Dir, "cache_size", bcfg.CacheSize)

	return &BadgerStore{
		db:     db,
		cfg:    bcfg,
		logger: cfg.Logger,
	}, nil
}

func (s *BadgerStore) guard() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.db, nil
}

// Write upserts one record.
func (s *BadgerStore) Write(_ context.Context, key string, rec Record) error {
	db, err := s.guard()
	if err != nil {
		return err
	}

	return db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), EncodeRecord(rec))
	})
}

// WriteBatch upserts a group of records in a single transaction, which
// makes the batch atomic for concurrent readers.
func (s *BadgerStore) WriteBatch(_ context.Context, recs map[string]Record) error {
	if len(recs) == 0 {
		return nil
	}

	db, err := s.guard()
	if err != nil {
		return err
	}

	return db.Update(func(txn *badger.Txn) error {
		for key, rec := range recs {
			if err := txn.Set([]byte(key), EncodeRecord(rec)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Read fetches a record from disk.
func (s *BadgerStore) Read(_ context.Context, key string) (Record, bool, error) {
	db, err := s.guard()
	if err != nil {
		return Record{}, false, err
	}

	var rec Record
	found := false
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec, err = DecodeRecord(value)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("storage: read: %w", err)
	}
	return rec, found, nil
}

// Remove deletes a key.
func (s *BadgerStore) Remove(_ context.Context, key string) error {
	db, err := s.guard()
	if err != nil {
		return err
	}

	return db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// RemoveBatch deletes a group of keys in a single transaction.
func (s *BadgerStore) RemoveBatch(_ context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	db, err := s.guard()
	if err != nil {
		return err
	}

	return db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear removes every key in the namespace.
func (s *BadgerStore) Clear(_ context.Context) error {
	db, err := s.guard()
	if err != nil {
		return err
	}
	return db.DropAll()
}

// Keys enumerates all physically present keys without fetching values.
func (s *BadgerStore) Keys(_ context.Context) ([]string, error) {
	db, err := s.guard()
	if err != nil {
		return nil, err
	}

	var keys []string
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: keys: %w", err)
	}
	return keys, nil
}

// Scan iterates over all records.
func (s *BadgerStore) Scan(_ context.Context, fn func(key string, rec Record) bool) error {
	db, err := s.guard()
	if err != nil {
		return err
	}

	return db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := DecodeRecord(value)
			if err != nil {
				s.logger.Warn("skipping bad record during scan",
					"key", string(item.Key()),
					"error", err)
				continue
			}
			if !fn(string(item.KeyCopy(nil)), rec) {
				break
			}
		}
		return nil
	})
}

// SizeBytes reports LSM plus value log size.
func (s *BadgerStore) SizeBytes(_ context.Context) (uint64, error) {
	db, err := s.guard()
	if err != nil {
		return 0, err
	}

	lsm, vlog := db.Size()
	return uint64(lsm + vlog), nil
}

// Compact runs value-log GC until nothing more can be reclaimed.
func (s *BadgerStore) Compact(ctx context.Context) error {
	db, err := s.guard()
	if err != nil {
		return err
	}

	start := time.Now()
	cycles := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := db.RunValueLogGC(s.cfg.GCThreshold)
		if err != nil {
			if errors.Is(err, badger.ErrNoRewrite) {
				break
			}
			return fmt.Errorf("storage: gc: %w", err)
		}
		cycles++
	}

	s.logger.Info("badger store compacted", "gc_cycles", cycles, "elapsed", time.Since(start))
	return nil
}

// Close gracefully shuts down the backend.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("storage: close badger: %w", err)
	}
	return nil
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
