// Package storage provides the persistence backends for keybox namespaces.
//
// A Backend is an ordered-by-insertion, key-unique mapping from string keys
// to record envelopes. Two implementations exist: LogStore keeps the whole
// namespace resident in memory on top of an append-only segment log (eager
// loading), BadgerStore keeps only the index resident and fetches values
// from disk per access (on-demand loading).
package storage

import (
	"context"
	"errors"
	"log/slog"

	"github.com/yndnr/keybox-go/internal/storage/seglog"
)

// Common errors.
var (
	// ErrClosed indicates an operation on a closed backend.
	ErrClosed = errors.New("storage: backend closed")
)

// Mode selects the loading strategy for a namespace.
type Mode string

const (
	// ModeEager keeps the whole namespace resident in memory.
	ModeEager Mode = "eager"

	// ModeOnDemand keeps only an index resident and reads values from the
	// backing medium per access.
	ModeOnDemand Mode = "ondemand"
)

//go:generate mockgen -destination=mock/backend.go -package=mock github.com/yndnr/keybox-go/internal/storage Backend

// Backend is the persistence contract consumed by the storage engine.
//
// Implementations must be safe for concurrent use. WriteBatch and
// RemoveBatch are all-or-nothing from a reader's perspective: a concurrent
// reader observes either none or all entries of the batch.
type Backend interface {
	// Write upserts one record.
	Write(ctx context.Context, key string, rec Record) error

	// WriteBatch upserts a group of records with a single durability flush.
	WriteBatch(ctx context.Context, recs map[string]Record) error

	// Read fetches a record. The second return is false when the key is
	// physically absent.
	Read(ctx context.Context, key string) (Record, bool, error)

	// Remove deletes a key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// RemoveBatch deletes a group of keys.
	RemoveBatch(ctx context.Context, keys []string) error

	// Clear removes every key in the namespace.
	Clear(ctx context.Context) error

	// Keys enumerates all physically present keys.
	Keys(ctx context.Context) ([]string, error)

	// Scan iterates over all records. The callback returns false to stop.
	Scan(ctx context.Context, fn func(key string, rec Record) bool) error

	// SizeBytes reports the approximate footprint of the namespace.
	SizeBytes(ctx context.Context) (uint64, error)

	// Compact reclaims space left by deleted and overwritten records.
	// Safe to call concurrently with reads and writes.
	Compact(ctx context.Context) error

	// Close releases all I/O handles.
	Close() error
}

// Config configures a backend.
type Config struct {
	// Dir is the namespace directory. Required.
	Dir string

	// Mode selects the loading strategy. Default: ModeEager.
	Mode Mode

	// Seglog tunes the eager backend's segment log.
	Seglog seglog.Config

	// Badger tunes the on-demand backend.
	Badger BadgerConfig

	// Logger is the structured logger.
	Logger *slog.Logger
}

// Open creates the backend for the configured mode and opens the backing
// medium.
func Open(cfg Config) (Backend, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	switch cfg.Mode {
	case ModeOnDemand:
		return OpenBadgerStore(cfg)
	case ModeEager, "":
		return OpenLogStore(cfg)
	default:
		return nil, errors.New("storage: unknown mode: " + string(cfg.Mode))
	}
}
