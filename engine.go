// Package keybox implements a generic, typed, local key-value storage
// engine with batch mutation, TTL expiration, per-key change notification
// and optional at-rest encryption.
//
// An Engine owns one namespace: an isolated, key-unique collection of
// entries backed by one directory on disk. Namespaces come in two loading
// modes, eager (fully memory-resident) and on-demand (index-resident,
// values fetched per access). Construction performs no I/O; Initialize
// opens the backing medium and Close releases it.
package keybox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yndnr/keybox-go/internal/expiry"
	"github.com/yndnr/keybox-go/internal/notify"
	"github.com/yndnr/keybox-go/internal/storage"
	"github.com/yndnr/keybox-go/internal/storage/seglog"
	"github.com/yndnr/keybox-go/pkg/codec"
	"github.com/yndnr/keybox-go/pkg/crypto/adaptive"
)

// State is the engine lifecycle state.
type State int32

const (
	// StateUninitialized is the state between New and Initialize.
	StateUninitialized State = iota

	// StateReady accepts data operations.
	StateReady

	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Engine is the storage engine facade for one namespace.
//
// All methods are safe for concurrent use. Writes to the same key from
// concurrent callers commit in some total order; there is no cross-key
// ordering guarantee.
type Engine struct {
	cfg    Config
	codec  codec.Codec
	cipher adaptive.Cipher

	mu       sync.RWMutex
	state    State
	backend  storage.Backend
	index    *expiry.Index
	notifier *notify.Notifier

	sweepStop chan struct{}
	sweepDone chan struct{}

	metrics *metrics

	// clock is replaceable in tests.
	clock func() time.Time
}

// New constructs an engine for a namespace. It validates the configuration
// and prepares the cipher, but performs no I/O: the engine starts
// uninitialized and every data operation fails with ErrNotInitialized
// until Initialize succeeds.
func New(cfg Config) (*Engine, error) {
	cfg.applyDefaults()

	if cfg.Dir == "" {
		return nil, ErrInitialization.WithDetails("dir is required")
	}

	e := &Engine{
		cfg:   cfg,
		codec: cfg.Codec,
		clock: time.Now,
	}

	if cfg.Encryption.Enabled {
		cipher, salt, err := adaptive.FromConfig(adaptive.Config{
			Key:        cfg.Encryption.Key,
			Passphrase: []byte(cfg.Encryption.Passphrase),
			Salt:       cfg.Encryption.Salt,
			Algorithm:  cfg.Encryption.Algorithm,
		})
		if err != nil {
			return nil, ErrBadKeyMaterial.WithCause(err)
		}
		if cipher == nil {
			return nil, ErrBadKeyMaterial.WithDetails("encryption enabled without key or passphrase")
		}
		e.cipher = cipher
		e.cfg.Encryption.Salt = salt
	}

	return e, nil
}

// Salt returns the key-derivation salt in use, or nil when the namespace
// is unencrypted or keyed directly. Callers using a passphrase must retain
// it to reopen the namespace.
func (e *Engine) Salt() []byte {
	return e.cfg.Encryption.Salt
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Initialized reports whether the engine is ready for data operations.
func (e *Engine) Initialized() bool {
	return e.State() == StateReady
}

// Initialize opens the backing medium, replays or indexes existing
// entries, and starts the background sweeper when configured. Calling it
// on an already-ready engine is a no-op; calling it on a closed engine
// fails.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateReady:
		return nil
	case StateClosed:
		return ErrClosed
	}

	start := e.clock()

	backend, err := storage.Open(storage.Config{
		Dir:    e.cfg.Dir,
		Mode:   e.cfg.Mode,
		Seglog: e.cfg.Seglog,
		Badger: e.cfg.Badger,
		Logger: e.cfg.Logger.With("namespace", e.cfg.Name),
	})
	if err != nil {
		if errors.Is(err, seglog.ErrLocked) {
			return ErrNamespaceLocked.WithCause(err)
		}
		return ErrInitialization.WithCause(err)
	}

	index := expiry.NewIndex()
	err = backend.Scan(ctx, func(key string, rec storage.Record) bool {
		index.Record(key, rec.ExpiresAt)
		return true
	})
	if err != nil {
		backend.Close()
		return ErrInitialization.WithCause(err)
	}

	e.backend = backend
	e.index = index
	e.notifier = notify.New(e.cfg.Logger)
	e.state = StateReady

	if e.cfg.Sweep.Interval > 0 {
		e.sweepStop = make(chan struct{})
		e.sweepDone = make(chan struct{})
		go e.sweepLoop()
	}

	e.cfg.Logger.Info("engine initialized",
		"namespace", e.cfg.Name,
		"mode", e.cfg.Mode,
		"encrypted", e.cipher != nil,
		"deadlines", index.Len(),
		"elapsed", time.Since(start))
	return nil
}

// Close stops the sweeper, terminates every watch subscription, and
// releases all I/O handles. The engine is unusable afterwards. Close is
// idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()

	if e.state == StateClosed {
		e.mu.Unlock()
		return nil
	}
	wasReady := e.state == StateReady
	e.state = StateClosed
	sweepStop, sweepDone := e.sweepStop, e.sweepDone
	e.mu.Unlock()

	if !wasReady {
		return nil
	}

	if sweepStop != nil {
		close(sweepStop)
		<-sweepDone
	}

	e.notifier.Close()

	if err := e.backend.Close(); err != nil {
		return ErrIO.WithCause(err)
	}

	e.cfg.Logger.Info("engine closed", "namespace", e.cfg.Name)
	return nil
}

// ready guards data operations against use outside the Ready state.
func (e *Engine) ready() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	switch e.state {
	case StateReady:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotInitialized
	}
}

// storeErr maps backend failures onto the engine's error taxonomy.
func storeErr(err error) error {
	if errors.Is(err, storage.ErrClosed) {
		return ErrClosed
	}
	return ErrIO.WithCause(err)
}

// putBytes runs the common write path: encrypt, persist, record the
// deadline, notify. A zero ttl clears any prior deadline on the key.
func (e *Engine) putBytes(ctx context.Context, key string, plain []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := e.ready(); err != nil {
		return err
	}

	rec, err := e.seal(key, plain, ttl)
	if err != nil {
		return err
	}

	if err := e.backend.Write(ctx, key, rec); err != nil {
		return storeErr(err)
	}

	e.index.Record(key, rec.ExpiresAt)
	e.notifier.Publish(notify.Event{Key: key, Payload: plain})
	e.metrics.countWrite(1)
	return nil
}

// putBytesBatch persists a group of entries with one durability flush and
// one notification burst after the batch commits.
func (e *Engine) putBytesBatch(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	if err := e.ready(); err != nil {
		return err
	}

	recs := make(map[string]storage.Record, len(entries))
	for key, plain := range entries {
		if key == "" {
			return ErrEmptyKey
		}
		rec, err := e.seal(key, plain, ttl)
		if err != nil {
			return err
		}
		recs[key] = rec
	}

	if err := e.backend.WriteBatch(ctx, recs); err != nil {
		return storeErr(err)
	}

	for key, rec := range recs {
		e.index.Record(key, rec.ExpiresAt)
		e.notifier.Publish(notify.Event{Key: key, Payload: entries[key]})
	}
	e.metrics.countWrite(len(recs))
	return nil
}

// seal builds the record envelope for a plaintext payload.
func (e *Engine) seal(key string, plain []byte, ttl time.Duration) (storage.Record, error) {
	payload := plain
	if e.cipher != nil {
		enc, err := e.cipher.Encrypt(plain, []byte(key))
		if err != nil {
			return storage.Record{}, ErrEncrypt.WithCause(err)
		}
		payload = enc
	}

	var expiresAt int64
	if ttl > 0 {
		expiresAt = e.clock().Add(ttl).UnixMilli()
	}

	return storage.Record{
		Payload:   payload,
		ExpiresAt: expiresAt,
		Encrypted: e.cipher != nil,
	}, nil
}

// open reverses seal, enforcing the namespace's encryption state. The
// ciphertext is bound to its key, so a record copied under another key
// fails to decrypt.
func (e *Engine) open(key string, rec storage.Record) ([]byte, error) {
	if rec.Encrypted != (e.cipher != nil) {
		return nil, ErrEncryptionMismatch.WithDetails("key " + key)
	}
	if !rec.Encrypted {
		return rec.Payload, nil
	}

	plain, err := e.cipher.Decrypt(rec.Payload, []byte(key))
	if err != nil {
		return nil, ErrDecrypt.WithCause(err)
	}
	return plain, nil
}

// liveRecord reads a record, lazily evicting it when its deadline has
// passed. The second return is false for absent and expired keys.
func (e *Engine) liveRecord(ctx context.Context, key string) (storage.Record, bool, error) {
	rec, found, err := e.backend.Read(ctx, key)
	if err != nil {
		return storage.Record{}, false, storeErr(err)
	}
	if !found {
		return storage.Record{}, false, nil
	}

	if rec.ExpiresAt != 0 && e.clock().UnixMilli() >= rec.ExpiresAt {
		e.evict(ctx, key)
		return storage.Record{}, false, nil
	}
	return rec, true, nil
}

// evict removes an expired entry and notifies its watchers.
func (e *Engine) evict(ctx context.Context, key string) {
	if err := e.backend.Remove(ctx, key); err != nil {
		e.cfg.Logger.Warn("failed to evict expired entry",
			"namespace", e.cfg.Name,
			"key", key,
			"error", err)
		return
	}
	e.index.Forget(key)
	e.notifier.PublishDeleted(key)
	e.metrics.countExpired(1)
}

// getBytes runs the common read path: fetch, expiry check, decrypt.
func (e *Engine) getBytes(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	if err := e.ready(); err != nil {
		return nil, false, err
	}

	rec, found, err := e.liveRecord(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}

	plain, err := e.open(key, rec)
	if err != nil {
		return nil, false, err
	}
	e.metrics.countRead(1)
	return plain, true, nil
}

// Contains reports whether a key is present and not expired.
func (e *Engine) Contains(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	if err := e.ready(); err != nil {
		return false, err
	}

	_, found, err := e.liveRecord(ctx, key)
	return found, err
}

// IsExpired reports whether a key carries a deadline that has passed.
// Checking never evicts; absent keys and keys without a deadline report
// false.
func (e *Engine) IsExpired(key string) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	return e.index.IsExpired(key, e.clock()), nil
}

// ExpiresAt returns a key's expiry deadline. The second return is false
// when the key carries no deadline.
func (e *Engine) ExpiresAt(key string) (time.Time, bool, error) {
	if err := e.ready(); err != nil {
		return time.Time{}, false, err
	}

	d := e.index.Deadline(key)
	if d == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(d), true, nil
}

// Delete removes a key and publishes a deletion event to its watchers.
// Deleting an absent key is a no-op.
func (e *Engine) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := e.ready(); err != nil {
		return err
	}

	_, found, err := e.backend.Read(ctx, key)
	if err != nil {
		return storeErr(err)
	}
	if !found {
		return nil
	}

	if err := e.backend.Remove(ctx, key); err != nil {
		return storeErr(err)
	}
	e.index.Forget(key)
	e.notifier.PublishDeleted(key)
	e.metrics.countDelete(1)
	return nil
}

// DeleteAll removes a group of keys with one durability flush, publishing
// one deletion event per key that was actually present.
func (e *Engine) DeleteAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := e.ready(); err != nil {
		return err
	}

	present := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			return ErrEmptyKey
		}
		_, found, err := e.backend.Read(ctx, key)
		if err != nil {
			return storeErr(err)
		}
		if found {
			present = append(present, key)
		}
	}
	if len(present) == 0 {
		return nil
	}

	if err := e.backend.RemoveBatch(ctx, present); err != nil {
		return storeErr(err)
	}
	for _, key := range present {
		e.index.Forget(key)
		e.notifier.PublishDeleted(key)
	}
	e.metrics.countDelete(len(present))
	return nil
}

// Clear removes every entry in the namespace, publishing one deletion
// event per removed key. Clearing an empty namespace is a no-op.
func (e *Engine) Clear(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}

	keys, err := e.backend.Keys(ctx)
	if err != nil {
		return storeErr(err)
	}

	if err := e.backend.Clear(ctx); err != nil {
		return storeErr(err)
	}
	e.index.Clear()
	for _, key := range keys {
		e.notifier.PublishDeleted(key)
	}
	e.metrics.countDelete(len(keys))
	return nil
}

// Keys enumerates all live keys, excluding expired ones. Order is not
// guaranteed.
func (e *Engine) Keys(ctx context.Context) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	keys, err := e.backend.Keys(ctx)
	if err != nil {
		return nil, storeErr(err)
	}

	now := e.clock()
	live := keys[:0]
	for _, key := range keys {
		if !e.index.IsExpired(key, now) {
			live = append(live, key)
		}
	}
	return live, nil
}

// Entries enumerates all live entries as plaintext serialized payloads,
// excluding expired ones.
func (e *Engine) Entries(ctx context.Context) (map[string][]byte, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	now := e.clock().UnixMilli()
	out := make(map[string][]byte)
	var openErr error
	err := e.backend.Scan(ctx, func(key string, rec storage.Record) bool {
		if rec.ExpiresAt != 0 && now >= rec.ExpiresAt {
			return true
		}
		plain, err := e.open(key, rec)
		if err != nil {
			openErr = err
			return false
		}
		out[key] = plain
		return true
	})
	if err != nil {
		return nil, storeErr(err)
	}
	if openErr != nil {
		return nil, openErr
	}
	return out, nil
}

// Size reports the approximate footprint of the namespace in bytes.
func (e *Engine) Size(ctx context.Context) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}

	n, err := e.backend.SizeBytes(ctx)
	if err != nil {
		return 0, storeErr(err)
	}
	return n, nil
}

// Compact reclaims space left by deleted and overwritten entries. It also
// drops entries whose deadline has passed, publishing deletion events for
// them. Safe to call concurrently with reads and writes.
func (e *Engine) Compact(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}

	for _, key := range e.index.Expired(e.clock()) {
		e.evict(ctx, key)
	}

	if err := e.backend.Compact(ctx); err != nil {
		return storeErr(err)
	}
	return nil
}
