package keybox

import (
	"context"
	"sync"
	"time"

	"github.com/yndnr/keybox-go/internal/notify"
	"github.com/yndnr/keybox-go/pkg/codec"
)

// The typed surface lives in package-level generic functions because
// methods cannot carry their own type parameters.

// Save serializes a value and writes it under key, clearing any prior
// deadline the key carried.
func Save[T any](ctx context.Context, e *Engine, key string, value T) error {
	return SaveWithTTL(ctx, e, key, value, 0)
}

// SaveObject writes an arbitrary structured value through the codec's
// object path. It behaves exactly like Save; it exists so call sites can
// state that a record, not a primitive, is being stored.
func SaveObject[T any](ctx context.Context, e *Engine, key string, value T) error {
	return SaveWithTTL(ctx, e, key, value, 0)
}

// SaveWithTTL serializes a value and writes it under key with a deadline
// of now+ttl. The ttl converts to an absolute deadline once, at write
// time; later clock changes do not move it. A zero ttl stores the value
// without a deadline.
func SaveWithTTL[T any](ctx context.Context, e *Engine, key string, value T, ttl time.Duration) error {
	plain, err := e.codec.Marshal(value)
	if err != nil {
		return ErrEncode.WithCause(err)
	}
	return e.putBytes(ctx, key, plain, ttl)
}

// SaveAll writes a group of values with one durability flush. The batch
// is all-or-nothing for concurrent readers: once SaveAll returns, either
// every entry is readable or none is. Notifications go out per key after
// the batch commits. Each entry's prior deadline is cleared.
func SaveAll[T any](ctx context.Context, e *Engine, entries map[string]T) error {
	return SaveAllWithTTL(ctx, e, entries, 0)
}

// SaveAllWithTTL is SaveAll with one deadline of now+ttl applied to every
// entry in the batch.
func SaveAllWithTTL[T any](ctx context.Context, e *Engine, entries map[string]T, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}

	plain := make(map[string][]byte, len(entries))
	for key, value := range entries {
		data, err := e.codec.Marshal(value)
		if err != nil {
			return ErrEncode.WithCause(err)
		}
		plain[key] = data
	}
	return e.putBytesBatch(ctx, plain, ttl)
}

// Get reads and decodes the value under key. The second return is false
// when the key is absent or expired; a present payload that cannot decode
// into T is an ErrDecode, not a miss.
func Get[T any](ctx context.Context, e *Engine, key string) (T, bool, error) {
	var zero T

	plain, found, err := e.getBytes(ctx, key)
	if err != nil || !found {
		return zero, false, err
	}

	v, err := codec.Decode[T](e.codec, plain)
	if err != nil {
		return zero, false, ErrDecode.WithCause(err)
	}
	return v, true, nil
}

// GetOr reads the value under key, returning def when the key is absent
// or expired. Decode and I/O failures still surface as errors.
func GetOr[T any](ctx context.Context, e *Engine, key string, def T) (T, error) {
	v, found, err := Get[T](ctx, e, key)
	if err != nil {
		return def, err
	}
	if !found {
		return def, nil
	}
	return v, nil
}

// GetObject reads an arbitrary structured value. It behaves exactly like
// Get; see SaveObject.
func GetObject[T any](ctx context.Context, e *Engine, key string) (T, bool, error) {
	return Get[T](ctx, e, key)
}

// AllEntries enumerates all live entries decoded as T, excluding expired
// ones.
func AllEntries[T any](ctx context.Context, e *Engine) (map[string]T, error) {
	raw, err := e.Entries(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]T, len(raw))
	for key, plain := range raw {
		v, err := codec.Decode[T](e.codec, plain)
		if err != nil {
			return nil, ErrDecode.WithCause(err).WithDetails("key " + key)
		}
		out[key] = v
	}
	return out, nil
}

// WatchEvent is one change observed on a watched key.
type WatchEvent[T any] struct {
	// Value is the decoded post-write value; nil when the key was deleted,
	// expired, or cleared.
	Value *T

	// Err is set when an emitted payload failed to decode into T. The
	// subscription stays open; only this emission is lost.
	Err error
}

// Watcher is one subscriber's handle on a key's change feed. A watcher
// that is no longer needed must be cancelled; abandoning C without
// Cancel leaks its delivery goroutine.
type Watcher[T any] struct {
	// C delivers events in commit order until Cancel or engine Close.
	C <-chan WatchEvent[T]

	sub  *notify.Subscription
	done chan struct{}
	once sync.Once
}

// Cancel detaches the watcher and closes C. Other watchers of the same
// key are unaffected. Safe to call repeatedly.
func (w *Watcher[T]) Cancel() {
	w.once.Do(func() {
		w.sub.Cancel()
		close(w.done)
	})
}

// Watch subscribes to changes of one key. Every committed write to the
// key emits its decoded value; deletion, expiry eviction, and clear emit
// a nil-value event. The current value is not replayed on subscription:
// callers needing it issue a Get first. The feed is unbounded, so a slow
// consumer delays only itself.
func Watch[T any](e *Engine, key string) (*Watcher[T], error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if err := e.ready(); err != nil {
		return nil, err
	}

	sub := e.notifier.Subscribe(key)
	out := make(chan WatchEvent[T])
	done := make(chan struct{})

	go func() {
		defer close(out)
		for ev := range sub.C {
			var wev WatchEvent[T]
			if !ev.Deleted {
				v, err := codec.Decode[T](e.codec, ev.Payload)
				if err != nil {
					wev.Err = ErrDecode.WithCause(err)
				} else {
					wev.Value = &v
				}
			}
			select {
			case out <- wev:
			case <-done:
				return
			}
		}
	}()

	return &Watcher[T]{C: out, sub: sub, done: done}, nil
}
