// Package expiry maintains the expiry deadline index for a namespace.
//
// The index is a side table from key to absolute deadline. It never touches
// the backing medium itself: the engine consults it on reads (lazy
// eviction) and the sweeper consults it in the background, and both perform
// the actual deletions through the backend.
package expiry

import (
	"time"

	"github.com/yndnr/keybox-go/pkg/cmap"
)

// Index tracks which keys carry an expiry deadline.
type Index struct {
	deadlines *cmap.Map[int64]
}

// NewIndex returns an empty deadline index.
func NewIndex() *Index {
	return &Index{deadlines: cmap.New[int64]()}
}

// Record sets or clears the deadline for a key. A zero deadline means the
// key never expires and drops it from the index.
func (x *Index) Record(key string, deadline int64) {
	if deadline == 0 {
		x.deadlines.Delete(key)
		return
	}
	x.deadlines.Set(key, deadline)
}

// Forget drops a key from the index.
func (x *Index) Forget(key string) {
	x.deadlines.Delete(key)
}

// Clear drops every deadline.
func (x *Index) Clear() {
	x.deadlines.Clear()
}

// Deadline returns the deadline for a key, or zero when the key has none.
func (x *Index) Deadline(key string) int64 {
	d, _ := x.deadlines.Get(key)
	return d
}

// IsExpired reports whether the key's deadline has passed at the given
// instant. It is side-effect free: checking never evicts.
func (x *Index) IsExpired(key string, now time.Time) bool {
	d, ok := x.deadlines.Get(key)
	if !ok {
		return false
	}
	return now.UnixMilli() >= d
}

// Expired returns the keys whose deadline has passed at the given instant.
func (x *Index) Expired(now time.Time) []string {
	ms := now.UnixMilli()
	var out []string
	x.deadlines.Range(func(key string, d int64) bool {
		if ms >= d {
			out = append(out, key)
		}
		return true
	})
	return out
}

// Len returns the number of indexed deadlines.
func (x *Index) Len() int {
	return x.deadlines.Count()
}
