package keybox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/yndnr/keybox-go/internal/storage/mock"
)

func testConfig(t *testing.T, mode Mode) Config {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.Mode = mode
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

type account struct {
	Owner   string   `json:"owner"`
	Balance int64    `json:"balance"`
	Tags    []string `json:"tags,omitempty"`
}

func TestRoundTrip(t *testing.T) {
	for _, mode := range []Mode{ModeEager, ModeOnDemand} {
		t.Run(string(mode), func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t, testConfig(t, mode))

			if err := Save(ctx, e, "str", "hello"); err != nil {
				t.Fatalf("Save(string) error: %v", err)
			}
			if err := Save(ctx, e, "int", 42); err != nil {
				t.Fatalf("Save(int) error: %v", err)
			}
			if err := Save(ctx, e, "float", 3.5); err != nil {
				t.Fatalf("Save(float) error: %v", err)
			}
			if err := Save(ctx, e, "bool", true); err != nil {
				t.Fatalf("Save(bool) error: %v", err)
			}
			if err := Save(ctx, e, "list", []string{"a", "b"}); err != nil {
				t.Fatalf("Save(list) error: %v", err)
			}
			acct := account{Owner: "ada", Balance: 1200, Tags: []string{"vip"}}
			if err := SaveObject(ctx, e, "acct", acct); err != nil {
				t.Fatalf("SaveObject error: %v", err)
			}

			if v, ok, err := Get[string](ctx, e, "str"); err != nil || !ok || v != "hello" {
				t.Fatalf("Get(str) = (%q, %v, %v)", v, ok, err)
			}
			if v, ok, err := Get[int](ctx, e, "int"); err != nil || !ok || v != 42 {
				t.Fatalf("Get(int) = (%d, %v, %v)", v, ok, err)
			}
			if v, ok, err := Get[float64](ctx, e, "float"); err != nil || !ok || v != 3.5 {
				t.Fatalf("Get(float) = (%v, %v, %v)", v, ok, err)
			}
			if v, ok, err := Get[bool](ctx, e, "bool"); err != nil || !ok || !v {
				t.Fatalf("Get(bool) = (%v, %v, %v)", v, ok, err)
			}
			if v, ok, err := Get[[]string](ctx, e, "list"); err != nil || !ok || len(v) != 2 || v[1] != "b" {
				t.Fatalf("Get(list) = (%v, %v, %v)", v, ok, err)
			}
			got, ok, err := GetObject[account](ctx, e, "acct")
			if err != nil || !ok {
				t.Fatalf("GetObject = (%v, %v)", ok, err)
			}
			if got.Owner != "ada" || got.Balance != 1200 || len(got.Tags) != 1 {
				t.Fatalf("GetObject = %+v, want %+v", got, acct)
			}
		})
	}
}

func TestOverwriteLastWriteWins(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t, ModeEager))

	if err := Save(ctx, e, "count", 1); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := Save(ctx, e, "count", 2); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if v, ok, err := Get[int](ctx, e, "count"); err != nil || !ok || v != 2 {
		t.Fatalf("Get(count) = (%d, %v, %v), want 2", v, ok, err)
	}
}

func TestGetMissingAndDefault(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t, ModeEager))

	if _, ok, err := Get[string](ctx, e, "absent"); err != nil || ok {
		t.Fatalf("Get(absent) = (%v, %v), want miss without error", ok, err)
	}
	if v, err := GetOr(ctx, e, "absent", "fallback"); err != nil || v != "fallback" {
		t.Fatalf("GetOr(absent) = (%q, %v)", v, err)
	}
	if v, err := GetOr(ctx, e, "absent", 7); err != nil || v != 7 {
		t.Fatalf("GetOr(absent int) = (%d, %v)", v, err)
	}
}

func TestDecodeMismatchIsNotAMiss(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t, ModeEager))

	if err := Save(ctx, e, "word", "abc"); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	_, _, err := Get[int](ctx, e, "word")
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("Get with wrong type = %v, want ErrDecode", err)
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t, ModeEager))

	if err := Save(ctx, e, "", 1); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("Save(empty key) = %v, want ErrEmptyKey", err)
	}
	if _, _, err := Get[int](ctx, e, ""); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("Get(empty key) = %v, want ErrEmptyKey", err)
	}
	if err := e.Delete(ctx, ""); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("Delete(empty key) = %v, want ErrEmptyKey", err)
	}
}

func TestExpiration(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t, ModeEager))

	base := time.Now()
	now := base
	var clockMu sync.Mutex
	e.clock = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		now = now.Add(d)
		clockMu.Unlock()
	}

	if err := SaveWithTTL(ctx, e, "tok", "xyz", time.Second); err != nil {
		t.Fatalf("SaveWithTTL error: %v", err)
	}

	// Just before the deadline the value is still there.
	advance(time.Second - time.Millisecond)
	if v, ok, err := Get[string](ctx, e, "tok"); err != nil || !ok || v != "xyz" {
		t.Fatalf("Get before deadline = (%q, %v, %v)", v, ok, err)
	}
	if exp, _ := e.IsExpired("tok"); exp {
		t.Fatal("IsExpired before deadline = true")
	}

	// Just past it the key is logically absent.
	advance(2 * time.Millisecond)
	if exp, _ := e.IsExpired("tok"); !exp {
		t.Fatal("IsExpired past deadline = false")
	}
	if _, ok, err := Get[string](ctx, e, "tok"); err != nil || ok {
		t.Fatalf("Get past deadline = (%v, %v), want miss", ok, err)
	}

	// The read evicted it physically too.
	if _, found, err := e.backend.Read(ctx, "tok"); err != nil || found {
		t.Fatalf("backend still holds evicted key: (%v, %v)", found, err)
	}
}

func TestOverwriteClearsTTL(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t, ModeEager))

	now := time.Now()
	e.clock = func() time.Time { return now }

	if err := SaveWithTTL(ctx, e, "k", "v1", time.Second); err != nil {
		t.Fatalf("SaveWithTTL error: %v", err)
	}
	if err := Save(ctx, e, "k", "v2"); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	now = now.Add(time.Hour)
	if v, ok, err := Get[string](ctx, e, "k"); err != nil || !ok || v != "v2" {
		t.Fatalf("Get after old TTL = (%q, %v, %v), want v2", v, ok, err)
	}
	if exp, _ := e.IsExpired("k"); exp {
		t.Fatal("IsExpired after plain overwrite = true")
	}
}

func TestReSaveWithTTLResetsDeadline(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t, ModeEager))

	now := time.Now()
	e.clock = func() time.Time { return now }

	if err := SaveWithTTL(ctx, e, "k", "v1", time.Second); err != nil {
		t.Fatalf("SaveWithTTL error: %v", err)
	}
	now = now.Add(900 * time.Millisecond)
	if err := SaveWithTTL(ctx, e, "k", "v2", time.Second); err != nil {
		t.Fatalf("SaveWithTTL error: %v", err)
	}

	// The original deadline has passed but the reset one has not.
	now = now.Add(500 * time.Millisecond)
	if v, ok, err := Get[string](ctx, e, "k"); err != nil || !ok || v != "v2" {
		t.Fatalf("Get after reset = (%q, %v, %v), want v2", v, ok, err)
	}
}

func TestBatchAtomicity(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t, ModeEager))

	stop := make(chan struct{})
	fail := make(chan string, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			// Once a is visible the batch has committed, so b must be too.
			aPresent, err := e.Contains(ctx, "a")
			if err != nil {
				return
			}
			if aPresent {
				bPresent, err := e.Contains(ctx, "b")
				if err != nil {
					return
				}
				if !bPresent {
					select {
					case fail <- "observed a without b":
					default:
					}
					return
				}
			}
		}
	}()

	if err := SaveAll(ctx, e, map[string]int{"a": 1, "b": 2}); err != nil {
		t.Fatalf("SaveAll error: %v", err)
	}
	close(stop)
	wg.Wait()

	select {
	case msg := <-fail:
		t.Fatal(msg)
	default:
	}

	for _, key := range []string{"a", "b"} {
		if ok, err := e.Contains(ctx, key); err != nil || !ok {
			t.Fatalf("Contains(%s) after SaveAll = (%v, %v)", key, ok, err)
		}
	}
}

func TestDeleteEmitsExactlyOneNilEvent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t, ModeEager))

	w, err := Watch[string](e, "k")
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	defer w.Cancel()

	if err := Save(ctx, e, "k", "v"); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := e.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	// A second delete of an absent key emits nothing.
	if err := e.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete(absent) error: %v", err)
	}

	ev := recvWatch(t, w.C)
	if ev.Value == nil || *ev.Value != "v" {
		t.Fatalf("first event = %+v, want value v", ev)
	}
	ev = recvWatch(t, w.C)
	if ev.Value != nil || ev.Err != nil {
		t.Fatalf("second event = %+v, want deletion", ev)
	}

	select {
	case ev := <-w.C:
		t.Fatalf("unexpected third event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func recvWatch[T any](t *testing.T, ch <-chan WatchEvent[T]) WatchEvent[T] {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("watch channel closed while waiting for event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch event")
	}
	return WatchEvent[T]{}
}

func TestWatchDecodeFailureKeepsStreamOpen(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t, ModeEager))

	w, err := Watch[int](e, "k")
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	defer w.Cancel()

	if err := Save(ctx, e, "k", "not-a-number"); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := Save(ctx, e, "k", 5); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	ev := recvWatch(t, w.C)
	if !errors.Is(ev.Err, ErrDecode) {
		t.Fatalf("first event err = %v, want ErrDecode", ev.Err)
	}
	ev = recvWatch(t, w.C)
	if ev.Err != nil || ev.Value == nil || *ev.Value != 5 {
		t.Fatalf("second event = %+v, want value 5", ev)
	}
}

func TestWatchDoesNotReplayCurrentValue(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t, ModeEager))

	if err := Save(ctx, e, "k", "existing"); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	w, err := Watch[string](e, "k")
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	defer w.Cancel()

	select {
	case ev := <-w.C:
		t.Fatalf("subscription replayed current value: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	if err := Save(ctx, e, "k", "changed"); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	ev := recvWatch(t, w.C)
	if ev.Value == nil || *ev.Value != "changed" {
		t.Fatalf("event = %+v, want changed", ev)
	}
}

func TestWatchCancelLeavesSiblings(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t, ModeEager))

	w1, err := Watch[int](e, "k")
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	w2, err := Watch[int](e, "k")
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	defer w2.Cancel()

	w1.Cancel()
	w1.Cancel() // idempotent

	if err := Save(ctx, e, "k", 1); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	ev := recvWatch(t, w2.C)
	if ev.Value == nil || *ev.Value != 1 {
		t.Fatalf("sibling event = %+v, want 1", ev)
	}
}

func TestCloseTerminatesWatches(t *testing.T) {
	e := newTestEngine(t, testConfig(t, ModeEager))

	w, err := Watch[int](e, "k")
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	select {
	case _, ok := <-w.C:
		if ok {
			t.Fatal("received event after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed after Close")
	}
}

func TestClearIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t, ModeEager))

	if err := SaveAll(ctx, e, map[string]int{"a": 1, "b": 2}); err != nil {
		t.Fatalf("SaveAll error: %v", err)
	}

	w, err := Watch[int](e, "a")
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	defer w.Cancel()

	if err := e.Clear(ctx); err != nil {
		t.Fatalf("Clear error: %v", err)
	}
	keys, err := e.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys error: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("Keys after Clear = %v, want empty", keys)
	}

	if err := e.Clear(ctx); err != nil {
		t.Fatalf("second Clear error: %v", err)
	}

	ev := recvWatch(t, w.C)
	if ev.Value != nil {
		t.Fatalf("clear event = %+v, want deletion", ev)
	}
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t, ModeEager))

	if err := SaveAll(ctx, e, map[string]int{"a": 1, "b": 2, "c": 3}); err != nil {
		t.Fatalf("SaveAll error: %v", err)
	}
	if err := e.DeleteAll(ctx, []string{"a", "c", "missing"}); err != nil {
		t.Fatalf("DeleteAll error: %v", err)
	}

	keys, err := e.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys error: %v", err)
	}
	if len(keys) != 1 || keys[0] != "b" {
		t.Fatalf("Keys = %v, want [b]", keys)
	}
}

func TestKeysAndEntriesExcludeExpired(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t, ModeEager))

	now := time.Now()
	e.clock = func() time.Time { return now }

	if err := Save(ctx, e, "live", 1); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := SaveWithTTL(ctx, e, "dying", 2, time.Second); err != nil {
		t.Fatalf("SaveWithTTL error: %v", err)
	}

	now = now.Add(2 * time.Second)

	keys, err := e.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys error: %v", err)
	}
	if len(keys) != 1 || keys[0] != "live" {
		t.Fatalf("Keys = %v, want [live]", keys)
	}

	entries, err := AllEntries[int](ctx, e)
	if err != nil {
		t.Fatalf("AllEntries error: %v", err)
	}
	if len(entries) != 1 || entries["live"] != 1 {
		t.Fatalf("AllEntries = %v, want only live", entries)
	}

	if ok, err := e.Contains(ctx, "dying"); err != nil || ok {
		t.Fatalf("Contains(dying) = (%v, %v), want false", ok, err)
	}
}

func TestLifecycleStates(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, ModeEager)

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if e.State() != StateUninitialized || e.Initialized() {
		t.Fatalf("fresh engine state = %v", e.State())
	}

	if err := e.Initialize(ctx); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	if e.State() != StateReady {
		t.Fatalf("state after Initialize = %v", e.State())
	}
	// Re-initializing a ready engine is a no-op.
	if err := e.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize error: %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if e.State() != StateClosed || e.Initialized() {
		t.Fatalf("state after Close = %v", e.State())
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}

	if err := Save(ctx, e, "k", 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("Save after Close = %v, want ErrClosed", err)
	}
	if err := e.Initialize(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Initialize after Close = %v, want ErrClosed", err)
	}
}

func TestLifecycleGuardPerformsNoIO(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	spy := mock.NewMockBackend(ctrl)

	e, err := New(testConfig(t, ModeEager))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	// No expectations are set, so any backend call fails the test.
	e.backend = spy

	if err := Save(ctx, e, "k", 1); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Save before Initialize = %v, want ErrNotInitialized", err)
	}
	if _, _, err := Get[int](ctx, e, "k"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Get before Initialize = %v, want ErrNotInitialized", err)
	}
	if err := e.Delete(ctx, "k"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Delete before Initialize = %v, want ErrNotInitialized", err)
	}
	if err := e.Clear(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Clear before Initialize = %v, want ErrNotInitialized", err)
	}
	if _, err := e.Keys(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Keys before Initialize = %v, want ErrNotInitialized", err)
	}
	if _, err := Watch[int](e, "k"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Watch before Initialize = %v, want ErrNotInitialized", err)
	}
}

func TestRestartDurabilityWithTTL(t *testing.T) {
	for _, mode := range []Mode{ModeEager, ModeOnDemand} {
		t.Run(string(mode), func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(t, mode)
			base := time.Now()

			e1, err := New(cfg)
			if err != nil {
				t.Fatalf("New error: %v", err)
			}
			e1.clock = func() time.Time { return base }
			if err := e1.Initialize(ctx); err != nil {
				t.Fatalf("Initialize error: %v", err)
			}

			if err := Save(ctx, e1, "plain", "stays"); err != nil {
				t.Fatalf("Save error: %v", err)
			}
			if err := SaveWithTTL(ctx, e1, "short", "dies", time.Second); err != nil {
				t.Fatalf("SaveWithTTL error: %v", err)
			}
			if err := SaveWithTTL(ctx, e1, "long", "lives", time.Hour); err != nil {
				t.Fatalf("SaveWithTTL error: %v", err)
			}
			if err := e1.Close(); err != nil {
				t.Fatalf("Close error: %v", err)
			}

			// Simulated restart, two seconds later.
			e2, err := New(cfg)
			if err != nil {
				t.Fatalf("New error: %v", err)
			}
			e2.clock = func() time.Time { return base.Add(2 * time.Second) }
			if err := e2.Initialize(ctx); err != nil {
				t.Fatalf("reopen Initialize error: %v", err)
			}
			defer e2.Close()

			if v, ok, err := Get[string](ctx, e2, "plain"); err != nil || !ok || v != "stays" {
				t.Fatalf("Get(plain) after restart = (%q, %v, %v)", v, ok, err)
			}
			if _, ok, err := Get[string](ctx, e2, "short"); err != nil || ok {
				t.Fatalf("Get(short) after restart = (%v, %v), want expired miss", ok, err)
			}
			if v, ok, err := Get[string](ctx, e2, "long"); err != nil || !ok || v != "lives" {
				t.Fatalf("Get(long) after restart = (%q, %v, %v)", v, ok, err)
			}
			if exp, _ := e2.IsExpired("long"); exp {
				t.Fatal("IsExpired(long) after restart = true")
			}
		})
	}
}

func TestNamespaceLocked(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, ModeEager)

	e1 := newTestEngine(t, cfg)
	_ = e1

	e2, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := e2.Initialize(ctx); !errors.Is(err, ErrNamespaceLocked) {
		t.Fatalf("second Initialize = %v, want ErrNamespaceLocked", err)
	}
}

func TestInitializeFailure(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, ModeEager)
	cfg.Dir = "/dev/null/not-a-dir"

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := e.Initialize(ctx); !errors.Is(err, ErrInitialization) {
		t.Fatalf("Initialize = %v, want ErrInitialization", err)
	}
	// A failed Initialize leaves the engine uninitialized, not closed.
	if e.State() != StateUninitialized {
		t.Fatalf("state after failed Initialize = %v", e.State())
	}
}

func TestSizeAndCompact(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t, ModeEager))

	for i := 0; i < 20; i++ {
		if err := Save(ctx, e, "churn", make([]byte, 512)); err != nil {
			t.Fatalf("Save error: %v", err)
		}
	}

	before, err := e.Size(ctx)
	if err != nil {
		t.Fatalf("Size error: %v", err)
	}
	if before == 0 {
		t.Fatal("Size = 0 after writes")
	}

	if err := e.Compact(ctx); err != nil {
		t.Fatalf("Compact error: %v", err)
	}
	after, err := e.Size(ctx)
	if err != nil {
		t.Fatalf("Size error: %v", err)
	}
	if after >= before {
		t.Fatalf("Size after Compact = %d, want < %d", after, before)
	}

	if ok, err := e.Contains(ctx, "churn"); err != nil || !ok {
		t.Fatalf("Contains(churn) after Compact = (%v, %v)", ok, err)
	}
}

func TestCompactEvictsExpired(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t, ModeEager))

	now := time.Now()
	e.clock = func() time.Time { return now }

	if err := SaveWithTTL(ctx, e, "dead", 1, time.Second); err != nil {
		t.Fatalf("SaveWithTTL error: %v", err)
	}
	now = now.Add(2 * time.Second)

	if err := e.Compact(ctx); err != nil {
		t.Fatalf("Compact error: %v", err)
	}
	if _, found, err := e.backend.Read(ctx, "dead"); err != nil || found {
		t.Fatalf("expired key survived Compact: (%v, %v)", found, err)
	}
}

func TestBackgroundSweep(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, ModeEager)
	cfg.Sweep.Interval = 10 * time.Millisecond
	cfg.Sweep.RatePerSec = 1000

	e := newTestEngine(t, cfg)

	if err := SaveWithTTL(ctx, e, "soon", "gone", 20*time.Millisecond); err != nil {
		t.Fatalf("SaveWithTTL error: %v", err)
	}

	// The sweeper must remove it without any read touching the key.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, found, err := e.backend.Read(ctx, "soon")
		if err != nil {
			t.Fatalf("backend read error: %v", err)
		}
		if !found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not evict expired key")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
