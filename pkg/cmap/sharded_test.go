package cmap

import (
	"fmt"
	"sync"
	"testing"
)

func TestMap_SetGetDelete(t *testing.T) {
	m := New[int]()

	m.Set("a", 1)
	m.Set("b", 2)

	if v, ok := m.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v, want 1, true", v, ok)
	}
	if m.Count() != 2 {
		t.Fatalf("Count = %d, want 2", m.Count())
	}

	m.Delete("a")
	if m.Has("a") {
		t.Fatal("Has(a) = true after Delete")
	}
}

func TestMap_Pop(t *testing.T) {
	m := New[string]()
	m.Set("k", "v")

	v, ok := m.Pop("k")
	if !ok || v != "v" {
		t.Fatalf("Pop = %q, %v, want v, true", v, ok)
	}
	if _, ok := m.Pop("k"); ok {
		t.Fatal("second Pop returned ok")
	}
}

func TestMap_Clear(t *testing.T) {
	m := New[int]()
	for i := 0; i < 100; i++ {
		m.Set(fmt.Sprintf("k%d", i), i)
	}

	m.Clear()
	if m.Count() != 0 {
		t.Fatalf("Count after Clear = %d, want 0", m.Count())
	}
}

func TestMap_KeysAndSnapshot(t *testing.T) {
	m := New[int]()
	m.Set("x", 1)
	m.Set("y", 2)

	keys := m.Keys()
	if len(keys) != 2 {
		t.Fatalf("len(Keys) = %d, want 2", len(keys))
	}

	snap := m.Snapshot()
	if snap["x"] != 1 || snap["y"] != 2 {
		t.Fatalf("Snapshot = %v", snap)
	}
}

func TestMap_InvalidShardCountFallsBack(t *testing.T) {
	m := NewWithShards[int](7)
	if m.ShardCount() != DefaultShardCount {
		t.Fatalf("ShardCount = %d, want %d", m.ShardCount(), DefaultShardCount)
	}
}

func TestMap_ConcurrentAccess(t *testing.T) {
	m := New[int]()
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d-%d", n, j)
				m.Set(key, j)
				m.Get(key)
			}
		}(i)
	}
	wg.Wait()

	if m.Count() != 1600 {
		t.Fatalf("Count = %d, want 1600", m.Count())
	}
}
