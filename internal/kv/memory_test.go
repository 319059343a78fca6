package kv

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryGetSetDelete(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "k1", []byte("v1"), 0); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if string(v) != "v1" {
		t.Errorf("unexpected value %q", v)
	}

	if err := s.Delete(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "k1"); ok {
		t.Error("expected miss after delete")
	}
}

func TestMemoryExpiry(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "short", []byte("x"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "short"); ok {
		t.Error("expected expired key to be a miss")
	}
}

func TestMemorySetNX(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "tok", []byte("1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX should succeed, ok=%v err=%v", ok, err)
	}
	ok, _ = s.SetNX(ctx, "tok", []byte("2"), time.Minute)
	if ok {
		t.Error("second SetNX should fail")
	}
}

func TestMemoryIncrAtomic(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	const workers = 20
	const perWorker = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := s.Incr(ctx, "counter", time.Minute); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	n, err := s.Incr(ctx, "counter", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != workers*perWorker+1 {
		t.Errorf("expected %d, got %d", workers*perWorker+1, n)
	}
}

func TestMemoryIncrTTLOnCreate(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	s.Incr(ctx, "w", 20*time.Millisecond)
	s.Incr(ctx, "w", 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	// Counter restarts once the window expires.
	n, _ := s.Incr(ctx, "w", 20*time.Millisecond)
	if n != 1 {
		t.Errorf("expected counter reset after expiry, got %d", n)
	}
}

func TestMemoryDeleteByPrefix(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "cache:/api/a:1", []byte("a"), 0)
	s.Set(ctx, "cache:/api/a:2", []byte("b"), 0)
	s.Set(ctx, "cache:/api/b:1", []byte("c"), 0)

	n, err := s.DeleteByPrefix(ctx, "cache:/api/a")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 deleted, got %d", n)
	}
	if _, ok, _ := s.Get(ctx, "cache:/api/b:1"); !ok {
		t.Error("unrelated key should survive")
	}
}

func TestMemoryKeys(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "rate:1.2.3.4:/a:100", []byte("1"), 0)
	s.Set(ctx, "rate:1.2.3.4:/b:100", []byte("2"), 0)
	s.Set(ctx, "rate:5.6.7.8:/a:100", []byte("3"), 0)

	keys, err := s.Keys(ctx, "rate:1.2.3.4:")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 keys, got %v", keys)
	}
}

func TestMemoryPushCap(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	for i := byte('a'); i <= 'e'; i++ {
		s.PushCap(ctx, "ring", []byte{i}, 3, time.Minute)
	}

	vals, err := s.ListRange(ctx, "ring", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(vals))
	}
	// Most recent first.
	if string(vals[0]) != "e" || string(vals[2]) != "c" {
		t.Errorf("unexpected ring contents: %q %q %q", vals[0], vals[1], vals[2])
	}
}
