package keylock

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockSerializesSameKey(t *testing.T) {
	m := New()

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("pair:1:2")
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected exclusive access, saw %d concurrent holders", maxInside)
	}
	if m.size() != 0 {
		t.Fatalf("expected entries to be released, got %d", m.size())
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	m := New()

	unlockA := m.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := m.Lock("b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on b blocked behind a")
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	m := New()
	unlock := m.Lock("k")
	unlock()
	unlock()

	again := m.Lock("k")
	again()
}

func TestHaltRejectsOnlyThatKey(t *testing.T) {
	m := New()
	m.Halt("bad", "sequence gap")

	err := m.Do("bad", func() error {
		t.Fatalf("fn must not run on halted key")
		return nil
	})
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}

	ran := false
	if err := m.Do("good", func() error { ran = true; return nil }); err != nil {
		t.Fatalf("unexpected error on healthy key: %v", err)
	}
	if !ran {
		t.Fatalf("fn did not run on healthy key")
	}

	if reason := m.Halted()["bad"]; reason != "sequence gap" {
		t.Fatalf("unexpected halt reason: %q", reason)
	}

	m.Resume("bad")
	if m.IsHalted("bad") {
		t.Fatalf("key still halted after resume")
	}
}
