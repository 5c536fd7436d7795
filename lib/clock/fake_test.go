// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	fake := Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	done := fake.After(2 * time.Second)

	select {
	case <-done:
		t.Fatal("timer fired before the clock advanced")
	default:
	}

	fake.Advance(1 * time.Second)
	select {
	case <-done:
		t.Fatal("timer fired one second early")
	default:
	}

	fake.Advance(1 * time.Second)
	select {
	case at := <-done:
		expected := time.Date(2026, 3, 1, 0, 0, 2, 0, time.UTC)
		if !at.Equal(expected) {
			t.Fatalf("fired at %v, want %v", at, expected)
		}
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) should deliver immediately")
	}
}

func TestFakeTickerFiresPerInterval(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))
	ticker := fake.NewTicker(10 * time.Second)
	defer ticker.Stop()

	// An advance spanning three intervals delivers at most one tick
	// per drain because the channel holds one tick (drop-if-full).
	fake.Advance(30 * time.Second)

	ticks := 0
	for {
		select {
		case <-ticker.C:
			ticks++
		default:
			goto drained
		}
	}
drained:
	if ticks != 1 {
		t.Fatalf("expected 1 buffered tick after a spanning advance, got %d", ticks)
	}

	fake.Advance(10 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire on the next interval")
	}
}

func TestFakeTickerStop(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	ticker := fake.NewTicker(time.Second)
	ticker.Stop()

	fake.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
	if fake.PendingWaiters() != 0 {
		t.Fatalf("stopped ticker still registered: %d waiters", fake.PendingWaiters())
	}
}

func TestFakeSleepBlocksUntilAdvance(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	woke := make(chan struct{})

	go func() {
		fake.Sleep(3 * time.Second)
		close(woke)
	}()

	// Wait for the sleeper to register before advancing.
	for fake.PendingWaiters() == 0 {
		time.Sleep(time.Millisecond)
	}

	fake.Advance(3 * time.Second)
	select {
	case <-woke:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return after the clock advanced")
	}
}
