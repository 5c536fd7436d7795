// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package logstore

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atlas-hosting/runner/lib/testutil"
)

func line(text string) Line {
	return Line{AtMs: 1, Stream: Stdout, Line: text}
}

func TestTailReturnsMostRecentInOrder(t *testing.T) {
	store := New(100)
	for i := 0; i < 10; i++ {
		store.Append(line(fmt.Sprintf("line-%d", i)))
	}

	tail := store.Tail(3)
	if len(tail) != 3 {
		t.Fatalf("Tail(3) returned %d lines", len(tail))
	}
	for i, expected := range []string{"line-7", "line-8", "line-9"} {
		if tail[i].Line != expected {
			t.Fatalf("tail[%d] = %q, want %q", i, tail[i].Line, expected)
		}
	}

	if got := store.Tail(0); got != nil {
		t.Fatalf("Tail(0) = %v, want nil", got)
	}
	if got := store.Tail(1000); len(got) != 10 {
		t.Fatalf("Tail beyond count returned %d lines, want 10", len(got))
	}
}

func TestRingNeverExceedsMax(t *testing.T) {
	store := New(5)
	for i := 0; i < 1000; i++ {
		store.Append(line(fmt.Sprintf("line-%d", i)))
	}

	if store.Len() != 5 {
		t.Fatalf("retained %d lines, want 5", store.Len())
	}
	tail := store.Tail(5)
	if tail[0].Line != "line-995" || tail[4].Line != "line-999" {
		t.Fatalf("oldest retained = %q, newest = %q", tail[0].Line, tail[4].Line)
	}
}

func TestSubscribeDeliversLiveLines(t *testing.T) {
	store := New(10)
	lines, cancel := store.Subscribe()
	defer cancel()

	store.Append(line("hello"))
	received := testutil.RequireReceive(t, lines, 5*time.Second, "live line")
	if received.Line != "hello" {
		t.Fatalf("received %q", received.Line)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	store := New(10)
	_, cancel := store.Subscribe()
	defer cancel()

	// Nobody drains the subscription. Appending far more lines than
	// the buffer holds must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			store.Append(line("flood"))
		}
		close(done)
	}()
	testutil.RequireClosed(t, done, 5*time.Second, "append with saturated subscriber")
}

func TestCancelUnsubscribes(t *testing.T) {
	store := New(10)
	lines, cancel := store.Subscribe()
	cancel()

	// Appending after cancel must not panic, and the channel is closed.
	store.Append(line("after-cancel"))
	if _, ok := <-lines; ok {
		t.Fatal("expected closed channel after cancel")
	}
	// Cancel is idempotent.
	cancel()
}

func TestConcurrentAppendAndCancel(t *testing.T) {
	store := New(10)

	// Appenders racing subscriber cancellation must never send on a
	// closed channel.
	stop := make(chan struct{})
	var writers sync.WaitGroup
	for i := 0; i < 4; i++ {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					store.Append(line("churn"))
				}
			}
		}()
	}

	for i := 0; i < 2000; i++ {
		_, cancel := store.Subscribe()
		cancel()
	}

	close(stop)
	writers.Wait()
}

func TestCaptureLines(t *testing.T) {
	store := New(10)
	reader, writer := io.Pipe()

	done := make(chan struct{})
	go func() {
		store.CaptureLines(reader, Stderr, func() time.Time { return time.UnixMilli(42) })
		close(done)
	}()

	io.Copy(writer, strings.NewReader("first\nsecond\n"))
	writer.Close()
	testutil.RequireClosed(t, done, 5*time.Second, "capture to finish")

	tail := store.Tail(10)
	if len(tail) != 2 {
		t.Fatalf("captured %d lines, want 2", len(tail))
	}
	if tail[0].Line != "first" || tail[1].Line != "second" {
		t.Fatalf("captured %q, %q", tail[0].Line, tail[1].Line)
	}
	if tail[0].Stream != Stderr || tail[0].AtMs != 42 {
		t.Fatalf("line metadata wrong: %+v", tail[0])
	}
}
