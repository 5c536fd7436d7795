// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

// Package logstore retains recent server and daemon output in a
// bounded in-memory ring and fans live lines out to subscribers. Log
// capture must never apply backpressure to the child process, so the
// ring is guarded by a plain mutex held only for the append, and slow
// subscribers drop lines instead of blocking the writer.
package logstore

import (
	"bufio"
	"io"
	"sync"
	"time"
)

// Stream identifies which pipe a line arrived on.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one captured log line.
type Line struct {
	// AtMs is the capture time in Unix milliseconds.
	AtMs   int64  `json:"at_ms"`
	Stream Stream `json:"stream"`
	Line   string `json:"line"`
}

// subscriberBuffer is the per-subscriber channel capacity. A follower
// that falls more than this many lines behind starts losing lines;
// the tail endpoint exists for catching up.
const subscriberBuffer = 256

// Store is a bounded line ring with live fan-out. All methods are safe
// for concurrent use.
type Store struct {
	mutex sync.Mutex

	// lines is a circular buffer of the most recent maxLines entries.
	lines []Line
	// start is the index of the oldest retained line.
	start int
	// count is how many lines are currently retained.
	count    int
	maxLines int

	subscribers map[int]chan Line
	nextSubID   int
}

// New creates a store retaining at most maxLines lines. Panics if
// maxLines is not positive.
func New(maxLines int) *Store {
	if maxLines <= 0 {
		panic("logstore: non-positive maxLines")
	}
	return &Store{
		lines:       make([]Line, maxLines),
		maxLines:    maxLines,
		subscribers: make(map[int]chan Line),
	}
}

// Append records a line, evicting the oldest retained line when the
// ring is full, and delivers it to every live subscriber. Subscribers
// whose buffers are full miss the line; Append never blocks.
func (s *Store) Append(line Line) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.count == s.maxLines {
		s.lines[s.start] = line
		s.start = (s.start + 1) % s.maxLines
	} else {
		s.lines[(s.start+s.count)%s.maxLines] = line
		s.count++
	}

	// Fan out under the mutex: the sends are non-blocking, and holding
	// the lock means a concurrent cancel cannot close a channel
	// between the subscriber snapshot and the send.
	for _, channel := range s.subscribers {
		select {
		case channel <- line:
		default:
		}
	}
}

// Tail returns at most n of the most recent lines in arrival order.
// n <= 0 returns nil.
func (s *Store) Tail(n int) []Line {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if n <= 0 {
		return nil
	}
	if n > s.count {
		n = s.count
	}
	result := make([]Line, n)
	firstIndex := s.count - n
	for i := 0; i < n; i++ {
		result[i] = s.lines[(s.start+firstIndex+i)%s.maxLines]
	}
	return result
}

// Len returns how many lines are currently retained.
func (s *Store) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.count
}

// Subscribe registers a live follower. The returned channel receives
// every line appended after the call, up to the follower's buffer
// capacity. Call cancel to unregister; the channel is closed by cancel.
func (s *Store) Subscribe() (<-chan Line, func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	id := s.nextSubID
	s.nextSubID++
	channel := make(chan Line, subscriberBuffer)
	s.subscribers[id] = channel

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Close under the same mutex Append sends under, so the
			// channel can never be closed mid-send.
			s.mutex.Lock()
			delete(s.subscribers, id)
			close(channel)
			s.mutex.Unlock()
		})
	}
	return channel, cancel
}

// CaptureLines reads r line by line, stamping each with now() and the
// given stream, until r reaches EOF or fails. It is the bridge between
// a child process pipe and the store; run it in its own goroutine per
// pipe.
//
// Lines longer than one megabyte are split by the scanner's buffer
// limit rather than dropped.
func (s *Store) CaptureLines(r io.Reader, stream Stream, now func() time.Time) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.Append(Line{
			AtMs:   now().UnixMilli(),
			Stream: stream,
			Line:   scanner.Text(),
		})
	}
}
