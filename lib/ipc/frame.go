// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single message. Pack blobs travel inside "up"
// requests, so the bound is generous; anything larger indicates a
// corrupt length prefix or a hostile peer.
const MaxFrameSize = 8 * 1024 * 1024

// WriteFrame serializes v as JSON and writes it as one length-prefixed
// frame: a 4-byte big-endian byte count followed by the body.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame body: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame body is %d bytes, limit %d", len(body), MaxFrameSize)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and decodes its
// JSON body into v. Returns io.EOF unchanged when the peer closed the
// connection cleanly between frames, so callers can detect normal
// hangup with errors.Is.
func ReadFrame(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("reading frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", length, MaxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("reading frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding frame body: %w", err)
	}
	return nil
}
