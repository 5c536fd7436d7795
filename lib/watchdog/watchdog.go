// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchdog tracks risky process transitions through an atomic
// state file. The self-updater writes a watchdog before asking systemd
// to restart the daemon onto a new binary; the relaunched process
// reads it to report whether the update took effect or the old version
// came back.
//
//  1. Before restart: Write a State naming the previous and new
//     versions.
//  2. systemd restarts the service.
//  3. The new process reads the state via Check. Its own version
//     matching State.NewVersion means the update succeeded; matching
//     State.PreviousVersion means the new binary failed and systemd
//     fell back. Either way it logs the outcome and Clears the file.
//
// Check discards files older than a caller-chosen age so an ancient
// watchdog left behind by an unrelated crash is never acted on.
package watchdog

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/atlas-hosting/runner/lib/atomicio"
)

// State records one pending update transition.
type State struct {
	// Product is the binary being updated ("runnerd", "runner").
	Product string `json:"product"`

	// PreviousVersion and NewVersion bracket the transition. The
	// relaunched daemon compares its own version against both to
	// classify the outcome.
	PreviousVersion string `json:"previous_version"`
	NewVersion      string `json:"new_version"`

	// Binary is the absolute install path that was replaced.
	Binary string `json:"binary"`

	// Timestamp is when the transition was initiated; Check uses it
	// to discard stale files.
	Timestamp time.Time `json:"timestamp"`
}

// Write atomically persists the state. Readers never observe a
// partial file.
func Write(path string, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding watchdog state: %w", err)
	}
	if err := atomicio.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("writing watchdog file: %w", err)
	}
	return nil
}

// Read parses the state file. A missing file returns an error
// satisfying os.IsNotExist.
func Read(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parsing watchdog file %s: %w", path, err)
	}
	return state, nil
}

// Check returns the state and true when the file exists and was
// written within maxAge. A missing or stale file returns false with
// no error; corrupt or unreadable files return the error so callers
// can distinguish "no watchdog" from "watchdog unreadable".
func Check(path string, maxAge time.Duration) (State, bool, error) {
	state, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, err
	}
	if time.Since(state.Timestamp) > maxAge {
		return State{}, false, nil
	}
	return state, true, nil
}

// Clear removes the state file. Idempotent.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing watchdog file: %w", err)
	}
	return nil
}
