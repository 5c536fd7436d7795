// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package selfupdate

import (
	"strings"
)

// The directives this subsystem owns inside [Service]. Reconciliation
// removes exactly these and re-appends canonical values; every other
// line in the unit survives verbatim and in order.
var managedDirectivePrefixes = []string{
	"ExecStart=",
	"Restart=",
	"RestartSec=",
	"Environment=" + SystemdManagedEnv + "=",
	"Environment=RUNNERD_CONFIG=",
}

// fallbackExecPath is used when the unit has no ExecStart to infer
// the install location from.
const fallbackExecPath = "/usr/local/bin/runnerd"

// defaultConfigPath is the config location the managed Environment
// directive points at.
const defaultConfigPath = "/etc/runnerd/config.yaml"

// InferExecPath extracts the daemon binary path from the unit's
// existing ExecStart line so a non-standard install location is
// respected across updates. Falls back to the conventional path.
func InferExecPath(unitContent string) string {
	for _, line := range strings.Split(unitContent, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "ExecStart=") {
			continue
		}
		command := strings.TrimPrefix(trimmed, "ExecStart=")
		// Strip systemd exec prefixes like "@", "-", "+".
		command = strings.TrimLeft(command, "@-+!: ")
		if fields := strings.Fields(command); len(fields) > 0 {
			return fields[0]
		}
	}
	return fallbackExecPath
}

// ReconcileUnit rewrites the [Service] section of a systemd unit so
// the managed directives are present with canonical values, removing
// only lines this subsystem owns and preserving everything else in
// order. Applying it to its own output is a no-op.
func ReconcileUnit(unitContent, execPath string) (string, bool) {
	managed := []string{
		"ExecStart=" + execPath,
		"Restart=always",
		"RestartSec=5",
		"Environment=" + SystemdManagedEnv + "=1",
		"Environment=RUNNERD_CONFIG=" + defaultConfigPath,
	}

	lines := strings.Split(unitContent, "\n")

	// Locate the [Service] section: its header index and the index
	// one past its last line.
	sectionStart := -1
	sectionEnd := len(lines)
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if sectionStart == -1 {
			if trimmed == "[Service]" {
				sectionStart = i
			}
			continue
		}
		if strings.HasPrefix(trimmed, "[") {
			sectionEnd = i
			break
		}
	}

	var output []string
	if sectionStart == -1 {
		// No [Service] section at all: keep the unit and append one.
		output = append(output, lines...)
		for len(output) > 0 && strings.TrimSpace(output[len(output)-1]) == "" {
			output = output[:len(output)-1]
		}
		output = append(output, "", "[Service]")
		output = append(output, managed...)
		output = append(output, "")
	} else {
		output = append(output, lines[:sectionStart+1]...)
		// Keep unmanaged service lines; drop trailing blanks so the
		// managed block sits at the section's end.
		var kept []string
		for _, line := range lines[sectionStart+1 : sectionEnd] {
			if isManagedDirective(line) {
				continue
			}
			kept = append(kept, line)
		}
		for len(kept) > 0 && strings.TrimSpace(kept[len(kept)-1]) == "" {
			kept = kept[:len(kept)-1]
		}
		output = append(output, kept...)
		output = append(output, managed...)
		if sectionEnd < len(lines) {
			output = append(output, "")
			output = append(output, lines[sectionEnd:]...)
		} else {
			output = append(output, "")
		}
	}

	reconciled := strings.Join(output, "\n")
	return reconciled, reconciled != unitContent
}

func isManagedDirective(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, prefix := range managedDirectivePrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}
