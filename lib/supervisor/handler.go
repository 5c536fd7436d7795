// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"

	"github.com/atlas-hosting/runner/lib/ipc"
	"github.com/atlas-hosting/runner/lib/logstore"
	"github.com/atlas-hosting/runner/lib/mcrcon"
)

// The supervisor is the daemon's IPC handler. StartServer and
// StopServer are defined in supervisor.go.
var _ ipc.Handler = (*Supervisor)(nil)

// ServerLogs returns the most recent child output lines.
func (s *Supervisor) ServerLogs(lines int) []ipc.LogLine {
	return toWireLines(s.options.ServerLogs.Tail(lines))
}

// DaemonLogs returns the most recent daemon log lines.
func (s *Supervisor) DaemonLogs(lines int) []ipc.LogLine {
	return toWireLines(s.options.DaemonLogs.Tail(lines))
}

// ServerStatus summarizes the lifecycle snapshot for status events.
func (s *Supervisor) ServerStatus() string {
	status := s.Status()
	switch status.Phase {
	case PhaseRunning:
		return fmt.Sprintf("running profile %s (pid %d)", status.Profile, status.PID)
	case PhaseExited:
		return fmt.Sprintf("exited: %s", status.Exit)
	default:
		return string(status.Phase)
	}
}

// OpenRcon dials a new RCON session against the running server.
func (s *Supervisor) OpenRcon(ctx context.Context) (ipc.RconSession, error) {
	if !s.childTracked() {
		return nil, ipc.Errorf(ipc.CodeServerNotRunning, "server is not running")
	}
	session, err := mcrcon.Dial(ctx, s.options.Rcon)
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeIoError, "dialing rcon: %v", err)
	}
	return session, nil
}

func toWireLines(lines []logstore.Line) []ipc.LogLine {
	wire := make([]ipc.LogLine, len(lines))
	for i, line := range lines {
		wire[i] = ipc.LogLine{AtMs: line.AtMs, Stream: string(line.Stream), Line: line.Line}
	}
	return wire
}
