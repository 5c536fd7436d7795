// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// CommandRunner executes an external command in a working directory
// with combined output appended to a log file. Tests substitute a fake
// that writes launch files instead of running Java.
type CommandRunner func(ctx context.Context, workingDir, logPath, name string, args ...string) error

// execCommandRunner is the production CommandRunner backed by os/exec.
func execCommandRunner(ctx context.Context, workingDir, logPath, name string, args ...string) error {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening installer log: %w", err)
	}
	defer logFile.Close()

	command := exec.CommandContext(ctx, name, args...)
	command.Dir = workingDir
	command.Stdout = logFile
	command.Stderr = logFile
	if err := command.Run(); err != nil {
		return fmt.Errorf("%s: %w (log: %s)", name, err, logPath)
	}
	return nil
}
