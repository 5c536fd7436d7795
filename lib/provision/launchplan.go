// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/atlas-hosting/runner/lib/atomicio"
)

// LaunchPlan is the persisted recipe for launching the server process:
// a working directory relative to the server root and an argv whose
// first element is the java binary.
type LaunchPlan struct {
	CwdRel string   `json:"cwd_rel"`
	Argv   []string `json:"argv"`
}

// Save writes the plan atomically as JSON.
func (plan *LaunchPlan) Save(path string) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding launch plan: %w", err)
	}
	if err := atomicio.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing launch plan: %w", err)
	}
	return nil
}

// LoadLaunchPlan reads a previously persisted plan.
func LoadLaunchPlan(path string) (*LaunchPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var plan LaunchPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("decoding launch plan %s: %w", path, err)
	}
	if len(plan.Argv) == 0 {
		return nil, fmt.Errorf("launch plan %s has empty argv", path)
	}
	return &plan, nil
}

// DeriveLaunchPlan inspects the staging directory and produces a launch
// plan. A run.sh script is parsed for its java invocation; otherwise a
// plain "java -jar" command is synthesized against
// fabric-server-launch.jar, then server.jar. No recognizable launch
// file is an invalid install.
func DeriveLaunchPlan(currentDir string) (*LaunchPlan, error) {
	if script, err := os.ReadFile(filepath.Join(currentDir, "run.sh")); err == nil {
		argv := parseRunScript(string(script))
		if argv != nil {
			return &LaunchPlan{CwdRel: CurrentDir, Argv: ensureNogui(argv)}, nil
		}
	}
	for _, jarName := range []string{"fabric-server-launch.jar", "server.jar"} {
		if _, err := os.Stat(filepath.Join(currentDir, jarName)); err == nil {
			return &LaunchPlan{
				CwdRel: CurrentDir,
				Argv:   []string{"java", "-jar", jarName, "nogui"},
			}, nil
		}
	}
	return nil, Invalidf("no launch file found in %s", currentDir)
}

// parseRunScript extracts the java invocation from a modloader-written
// run.sh. Returns nil when no java line is found.
func parseRunScript(script string) []string {
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens := tokenizeShellLine(line)
		if len(tokens) == 0 || tokens[0] != "java" {
			continue
		}
		// Only a line that actually launches something counts: a bare
		// "java -version" probe does not.
		launches := false
		for _, token := range tokens {
			if token == "-jar" || strings.Contains(token, "unix_args.txt") {
				launches = true
				break
			}
		}
		if launches {
			return tokens
		}
	}
	return nil
}

// tokenizeShellLine splits a shell command line on whitespace, strips
// surrounding quotes, and drops a leading "exec" and the trailing "$@"
// passthrough. This is deliberately not a shell parser: modloader run
// scripts are machine-written and simple.
func tokenizeShellLine(line string) []string {
	var tokens []string
	for _, field := range strings.Fields(line) {
		field = strings.Trim(field, `"'`)
		if field == "" || field == "$@" {
			continue
		}
		if len(tokens) == 0 && field == "exec" {
			continue
		}
		tokens = append(tokens, field)
	}
	return tokens
}

// ensureNogui appends the nogui flag unless already present, so the
// server never attempts to open a window.
func ensureNogui(argv []string) []string {
	for _, token := range argv {
		if token == "nogui" || token == "--nogui" {
			return argv
		}
	}
	return append(argv, "nogui")
}
