// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

// Package provision applies a pack blob to a server root: dependency
// download and verification, modloader installation, Java runtime
// installation, and launch-plan derivation. Apply is idempotent — an
// unchanged blob produces no destructive writes — and failures never
// leave a partial file at a final path.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/atlas-hosting/runner/lib/atomicio"
	"github.com/atlas-hosting/runner/lib/packblob"
)

// Server-root-relative layout. The supervisor and backup packages
// share these names.
const (
	// CurrentDir is the staged runtime: mods, config, launch files.
	CurrentDir = "current"

	// RunnerDir holds daemon-owned state under the server root.
	RunnerDir = ".runner"

	// LogsDir receives timestamped installer logs.
	LogsDir = ".runner/logs"

	// LaunchPlanPath persists the derived launch plan.
	LaunchPlanPath = ".runner/launch.json"

	// JavaDir holds extracted JDK trees and their checksum.
	JavaDir = ".runner/java"
)

// InvalidError marks a provisioning failure caused by the pack or the
// installed content rather than the environment: hash mismatches,
// installer failures, missing launch files. Fatal to the operation,
// never to the daemon.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string { return e.Reason }

// Invalidf builds an InvalidError with a formatted reason.
func Invalidf(format string, args ...any) error {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}

// Pipeline provisions one server root. Construct with NewPipeline;
// the zero value is not usable.
type Pipeline struct {
	serverRoot string
	fetcher    Fetcher
	logger     *slog.Logger

	// javaMajorOverride forces a Java major version when it is at
	// least the computed minimum. Zero means no override.
	javaMajorOverride int

	// runCommand executes installer jars. Tests substitute a fake.
	runCommand CommandRunner

	// goos is the platform used for dependency filtering. Tests pin it.
	goos string

	java   *javaInstaller
	loader *loaderInstaller
}

// NewPipeline creates a provisioning pipeline rooted at serverRoot.
func NewPipeline(serverRoot string, httpClient *http.Client, javaMajorOverride int, logger *slog.Logger) *Pipeline {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	pipeline := &Pipeline{
		serverRoot:        serverRoot,
		fetcher:           &HTTPFetcher{Client: httpClient},
		logger:            logger,
		javaMajorOverride: javaMajorOverride,
		runCommand:        execCommandRunner,
		goos:              runtime.GOOS,
	}
	pipeline.java = newJavaInstaller(serverRoot, httpClient, logger)
	pipeline.loader = newLoaderInstaller(serverRoot, httpClient, logger)
	return pipeline
}

// Apply provisions the server root from a decoded pack blob and
// returns the launch plan, persisting it under .runner/launch.json.
//
// Re-applying an unchanged blob performs no destructive writes: loose
// files and dependencies are compared before writing, and loader or
// Java installation is skipped when launch files already exist.
func (p *Pipeline) Apply(ctx context.Context, blob *packblob.PackBlob) (*LaunchPlan, error) {
	currentDir := filepath.Join(p.serverRoot, CurrentDir)
	for _, directory := range []string{currentDir, filepath.Join(p.serverRoot, LogsDir)} {
		if err := os.MkdirAll(directory, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", directory, err)
		}
	}

	// Launch files already present means the install is complete:
	// loader installation is skipped and provisioning is limited to
	// dependency/file reconciliation.
	launchFilesPresent := hasLaunchFiles(currentDir)

	if err := p.applyLooseFiles(blob); err != nil {
		return nil, err
	}
	if err := p.applyDependencies(ctx, blob); err != nil {
		return nil, err
	}

	javaRuntime, err := p.java.Ensure(ctx, blob.Metadata.MinecraftVersion, p.javaMajorOverride)
	if err != nil {
		return nil, err
	}

	if !launchFilesPresent && !hasLaunchFiles(currentDir) {
		if err := p.loader.Install(ctx, blob.Metadata, javaRuntime, p.runCommand); err != nil {
			return nil, err
		}
	}

	plan, err := DeriveLaunchPlan(currentDir)
	if err != nil {
		return nil, err
	}
	if err := plan.Save(filepath.Join(p.serverRoot, LaunchPlanPath)); err != nil {
		return nil, err
	}

	p.logger.Info("provisioning complete",
		"pack", blob.Metadata.PackID,
		"version", blob.Metadata.Version,
		"java_major", javaRuntime.Major,
		"argv", strings.Join(plan.Argv, " "),
	)
	return plan, nil
}

// applyLooseFiles writes the blob's verbatim files, skipping unchanged
// content.
func (p *Pipeline) applyLooseFiles(blob *packblob.PackBlob) error {
	for relativePath, content := range blob.Files {
		destination, err := p.resolvePath(relativePath)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
			return fmt.Errorf("creating parent of %s: %w", relativePath, err)
		}
		changed, err := atomicio.WriteFileIfChanged(destination, content, 0644)
		if err != nil {
			return fmt.Errorf("writing pack file %s: %w", relativePath, err)
		}
		if changed {
			p.logger.Debug("wrote pack file", "path", relativePath)
		}
	}
	return nil
}

// applyDependencies downloads, verifies, and places every server-side
// dependency that matches the current platform. A hash mismatch aborts
// provisioning with the final path untouched.
func (p *Pipeline) applyDependencies(ctx context.Context, blob *packblob.PackBlob) error {
	for _, dependency := range blob.Manifest.Dependencies {
		if !dependency.ServerSide() || !dependency.AppliesTo(p.goos) {
			continue
		}

		destination, err := p.resolvePath(dependency.PointerPath)
		if err != nil {
			return err
		}

		data, err := p.fetcher.Fetch(ctx, dependency)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", dependency.URL, err)
		}
		if err := atomicio.VerifyBytes(dependency.Hash.Algorithm, dependency.Hash.Hex, data); err != nil {
			return Invalidf("dependency %s: %v", dependency.PointerPath, err)
		}

		if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
			return fmt.Errorf("creating parent of %s: %w", dependency.PointerPath, err)
		}
		changed, err := atomicio.WriteFileIfChanged(destination, data, 0644)
		if err != nil {
			return fmt.Errorf("writing dependency %s: %w", dependency.PointerPath, err)
		}
		if changed {
			p.logger.Info("provisioned dependency", "path", dependency.PointerPath)
		}
	}
	return nil
}

// resolvePath maps a blob-relative path to an absolute path under the
// server root, rejecting escapes.
func (p *Pipeline) resolvePath(relativePath string) (string, error) {
	if filepath.IsAbs(relativePath) {
		return "", Invalidf("pack path %q is absolute", relativePath)
	}
	cleaned := filepath.Clean(relativePath)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", Invalidf("pack path %q escapes the server root", relativePath)
	}
	return filepath.Join(p.serverRoot, cleaned), nil
}

// launchFileNames are the files whose presence marks a completed
// loader install, in the order the launch-plan heuristic prefers them.
var launchFileNames = []string{"run.sh", "fabric-server-launch.jar", "server.jar"}

// hasLaunchFiles reports whether any known launch file exists in the
// staging directory.
func hasLaunchFiles(currentDir string) bool {
	for _, name := range launchFileNames {
		if _, err := os.Stat(filepath.Join(currentDir, name)); err == nil {
			return true
		}
	}
	return false
}
