// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package selfupdate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/atlas-hosting/runner/lib/atomicio"
)

// Self-update state lives under the server root so it survives daemon
// restarts and is covered by the same ownership as the rest of the
// daemon's files.
const (
	stateDirRelative    = ".runner/self-update"
	stagingDirRelative  = ".runner/self-update/staged"
	manifestRelative    = ".runner/self-update/staged-manifest.json"
	installedRelative   = ".runner/self-update/installed-versions.json"
	restartWatchdogFile = ".runner/self-update/restart.watchdog"
)

// StagedAsset records one binary that is downloaded and verified but
// not yet applied.
type StagedAsset struct {
	Product    string `json:"product"`
	Version    string `json:"version"`
	SHA256     string `json:"sha256"`
	StagedPath string `json:"staged_path"`
}

// StagedManifest is the durable record of all staged assets. Its
// presence makes an interrupted update resumable: apply re-verifies
// each asset's hash before touching any install path.
type StagedManifest struct {
	Assets []StagedAsset `json:"assets"`
}

// LoadStagedManifest reads the manifest; a missing file is an empty
// manifest.
func LoadStagedManifest(serverRoot string) (StagedManifest, error) {
	data, err := os.ReadFile(filepath.Join(serverRoot, manifestRelative))
	if os.IsNotExist(err) {
		return StagedManifest{}, nil
	}
	if err != nil {
		return StagedManifest{}, err
	}
	var manifest StagedManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return StagedManifest{}, fmt.Errorf("parsing staged manifest: %w", err)
	}
	return manifest, nil
}

// SaveStagedManifest persists the manifest atomically. An empty
// manifest removes the file and the stale staging directory.
func SaveStagedManifest(serverRoot string, manifest StagedManifest) error {
	path := filepath.Join(serverRoot, manifestRelative)
	if len(manifest.Assets) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return os.RemoveAll(filepath.Join(serverRoot, stagingDirRelative))
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return atomicio.WriteFile(path, append(data, '\n'), 0644)
}

// InstalledVersions is the persisted marker of applied versions,
// consulted when `--version` probing fails.
type InstalledVersions map[string]string

// LoadInstalledVersions reads the marker; missing means empty.
func LoadInstalledVersions(serverRoot string) (InstalledVersions, error) {
	data, err := os.ReadFile(filepath.Join(serverRoot, installedRelative))
	if os.IsNotExist(err) {
		return InstalledVersions{}, nil
	}
	if err != nil {
		return nil, err
	}
	var versions InstalledVersions
	if err := json.Unmarshal(data, &versions); err != nil {
		return nil, fmt.Errorf("parsing installed versions: %w", err)
	}
	return versions, nil
}

// SaveInstalledVersions persists the marker atomically.
func SaveInstalledVersions(serverRoot string, versions InstalledVersions) error {
	data, err := json.MarshalIndent(versions, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(serverRoot, installedRelative)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return atomicio.WriteFile(path, append(data, '\n'), 0644)
}
