// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atlas-hosting/runner/lib/atomicio"
	"github.com/atlas-hosting/runner/lib/packblob"
)

// Public endpoints for modloader installers. Overridable in tests.
const (
	defaultFabricMetaURL     = "https://meta.fabricmc.net/v2/versions/installer"
	defaultForgeMavenBase    = "https://maven.minecraftforge.net/net/minecraftforge/forge"
	defaultNeoForgeMavenBase = "https://maven.neoforged.net/releases/net/neoforged/neoforge"
)

// loaderInstaller downloads and runs the modloader's server installer
// inside the staging directory, capturing its output to a timestamped
// log under .runner/logs.
type loaderInstaller struct {
	serverRoot string
	httpClient *http.Client
	logger     *slog.Logger

	fabricMetaURL     string
	forgeMavenBase    string
	neoforgeMavenBase string
}

func newLoaderInstaller(serverRoot string, httpClient *http.Client, logger *slog.Logger) *loaderInstaller {
	return &loaderInstaller{
		serverRoot:        serverRoot,
		httpClient:        httpClient,
		logger:            logger,
		fabricMetaURL:     defaultFabricMetaURL,
		forgeMavenBase:    defaultForgeMavenBase,
		neoforgeMavenBase: defaultNeoForgeMavenBase,
	}
}

// Install runs the installer matching metadata.Loader. The loader
// name is matched case-insensitively; an unknown loader is an invalid
// pack.
func (l *loaderInstaller) Install(ctx context.Context, metadata packblob.Metadata, java *JavaRuntime, run CommandRunner) error {
	currentDir := filepath.Join(l.serverRoot, CurrentDir)
	logPath := filepath.Join(l.serverRoot, LogsDir,
		fmt.Sprintf("installer-%s.log", time.Now().UTC().Format("20060102-150405")))

	loader := strings.ToLower(metadata.Loader)
	l.logger.Info("installing modloader",
		"loader", loader,
		"loader_version", metadata.LoaderVersion,
		"minecraft", metadata.MinecraftVersion,
		"log", logPath,
	)

	var installerURL string
	var installerArgs []string
	switch loader {
	case "fabric":
		url, err := l.latestFabricInstallerURL(ctx)
		if err != nil {
			return fmt.Errorf("resolving fabric installer: %w", err)
		}
		installerURL = url
		installerArgs = []string{
			"server",
			"-mcversion", metadata.MinecraftVersion,
			"-loader", metadata.LoaderVersion,
			"-downloadMinecraft",
		}
	case "forge":
		combined := metadata.MinecraftVersion + "-" + metadata.LoaderVersion
		installerURL = fmt.Sprintf("%s/%s/forge-%s-installer.jar", l.forgeMavenBase, combined, combined)
		installerArgs = []string{"--installServer"}
	case "neoforge":
		installerURL = fmt.Sprintf("%s/%s/neoforge-%s-installer.jar",
			l.neoforgeMavenBase, metadata.LoaderVersion, metadata.LoaderVersion)
		installerArgs = []string{"--installServer"}
	default:
		return Invalidf("unknown modloader %q", metadata.Loader)
	}

	installerPath := filepath.Join(l.serverRoot, RunnerDir, "installer-"+loader+".jar")
	if err := l.download(ctx, installerURL, installerPath); err != nil {
		return fmt.Errorf("downloading installer: %w", err)
	}

	args := append([]string{"-jar", installerPath}, installerArgs...)
	if err := run(ctx, currentDir, logPath, java.Binary, args...); err != nil {
		return Invalidf("%s installer failed: %v", loader, err)
	}
	return nil
}

// fabricInstallerEntry is one row from the fabric-meta installer list.
type fabricInstallerEntry struct {
	Version string `json:"version"`
	Stable  bool   `json:"stable"`
	URL     string `json:"url"`
}

// latestFabricInstallerURL picks the newest stable installer from
// fabric-meta. The list is newest-first.
func (l *loaderInstaller) latestFabricInstallerURL(ctx context.Context) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, l.fabricMetaURL, nil)
	if err != nil {
		return "", err
	}
	response, err := l.httpClient.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fabric meta: status %s", response.Status)
	}
	var entries []fabricInstallerEntry
	if err := json.NewDecoder(io.LimitReader(response.Body, 1<<20)).Decode(&entries); err != nil {
		return "", fmt.Errorf("decoding fabric meta: %w", err)
	}
	for _, entry := range entries {
		if entry.Stable {
			return entry.URL, nil
		}
	}
	return "", fmt.Errorf("fabric meta lists no stable installer")
}

// download fetches a URL to a path with an atomic final write.
func (l *loaderInstaller) download(ctx context.Context, url, destination string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	response, err := l.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %s", url, response.Status)
	}
	data, err := io.ReadAll(io.LimitReader(response.Body, maxDependencySize))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return err
	}
	return atomicio.WriteFile(destination, data, 0644)
}
