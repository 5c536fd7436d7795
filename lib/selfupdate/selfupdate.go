// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

// Package selfupdate keeps the installed runner binaries current. It
// checks the Hub's distribution endpoint on a fixed interval, stages
// outdated binaries with hash verification, and applies them at safe
// points: staged binaries are re-verified, atomically swapped into
// place, the systemd unit is reconciled, and the daemon restarts
// itself through systemd.
//
// The whole subsystem is inert unless the host is Linux, the daemon
// runs as root, and the unit-managed environment marker is present;
// see EvaluateActivation.
package selfupdate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/atlas-hosting/runner/lib/atomicio"
	"github.com/atlas-hosting/runner/lib/clock"
	"github.com/atlas-hosting/runner/lib/hub"
	"github.com/atlas-hosting/runner/lib/watchdog"
)

// checkInterval is how often the background loop polls for releases.
const checkInterval = 6 * time.Hour

// watchdogMaxAge bounds how old a restart watchdog may be and still
// be treated as the outcome of our own restart.
const watchdogMaxAge = 15 * time.Minute

// Product describes one updatable binary.
type Product struct {
	// Name matches the Hub's distribution product name.
	Name string

	// InstallPath is where the binary lives. For the daemon this is
	// inferred from the systemd unit at apply time.
	InstallPath string
}

// CommandRunner executes a host command and returns its combined
// output. Tests substitute a fake for --version probes and systemctl.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Options configures an Updater.
type Options struct {
	ServerRoot  string
	Hub         *hub.Client
	Logger      *slog.Logger
	Clock       clock.Clock
	Goos        string
	Goarch      string
	UID         int
	ManagedEnv  bool // SystemdManagedEnv present
	UnitPath    string
	ServiceName string
	Version     string // the running daemon's own version
	RunCommand  CommandRunner
}

// Updater is the self-update subsystem. Construct with New; Run
// drives the background loop.
type Updater struct {
	options Options
	clock   clock.Clock
	logger  *slog.Logger

	active           bool
	inactivityReason string

	mu         sync.Mutex
	lastStatus string
}

// New evaluates activation and builds the updater. An inactive
// updater is safe to Run: it records the reason and does nothing.
func New(options Options) *Updater {
	updaterClock := options.Clock
	if updaterClock == nil {
		updaterClock = clock.Real()
	}
	if options.RunCommand == nil {
		options.RunCommand = execRunner
	}
	if options.UnitPath == "" {
		options.UnitPath = "/etc/systemd/system/runnerd.service"
	}
	if options.ServiceName == "" {
		options.ServiceName = "runnerd.service"
	}
	active, reason := EvaluateActivation(options.Goos, options.ManagedEnv, options.UID)
	return &Updater{
		options:          options,
		clock:            updaterClock,
		logger:           options.Logger,
		active:           active,
		inactivityReason: reason,
	}
}

// Active reports whether the subsystem will do anything.
func (u *Updater) Active() bool { return u.active }

// Status returns a human-readable account of the last update action
// or the reason the subsystem is inactive.
func (u *Updater) Status() string {
	if !u.active {
		return u.inactivityReason
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.lastStatus == "" {
		return "no update activity yet"
	}
	return u.lastStatus
}

func (u *Updater) setStatus(format string, args ...any) {
	u.mu.Lock()
	u.lastStatus = fmt.Sprintf(format, args...)
	u.mu.Unlock()
}

// Run is the background loop: report any pending restart outcome,
// apply assets staged by a previous daemon generation, then check and
// stage every 6 hours, applying whatever stages successfully. Errors
// are recorded in the status and never crash the loop.
func (u *Updater) Run(ctx context.Context) {
	if !u.active {
		u.logger.Info("self-update inactive", "reason", u.inactivityReason)
		return
	}

	u.reportRestartOutcome()
	if err := u.ApplyStaged(ctx); err != nil {
		u.setStatus("applying staged update: %v", err)
		u.logger.Warn("applying staged update failed", "error", err)
	}
	u.cycle(ctx)

	ticker := u.clock.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.cycle(ctx)
		}
	}
}

// cycle is one check-stage-apply pass.
func (u *Updater) cycle(ctx context.Context) {
	staged, err := u.CheckAndStage(ctx)
	if err != nil {
		u.setStatus("update check failed: %v", err)
		u.logger.Warn("update check failed", "error", err)
		return
	}
	if len(staged.Assets) == 0 {
		u.setStatus("up to date as of %s", u.clock.Now().Format(time.RFC3339))
		return
	}
	if err := u.ApplyStaged(ctx); err != nil {
		u.setStatus("applying staged update failed: %v", err)
		u.logger.Error("applying staged update failed", "error", err)
	}
}

// reportRestartOutcome reads the restart watchdog left by the
// previous generation and logs whether the update took effect.
func (u *Updater) reportRestartOutcome() {
	path := filepath.Join(u.options.ServerRoot, restartWatchdogFile)
	state, live, err := watchdog.Check(path, watchdogMaxAge)
	if err != nil {
		u.logger.Warn("restart watchdog unreadable", "error", err)
		watchdog.Clear(path)
		return
	}
	if !live {
		return
	}
	current := normalizeVersion(u.options.Version)
	switch current {
	case normalizeVersion(state.NewVersion):
		u.logger.Info("self-update succeeded",
			"product", state.Product, "from", state.PreviousVersion, "to", state.NewVersion)
		u.setStatus("updated %s from %s to %s", state.Product, state.PreviousVersion, state.NewVersion)
	case normalizeVersion(state.PreviousVersion):
		u.logger.Error("self-update rolled back: new binary did not take",
			"product", state.Product, "attempted", state.NewVersion)
		u.setStatus("update to %s rolled back", state.NewVersion)
	default:
		u.logger.Warn("restart watchdog version matches neither side",
			"running", current, "previous", state.PreviousVersion, "new", state.NewVersion)
	}
	watchdog.Clear(path)
}

// products lists the updatable binaries. The daemon's install path is
// resolved from the unit at apply time; the CLI uses a fixed path.
func (u *Updater) products() []Product {
	return []Product{
		{Name: "runnerd"},
		{Name: "runner", InstallPath: "/usr/local/bin/runner"},
	}
}

// CheckAndStage resolves the latest release of every product, stages
// downloads for the outdated ones, and persists the manifest. No
// outdated products clears any prior manifest.
func (u *Updater) CheckAndStage(ctx context.Context) (StagedManifest, error) {
	installed, err := LoadInstalledVersions(u.options.ServerRoot)
	if err != nil {
		return StagedManifest{}, err
	}

	var manifest StagedManifest
	for _, product := range u.products() {
		asset, err := u.options.Hub.LatestRelease(ctx, product.Name, u.options.Goos, u.options.Goarch)
		if err != nil {
			return StagedManifest{}, fmt.Errorf("resolving %s release: %w", product.Name, err)
		}
		current := u.currentVersion(ctx, product, installed)
		if !IsOutdatedVersion(current, asset.Version) {
			continue
		}
		u.logger.Info("staging update", "product", product.Name, "from", current, "to", asset.Version)
		staged, err := u.stageAsset(ctx, product, asset)
		if err != nil {
			return StagedManifest{}, fmt.Errorf("staging %s: %w", product.Name, err)
		}
		manifest.Assets = append(manifest.Assets, staged)
	}

	if err := SaveStagedManifest(u.options.ServerRoot, manifest); err != nil {
		return StagedManifest{}, err
	}
	return manifest, nil
}

// currentVersion probes the installed binary's --version output,
// falling back to the persisted marker, then to the running daemon's
// own version for the daemon product.
func (u *Updater) currentVersion(ctx context.Context, product Product, installed InstalledVersions) string {
	binary := product.InstallPath
	if binary == "" {
		binary = u.daemonInstallPath()
	}
	if output, err := u.options.RunCommand(ctx, binary, "--version"); err == nil {
		if token := ExtractSemverToken(string(output)); token != "" {
			return token
		}
	}
	if marker := installed[product.Name]; marker != "" {
		return marker
	}
	if product.Name == "runnerd" {
		return normalizeVersion(u.options.Version)
	}
	return ""
}

// stageAsset downloads and hash-verifies one release into the staging
// directory. Nothing touches an install path here.
func (u *Updater) stageAsset(ctx context.Context, product Product, asset hub.ReleaseAsset) (StagedAsset, error) {
	stagingDir := filepath.Join(u.options.ServerRoot, stagingDirRelative)
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return StagedAsset{}, err
	}

	body, err := u.options.Hub.DownloadBlob(ctx, asset.DownloadURL)
	if err != nil {
		return StagedAsset{}, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return StagedAsset{}, err
	}
	if err := atomicio.VerifyBytes("sha256", asset.SHA256, data); err != nil {
		return StagedAsset{}, err
	}

	stagedPath := filepath.Join(stagingDir, fmt.Sprintf("%s-%s", product.Name, asset.Version))
	if err := atomicio.WriteFile(stagedPath, data, 0755); err != nil {
		return StagedAsset{}, err
	}
	return StagedAsset{
		Product:    product.Name,
		Version:    asset.Version,
		SHA256:     strings.ToLower(asset.SHA256),
		StagedPath: stagedPath,
	}, nil
}

// ApplyStaged applies every asset in the staged manifest: re-verify,
// atomic binary replace, unit reconciliation, then a systemd restart
// of the daemon's own service. All durable state (installed-versions
// marker, cleared manifest, restart watchdog) is written before the
// restart is requested.
func (u *Updater) ApplyStaged(ctx context.Context) error {
	manifest, err := LoadStagedManifest(u.options.ServerRoot)
	if err != nil {
		return err
	}
	if len(manifest.Assets) == 0 {
		return nil
	}

	installed, err := LoadInstalledVersions(u.options.ServerRoot)
	if err != nil {
		return err
	}

	daemonUpdated := false
	unitChanged := false
	var daemonTransition *watchdog.State

	for _, asset := range manifest.Assets {
		data, err := os.ReadFile(asset.StagedPath)
		if err != nil {
			return fmt.Errorf("reading staged %s: %w", asset.Product, err)
		}
		// Staging already verified this hash; verifying again closes
		// the window between staging and apply.
		if err := atomicio.VerifyBytes("sha256", asset.SHA256, data); err != nil {
			return fmt.Errorf("staged %s: %w", asset.Product, err)
		}

		installPath := u.installPathFor(asset.Product)
		previous := installed[asset.Product]
		if err := atomicio.WriteFile(installPath, data, 0755); err != nil {
			return fmt.Errorf("installing %s: %w", asset.Product, err)
		}
		u.logger.Info("installed binary", "product", asset.Product, "version", asset.Version, "path", installPath)
		installed[asset.Product] = asset.Version

		if asset.Product == "runnerd" {
			daemonUpdated = true
			daemonTransition = &watchdog.State{
				Product:         asset.Product,
				PreviousVersion: previous,
				NewVersion:      asset.Version,
				Binary:          installPath,
				Timestamp:       u.clock.Now(),
			}
			changed, err := u.reconcileUnitFile(installPath)
			if err != nil {
				return err
			}
			unitChanged = unitChanged || changed
		}
	}

	if unitChanged {
		if _, err := u.options.RunCommand(ctx, "systemctl", "daemon-reload"); err != nil {
			return fmt.Errorf("systemctl daemon-reload: %w", err)
		}
	}

	if err := SaveInstalledVersions(u.options.ServerRoot, installed); err != nil {
		return err
	}
	if err := SaveStagedManifest(u.options.ServerRoot, StagedManifest{}); err != nil {
		return err
	}

	if daemonUpdated {
		if daemonTransition != nil {
			watchdogPath := filepath.Join(u.options.ServerRoot, restartWatchdogFile)
			if err := watchdog.Write(watchdogPath, *daemonTransition); err != nil {
				u.logger.Warn("writing restart watchdog failed", "error", err)
			}
		}
		// Deliberately self-terminating: systemd relaunches the new
		// binary immediately.
		u.logger.Info("restarting service onto new binary", "service", u.options.ServiceName)
		if _, err := u.options.RunCommand(ctx, "systemctl", "restart", u.options.ServiceName); err != nil {
			return fmt.Errorf("systemctl restart: %w", err)
		}
	}
	return nil
}

// installPathFor resolves where a product's binary is installed.
func (u *Updater) installPathFor(product string) string {
	if product == "runnerd" {
		return u.daemonInstallPath()
	}
	for _, candidate := range u.products() {
		if candidate.Name == product && candidate.InstallPath != "" {
			return candidate.InstallPath
		}
	}
	return filepath.Join("/usr/local/bin", product)
}

// daemonInstallPath infers the daemon binary location from the
// existing unit file.
func (u *Updater) daemonInstallPath() string {
	content, err := os.ReadFile(u.options.UnitPath)
	if err != nil {
		return fallbackExecPath
	}
	return InferExecPath(string(content))
}

// reconcileUnitFile rewrites the unit on disk if reconciliation
// changes it.
func (u *Updater) reconcileUnitFile(execPath string) (bool, error) {
	content, err := os.ReadFile(u.options.UnitPath)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("reading unit file: %w", err)
	}
	reconciled, changed := ReconcileUnit(string(content), execPath)
	if !changed {
		return false, nil
	}
	if err := atomicio.WriteFile(u.options.UnitPath, []byte(reconciled), 0644); err != nil {
		return false, fmt.Errorf("writing unit file: %w", err)
	}
	return true, nil
}
