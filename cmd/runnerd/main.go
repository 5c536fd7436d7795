// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

// Runnerd is the fleet daemon that supervises one Minecraft server
// per machine. It listens on a Unix control socket for the runner
// CLI, provisions server installs from Hub pack builds, keeps the
// child process alive, mirrors the pack's whitelist, archives the
// world nightly, and — when installed under systemd as root — keeps
// its own binaries up to date.
//
// On startup:
//  1. Loads configuration (RUNNERD_CONFIG or --config).
//  2. Takes an exclusive lock on the server root so two daemons never
//     fight over one install.
//  3. Relaunches a previously provisioned server if a launch plan is
//     on disk.
//  4. Serves the control socket until SIGINT/SIGTERM or a shutdown
//     request.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/atlas-hosting/runner/lib/backup"
	"github.com/atlas-hosting/runner/lib/config"
	"github.com/atlas-hosting/runner/lib/hub"
	"github.com/atlas-hosting/runner/lib/ipc"
	"github.com/atlas-hosting/runner/lib/logstore"
	"github.com/atlas-hosting/runner/lib/mcrcon"
	"github.com/atlas-hosting/runner/lib/provision"
	"github.com/atlas-hosting/runner/lib/selfupdate"
	"github.com/atlas-hosting/runner/lib/supervisor"
	"github.com/atlas-hosting/runner/lib/version"
	"github.com/atlas-hosting/runner/lib/watchers"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("runnerd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config file (overridden by RUNNERD_CONFIG)")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("runnerd %s\n", version.Info())
		return nil
	}

	configuration, err := config.LoadFromEnv(configPath)
	if err != nil {
		return err
	}

	daemonLogs := logstore.New(configuration.Logs.DaemonLines)
	serverLogs := logstore.New(configuration.Logs.ServerLines)

	// Log JSON to stderr (journald collects it under systemd) and tee
	// every record into the daemon ring so the CLI can tail it.
	logWriter := io.MultiWriter(os.Stderr, daemonLogs.Writer(logstore.Stderr, time.Now))
	logger := slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	logger.Info("runnerd starting",
		"version", version.Info(),
		"server_root", configuration.ServerRoot,
		"socket", configuration.SocketPath)

	if err := os.MkdirAll(configuration.ServerRoot, 0o755); err != nil {
		return fmt.Errorf("creating server root: %w", err)
	}
	lockFile, err := acquireServerRootLock(configuration.ServerRoot)
	if err != nil {
		return err
	}
	defer lockFile.Close()

	deployKey, err := config.LoadDeployKey(configuration.Hub.DeployKeyFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubClient := hub.NewClient(configuration.Hub.URL, deployKey.Key)
	rconEndpoint := mcrcon.Endpoint{
		Address:  configuration.Rcon.Address,
		Password: configuration.Rcon.Password,
	}

	pipeline := provision.NewPipeline(
		configuration.ServerRoot,
		&http.Client{Timeout: 5 * time.Minute},
		configuration.JavaMajorOverride,
		logger.With("component", "provision"),
	)

	// The supervisor and the watchers reference each other: the
	// supervisor starts the watcher goroutines after a successful
	// launch, and a pack-update event drives the supervisor through a
	// stop/provision/start cycle. Break the cycle with closures over a
	// variable assigned before the control socket opens.
	var watch *watchers.Watchers
	superv := supervisor.New(supervisor.Options{
		ServerRoot:      configuration.ServerRoot,
		DefaultProfile:  configuration.Profile,
		Pipeline:        pipeline,
		Rcon:            rconEndpoint,
		ServerLogs:      serverLogs,
		DaemonLogs:      daemonLogs,
		Logger:          logger.With("component", "supervisor"),
		RestartDisabled: configuration.RestartDisabled,
		SyncWhitelist: func(ctx context.Context) error {
			return watch.SyncWhitelist(ctx)
		},
		StartWatchers: func(control *supervisor.WatcherControl) {
			watch.Start(control)
		},
	})
	watch = watchers.New(watchers.Options{
		ServerRoot: configuration.ServerRoot,
		PackID:     deployKey.PackID,
		Channel:    deployKey.Channel,
		Hub:        hubClient,
		Rcon:       rconEndpoint,
		Supervisor: superv,
		Logger:     logger.With("component", "watchers"),
	})

	backupScheduler, err := backup.New(backup.Options{
		ServerRoot:  configuration.ServerRoot,
		WorldDir:    configuration.Backup.WorldDir,
		Compression: configuration.Backup.Compression,
		Retention:   configuration.Backup.Retention.Std(),
		Timezone:    configuration.Backup.Timezone,
		Logger:      logger.With("component", "backup"),
	})
	if err != nil {
		return err
	}
	go backupScheduler.Run(ctx)

	updater := selfupdate.New(selfupdate.Options{
		ServerRoot: configuration.ServerRoot,
		Hub:        hubClient,
		Logger:     logger.With("component", "selfupdate"),
		Goos:       runtime.GOOS,
		Goarch:     runtime.GOARCH,
		UID:        os.Geteuid(),
		ManagedEnv: os.Getenv(selfupdate.SystemdManagedEnv) == "1",
		Version:    version.Short(),
	})
	go updater.Run(ctx)

	// A daemon restart should not take a healthy server down with it:
	// if a launch plan survived on disk, bring the child back before
	// accepting commands.
	if err := superv.RelaunchPersisted(configuration.Profile); err != nil {
		logger.Error("relaunch of persisted server failed", "error", err)
	}

	if err := os.MkdirAll(filepath.Dir(configuration.SocketPath), 0o755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	server := ipc.NewServer(configuration.SocketPath, superv, stop, logger.With("component", "ipc"))
	if err := server.Serve(ctx); err != nil {
		return err
	}

	// The control socket is down; give the child a graceful stop so a
	// host shutdown doesn't look like a crash to the world data.
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := superv.StopServer(stopCtx, false, 0); err != nil {
		var rpcError *ipc.RpcError
		if !errors.As(err, &rpcError) || rpcError.Code != ipc.CodeServerNotRunning {
			logger.Error("stopping server during shutdown", "error", err)
		}
	}

	logger.Info("runnerd stopped")
	return nil
}

// acquireServerRootLock takes a non-blocking exclusive flock on a
// lockfile under the server root. A second daemon pointed at the same
// root fails fast instead of corrupting the install.
func acquireServerRootLock(serverRoot string) (*os.File, error) {
	lockPath := filepath.Join(serverRoot, ".runner.lock")
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("server root %s is locked by another runnerd: %w", serverRoot, err)
	}
	return lockFile, nil
}
