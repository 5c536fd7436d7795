// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor owns the single Minecraft child process: it
// serializes lifecycle operations, routes child output into the log
// store, restarts unexpected exits with backoff, and serves the
// daemon's IPC handler surface.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/atlas-hosting/runner/lib/clock"
	"github.com/atlas-hosting/runner/lib/ipc"
	"github.com/atlas-hosting/runner/lib/logstore"
	"github.com/atlas-hosting/runner/lib/mcrcon"
	"github.com/atlas-hosting/runner/lib/packblob"
	"github.com/atlas-hosting/runner/lib/provision"
)

// Lifecycle timing. The lock timeout distinguishes "another operation
// in flight" from a deadlock; the stop poll matches vanilla server
// save times.
const (
	lifecycleLockTimeout = 5 * time.Second
	watcherJoinTimeout   = 10 * time.Second
	watcherJoinPoll      = 200 * time.Millisecond
	defaultStopGrace     = 30 * time.Second
	stopPollInterval     = 500 * time.Millisecond

	restartBackoffInitial = 2 * time.Second
	restartBackoffCap     = 60 * time.Second
)

// Phase is the lifecycle state of the supervised server.
type Phase string

const (
	PhaseStopped  Phase = "stopped"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseExited   Phase = "exited"
)

// Status is a snapshot of the supervised server.
type Status struct {
	Phase       Phase
	Profile     string
	PID         int
	StartedAtMs int64
	Exit        string
	ExitedAtMs  int64
}

// WatcherControl is the shared control block between the supervisor
// and the update watchers: a stop request flag and a live worker
// count the supervisor polls during shutdown.
type WatcherControl struct {
	mu      sync.Mutex
	stop    bool
	running int
}

// StopRequested reports whether a stop has been signalled.
func (w *WatcherControl) StopRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stop
}

// SignalStop asks all watcher workers to wind down.
func (w *WatcherControl) SignalStop() {
	w.mu.Lock()
	w.stop = true
	w.mu.Unlock()
}

// WorkerStarted and WorkerStopped bracket each watcher goroutine.
func (w *WatcherControl) WorkerStarted() {
	w.mu.Lock()
	w.running++
	w.mu.Unlock()
}

func (w *WatcherControl) WorkerStopped() {
	w.mu.Lock()
	w.running--
	w.mu.Unlock()
}

// RunningWorkers returns the number of live watcher goroutines.
func (w *WatcherControl) RunningWorkers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Options configures a Supervisor.
type Options struct {
	ServerRoot string

	// DefaultProfile is used when a start request names no profile.
	DefaultProfile string

	Pipeline   *provision.Pipeline
	Rcon       mcrcon.Endpoint
	ServerLogs *logstore.Store
	DaemonLogs *logstore.Store
	Logger     *slog.Logger
	Clock      clock.Clock

	// RestartDisabled turns off the crash-restart policy.
	RestartDisabled bool

	// SyncWhitelist, when set, runs during start after provisioning.
	// Failures are logged, not fatal.
	SyncWhitelist func(ctx context.Context) error

	// StartWatchers, when set, runs once after the first successful
	// start.
	StartWatchers func(control *WatcherControl)
}

// Supervisor tracks exactly one child server process. All lifecycle
// transitions happen while holding the lifecycle lock; the status
// snapshot is guarded separately so reads never wait on provisioning.
type Supervisor struct {
	options Options
	clock   clock.Clock
	logger  *slog.Logger

	// lifecycle is a capacity-1 channel used as a timed mutex over
	// start/stop/restart.
	lifecycle chan struct{}

	mu              sync.Mutex
	watcherControl  *WatcherControl // current watcher generation, nil when none
	status          Status
	child           *exec.Cmd
	childDone       chan struct{} // closed when the current child is reaped
	pendingExit     *exitRecord
	launchPlan      *provision.LaunchPlan
	stopRequested   bool
	restartBackoff  time.Duration
	watchersStarted bool
}

// exitRecord is a child exit observed by the reaper but not yet
// folded into the status.
type exitRecord struct {
	command     *exec.Cmd
	profile     string
	description string
}

// New creates a supervisor in the Stopped state.
func New(options Options) *Supervisor {
	supervisorClock := options.Clock
	if supervisorClock == nil {
		supervisorClock = clock.Real()
	}
	return &Supervisor{
		options:        options,
		clock:          supervisorClock,
		logger:         options.Logger,
		lifecycle:      make(chan struct{}, 1),
		status:         Status{Phase: PhaseStopped},
		restartBackoff: restartBackoffInitial,
	}
}

// Status returns the current lifecycle snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// acquireLifecycle takes the lifecycle lock, failing after the
// timeout so a wedged operation surfaces as an error instead of a
// hang.
func (s *Supervisor) acquireLifecycle() error {
	select {
	case s.lifecycle <- struct{}{}:
		return nil
	case <-s.clock.After(lifecycleLockTimeout):
		return ipc.Errorf(ipc.CodeInternal, "another lifecycle operation in progress")
	}
}

func (s *Supervisor) releaseLifecycle() {
	<-s.lifecycle
}

// StartServer decodes the pack blob, provisions the server root, and
// launches the child. Implements the daemon side of the "up" request.
func (s *Supervisor) StartServer(ctx context.Context, profile string, packBlobBytes []byte) error {
	if profile == "" {
		profile = s.options.DefaultProfile
	}
	if s.childTracked() {
		return ipc.Errorf(ipc.CodeServerAlreadyRunning, "server is already running")
	}

	blob, err := packblob.Decode(packBlobBytes)
	if err != nil {
		return ipc.Errorf(ipc.CodeInvalidConfig, "decoding pack blob: %v", err)
	}

	if err := s.acquireLifecycle(); err != nil {
		return err
	}
	defer s.releaseLifecycle()

	// Re-check under the lock: a concurrent start may have won.
	if s.childTracked() {
		return ipc.Errorf(ipc.CodeServerAlreadyRunning, "server is already running")
	}

	s.setPhase(Status{Phase: PhaseStarting, Profile: profile})

	plan, err := s.options.Pipeline.Apply(ctx, blob)
	if err != nil {
		s.setPhase(Status{Phase: PhaseStopped})
		var invalid *provision.InvalidError
		if errors.As(err, &invalid) {
			return ipc.Errorf(ipc.CodeInvalidConfig, "provisioning: %v", err)
		}
		return ipc.Errorf(ipc.CodeIoError, "provisioning: %v", err)
	}

	if s.options.SyncWhitelist != nil {
		if err := s.options.SyncWhitelist(ctx); err != nil {
			s.logger.Warn("whitelist sync failed", "error", err)
		}
	}

	if err := s.launch(plan, profile); err != nil {
		s.setPhase(Status{Phase: PhaseStopped})
		return ipc.Errorf(ipc.CodeIoError, "launching server: %v", err)
	}

	s.mu.Lock()
	s.restartBackoff = restartBackoffInitial
	var control *WatcherControl
	if !s.watchersStarted && s.options.StartWatchers != nil {
		// Each watcher generation gets its own control block so a
		// stop signalled to a previous generation cannot leak into
		// this one.
		control = &WatcherControl{}
		s.watcherControl = control
		s.watchersStarted = true
	}
	s.mu.Unlock()

	if control != nil {
		s.options.StartWatchers(control)
	}
	return nil
}

// launch spawns the child from the plan and begins log capture and
// reaping. Callers hold the lifecycle lock.
func (s *Supervisor) launch(plan *provision.LaunchPlan, profile string) error {
	argv := append([]string(nil), plan.Argv...)
	if argv[0] == "java" {
		if binary := s.installedJavaBinary(); binary != "" {
			argv[0] = binary
		}
	}

	command := exec.Command(argv[0], argv[1:]...)
	command.Dir = filepath.Join(s.options.ServerRoot, plan.CwdRel)

	stdout, err := command.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := command.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		return fmt.Errorf("spawning %s: %w", argv[0], err)
	}

	go s.options.ServerLogs.CaptureLines(stdout, logstore.Stdout, s.clock.Now)
	go s.options.ServerLogs.CaptureLines(stderr, logstore.Stderr, s.clock.Now)

	done := make(chan struct{})
	s.mu.Lock()
	s.child = command
	s.childDone = done
	s.launchPlan = plan
	s.stopRequested = false
	s.status = Status{
		Phase:       PhaseRunning,
		Profile:     profile,
		PID:         command.Process.Pid,
		StartedAtMs: s.clock.Now().UnixMilli(),
	}
	s.mu.Unlock()

	s.logger.Info("server started", "profile", profile, "pid", command.Process.Pid)
	go s.reapChild(command, done, profile)
	return nil
}

// reapChild waits for the child, records its exit, and applies the
// restart policy.
func (s *Supervisor) reapChild(command *exec.Cmd, done chan struct{}, profile string) {
	waitErr := command.Wait()

	exitDescription := "exit status 0"
	if waitErr != nil {
		exitDescription = waitErr.Error()
	}

	s.mu.Lock()
	s.pendingExit = &exitRecord{command: command, profile: profile, description: exitDescription}
	expected := s.stopRequested
	s.mu.Unlock()
	close(done)
	s.RefreshChildStatus()

	if expected {
		s.logger.Info("server stopped", "profile", profile, "exit", exitDescription)
		return
	}
	s.logger.Warn("server exited unexpectedly", "profile", profile, "exit", exitDescription)
	if !s.options.RestartDisabled {
		go s.restartAfterBackoff(profile)
	}
}

// restartAfterBackoff relaunches the last plan after the current
// backoff delay, doubling it up to the cap. An explicit successful
// start resets the delay.
func (s *Supervisor) restartAfterBackoff(profile string) {
	s.mu.Lock()
	delay := s.restartBackoff
	s.restartBackoff *= 2
	if s.restartBackoff > restartBackoffCap {
		s.restartBackoff = restartBackoffCap
	}
	plan := s.launchPlan
	s.mu.Unlock()

	if plan == nil {
		return
	}
	s.logger.Info("restarting server", "profile", profile, "delay", delay.String())
	<-s.clock.After(delay)

	if err := s.acquireLifecycle(); err != nil {
		s.logger.Warn("restart skipped", "error", err)
		return
	}
	defer s.releaseLifecycle()

	if s.childTracked() {
		return
	}
	if err := s.launch(plan, profile); err != nil {
		s.logger.Error("restart failed", "profile", profile, "error", err)
		go s.restartAfterBackoff(profile)
	}
}

// StopServer winds down the watchers and the child. Without force it
// first asks the server to save and exit over RCON, escalating to a
// kill after the grace period.
func (s *Supervisor) StopServer(ctx context.Context, force bool, grace time.Duration) error {
	if !s.childTracked() {
		return ipc.Errorf(ipc.CodeServerNotRunning, "server is not running")
	}
	if grace <= 0 {
		grace = defaultStopGrace
	}

	if err := s.acquireLifecycle(); err != nil {
		return err
	}
	defer s.releaseLifecycle()

	s.mu.Lock()
	command := s.child
	done := s.childDone
	s.stopRequested = true
	s.mu.Unlock()
	if command == nil {
		return ipc.Errorf(ipc.CodeServerNotRunning, "server is not running")
	}

	s.stopWatchers()

	if !force {
		if _, err := mcrcon.Exec(ctx, s.options.Rcon, "stop"); err != nil {
			s.logger.Warn("graceful stop command failed, escalating", "error", err)
		} else if s.waitForExit(done, grace) {
			return nil
		} else {
			s.logger.Warn("server ignored graceful stop, killing", "grace", grace.String())
		}
	}

	if err := command.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return ipc.Errorf(ipc.CodeInternal, "killing server: %v", err)
	}
	<-done
	return nil
}

// waitForExit polls for the child exit up to the deadline.
func (s *Supervisor) waitForExit(done <-chan struct{}, deadline time.Duration) bool {
	elapsed := time.Duration(0)
	for {
		select {
		case <-done:
			return true
		case <-s.clock.After(stopPollInterval):
			elapsed += stopPollInterval
			if elapsed >= deadline {
				return false
			}
		}
	}
}

// stopWatchers signals the watcher workers and polls for them to wind
// down, proceeding with a warning on timeout.
func (s *Supervisor) stopWatchers() {
	s.mu.Lock()
	control := s.watcherControl
	s.watcherControl = nil
	s.watchersStarted = false
	s.mu.Unlock()
	if control == nil {
		return
	}

	control.SignalStop()
	elapsed := time.Duration(0)
	for control.RunningWorkers() > 0 {
		if elapsed >= watcherJoinTimeout {
			s.logger.Warn("watchers did not stop in time, proceeding",
				"running", control.RunningWorkers())
			return
		}
		<-s.clock.After(watcherJoinPoll)
		elapsed += watcherJoinPoll
	}
}

// childTracked reports whether a live child is currently recorded,
// reconciling a completed exit first.
func (s *Supervisor) childTracked() bool {
	s.RefreshChildStatus()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.child != nil
}

// RefreshChildStatus folds a completed-but-unobserved child exit into
// the status without blocking. Called before serving any status or
// stop request.
func (s *Supervisor) RefreshChildStatus() {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.pendingExit
	if record == nil {
		return
	}
	s.pendingExit = nil
	if s.child != record.command {
		// A newer child replaced the one this exit belongs to.
		return
	}
	s.child = nil
	s.status = Status{
		Phase:      PhaseExited,
		Profile:    record.profile,
		Exit:       record.description,
		ExitedAtMs: s.clock.Now().UnixMilli(),
	}
}

// RelaunchPersisted starts the child from the launch plan persisted
// by an earlier provisioning pass. Used on daemon restart; a missing
// plan is not an error.
func (s *Supervisor) RelaunchPersisted(profile string) error {
	planPath := filepath.Join(s.options.ServerRoot, provision.LaunchPlanPath)
	plan, err := provision.LoadLaunchPlan(planPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.acquireLifecycle(); err != nil {
		return err
	}
	defer s.releaseLifecycle()
	if s.childTracked() {
		return nil
	}
	return s.launch(plan, profile)
}

// installedJavaBinary locates the newest provisioned JDK's java
// binary, or "" when none is installed.
func (s *Supervisor) installedJavaBinary() string {
	javaRoot := filepath.Join(s.options.ServerRoot, provision.JavaDir)
	entries, err := os.ReadDir(javaRoot)
	if err != nil {
		return ""
	}
	var homes []string
	for _, entry := range entries {
		if entry.IsDir() {
			homes = append(homes, entry.Name())
		}
	}
	if len(homes) == 0 {
		return ""
	}
	sort.Strings(homes)
	binary := filepath.Join(javaRoot, homes[len(homes)-1], "bin", "java")
	if _, err := os.Stat(binary); err != nil {
		return ""
	}
	return binary
}

func (s *Supervisor) setPhase(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}
