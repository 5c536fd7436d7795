// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-hosting/runner/lib/atomicio"
	"github.com/atlas-hosting/runner/lib/clock"
	"github.com/atlas-hosting/runner/lib/ipc"
	"github.com/atlas-hosting/runner/lib/mcrcon"
	"github.com/atlas-hosting/runner/lib/logstore"
	"github.com/atlas-hosting/runner/lib/packblob"
	"github.com/atlas-hosting/runner/lib/provision"
)

func newTestSupervisor(t *testing.T, options Options) (*Supervisor, string) {
	t.Helper()
	serverRoot := t.TempDir()
	for _, dir := range []string{provision.CurrentDir, provision.RunnerDir} {
		if err := os.MkdirAll(filepath.Join(serverRoot, dir), 0755); err != nil {
			t.Fatal(err)
		}
	}
	options.ServerRoot = serverRoot
	if options.ServerLogs == nil {
		options.ServerLogs = logstore.New(100)
	}
	if options.DaemonLogs == nil {
		options.DaemonLogs = logstore.New(100)
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return New(options), serverRoot
}

func writeLaunchPlan(t *testing.T, serverRoot string, argv ...string) {
	t.Helper()
	plan := &provision.LaunchPlan{CwdRel: provision.CurrentDir, Argv: argv}
	if err := plan.Save(filepath.Join(serverRoot, provision.LaunchPlanPath)); err != nil {
		t.Fatal(err)
	}
}

func waitForPhase(t *testing.T, s *Supervisor, phase Phase) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.RefreshChildStatus()
		status := s.Status()
		if status.Phase == phase {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("supervisor never reached phase %s (currently %s)", phase, s.Status().Phase)
	return Status{}
}

func TestRelaunchPersistedAndForceStop(t *testing.T) {
	s, serverRoot := newTestSupervisor(t, Options{RestartDisabled: true})
	writeLaunchPlan(t, serverRoot, "/bin/sleep", "60")

	if err := s.RelaunchPersisted("survival"); err != nil {
		t.Fatalf("RelaunchPersisted: %v", err)
	}
	status := s.Status()
	if status.Phase != PhaseRunning || status.PID == 0 || status.Profile != "survival" {
		t.Fatalf("status after relaunch = %+v", status)
	}

	if err := s.StopServer(context.Background(), true, 0); err != nil {
		t.Fatalf("StopServer: %v", err)
	}
	status = waitForPhase(t, s, PhaseExited)
	if status.Exit == "" {
		t.Error("exited status has no exit description")
	}
}

func TestRelaunchPersistedMissingPlanIsNoop(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{RestartDisabled: true})
	if err := s.RelaunchPersisted("survival"); err != nil {
		t.Fatalf("RelaunchPersisted with no plan: %v", err)
	}
	if s.Status().Phase != PhaseStopped {
		t.Errorf("phase = %s, want stopped", s.Status().Phase)
	}
}

func TestUnexpectedExitRecorded(t *testing.T) {
	s, serverRoot := newTestSupervisor(t, Options{RestartDisabled: true})
	writeLaunchPlan(t, serverRoot, "/bin/sh", "-c", "exit 3")

	if err := s.RelaunchPersisted("survival"); err != nil {
		t.Fatalf("RelaunchPersisted: %v", err)
	}
	status := waitForPhase(t, s, PhaseExited)
	if status.Exit != "exit status 3" {
		t.Errorf("exit = %q, want exit status 3", status.Exit)
	}
}

func TestStopServerWithoutChild(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{RestartDisabled: true})
	err := s.StopServer(context.Background(), false, 0)
	var rpcErr *ipc.RpcError
	if !errors.As(err, &rpcErr) || rpcErr.Code != ipc.CodeServerNotRunning {
		t.Fatalf("StopServer with no child: got %v, want server_not_running", err)
	}
}

func TestStartServerRejectsBadBlob(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{RestartDisabled: true})
	err := s.StartServer(context.Background(), "survival", []byte("not a blob"))
	var rpcErr *ipc.RpcError
	if !errors.As(err, &rpcErr) || rpcErr.Code != ipc.CodeInvalidConfig {
		t.Fatalf("StartServer with garbage blob: got %v, want invalid_config", err)
	}
}

func TestLifecycleLockTimeout(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	s, _ := newTestSupervisor(t, Options{RestartDisabled: true, Clock: fakeClock})

	blobBytes, err := packblob.Encode(&packblob.PackBlob{
		Metadata: packblob.Metadata{PackID: "atlas-test", Version: "1.0.0", MinecraftVersion: "1.20.1"},
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	// Hold the lifecycle lock so the start must time out waiting.
	s.lifecycle <- struct{}{}
	defer func() { <-s.lifecycle }()

	result := make(chan error, 1)
	go func() { result <- s.StartServer(context.Background(), "survival", blobBytes) }()

	for fakeClock.PendingWaiters() == 0 {
		time.Sleep(time.Millisecond)
	}
	fakeClock.Advance(lifecycleLockTimeout)

	select {
	case err := <-result:
		var rpcErr *ipc.RpcError
		if !errors.As(err, &rpcErr) || rpcErr.Code != ipc.CodeInternal {
			t.Fatalf("StartServer under held lock: got %v, want internal", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("StartServer did not return after lock timeout")
	}
}

func TestWatcherControl(t *testing.T) {
	var control WatcherControl
	if control.StopRequested() {
		t.Error("fresh control reports stop requested")
	}
	control.WorkerStarted()
	control.WorkerStarted()
	if control.RunningWorkers() != 2 {
		t.Errorf("running = %d, want 2", control.RunningWorkers())
	}
	control.SignalStop()
	if !control.StopRequested() {
		t.Error("stop not visible after SignalStop")
	}
	control.WorkerStopped()
	control.WorkerStopped()
	if control.RunningWorkers() != 0 {
		t.Errorf("running = %d, want 0", control.RunningWorkers())
	}
}

func TestServerLogsConversion(t *testing.T) {
	store := logstore.New(10)
	store.Append(logstore.Line{AtMs: 42, Stream: logstore.Stdout, Line: "Done (3.14s)!"})
	s, _ := newTestSupervisor(t, Options{RestartDisabled: true, ServerLogs: store})

	lines := s.ServerLogs(5)
	if len(lines) != 1 || lines[0].Line != "Done (3.14s)!" || lines[0].Stream != "stdout" {
		t.Fatalf("ServerLogs = %+v", lines)
	}
}

// seedProvisionedInstall lays down everything Pipeline.Apply needs to
// succeed offline: a verified fake JDK whose java binary just sleeps,
// and a server.jar so no loader install runs.
func seedProvisionedInstall(t *testing.T, serverRoot string) {
	t.Helper()
	jdkHome := filepath.Join(serverRoot, provision.JavaDir, "jdk-17")
	if err := os.MkdirAll(filepath.Join(jdkHome, "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	javaScript := []byte("#!/bin/sh\nsleep 60\n")
	if err := os.WriteFile(filepath.Join(jdkHome, "bin", "java"), javaScript, 0755); err != nil {
		t.Fatal(err)
	}
	digest, err := atomicio.TreeHash(jdkHome)
	if err != nil {
		t.Fatal(err)
	}
	hashPath := filepath.Join(serverRoot, provision.JavaDir, "java.hash")
	if err := os.WriteFile(hashPath, []byte(atomicio.FormatDigest(digest)+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	jarPath := filepath.Join(serverRoot, provision.CurrentDir, "server.jar")
	if err := os.WriteFile(jarPath, []byte("jar"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentStartsYieldOneServer(t *testing.T) {
	s, serverRoot := newTestSupervisor(t, Options{RestartDisabled: true})
	seedProvisionedInstall(t, serverRoot)
	s.options.Pipeline = provision.NewPipeline(serverRoot, nil, 0, s.logger)

	blobBytes, err := packblob.Encode(&packblob.PackBlob{
		Metadata: packblob.Metadata{PackID: "atlas-test", Version: "1.0.0", MinecraftVersion: "1.20.1"},
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- s.StartServer(context.Background(), "survival", blobBytes)
		}()
	}

	var successes, alreadyRunning int
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err == nil {
				successes++
				continue
			}
			var rpcErr *ipc.RpcError
			if !errors.As(err, &rpcErr) {
				t.Fatalf("unexpected start error: %v", err)
			}
			// The loser either fast-fails or times out on the lock.
			if rpcErr.Code != ipc.CodeServerAlreadyRunning && rpcErr.Code != ipc.CodeInternal {
				t.Fatalf("loser failed with %s, want server_already_running or internal", rpcErr.Code)
			}
			alreadyRunning++
		case <-time.After(10 * time.Second):
			t.Fatal("concurrent starts did not settle")
		}
	}
	if successes != 1 || alreadyRunning != 1 {
		t.Fatalf("got %d successes and %d rejections, want exactly one of each", successes, alreadyRunning)
	}

	status := waitForPhase(t, s, PhaseRunning)
	if status.PID == 0 {
		t.Fatal("running status has no pid")
	}
	if err := s.StopServer(context.Background(), true, 0); err != nil {
		t.Fatalf("cleanup stop: %v", err)
	}
}

func TestStopServerAttemptsGracefulRconFirst(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	var rconAttempts atomic.Int32
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			rconAttempts.Add(1)
			// Closing before the auth handshake makes the graceful
			// path fail fast, so the stop escalates to a kill.
			conn.Close()
		}
	}()

	s, serverRoot := newTestSupervisor(t, Options{
		RestartDisabled: true,
		Rcon:            mcrcon.Endpoint{Address: listener.Addr().String(), Password: "secret"},
	})
	writeLaunchPlan(t, serverRoot, "/bin/sleep", "60")
	if err := s.RelaunchPersisted("survival"); err != nil {
		t.Fatalf("RelaunchPersisted: %v", err)
	}
	waitForPhase(t, s, PhaseRunning)

	if err := s.StopServer(context.Background(), false, time.Second); err != nil {
		t.Fatalf("StopServer: %v", err)
	}
	if rconAttempts.Load() == 0 {
		t.Fatal("graceful stop never dialed the rcon endpoint")
	}
	waitForPhase(t, s, PhaseExited)
}
