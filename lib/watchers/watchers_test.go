// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package watchers

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-hosting/runner/lib/hub"
	"github.com/atlas-hosting/runner/lib/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestSyncWhitelistSkipsUnchanged(t *testing.T) {
	whitelist := []byte(`[{"name":"steve"}]`)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/packs/atlas-test/whitelist" {
			http.NotFound(w, r)
			return
		}
		w.Write(whitelist)
	}))
	defer server.Close()

	serverRoot := t.TempDir()
	destination := filepath.Join(serverRoot, whitelistRelativePath)
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(destination, whitelist, 0644); err != nil {
		t.Fatal(err)
	}

	w := New(Options{
		ServerRoot: serverRoot,
		PackID:     "atlas-test",
		Channel:    "stable",
		Hub:        hub.NewClient(server.URL, "key"),
		Logger:     testLogger(),
	})

	// Unchanged bytes: no write, and in particular no RCON reload
	// attempt against the unreachable endpoint.
	if err := w.SyncWhitelist(context.Background()); err != nil {
		t.Fatalf("SyncWhitelist with unchanged content: %v", err)
	}
}

func TestSyncWhitelistWritesChangedContent(t *testing.T) {
	updated := []byte(`[{"name":"alex"}]`)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(updated)
	}))
	defer server.Close()

	serverRoot := t.TempDir()
	if err := os.MkdirAll(filepath.Join(serverRoot, "current"), 0755); err != nil {
		t.Fatal(err)
	}
	w := New(Options{
		ServerRoot: serverRoot,
		PackID:     "atlas-test",
		Channel:    "stable",
		Hub:        hub.NewClient(server.URL, "key"),
		Logger:     testLogger(),
	})

	// The reload goes to an unconfigured RCON endpoint and fails;
	// the file must still have been written first.
	err := w.SyncWhitelist(context.Background())
	if err == nil {
		t.Fatal("expected rcon reload failure against unconfigured endpoint")
	}
	written, readErr := os.ReadFile(filepath.Join(serverRoot, whitelistRelativePath))
	if readErr != nil || string(written) != string(updated) {
		t.Fatalf("whitelist on disk = %q, %v", written, readErr)
	}
}

func TestWhitelistEventFiltersOtherPacks(t *testing.T) {
	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write([]byte("[]"))
	}))
	defer server.Close()

	w := New(Options{
		ServerRoot: t.TempDir(),
		PackID:     "atlas-test",
		Channel:    "stable",
		Hub:        hub.NewClient(server.URL, "key"),
		Logger:     testLogger(),
	})

	var control supervisor.WatcherControl
	w.handleWhitelistEvent(context.Background(), &control,
		hub.Event{Type: "whitelist_changed", Data: []byte(`{"pack_id":"someone-else"}`)})
	if fetches.Load() != 0 {
		t.Errorf("whitelist fetched %d times for a foreign pack event", fetches.Load())
	}
}

func TestPackEventFiltersOtherChannels(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	w := New(Options{
		ServerRoot: t.TempDir(),
		PackID:     "atlas-test",
		Channel:    "stable",
		Hub:        hub.NewClient(server.URL, "key"),
		Logger:     testLogger(),
	})

	var control supervisor.WatcherControl
	w.handlePackEvent(context.Background(), &control,
		hub.Event{Type: "pack_updated", Data: []byte(`{"pack_id":"atlas-test","channel":"beta","build_id":"b2"}`)})
	if hits.Load() != 0 {
		t.Errorf("hub contacted %d times for a foreign-channel event", hits.Load())
	}
}

func TestPackEventCorruptBlobDoesNotStopServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/packs/atlas-test/builds/latest":
			w.Write([]byte(`{"download_url":"http://` + r.Host + `/blob"}`))
		default:
			w.Write([]byte("definitely not a pack blob"))
		}
	}))
	defer server.Close()

	hubClient := hub.NewClient(server.URL, "key")
	w := New(Options{
		ServerRoot: t.TempDir(),
		PackID:     "atlas-test",
		Channel:    "stable",
		Hub:        hubClient,
		// Supervisor is nil: reaching StopServer would panic, which
		// is exactly what a corrupt blob must not do.
		Logger: testLogger(),
	})

	var control supervisor.WatcherControl
	data := []byte(`{"pack_id":"atlas-test","channel":"stable","build_id":"b3"}`)
	w.handlePackEvent(context.Background(), &control, hub.Event{Type: "pack_updated", Data: data})
	if control.RunningWorkers() != 0 {
		t.Errorf("worker count unbalanced after handler: %d", control.RunningWorkers())
	}
}

func TestListenerStopsOnSignal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// One liveness event, then close; the listener should try to
		// reconnect until stopped.
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: ready\ndata: {}\n\n"))
	}))
	defer server.Close()

	w := New(Options{
		ServerRoot: t.TempDir(),
		PackID:     "atlas-test",
		Channel:    "stable",
		Hub:        hub.NewClient(server.URL, "key"),
		Logger:     testLogger(),
	})

	var control supervisor.WatcherControl
	control.WorkerStarted()
	go w.runListener(&control, "packs", w.handlePackEvent)

	time.Sleep(100 * time.Millisecond)
	control.SignalStop()

	deadline := time.Now().Add(5 * time.Second)
	for control.RunningWorkers() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("listener did not stop after signal")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
