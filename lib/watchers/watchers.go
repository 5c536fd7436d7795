// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchers runs the long-lived Hub listeners for a started
// server: one for whitelist changes and one for published pack
// builds. Each listener reconnects indefinitely with backoff and
// winds down when the supervisor signals stop.
package watchers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/atlas-hosting/runner/lib/atomicio"
	"github.com/atlas-hosting/runner/lib/clock"
	"github.com/atlas-hosting/runner/lib/hub"
	"github.com/atlas-hosting/runner/lib/mcrcon"
	"github.com/atlas-hosting/runner/lib/packblob"
	"github.com/atlas-hosting/runner/lib/supervisor"
)

const (
	reconnectBackoffInitial = 2 * time.Second
	reconnectBackoffCap     = 60 * time.Second

	// stopPollInterval bounds how long a listener blocked in Next can
	// outlive a stop signal.
	stopPollInterval = time.Second
)

// whitelistRelativePath is where the synced whitelist lands under the
// server root.
const whitelistRelativePath = "current/whitelist.json"

// Options configures the watcher pair.
type Options struct {
	ServerRoot string
	PackID     string
	Channel    string
	Hub        *hub.Client
	Rcon       mcrcon.Endpoint
	Supervisor *supervisor.Supervisor
	Logger     *slog.Logger
	Clock      clock.Clock
}

// Watchers owns the two listener goroutines of one server generation.
type Watchers struct {
	options Options
	clock   clock.Clock
	logger  *slog.Logger
}

// New creates the watcher pair; Start launches the goroutines.
func New(options Options) *Watchers {
	watcherClock := options.Clock
	if watcherClock == nil {
		watcherClock = clock.Real()
	}
	return &Watchers{options: options, clock: watcherClock, logger: options.Logger}
}

// Start launches both listeners, registered against the supervisor's
// control block so a stop request can join them.
func (w *Watchers) Start(control *supervisor.WatcherControl) {
	control.WorkerStarted()
	go w.runListener(control, "whitelist", w.handleWhitelistEvent)
	control.WorkerStarted()
	go w.runListener(control, "packs", w.handlePackEvent)
}

// handlerFunc processes one qualifying stream event.
type handlerFunc func(ctx context.Context, control *supervisor.WatcherControl, event hub.Event)

// runListener connects to a Hub stream and dispatches its events
// until stop is signalled, reconnecting forever with backoff.
func (w *Watchers) runListener(control *supervisor.WatcherControl, streamName string, handle handlerFunc) {
	defer control.WorkerStopped()

	backoff := reconnectBackoffInitial
	for !control.StopRequested() {
		err := w.consumeStream(control, streamName, handle, func() { backoff = reconnectBackoffInitial })
		if control.StopRequested() {
			return
		}
		if err != nil && !errors.Is(err, io.EOF) {
			w.logger.Warn("hub stream failed, reconnecting",
				"stream", streamName, "backoff", backoff.String(), "error", err)
		}
		w.sleepInterruptibly(control, backoff)
		backoff *= 2
		if backoff > reconnectBackoffCap {
			backoff = reconnectBackoffCap
		}
	}
}

// consumeStream opens one stream connection and pumps events until it
// ends. connected fires after the liveness sentinel so the caller can
// reset its backoff.
func (w *Watchers) consumeStream(control *supervisor.WatcherControl, streamName string, handle handlerFunc, connected func()) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := w.options.Hub.OpenStream(ctx, streamName)
	if err != nil {
		return err
	}
	defer stream.Close()

	// Cancelling the request context unblocks a listener stuck in
	// Next when a stop arrives.
	go func() {
		for !control.StopRequested() {
			select {
			case <-ctx.Done():
				return
			case <-w.clock.After(stopPollInterval):
			}
		}
		cancel()
	}()

	for {
		event, err := stream.Next()
		if err != nil {
			return err
		}
		if event.Type == hub.ReadyEventType {
			connected()
			continue
		}
		handle(ctx, control, event)
	}
}

// sleepInterruptibly waits out the backoff delay, returning early on a
// stop request.
func (w *Watchers) sleepInterruptibly(control *supervisor.WatcherControl, delay time.Duration) {
	elapsed := time.Duration(0)
	for elapsed < delay {
		if control.StopRequested() {
			return
		}
		step := stopPollInterval
		if remaining := delay - elapsed; remaining < step {
			step = remaining
		}
		<-w.clock.After(step)
		elapsed += step
	}
}

// handleWhitelistEvent refetches the whitelist on a matching event,
// writes it only when the bytes changed, and tells the server to
// reload it.
func (w *Watchers) handleWhitelistEvent(ctx context.Context, _ *supervisor.WatcherControl, event hub.Event) {
	var payload hub.WhitelistEvent
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		w.logger.Warn("malformed whitelist event", "error", err)
		return
	}
	if payload.PackID != w.options.PackID {
		return
	}
	if err := w.SyncWhitelist(ctx); err != nil {
		w.logger.Warn("whitelist sync failed", "error", err)
	}
}

// SyncWhitelist fetches the current whitelist and applies it. Also
// invoked by the supervisor during server start.
func (w *Watchers) SyncWhitelist(ctx context.Context) error {
	data, err := w.options.Hub.Whitelist(ctx, w.options.PackID)
	if err != nil {
		return fmt.Errorf("fetching whitelist: %w", err)
	}
	destination := filepath.Join(w.options.ServerRoot, whitelistRelativePath)
	changed, err := atomicio.WriteFileIfChanged(destination, data, 0644)
	if err != nil {
		return fmt.Errorf("writing whitelist: %w", err)
	}
	if !changed {
		return nil
	}
	w.logger.Info("whitelist updated, reloading")
	if _, err := mcrcon.Exec(ctx, w.options.Rcon, "whitelist reload"); err != nil {
		return fmt.Errorf("whitelist reload: %w", err)
	}
	return nil
}

// handlePackEvent applies a newly published build: stop without
// force, provision from the fresh blob, relaunch. Each step may fail;
// failures are logged and the next event retries the sequence.
func (w *Watchers) handlePackEvent(ctx context.Context, control *supervisor.WatcherControl, event hub.Event) {
	var payload hub.PackUpdateEvent
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		w.logger.Warn("malformed pack event", "error", err)
		return
	}
	if payload.PackID != w.options.PackID || payload.Channel != w.options.Channel {
		return
	}
	w.logger.Info("pack build published, updating", "build", payload.BuildID)

	// StopServer joins on this generation's workers; this worker is
	// the one doing the stopping, so leave the count for the
	// duration of the update.
	control.WorkerStopped()
	defer control.WorkerStarted()

	build, err := w.options.Hub.LatestBuild(ctx, w.options.PackID, w.options.Channel)
	if err != nil {
		w.logger.Error("pack update: resolving build", "error", err)
		return
	}
	blobBytes, err := w.downloadBlob(ctx, build.DownloadURL)
	if err != nil {
		w.logger.Error("pack update: downloading blob", "error", err)
		return
	}
	// Decode first: a corrupt blob should never take the server down.
	if _, err := packblob.Decode(blobBytes); err != nil {
		w.logger.Error("pack update: decoding blob", "error", err)
		return
	}

	if err := w.options.Supervisor.StopServer(ctx, false, 0); err != nil {
		w.logger.Error("pack update: stopping server", "error", err)
		return
	}
	if err := w.options.Supervisor.StartServer(ctx, w.currentProfile(), blobBytes); err != nil {
		w.logger.Error("pack update: restarting server", "error", err)
	}
}

func (w *Watchers) currentProfile() string {
	return w.options.Supervisor.Status().Profile
}

func (w *Watchers) downloadBlob(ctx context.Context, url string) ([]byte, error) {
	body, err := w.options.Hub.DownloadBlob(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}
