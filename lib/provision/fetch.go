// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/atlas-hosting/runner/lib/packblob"
)

// maxDependencySize caps a single dependency download. Mod jars run to
// a few hundred megabytes at most.
const maxDependencySize = 1 << 30

// Fetcher retrieves dependency bytes. The production implementation is
// HTTPFetcher; tests substitute an in-memory map.
type Fetcher interface {
	Fetch(ctx context.Context, dependency packblob.Dependency) ([]byte, error)
}

// HTTPFetcher downloads dependencies over HTTP with bounded retries.
type HTTPFetcher struct {
	Client *http.Client

	// sleep is stubbed in tests to skip backoff delays.
	sleep func(time.Duration)
}

const (
	fetchAttempts       = 3
	fetchInitialBackoff = 2 * time.Second
)

// Fetch downloads the dependency URL, retrying transient failures with
// doubling backoff. Content verification is the caller's job.
func (f *HTTPFetcher) Fetch(ctx context.Context, dependency packblob.Dependency) ([]byte, error) {
	sleep := f.sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	backoff := fetchInitialBackoff
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			sleep(backoff)
			backoff *= 2
		}
		data, err := f.fetchOnce(ctx, dependency.URL)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", fetchAttempts, lastErr)
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	response, err := f.Client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %s", response.Status)
	}
	data, err := io.ReadAll(io.LimitReader(response.Body, maxDependencySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDependencySize {
		return nil, fmt.Errorf("response exceeds %d bytes", maxDependencySize)
	}
	return data, nil
}
