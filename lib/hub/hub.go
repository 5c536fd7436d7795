// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

// Package hub is the client for the Hub's HTTP and server-sent-event
// API. The daemon consumes four surfaces: pack build metadata and
// blobs, the server whitelist, the whitelist/pack-update event
// streams, and the distribution-release endpoint the self-updater
// polls. The Hub side is not implemented here.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// BuildInfo is the artifact metadata for the newest build of a pack on
// a channel.
type BuildInfo struct {
	DownloadURL           string `json:"download_url"`
	BuildID               string `json:"build_id"`
	RequiresFullReinstall bool   `json:"requires_full_reinstall"`
	MinecraftVersion      string `json:"minecraft_version"`
	Modloader             string `json:"modloader"`
	ModloaderVersion      string `json:"modloader_version"`
}

// ReleaseAsset is one downloadable binary from the distribution
// endpoint.
type ReleaseAsset struct {
	Product     string `json:"product"`
	Version     string `json:"version"`
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	DownloadURL string `json:"download_url"`
	SHA256      string `json:"sha256"`
}

// maxBodySize bounds non-streaming response bodies. Pack blobs download
// through DownloadBlob, which streams; everything else is metadata.
const maxBodySize = 4 * 1024 * 1024

// Client talks to one Hub. Safe for concurrent use.
type Client struct {
	baseURL    string
	deployKey  string
	httpClient *http.Client
}

// NewClient creates a Hub client. deployKey is sent as a bearer token
// on every request; it may be empty for anonymous endpoints in tests.
func NewClient(baseURL, deployKey string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		deployKey: deployKey,
		httpClient: &http.Client{
			// Request-level timeouts would kill long-lived SSE streams,
			// so the client carries none; unary calls bound themselves
			// with a context deadline.
			Timeout: 0,
		},
	}
}

// unaryTimeout bounds metadata requests.
const unaryTimeout = 30 * time.Second

// LatestBuild fetches the newest build of a pack on a channel.
func (c *Client) LatestBuild(ctx context.Context, packID, channel string) (BuildInfo, error) {
	var info BuildInfo
	path := fmt.Sprintf("/api/packs/%s/builds/latest?channel=%s", packID, channel)
	if err := c.getJSON(ctx, path, &info); err != nil {
		return BuildInfo{}, err
	}
	if info.DownloadURL == "" {
		return BuildInfo{}, fmt.Errorf("build metadata for %s has no download_url", packID)
	}
	return info, nil
}

// Whitelist fetches the pack's whitelist file verbatim. The daemon
// compares it byte-for-byte against the on-disk copy.
func (c *Client) Whitelist(ctx context.Context, packID string) ([]byte, error) {
	return c.getBytes(ctx, fmt.Sprintf("/api/packs/%s/whitelist", packID))
}

// LatestRelease resolves the newest release asset for a product on
// one OS/architecture pair.
func (c *Client) LatestRelease(ctx context.Context, product, goos, arch string) (ReleaseAsset, error) {
	var asset ReleaseAsset
	path := fmt.Sprintf("/api/dist/%s/latest?os=%s&arch=%s", product, goos, arch)
	if err := c.getJSON(ctx, path, &asset); err != nil {
		return ReleaseAsset{}, err
	}
	if asset.Version == "" || asset.DownloadURL == "" {
		return ReleaseAsset{}, fmt.Errorf("release metadata for %s is incomplete", product)
	}
	return asset, nil
}

// DownloadBlob streams the body of an absolute URL (typically a
// BuildInfo.DownloadURL, which may point at a CDN outside the Hub).
// The caller owns closing the reader.
func (c *Client) DownloadBlob(ctx context.Context, url string) (io.ReadCloser, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}
	c.authorize(request)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", url, err)
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		return nil, fmt.Errorf("downloading %s: HTTP %d", url, response.StatusCode)
	}
	return response.Body, nil
}

// OpenStream connects to one of the Hub's SSE endpoints ("whitelist"
// or "packs") and returns the event stream. The stream ends when the
// context is cancelled or the connection drops; the watcher owns
// reconnecting.
func (c *Client) OpenStream(ctx context.Context, stream string) (*EventStream, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/events/"+stream, nil)
	if err != nil {
		return nil, fmt.Errorf("building stream request: %w", err)
	}
	c.authorize(request)
	request.Header.Set("Accept", "text/event-stream")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("opening %s stream: %w", stream, err)
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		return nil, fmt.Errorf("opening %s stream: HTTP %d", stream, response.StatusCode)
	}
	return newEventStream(response.Body), nil
}

func (c *Client) authorize(request *http.Request) {
	if c.deployKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.deployKey)
	}
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.getBytes(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) getBytes(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, unaryTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", path, err)
	}
	c.authorize(request)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: HTTP %d", path, response.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", path, err)
	}
	return body, nil
}
