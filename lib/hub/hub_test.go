// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLatestBuildSendsAuthAndChannel(t *testing.T) {
	var gotAuth, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		io.WriteString(w, `{"download_url": "https://cdn.example/blob", "build_id": "b42", "minecraft_version": "1.21.1"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "deploy-key-123")
	info, err := client.LatestBuild(context.Background(), "skyfall", "stable")
	if err != nil {
		t.Fatalf("LatestBuild: %v", err)
	}
	if gotAuth != "Bearer deploy-key-123" {
		t.Errorf("Authorization = %q, want bearer deploy key", gotAuth)
	}
	if gotPath != "/api/packs/skyfall/builds/latest?channel=stable" {
		t.Errorf("request path = %q", gotPath)
	}
	if info.BuildID != "b42" || info.MinecraftVersion != "1.21.1" {
		t.Errorf("unexpected build info: %+v", info)
	}
}

func TestLatestBuildRejectsMissingDownloadURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"build_id": "b42"}`)
	}))
	defer server.Close()

	if _, err := NewClient(server.URL, "").LatestBuild(context.Background(), "skyfall", "stable"); err == nil {
		t.Fatal("expected error for build metadata without download_url")
	}
}

func TestWhitelistReturnsBodyVerbatim(t *testing.T) {
	const body = "[{\"name\": \"alice\"}]\n"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/packs/skyfall/whitelist" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, body)
	}))
	defer server.Close()

	got, err := NewClient(server.URL, "").Whitelist(context.Background(), "skyfall")
	if err != nil {
		t.Fatalf("Whitelist: %v", err)
	}
	if string(got) != body {
		t.Errorf("whitelist body = %q, want %q", got, body)
	}
}

func TestLatestReleaseRejectsIncompleteMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"product": "runnerd", "version": "1.2.3"}`)
	}))
	defer server.Close()

	if _, err := NewClient(server.URL, "").LatestRelease(context.Background(), "runnerd", "linux", "amd64"); err == nil {
		t.Fatal("expected error for release metadata without download_url")
	}
}

func TestNonOKStatusSurfacesCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "stale-key").Whitelist(context.Background(), "skyfall")
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected HTTP 403 error, got %v", err)
	}
}
