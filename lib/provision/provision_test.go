// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-hosting/runner/lib/atomicio"
	"github.com/atlas-hosting/runner/lib/packblob"
)

func TestMinimumJavaMajor(t *testing.T) {
	cases := []struct {
		version string
		major   int
	}{
		{"1.12.2", 8},
		{"1.16.5", 8},
		{"1.17.1", 8},
		{"1.18", 17},
		{"1.18.2", 17},
		{"1.20.1", 17},
		{"1.20.4", 17},
		{"1.20.5", 21},
		{"1.20.6", 21},
		{"1.21", 21},
		{"1.21.1", 21},
		{"garbage", 21},
	}
	for _, testCase := range cases {
		if got := MinimumJavaMajor(testCase.version); got != testCase.major {
			t.Errorf("MinimumJavaMajor(%q) = %d, want %d", testCase.version, got, testCase.major)
		}
	}
}

func TestParseRunScript(t *testing.T) {
	script := `#!/usr/bin/env sh
# Forge requires a configured set of both JVM and program arguments.
exec java @user_jvm_args.txt @libraries/net/minecraftforge/forge/1.20.1-47.2.0/unix_args.txt "$@"
`
	argv := parseRunScript(script)
	want := []string{"java", "@user_jvm_args.txt", "@libraries/net/minecraftforge/forge/1.20.1-47.2.0/unix_args.txt"}
	if len(argv) != len(want) {
		t.Fatalf("parseRunScript returned %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("parseRunScript token %d = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestParseRunScriptIgnoresProbeLines(t *testing.T) {
	script := "java -version\njava -Xmx4G -jar server.jar\n"
	argv := parseRunScript(script)
	if len(argv) != 4 || argv[3] != "server.jar" {
		t.Fatalf("parseRunScript = %v, want the -jar line", argv)
	}
}

func TestDeriveLaunchPlanFromRunScript(t *testing.T) {
	directory := t.TempDir()
	script := "#!/bin/sh\njava -Xmx4G -jar fabric-server-launch.jar\n"
	if err := os.WriteFile(filepath.Join(directory, "run.sh"), []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	plan, err := DeriveLaunchPlan(directory)
	if err != nil {
		t.Fatalf("DeriveLaunchPlan: %v", err)
	}
	if plan.CwdRel != CurrentDir {
		t.Errorf("CwdRel = %q, want %q", plan.CwdRel, CurrentDir)
	}
	last := plan.Argv[len(plan.Argv)-1]
	if last != "nogui" {
		t.Errorf("argv %v does not end with nogui", plan.Argv)
	}
}

func TestDeriveLaunchPlanFallbackOrder(t *testing.T) {
	directory := t.TempDir()
	for _, name := range []string{"fabric-server-launch.jar", "server.jar"} {
		if err := os.WriteFile(filepath.Join(directory, name), []byte("jar"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	plan, err := DeriveLaunchPlan(directory)
	if err != nil {
		t.Fatalf("DeriveLaunchPlan: %v", err)
	}
	if plan.Argv[2] != "fabric-server-launch.jar" {
		t.Errorf("argv = %v, want fabric-server-launch.jar preferred", plan.Argv)
	}

	if err := os.Remove(filepath.Join(directory, "fabric-server-launch.jar")); err != nil {
		t.Fatal(err)
	}
	plan, err = DeriveLaunchPlan(directory)
	if err != nil {
		t.Fatalf("DeriveLaunchPlan: %v", err)
	}
	if plan.Argv[2] != "server.jar" {
		t.Errorf("argv = %v, want server.jar fallback", plan.Argv)
	}
}

func TestDeriveLaunchPlanMissingLaunchFiles(t *testing.T) {
	_, err := DeriveLaunchPlan(t.TempDir())
	var invalid *InvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("DeriveLaunchPlan on empty dir: got %v, want InvalidError", err)
	}
}

func TestLaunchPlanRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "launch.json")
	original := &LaunchPlan{CwdRel: "current", Argv: []string{"java", "-jar", "server.jar", "nogui"}}
	if err := original.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadLaunchPlan(path)
	if err != nil {
		t.Fatalf("LoadLaunchPlan: %v", err)
	}
	if loaded.CwdRel != original.CwdRel || len(loaded.Argv) != len(original.Argv) {
		t.Fatalf("round trip mismatch: %+v vs %+v", loaded, original)
	}
}

// mapFetcher serves dependency bytes from memory and counts fetches.
type mapFetcher struct {
	byURL   map[string][]byte
	fetches int
}

func (f *mapFetcher) Fetch(_ context.Context, dependency packblob.Dependency) ([]byte, error) {
	f.fetches++
	data, ok := f.byURL[dependency.URL]
	if !ok {
		return nil, errors.New("unknown URL " + dependency.URL)
	}
	return data, nil
}

// newTestPipeline builds a pipeline whose Java runtime is pre-seeded
// and verified, so Apply never reaches the network for a JDK, and
// whose staging directory already holds a launch file, so no loader
// installer runs.
func newTestPipeline(t *testing.T, fetcher Fetcher) (*Pipeline, string) {
	t.Helper()
	serverRoot := t.TempDir()
	pipeline := NewPipeline(serverRoot, nil, 0, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	pipeline.fetcher = fetcher
	pipeline.goos = "linux"

	jdkHome := filepath.Join(serverRoot, JavaDir, "jdk-17")
	if err := os.MkdirAll(filepath.Join(jdkHome, "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(jdkHome, "bin", "java"), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	digest, err := atomicio.TreeHash(jdkHome)
	if err != nil {
		t.Fatal(err)
	}
	hashPath := filepath.Join(serverRoot, JavaDir, javaHashFileName)
	if err := os.WriteFile(hashPath, []byte(atomicio.FormatDigest(digest)+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	currentDir := filepath.Join(serverRoot, CurrentDir)
	if err := os.MkdirAll(currentDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(currentDir, "server.jar"), []byte("jar"), 0644); err != nil {
		t.Fatal(err)
	}
	return pipeline, serverRoot
}

func testBlob() *packblob.PackBlob {
	return &packblob.PackBlob{
		Metadata: packblob.Metadata{
			PackID:           "atlas-skyfactory",
			Version:          "1.4.0",
			MinecraftVersion: "1.20.1",
			Loader:           "fabric",
			LoaderVersion:    "0.15.11",
		},
		Manifest: packblob.Manifest{
			Dependencies: []packblob.Dependency{
				{
					URL:         "https://cdn.example.net/mods/machines.jar",
					Hash:        packblob.HashRef{Algorithm: "sha256", Hex: "c122c41124c23b0571b60780698a466907700080062a6846c72dd076d3010186"},
					Side:        "both",
					PointerPath: "current/mods/machines.jar",
				},
				{
					URL:         "https://cdn.example.net/mods/shaders.jar",
					Hash:        packblob.HashRef{Algorithm: "sha256", Hex: "ffff"},
					Side:        "client",
					PointerPath: "current/mods/shaders.jar",
				},
			},
		},
		Files: map[string][]byte{
			"current/config/machines.toml": []byte("config-v2"),
		},
	}
}

func TestApplyProvisionsDependenciesAndFiles(t *testing.T) {
	fetcher := &mapFetcher{byURL: map[string][]byte{
		"https://cdn.example.net/mods/machines.jar": []byte("mod-bytes"),
	}}
	pipeline, serverRoot := newTestPipeline(t, fetcher)

	plan, err := pipeline.Apply(context.Background(), testBlob())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if plan.Argv[len(plan.Argv)-1] != "nogui" {
		t.Errorf("launch plan argv = %v", plan.Argv)
	}

	modData, err := os.ReadFile(filepath.Join(serverRoot, "current/mods/machines.jar"))
	if err != nil || string(modData) != "mod-bytes" {
		t.Errorf("dependency content = %q, %v", modData, err)
	}
	if _, err := os.Stat(filepath.Join(serverRoot, "current/mods/shaders.jar")); !os.IsNotExist(err) {
		t.Error("client-only dependency was provisioned")
	}
	configData, err := os.ReadFile(filepath.Join(serverRoot, "current/config/machines.toml"))
	if err != nil || string(configData) != "config-v2" {
		t.Errorf("loose file content = %q, %v", configData, err)
	}
	if _, err := os.Stat(filepath.Join(serverRoot, LaunchPlanPath)); err != nil {
		t.Errorf("launch plan not persisted: %v", err)
	}
	if fetcher.fetches != 1 {
		t.Errorf("fetches = %d, want 1", fetcher.fetches)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	fetcher := &mapFetcher{byURL: map[string][]byte{
		"https://cdn.example.net/mods/machines.jar": []byte("mod-bytes"),
	}}
	pipeline, serverRoot := newTestPipeline(t, fetcher)

	blob := testBlob()
	if _, err := pipeline.Apply(context.Background(), blob); err != nil {
		t.Fatalf("first Apply: %v", err)
	}

	// Age the provisioned file; an idempotent re-apply must not
	// rewrite it.
	modPath := filepath.Join(serverRoot, "current/mods/machines.jar")
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(modPath, past, past); err != nil {
		t.Fatal(err)
	}

	if _, err := pipeline.Apply(context.Background(), blob); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	info, err := os.Stat(modPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.ModTime().After(past.Add(time.Minute)) {
		t.Error("unchanged dependency was rewritten on re-apply")
	}
}

func TestApplyHashMismatchLeavesNoFile(t *testing.T) {
	fetcher := &mapFetcher{byURL: map[string][]byte{
		"https://cdn.example.net/mods/machines.jar": []byte("tampered-bytes"),
	}}
	pipeline, serverRoot := newTestPipeline(t, fetcher)

	_, err := pipeline.Apply(context.Background(), testBlob())
	var invalid *InvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("Apply with bad hash: got %v, want InvalidError", err)
	}
	if _, err := os.Stat(filepath.Join(serverRoot, "current/mods/machines.jar")); !os.IsNotExist(err) {
		t.Error("mismatched dependency reached its final path")
	}
}

func TestApplyRejectsEscapingPaths(t *testing.T) {
	pipeline, _ := newTestPipeline(t, &mapFetcher{})
	blob := testBlob()
	blob.Manifest.Dependencies = nil
	blob.Files = map[string][]byte{"../outside.txt": []byte("nope")}

	_, err := pipeline.Apply(context.Background(), blob)
	var invalid *InvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("Apply with escaping path: got %v, want InvalidError", err)
	}
}
