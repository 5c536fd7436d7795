// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/atlas-hosting/runner/lib/atomicio"
)

// defaultAdoptiumBase is the Adoptium asset API; overridable in tests.
const defaultAdoptiumBase = "https://api.adoptium.net/v3/assets/latest"

// javaHashFileName stores the whole-tree checksum next to the JDK
// directories under .runner/java.
const javaHashFileName = "java.hash"

// JavaRuntime describes an installed, verified JDK.
type JavaRuntime struct {
	Major  int
	Home   string
	Binary string
}

// javaInstaller provisions Temurin JDKs under .runner/java, one
// directory per major version, verified by a tree checksum on every
// Ensure so a corrupted runtime is reinstalled rather than launched.
type javaInstaller struct {
	serverRoot   string
	httpClient   *http.Client
	logger       *slog.Logger
	adoptiumBase string
	goos         string
	goarch       string
}

func newJavaInstaller(serverRoot string, httpClient *http.Client, logger *slog.Logger) *javaInstaller {
	return &javaInstaller{
		serverRoot:   serverRoot,
		httpClient:   httpClient,
		logger:       logger,
		adoptiumBase: defaultAdoptiumBase,
		goos:         "linux",
		goarch:       "amd64",
	}
}

// MinimumJavaMajor maps a Minecraft version to the Java major it
// requires: 8 before 1.18, 17 before 1.20.5, and 21 from 1.20.5 on.
func MinimumJavaMajor(minecraftVersion string) int {
	minor, patch := parseMinecraftVersion(minecraftVersion)
	switch {
	case minor < 18:
		return 8
	case minor < 20 || (minor == 20 && patch < 5):
		return 17
	default:
		return 21
	}
}

// parseMinecraftVersion extracts the minor and patch numbers from a
// "1.x.y" version string. Unparseable versions read as the newest
// bracket so the modern runtime is chosen.
func parseMinecraftVersion(version string) (minor, patch int) {
	parts := strings.SplitN(strings.TrimSpace(version), ".", 3)
	if len(parts) < 2 {
		return 99, 0
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return 99, 0
	}
	if len(parts) == 3 {
		// Trailing qualifiers like "-pre1" are ignored.
		digits := parts[2]
		if cut := strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }); cut >= 0 {
			digits = digits[:cut]
		}
		patch, _ = strconv.Atoi(digits)
	}
	return minor, patch
}

// Ensure returns a verified JDK for the given Minecraft version,
// installing one from Adoptium when missing or corrupted. The override
// is honored only when it meets the computed minimum.
func (j *javaInstaller) Ensure(ctx context.Context, minecraftVersion string, majorOverride int) (*JavaRuntime, error) {
	major := MinimumJavaMajor(minecraftVersion)
	if majorOverride >= major {
		major = majorOverride
	} else if majorOverride > 0 {
		j.logger.Warn("java override below required minimum, ignoring",
			"override", majorOverride, "minimum", major)
	}

	javaRoot := filepath.Join(j.serverRoot, JavaDir)
	jdkHome := filepath.Join(javaRoot, fmt.Sprintf("jdk-%d", major))
	hashPath := filepath.Join(javaRoot, javaHashFileName)

	if verified, err := j.verifyExisting(jdkHome, hashPath); err != nil {
		return nil, err
	} else if verified {
		return j.runtimeFor(major, jdkHome), nil
	}

	if err := os.RemoveAll(jdkHome); err != nil {
		return nil, fmt.Errorf("removing stale JDK: %w", err)
	}
	if err := j.install(ctx, major, javaRoot, jdkHome); err != nil {
		return nil, err
	}

	treeDigest, err := atomicio.TreeHash(jdkHome)
	if err != nil {
		return nil, fmt.Errorf("checksumming installed JDK: %w", err)
	}
	if err := atomicio.WriteFile(hashPath, []byte(atomicio.FormatDigest(treeDigest)+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("writing java checksum: %w", err)
	}
	j.logger.Info("installed java runtime", "major", major, "home", jdkHome)
	return j.runtimeFor(major, jdkHome), nil
}

func (j *javaInstaller) runtimeFor(major int, home string) *JavaRuntime {
	return &JavaRuntime{Major: major, Home: home, Binary: filepath.Join(home, "bin", "java")}
}

// verifyExisting recomputes the tree checksum of an installed JDK and
// compares it to the stored value. Missing directory or checksum, or a
// mismatch, means reinstall.
func (j *javaInstaller) verifyExisting(jdkHome, hashPath string) (bool, error) {
	if _, err := os.Stat(jdkHome); err != nil {
		return false, nil
	}
	stored, err := os.ReadFile(hashPath)
	if err != nil {
		return false, nil
	}
	actual, err := atomicio.TreeHash(jdkHome)
	if err != nil {
		return false, fmt.Errorf("checksumming existing JDK: %w", err)
	}
	if strings.TrimSpace(string(stored)) != atomicio.FormatDigest(actual) {
		j.logger.Warn("java runtime failed verification, reinstalling", "home", jdkHome)
		return false, nil
	}
	return true, nil
}

// adoptiumAsset is the subset of the Adoptium latest-assets response
// the installer needs.
type adoptiumAsset struct {
	Binary struct {
		Package struct {
			Link     string `json:"link"`
			Checksum string `json:"checksum"`
		} `json:"package"`
	} `json:"binary"`
}

// install resolves the latest Temurin build for the major version,
// downloads it with streaming SHA-256 verification, and extracts it to
// jdkHome via a staging directory so a failed install leaves nothing
// at the final path.
func (j *javaInstaller) install(ctx context.Context, major int, javaRoot, jdkHome string) error {
	if err := os.MkdirAll(javaRoot, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", javaRoot, err)
	}

	link, checksum, err := j.resolve(ctx, major)
	if err != nil {
		return fmt.Errorf("resolving adoptium jdk %d: %w", major, err)
	}

	archivePath := filepath.Join(javaRoot, "download.tmp")
	defer os.Remove(archivePath)
	if err := j.downloadVerified(ctx, link, checksum, archivePath); err != nil {
		return fmt.Errorf("downloading jdk %d: %w", major, err)
	}

	stagingDir := filepath.Join(javaRoot, "extract.tmp")
	if err := os.RemoveAll(stagingDir); err != nil {
		return err
	}
	defer os.RemoveAll(stagingDir)
	if err := extractTarGz(archivePath, stagingDir); err != nil {
		return fmt.Errorf("extracting jdk %d: %w", major, err)
	}

	// The archive wraps everything in a single versioned directory
	// (jdk-21.0.4+7 or similar); that directory becomes jdkHome.
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return Invalidf("jdk archive has unexpected layout (%d top-level entries)", len(entries))
	}
	return os.Rename(filepath.Join(stagingDir, entries[0].Name()), jdkHome)
}

// resolve queries the Adoptium API for the newest hotspot JDK package
// matching the target platform.
func (j *javaInstaller) resolve(ctx context.Context, major int) (link, checksum string, err error) {
	architecture := map[string]string{"amd64": "x64", "arm64": "aarch64"}[j.goarch]
	if architecture == "" {
		return "", "", fmt.Errorf("no adoptium builds for architecture %q", j.goarch)
	}
	url := fmt.Sprintf("%s/%d/hotspot?os=%s&architecture=%s&image_type=jdk",
		j.adoptiumBase, major, j.goos, architecture)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}
	response, err := j.httpClient.Do(request)
	if err != nil {
		return "", "", err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("adoptium: status %s", response.Status)
	}
	var assets []adoptiumAsset
	if err := json.NewDecoder(io.LimitReader(response.Body, 4<<20)).Decode(&assets); err != nil {
		return "", "", fmt.Errorf("decoding adoptium response: %w", err)
	}
	if len(assets) == 0 {
		return "", "", fmt.Errorf("adoptium lists no jdk %d build for %s/%s", major, j.goos, architecture)
	}
	candidate := assets[0].Binary.Package
	if candidate.Link == "" || candidate.Checksum == "" {
		return "", "", fmt.Errorf("adoptium response missing package link or checksum")
	}
	return candidate.Link, candidate.Checksum, nil
}

// downloadVerified streams the archive to disk while hashing, and
// fails before the file is used when the digest does not match.
func (j *javaInstaller) downloadVerified(ctx context.Context, url, expectedChecksum, destination string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	response, err := j.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("status %s", response.Status)
	}

	file, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(file, hasher), response.Body); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(actual, expectedChecksum) {
		return Invalidf("jdk archive checksum mismatch: expected %s, got %s", expectedChecksum, actual)
	}
	return nil
}

// extractTarGz unpacks a .tar.gz archive under destination, rejecting
// entries that escape it.
func extractTarGz(archivePath, destination string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	gzipReader, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		cleaned := filepath.Clean(header.Name)
		if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
			return Invalidf("archive entry %q escapes extraction root", header.Name)
		}
		target := filepath.Join(destination, cleaned)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)&0777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tarReader); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		default:
			// Hard links and devices do not appear in JDK archives.
		}
	}
}
