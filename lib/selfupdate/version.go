// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package selfupdate

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// semverTokenPattern matches the first semver-looking token in
// `--version` output ("runnerd version 1.4.2" → "1.4.2").
var semverTokenPattern = regexp.MustCompile(`v?\d+\.\d+\.\d+(?:-[0-9A-Za-z.-]+)?(?:\+[0-9A-Za-z.-]+)?`)

// ExtractSemverToken pulls the first version token out of free-form
// --version output. Returns "" when none is found.
func ExtractSemverToken(output string) string {
	return strings.TrimPrefix(semverTokenPattern.FindString(output), "v")
}

// IsOutdatedVersion reports whether current is older than latest.
// Both sides parseable as semver compares semantically; otherwise a
// normalized string inequality decides, so a dev build like "dirty"
// still updates to a published release.
func IsOutdatedVersion(current, latest string) bool {
	current = normalizeVersion(current)
	latest = normalizeVersion(latest)
	if latest == "" || current == latest {
		return false
	}
	if current == "" {
		return true
	}
	currentVersion, currentErr := semver.NewVersion(current)
	latestVersion, latestErr := semver.NewVersion(latest)
	if currentErr == nil && latestErr == nil {
		return currentVersion.LessThan(latestVersion)
	}
	return true
}

func normalizeVersion(version string) string {
	return strings.TrimPrefix(strings.TrimSpace(version), "v")
}
