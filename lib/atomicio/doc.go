// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomicio provides the write-temp-then-rename file pattern and
// the hash verification primitives shared by provisioning, self-update,
// and backup. Every destructive filesystem operation in the daemon goes
// through WriteFile so a crash mid-update never leaves a half-written
// target.
package atomicio
