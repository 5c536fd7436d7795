// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

// Package cron parses 5-field cron expressions and computes the next
// matching wall-clock time in an arbitrary timezone.
//
// The daemon's backup scheduler evaluates its schedule in the
// configured local timezone and recomputes the next fire time on
// every iteration, so daylight-saving shifts move the wall-clock
// schedule rather than silently drifting it.
//
// Supported syntax per field: "*", single values, ranges ("1-5"),
// steps ("*/15", "10-50/10"), and comma-separated lists. Names for
// months or weekdays are not supported.
package cron
