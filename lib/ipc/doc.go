// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc implements the runnerd control protocol: length-prefixed
// JSON frames over a Unix domain socket. Client→daemon messages are
// always requests carrying an ID; daemon→client messages are either
// responses correlated to that ID or unsolicited events with no ID.
// Both cmd/runnerd and cmd/runner import this package so the wire
// types are defined once rather than mirrored.
package ipc
