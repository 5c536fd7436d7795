// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"io"
	"log/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
