// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a protocol-facing failure. Codes are wire
// constants shared with the CLI — renaming one breaks deployed
// clients.
type ErrorCode string

const (
	CodeServerAlreadyRunning ErrorCode = "server_already_running"
	CodeServerNotRunning     ErrorCode = "server_not_running"
	CodeInvalidConfig        ErrorCode = "invalid_config"
	CodeBadRequest           ErrorCode = "bad_request"
	CodeUnsupportedProtocol  ErrorCode = "unsupported_protocol"
	CodeIoError              ErrorCode = "io_error"
	CodeInternal             ErrorCode = "internal"
)

// RpcError is a protocol-facing failure: a code the CLI can branch on
// and a human-readable message it prints verbatim.
type RpcError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an RpcError with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *RpcError {
	return &RpcError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Request kinds. Client→daemon messages are always a Request carrying
// one of these payload types.
const (
	RequestPing           = "ping"
	RequestShutdown       = "shutdown"
	RequestUp             = "up"
	RequestStop           = "stop"
	RequestLogsTail       = "logs_tail"
	RequestDaemonLogsTail = "daemon_logs_tail"
	RequestRconOpen       = "rcon_open"
	RequestRconSend       = "rcon_send"
	RequestRconClose      = "rcon_close"
	RequestRconExec       = "rcon_exec"
)

// Request is the client→daemon envelope. ID correlates the eventual
// Response; clients pick IDs however they like (the reference CLI
// counts from 1 per connection).
type Request struct {
	ID      uint64         `json:"id"`
	Payload RequestPayload `json:"payload"`
}

// RequestPayload is the tagged union of request bodies. Type selects
// the kind; the other fields are kind-specific and omitted when unset.
type RequestPayload struct {
	Type string `json:"type"`

	// PackBlob is the serialized pack build for "up" requests.
	// encoding/json transports it as base64.
	PackBlob []byte `json:"pack_blob,omitempty"`

	// Profile names the server profile for "up" requests.
	Profile string `json:"profile,omitempty"`

	// Force and GraceMs apply to "stop" requests. GraceMs bounds the
	// graceful shutdown wait before escalating; zero means the
	// daemon's default.
	Force   bool  `json:"force,omitempty"`
	GraceMs int64 `json:"grace_ms,omitempty"`

	// Lines is the tail length for "logs_tail" and "daemon_logs_tail".
	Lines int `json:"lines,omitempty"`

	// Session identifies the connection's RCON session for
	// "rcon_send" and "rcon_close".
	Session uint64 `json:"session,omitempty"`

	// Command is the RCON command for "rcon_send" and "rcon_exec".
	Command string `json:"command,omitempty"`
}

// Response kinds.
const (
	ResponsePong       = "pong"
	ResponseOk         = "ok"
	ResponseStarted    = "started"
	ResponseStopped    = "stopped"
	ResponseLogs       = "logs"
	ResponseRconOpened = "rcon_opened"
	ResponseError      = "error"
)

// ResponsePayload is the tagged union of response bodies.
type ResponsePayload struct {
	Type string `json:"type"`

	// Lines carries the tail for "logs" responses.
	Lines []LogLine `json:"lines,omitempty"`

	// Session is the server-assigned session ID for "rcon_opened".
	Session uint64 `json:"session,omitempty"`

	// Code and Message describe an "error" response.
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

// LogLine mirrors logstore.Line on the wire. Defined here so the wire
// format does not change when the store's internal type does.
type LogLine struct {
	AtMs   int64  `json:"at_ms"`
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

// Event kinds.
const (
	EventRconOut      = "rcon_out"
	EventRconErr      = "rcon_err"
	EventServerStatus = "server_status"
)

// EventPayload is the tagged union of unsolicited daemon→client
// events.
type EventPayload struct {
	Type string `json:"type"`

	// Session and Line carry RCON output for "rcon_out".
	Session uint64 `json:"session,omitempty"`
	Line    string `json:"line,omitempty"`

	// Message describes an RCON failure for "rcon_err".
	Message string `json:"message,omitempty"`

	// Status is the supervisor status string for "server_status".
	Status string `json:"status,omitempty"`
}

// Outbound is the daemon→client envelope: a Response correlated to
// the triggering request's ID, or an Event with no ID. Exactly one of
// Response and Event is set.
type Outbound struct {
	ID       *uint64          `json:"id,omitempty"`
	Response *ResponsePayload `json:"response,omitempty"`
	Event    *EventPayload    `json:"event,omitempty"`
}

// ErrorResponse wraps an error into an "error" response payload.
// RpcError values keep their code; everything else maps to Internal.
func ErrorResponse(err error) *ResponsePayload {
	var rpcError *RpcError
	if errors.As(err, &rpcError) {
		return &ResponsePayload{Type: ResponseError, Code: rpcError.Code, Message: rpcError.Message}
	}
	return &ResponsePayload{Type: ResponseError, Code: CodeInternal, Message: err.Error()}
}
