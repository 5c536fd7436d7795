// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcrcon wraps the Minecraft RCON client the daemon uses to
// talk to its own child server: graceful stop, whitelist reload, and
// the CLI's interactive sessions. The protocol itself is treated as
// opaque — this package only sets timeouts and normalizes errors.
package mcrcon

import (
	"context"
	"fmt"
	"time"

	"github.com/gorcon/rcon"
)

// Endpoint locates the server's RCON listener.
type Endpoint struct {
	Address  string
	Password string
}

// dialTimeout bounds the TCP connect and RCON auth handshake.
const dialTimeout = 5 * time.Second

// execDeadline bounds a single command round trip. Minecraft answers
// RCON synchronously, so anything slower means a wedged server.
const execDeadline = 10 * time.Second

// Session is one authenticated RCON connection.
type Session struct {
	conn *rcon.Conn
}

// Dial connects and authenticates. The context bounds the attempt.
func Dial(ctx context.Context, endpoint Endpoint) (*Session, error) {
	if endpoint.Address == "" {
		return nil, fmt.Errorf("rcon address is not configured")
	}

	type dialResult struct {
		conn *rcon.Conn
		err  error
	}
	resultChannel := make(chan dialResult, 1)
	go func() {
		conn, err := rcon.Dial(endpoint.Address, endpoint.Password,
			rcon.SetDialTimeout(dialTimeout),
			rcon.SetDeadline(execDeadline),
		)
		resultChannel <- dialResult{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		// The dial goroutine will close the connection when it lands.
		go func() {
			result := <-resultChannel
			if result.conn != nil {
				result.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case result := <-resultChannel:
		if result.err != nil {
			return nil, fmt.Errorf("dialing rcon at %s: %w", endpoint.Address, result.err)
		}
		return &Session{conn: result.conn}, nil
	}
}

// Exec runs one command and returns the server's textual response.
func (s *Session) Exec(ctx context.Context, command string) (string, error) {
	type execResult struct {
		output string
		err    error
	}
	resultChannel := make(chan execResult, 1)
	go func() {
		output, err := s.conn.Execute(command)
		resultChannel <- execResult{output: output, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case result := <-resultChannel:
		if result.err != nil {
			return "", fmt.Errorf("rcon command %q: %w", command, result.err)
		}
		return result.output, nil
	}
}

// Close tears down the connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Exec dials, runs one command, and closes. Convenience for callers
// that need exactly one round trip (graceful stop, whitelist reload).
func Exec(ctx context.Context, endpoint Endpoint, command string) (string, error) {
	session, err := Dial(ctx, endpoint)
	if err != nil {
		return "", err
	}
	defer session.Close()
	return session.Exec(ctx, command)
}
