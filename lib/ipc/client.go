// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// Client is the CLI side of the control protocol: one Unix socket
// connection, correlated request/response round trips, and a channel
// of unsolicited events.
//
// Client is safe for concurrent use; responses are matched to callers
// by request ID.
type Client struct {
	conn net.Conn

	writeMutex sync.Mutex
	nextID     uint64

	pendingMutex sync.Mutex
	pending      map[uint64]chan *ResponsePayload
	readErr      error
	closed       bool

	events chan EventPayload
}

// eventBuffer bounds undelivered events. A CLI that never drains
// Events loses the oldest ones rather than wedging the reader.
const eventBuffer = 64

// Dial connects to the daemon's control socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing control socket %s: %w", socketPath, err)
	}

	client := &Client{
		conn:    conn,
		nextID:  1,
		pending: make(map[uint64]chan *ResponsePayload),
		events:  make(chan EventPayload, eventBuffer),
	}
	go client.readLoop()
	return client, nil
}

// Events returns the stream of unsolicited daemon events. The channel
// closes when the connection does.
func (c *Client) Events() <-chan EventPayload { return c.events }

// Close tears down the connection. In-flight Do calls fail.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one request and waits for its correlated response. An
// "error" response is converted into an *RpcError. Note that
// "rcon_send" requests never receive a response — their results arrive
// on Events — so calling Do with one blocks until the context ends;
// use Send instead.
func (c *Client) Do(ctx context.Context, payload RequestPayload) (*ResponsePayload, error) {
	responseChannel := make(chan *ResponsePayload, 1)

	c.pendingMutex.Lock()
	if c.closed {
		err := c.readErr
		c.pendingMutex.Unlock()
		if err == nil {
			err = net.ErrClosed
		}
		return nil, fmt.Errorf("connection closed: %w", err)
	}
	c.pendingMutex.Unlock()

	c.writeMutex.Lock()
	id := c.nextID
	c.nextID++
	c.pendingMutex.Lock()
	c.pending[id] = responseChannel
	c.pendingMutex.Unlock()
	err := WriteFrame(c.conn, Request{ID: id, Payload: payload})
	c.writeMutex.Unlock()
	if err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case response, ok := <-responseChannel:
		if !ok {
			return nil, fmt.Errorf("connection closed before response: %w", c.readError())
		}
		if response.Type == ResponseError {
			return nil, &RpcError{Code: response.Code, Message: response.Message}
		}
		return response, nil
	}
}

// Send writes a request without waiting for a response. Used for
// "rcon_send", whose results arrive as events.
func (c *Client) Send(payload RequestPayload) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	id := c.nextID
	c.nextID++
	return WriteFrame(c.conn, Request{ID: id, Payload: payload})
}

// readLoop demultiplexes outbound frames: responses wake their
// waiting Do call, events flow into the Events channel.
func (c *Client) readLoop() {
	var finalErr error
	for {
		var outbound Outbound
		if err := ReadFrame(c.conn, &outbound); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				finalErr = err
			}
			break
		}

		switch {
		case outbound.Response != nil && outbound.ID != nil:
			c.pendingMutex.Lock()
			waiter := c.pending[*outbound.ID]
			delete(c.pending, *outbound.ID)
			c.pendingMutex.Unlock()
			if waiter != nil {
				waiter <- outbound.Response
			}

		case outbound.Event != nil:
			select {
			case c.events <- *outbound.Event:
			default:
				// Drop the oldest event to make room for the new one.
				select {
				case <-c.events:
				default:
				}
				select {
				case c.events <- *outbound.Event:
				default:
				}
			}
		}
	}

	c.pendingMutex.Lock()
	c.closed = true
	c.readErr = finalErr
	for id, waiter := range c.pending {
		close(waiter)
		delete(c.pending, id)
	}
	c.pendingMutex.Unlock()
	close(c.events)
}

func (c *Client) forget(id uint64) {
	c.pendingMutex.Lock()
	delete(c.pending, id)
	c.pendingMutex.Unlock()
}

func (c *Client) readError() error {
	c.pendingMutex.Lock()
	defer c.pendingMutex.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return io.EOF
}
