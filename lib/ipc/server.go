// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// Handler is the daemon surface the protocol dispatches into. The
// supervisor implements it; tests implement fakes.
type Handler interface {
	// StartServer provisions from the pack blob and launches the
	// child. Protocol-facing failures are *RpcError values.
	StartServer(ctx context.Context, profile string, packBlob []byte) error

	// StopServer stops the child. grace bounds the graceful shutdown
	// wait; zero means the daemon default.
	StopServer(ctx context.Context, force bool, grace time.Duration) error

	// ServerLogs and DaemonLogs return at most lines recent entries.
	ServerLogs(lines int) []LogLine
	DaemonLogs(lines int) []LogLine

	// ServerStatus returns a one-line human-readable account of the
	// supervised server, published as a server_status event after
	// lifecycle changes.
	ServerStatus() string

	// OpenRcon dials a new RCON session against the running server.
	OpenRcon(ctx context.Context) (RconSession, error)
}

// RconSession is one open RCON connection. The protocol layer treats
// it as opaque.
type RconSession interface {
	Exec(ctx context.Context, command string) (string, error)
	Close() error
}

// writeTimeout bounds each outbound frame write. A client that stops
// reading loses its connection rather than wedging a daemon goroutine.
const writeTimeout = 10 * time.Second

// Server accepts connections on a Unix socket and speaks the
// length-prefixed JSON protocol. One goroutine per accepted
// connection; a connection handles requests sequentially except for
// RCON sends, which publish their results as events.
type Server struct {
	socketPath string
	handler    Handler
	logger     *slog.Logger

	// requestShutdown is invoked after a Shutdown request has been
	// acknowledged. The daemon wires this to its root context cancel.
	requestShutdown func()

	// activeConnections tracks in-flight connection handlers so Serve
	// can drain before returning.
	activeConnections sync.WaitGroup

	// liveConns holds every accepted connection so shutdown can close
	// them; a client idle in a read would otherwise wedge the drain.
	connMutex sync.Mutex
	liveConns map[net.Conn]struct{}
}

// NewServer creates a server that will listen on socketPath. The
// shutdown callback runs after a Shutdown request is acknowledged.
func NewServer(socketPath string, handler Handler, shutdown func(), logger *slog.Logger) *Server {
	return &Server{
		socketPath:      socketPath,
		handler:         handler,
		logger:          logger,
		requestShutdown: shutdown,
		liveConns:       make(map[net.Conn]struct{}),
	}
}

// Serve listens on the Unix socket and dispatches connections until
// ctx is cancelled, then stops accepting and waits for active
// connections to finish their current request.
//
// Any stale socket file at the configured path is removed before
// listening, and the socket file is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	// Unblock Accept when the context is cancelled, and close every
	// live connection so handlers blocked in a frame read return.
	go func() {
		<-ctx.Done()
		listener.Close()
		s.connMutex.Lock()
		for conn := range s.liveConns {
			conn.Close()
		}
		s.connMutex.Unlock()
	}()

	s.logger.Info("control socket listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.connMutex.Lock()
		if ctx.Err() != nil {
			// Cancelled between Accept and registration; the closer
			// goroutine may already have run.
			s.connMutex.Unlock()
			conn.Close()
			break
		}
		s.liveConns[conn] = struct{}{}
		s.connMutex.Unlock()

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			defer s.forgetConn(conn)
			newConnection(s, conn).serve(ctx)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

func (s *Server) forgetConn(conn net.Conn) {
	s.connMutex.Lock()
	delete(s.liveConns, conn)
	s.connMutex.Unlock()
}

// connection is the per-client state: a write lock so responses and
// asynchronous RCON events interleave cleanly, and at most one open
// RCON session.
type connection struct {
	server *Server
	conn   net.Conn
	logger *slog.Logger

	writeMutex sync.Mutex

	// nextSessionID is the per-connection RCON session counter,
	// starting at 1.
	nextSessionID uint64

	sessionMutex sync.Mutex
	sessionID    uint64
	session      RconSession

	// pendingSends tracks asynchronous RCON command goroutines so the
	// connection can drain them before closing the session.
	pendingSends sync.WaitGroup
}

func newConnection(server *Server, conn net.Conn) *connection {
	return &connection{
		server:        server,
		conn:          conn,
		logger:        server.logger.With("remote", conn.RemoteAddr().String()),
		nextSessionID: 1,
	}
}

// serve reads requests until the client hangs up or ctx is cancelled.
func (c *connection) serve(ctx context.Context) {
	defer func() {
		c.pendingSends.Wait()
		c.closeSession()
		c.conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		var request Request
		if err := ReadFrame(c.conn, &request); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Debug("dropping connection on malformed frame", "error", err)
			return
		}

		c.dispatch(ctx, request)
	}
}

// dispatch handles one request. RCON sends return without a response
// and publish their results as events; everything else answers with a
// correlated response.
func (c *connection) dispatch(ctx context.Context, request Request) {
	payload := request.Payload
	switch payload.Type {
	case RequestPing:
		c.respond(request.ID, &ResponsePayload{Type: ResponsePong})

	case RequestShutdown:
		c.respond(request.ID, &ResponsePayload{Type: ResponseOk})
		c.logger.Info("shutdown requested over control socket")
		c.server.requestShutdown()

	case RequestUp:
		if err := c.server.handler.StartServer(ctx, payload.Profile, payload.PackBlob); err != nil {
			c.respond(request.ID, ErrorResponse(err))
			return
		}
		c.respond(request.ID, &ResponsePayload{Type: ResponseStarted})
		c.event(&EventPayload{Type: EventServerStatus, Status: c.server.handler.ServerStatus()})

	case RequestStop:
		grace := time.Duration(payload.GraceMs) * time.Millisecond
		if err := c.server.handler.StopServer(ctx, payload.Force, grace); err != nil {
			c.respond(request.ID, ErrorResponse(err))
			return
		}
		c.respond(request.ID, &ResponsePayload{Type: ResponseStopped})
		c.event(&EventPayload{Type: EventServerStatus, Status: c.server.handler.ServerStatus()})

	case RequestLogsTail:
		c.respond(request.ID, &ResponsePayload{
			Type:  ResponseLogs,
			Lines: c.server.handler.ServerLogs(payload.Lines),
		})

	case RequestDaemonLogsTail:
		c.respond(request.ID, &ResponsePayload{
			Type:  ResponseLogs,
			Lines: c.server.handler.DaemonLogs(payload.Lines),
		})

	case RequestRconOpen:
		c.handleRconOpen(ctx, request.ID)

	case RequestRconSend:
		c.handleRconSend(ctx, request.ID, payload.Session, payload.Command)

	case RequestRconClose:
		c.handleRconClose(request.ID, payload.Session)

	case RequestRconExec:
		c.handleRconExec(ctx, request.ID, payload.Command)

	default:
		c.respond(request.ID, &ResponsePayload{
			Type:    ResponseError,
			Code:    CodeUnsupportedProtocol,
			Message: fmt.Sprintf("unsupported request type %q", payload.Type),
		})
	}
}

func (c *connection) handleRconOpen(ctx context.Context, requestID uint64) {
	c.sessionMutex.Lock()
	if c.session != nil {
		c.sessionMutex.Unlock()
		c.respond(requestID, ErrorResponse(
			Errorf(CodeBadRequest, "an RCON session is already open on this connection")))
		return
	}
	c.sessionMutex.Unlock()

	session, err := c.server.handler.OpenRcon(ctx)
	if err != nil {
		c.respond(requestID, ErrorResponse(err))
		return
	}

	c.sessionMutex.Lock()
	// Re-check: a concurrent open may have won while we were dialing.
	if c.session != nil {
		c.sessionMutex.Unlock()
		session.Close()
		c.respond(requestID, ErrorResponse(
			Errorf(CodeBadRequest, "an RCON session is already open on this connection")))
		return
	}
	sessionID := c.nextSessionID
	c.nextSessionID++
	c.sessionID = sessionID
	c.session = session
	c.sessionMutex.Unlock()

	c.respond(requestID, &ResponsePayload{Type: ResponseRconOpened, Session: sessionID})
}

// handleRconSend runs the command asynchronously and publishes the
// result as an rcon_out or rcon_err event — output timing is not tied
// to the request, so no response is sent.
func (c *connection) handleRconSend(ctx context.Context, requestID uint64, sessionID uint64, command string) {
	c.sessionMutex.Lock()
	session := c.session
	openID := c.sessionID
	c.sessionMutex.Unlock()

	if session == nil || sessionID != openID {
		c.respond(requestID, ErrorResponse(
			Errorf(CodeBadRequest, "no open RCON session with id %d", sessionID)))
		return
	}

	c.pendingSends.Add(1)
	go func() {
		defer c.pendingSends.Done()
		output, err := session.Exec(ctx, command)
		if err != nil {
			c.event(&EventPayload{Type: EventRconErr, Session: sessionID, Message: err.Error()})
			return
		}
		c.event(&EventPayload{Type: EventRconOut, Session: sessionID, Line: output})
	}()
}

func (c *connection) handleRconClose(requestID uint64, sessionID uint64) {
	c.sessionMutex.Lock()
	if c.session == nil || sessionID != c.sessionID {
		c.sessionMutex.Unlock()
		c.respond(requestID, ErrorResponse(
			Errorf(CodeBadRequest, "no open RCON session with id %d", sessionID)))
		return
	}
	session := c.session
	c.session = nil
	c.sessionID = 0
	c.sessionMutex.Unlock()

	if err := session.Close(); err != nil {
		c.logger.Debug("closing RCON session", "error", err)
	}
	c.respond(requestID, &ResponsePayload{Type: ResponseOk})
}

// handleRconExec is the fire-and-forget single command: it opens a
// throwaway session, acknowledges immediately, and logs any failure.
func (c *connection) handleRconExec(ctx context.Context, requestID uint64, command string) {
	c.respond(requestID, &ResponsePayload{Type: ResponseOk})

	c.pendingSends.Add(1)
	go func() {
		defer c.pendingSends.Done()
		session, err := c.server.handler.OpenRcon(ctx)
		if err != nil {
			c.logger.Warn("rcon_exec dial failed", "error", err)
			return
		}
		defer session.Close()
		if _, err := session.Exec(ctx, command); err != nil {
			c.logger.Warn("rcon_exec command failed", "command", command, "error", err)
		}
	}()
}

// closeSession releases the connection's RCON session, if any.
func (c *connection) closeSession() {
	c.sessionMutex.Lock()
	session := c.session
	c.session = nil
	c.sessionID = 0
	c.sessionMutex.Unlock()

	if session != nil {
		session.Close()
	}
}

// respond writes a correlated response frame.
func (c *connection) respond(requestID uint64, payload *ResponsePayload) {
	c.writeOutbound(Outbound{ID: &requestID, Response: payload})
}

// event writes an unsolicited event frame.
func (c *connection) event(payload *EventPayload) {
	c.writeOutbound(Outbound{Event: payload})
}

func (c *connection) writeOutbound(outbound Outbound) {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := WriteFrame(c.conn, outbound); err != nil {
		// The connection is closing regardless; the read loop will
		// notice and clean up.
		c.logger.Debug("failed to write outbound frame", "error", err)
	}
}
