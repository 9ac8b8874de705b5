// Package ipc connects the mirrord daemon and worker over local
// sockets. A Server binds a filesystem-path-addressed socket and
// dispatches each accepted connection to its own handler goroutine;
// a Client opens a connection, sends one framed request, and waits
// for the one framed response.
package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/kaist-ftp/mirrord/internal/wire"
)

// Role selects which command table a server instance answers for.
// It is the only behavioral difference between the daemon-side and
// worker-side servers.
type Role string

const (
	RoleMaster Role = "master"
	RoleWorker Role = "worker"
)

const (
	// acceptTimeout bounds how long Stop waits for the accept loop
	// to notice shutdown.
	acceptTimeout = time.Second

	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// ErrUnknownCommand marks requests whose command is not in the active
// role's table. The peer receives an error response, never a dropped
// connection without one.
var ErrUnknownCommand = errors.New("ipc: unknown command")

// HandlerFunc processes one request and returns a result value to be
// marshaled into the response, or an error for a failure response.
type HandlerFunc func(ctx context.Context, req *wire.Request) (any, error)

// Server accepts connections on a local socket and serves one
// request-response exchange per connection.
type Server struct {
	path string
	role Role
	name string

	handlers map[string]HandlerFunc

	mu       sync.Mutex
	started  bool
	stopped  bool
	listener *net.UnixListener
	stopCh   chan struct{}
	loopDone chan struct{}
	conns    sync.WaitGroup
}

// NewServer creates a server for the given socket path and role.
// Register commands with Handle before calling Start.
func NewServer(path string, role Role) *Server {
	return &Server{
		path:     path,
		role:     role,
		name:     fmt.Sprintf("%s-%s", role, uuid.NewString()[:8]),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers a command handler. Registration is validated
// eagerly: a duplicate name panics instead of shadowing silently.
func (s *Server) Handle(command string, fn HandlerFunc) {
	if command == "" || fn == nil {
		panic("ipc: empty command registration")
	}
	if _, ok := s.handlers[command]; ok {
		panic("ipc: duplicate handler for command " + command)
	}
	s.handlers[command] = fn
}

// Start binds the socket, removing any stale socket file first, and
// runs the accept loop on its own goroutine. Calling Start twice is
// an error, never a silent double bind.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("ipc: server already started on " + s.path)
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "ipc: remove stale socket "+s.path)
	}

	addr, err := net.ResolveUnixAddr("unix", s.path)
	if err != nil {
		return errors.Wrap(err, "ipc: resolve "+s.path)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return errors.Wrap(err, "ipc: listen on "+s.path)
	}
	// Control sockets are private to the owning principal.
	if err := os.Chmod(s.path, 0600); err != nil {
		listener.Close()
		os.Remove(s.path)
		return errors.Wrap(err, "ipc: chmod "+s.path)
	}

	s.listener = listener
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.started = true

	go s.acceptLoop()

	slog.Info("socket server listening", "role", s.role, "path", s.path)
	return nil
}

func (s *Server) acceptLoop() {
	defer close(s.loopDone)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		// A short deadline keeps the loop responsive to Stop even
		// when no connections arrive.
		if err := s.listener.SetDeadline(time.Now().Add(acceptTimeout)); err != nil {
			slog.Error("setting accept deadline", "role", s.role, "error", err)
			return
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("accept failed", "role", s.role, "error", err)
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop unblocks the accept loop, closes the listening socket, removes
// the socket file, and joins the accept goroutine and all active
// connection handlers before returning.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return errors.New("ipc: server not running")
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	err := s.listener.Close()
	<-s.loopDone
	s.conns.Wait()

	if removeErr := os.Remove(s.path); removeErr != nil && !os.IsNotExist(removeErr) && err == nil {
		err = removeErr
	}

	slog.Info("socket server stopped", "role", s.role, "path", s.path)
	return errors.Wrap(err, "ipc: stop")
}

// handleConn serves exactly one request-response exchange, then
// closes the connection.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return
	}

	var req wire.Request
	if err := wire.ReadMessage(conn, &req); err != nil {
		// A malformed frame still gets an error response when the
		// connection allows one.
		s.writeResponse(conn, &wire.Response{
			Status:    wire.StatusError,
			Error:     "malformed request: " + err.Error(),
			Traceback: fmt.Sprintf("%+v", err),
		})
		return
	}

	resp := s.dispatch(&req)
	resp.Sender = s.name
	resp.Dst = req.Sender
	s.writeResponse(conn, resp)
}

// dispatch resolves the command against the role's table and invokes
// it. Handler faults, including panics, become error responses; the
// connection goroutine always survives to answer.
func (s *Server) dispatch(req *wire.Request) (resp *wire.Response) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("command handler panicked", "role", s.role, "command", req.Command, "panic", r)
			resp = &wire.Response{
				Status:    wire.StatusError,
				Error:     fmt.Sprintf("internal fault in %q", req.Command),
				Traceback: fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	fn, ok := s.handlers[req.Command]
	if !ok {
		err := errors.Mark(errors.Newf("unknown command %q for role %s", req.Command, s.role), ErrUnknownCommand)
		return &wire.Response{
			Status:    wire.StatusError,
			Error:     err.Error(),
			Traceback: fmt.Sprintf("%+v", err),
		}
	}

	result, err := fn(context.Background(), req)
	if err != nil {
		slog.Debug("command failed", "role", s.role, "command", req.Command, "error", err)
		return &wire.Response{
			Status:    wire.StatusError,
			Error:     err.Error(),
			Traceback: fmt.Sprintf("%+v", err),
		}
	}

	raw, err := wire.EncodeValue(result)
	if err != nil {
		return &wire.Response{
			Status:    wire.StatusError,
			Error:     "marshaling result: " + err.Error(),
			Traceback: fmt.Sprintf("%+v", err),
		}
	}
	return &wire.Response{Status: wire.StatusOK, Result: raw}
}

func (s *Server) writeResponse(conn net.Conn, resp *wire.Response) {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return
	}
	if err := wire.WriteMessage(conn, resp); err != nil {
		slog.Debug("writing response failed", "role", s.role, "error", err)
	}
}
