package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/kaist-ftp/mirrord/internal/wire"
)

// ErrUnreachable marks dial failures: the peer socket is absent or
// refusing connections. Callers retry rather than abort.
var ErrUnreachable = errors.New("ipc: peer unreachable")

// RemoteError is a failure response from the peer. It carries the
// remote error message and diagnostic traceback so operators can tell
// remote faults from local ones.
type RemoteError struct {
	Command   string
	Message   string
	Traceback string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error from %q: %s", e.Command, e.Message)
}

// Client issues one request per connection to a socket path.
//
// Call forwards any command name uninspected, so new remote commands
// need no client-side change; mismatched names or arguments surface
// as remote errors at runtime.
type Client struct {
	path    string
	sender  string
	timeout time.Duration
}

// NewClient creates a client for the given socket path.
func NewClient(path string) *Client {
	return &Client{
		path:    path,
		sender:  "client-" + uuid.NewString()[:8],
		timeout: 30 * time.Second,
	}
}

// Call connects, sends one framed request with kwargs, and blocks for
// the one framed response. It returns the raw result on success, a
// *RemoteError when the peer reports a failure, and an
// ErrUnreachable-marked error when the peer cannot be reached.
func (c *Client) Call(ctx context.Context, command string, kwargs any) (json.RawMessage, error) {
	rawKwargs, err := wire.EncodeValue(kwargs)
	if err != nil {
		return nil, err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "ipc: dial "+c.path), ErrUnreachable)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "ipc: set deadline")
	}

	req := &wire.Request{
		Sender:  c.sender,
		Command: command,
		Kwargs:  rawKwargs,
	}
	if err := wire.WriteMessage(conn, req); err != nil {
		return nil, err
	}

	var resp wire.Response
	if err := wire.ReadMessage(conn, &resp); err != nil {
		return nil, errors.Wrap(err, "ipc: reading response for "+command)
	}

	if resp.Status != wire.StatusOK {
		return nil, &RemoteError{
			Command:   command,
			Message:   resp.Error,
			Traceback: resp.Traceback,
		}
	}
	return resp.Result, nil
}

// CallInto performs Call and decodes the result into out when out is
// non-nil.
func (c *Client) CallInto(ctx context.Context, command string, kwargs, out any) error {
	result, err := c.Call(ctx, command, kwargs)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return errors.Wrap(err, "ipc: decode result for "+command)
	}
	return nil
}

// Ping checks peer liveness.
func (c *Client) Ping(ctx context.Context) error {
	var result PingResult
	if err := c.CallInto(ctx, "ping", nil, &result); err != nil {
		return err
	}
	if result.Message != "pong" {
		return errors.Newf("ipc: unexpected ping reply %q", result.Message)
	}
	return nil
}

// IsAlive reports whether a responsive peer owns the socket path.
func IsAlive(path string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return NewClient(path).Ping(ctx) == nil
}
