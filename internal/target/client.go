package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

const (
	// DefaultSocket is the control socket the target listens on by default.
	DefaultSocket = "/var/tmp/spdk.sock"

	// DefaultTimeout bounds a single call when the client is created without one.
	DefaultTimeout = 60 * time.Second
)

// Caller issues a single control command to the target. params is encoded as
// the JSON-RPC params member (nil omits it) and the result member is decoded
// into result when result is non-nil.
type Caller interface {
	Call(ctx context.Context, method string, params, result any) error
}

// Client talks to the target over its unix control socket.
type Client struct {
	socket  string
	timeout time.Duration
	nextID  atomic.Uint64
}

// NewClient creates a client for the target listening on socketPath.
//
// If socketPath is empty, DefaultSocket is used.
// If timeout is zero, DefaultTimeout is used.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if socketPath == "" {
		socketPath = DefaultSocket
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		socket:  socketPath,
		timeout: timeout,
	}
}

// Socket returns the control socket path.
func (c *Client) Socket() string {
	return c.socket
}

type request struct {
	Version string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	Version string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Call sends method with params to the target and decodes the result.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return unreachable(method, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Unblock reads and writes as soon as the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	req := request{
		Version: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return unreachable(method, err)
	}

	var resp response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return unreachable(method, err)
	}
	if resp.ID != req.ID {
		return unreachable(method, fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID))
	}
	if resp.Error != nil {
		resp.Error.Method = method
		return resp.Error
	}

	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Version returns the target's version string. It doubles as a liveness check.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.Call(ctx, "spdk_get_version", nil, &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// Ping verifies the target answers control commands.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.Version(ctx); err != nil {
		return fmt.Errorf("target at %s is not responding: %w", c.socket, err)
	}
	return nil
}

func unreachable(method string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return fmt.Errorf("%w: %s timed out: %w", ErrUnreachable, method, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrUnreachable, method, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
