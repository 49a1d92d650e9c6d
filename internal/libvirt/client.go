package libvirt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

// DefaultSocket is the qemu:///system socket.
const DefaultSocket = "/var/run/libvirt/libvirt-sock"

// DefaultTimeout bounds the dial to the libvirt socket.
const DefaultTimeout = 5 * time.Second

var errNotConnected = errors.New("libvirt client not connected")

// Client is a connection to the local libvirt daemon used for disk hot-plug.
type Client struct {
	socket string
	conn   *libvirt.Libvirt
}

// Connect dials the libvirt daemon at socketPath. Empty socketPath and zero
// timeout select DefaultSocket and DefaultTimeout. The Client must be closed.
func Connect(socketPath string, timeout time.Duration) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocket
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	conn := libvirt.NewWithDialer(dialers.NewLocal(
		dialers.WithSocket(socketPath),
		dialers.WithLocalTimeout(timeout),
	))
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt at %s: %w", socketPath, err)
	}
	return &Client{socket: socketPath, conn: conn}, nil
}

// ConnectWithContext is Connect that gives up when ctx is done. A connection
// that completes after that is closed in the background.
func ConnectWithContext(ctx context.Context, socketPath string, timeout time.Duration) (*Client, error) {
	type dialed struct {
		c   *Client
		err error
	}
	ch := make(chan dialed, 1)
	go func() {
		c, err := Connect(socketPath, timeout)
		ch <- dialed{c, err}
	}()

	select {
	case d := <-ch:
		return d.c, d.err
	case <-ctx.Done():
		go func() {
			if d := <-ch; d.c != nil {
				_ = d.c.Close()
			}
		}()
		return nil, fmt.Errorf("libvirt connect to %s abandoned: %w", socketPath, ctx.Err())
	}
}

// Socket returns the socket path the client dialed.
func (c *Client) Socket() string {
	return c.socket
}

// HotPlugger returns a HotPlugger bound to this connection.
func (c *Client) HotPlugger() *HotPlugger {
	return NewHotPlugger(c.conn)
}

// Version reports the daemon's library version as major.minor.release.
func (c *Client) Version() (string, error) {
	if c.conn == nil {
		return "", errNotConnected
	}
	v, err := c.conn.ConnectGetLibVersion()
	if err != nil {
		return "", fmt.Errorf("libvirt connection is dead: %w", err)
	}
	return fmt.Sprintf("%d.%d.%d", v/1000000, (v/1000)%1000, v%1000), nil
}

// Close disconnects. Closing a closed client is a no-op.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}
	return nil
}
