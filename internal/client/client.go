// Package client talks to a running agent over gRPC.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	apiv1 "github.com/jbweber/sma/api/v1"
	"github.com/jbweber/sma/internal/device"
)

// Client is an agent API client. Errors it returns match the device error
// sentinels with errors.Is.
type Client struct {
	conn *grpc.ClientConn
	api  *apiv1.AgentClient
}

// Dial creates a client for the agent at addr ("host:port" or
// "unix:///path"). No connection is made until the first call.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	return &Client{conn: conn, api: apiv1.NewAgentClient(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) CreateDevice(ctx context.Context, req *apiv1.CreateDeviceRequest) (string, error) {
	resp, err := c.api.CreateDevice(ctx, req)
	if err != nil {
		return "", FromStatus(err)
	}
	return resp.Handle, nil
}

func (c *Client) DeleteDevice(ctx context.Context, handle string) error {
	_, err := c.api.DeleteDevice(ctx, &apiv1.DeleteDeviceRequest{Handle: handle})
	return FromStatus(err)
}

func (c *Client) GetDevice(ctx context.Context, handle string) (*apiv1.Device, error) {
	resp, err := c.api.GetDevice(ctx, &apiv1.GetDeviceRequest{Handle: handle})
	if err != nil {
		return nil, FromStatus(err)
	}
	return &resp.Device, nil
}

func (c *Client) ListDevices(ctx context.Context) ([]apiv1.Device, error) {
	resp, err := c.api.ListDevices(ctx, &apiv1.ListDevicesRequest{})
	if err != nil {
		return nil, FromStatus(err)
	}
	return resp.Devices, nil
}

func (c *Client) AttachVolume(ctx context.Context, handle, volumeID string, params map[string]any) (string, error) {
	resp, err := c.api.AttachVolume(ctx, &apiv1.AttachVolumeRequest{Handle: handle, VolumeID: volumeID, Params: params})
	if err != nil {
		return "", FromStatus(err)
	}
	return resp.Token, nil
}

func (c *Client) DetachVolume(ctx context.Context, handle, volumeID string) error {
	_, err := c.api.DetachVolume(ctx, &apiv1.DetachVolumeRequest{Handle: handle, VolumeID: volumeID})
	return FromStatus(err)
}

func (c *Client) SetQoS(ctx context.Context, handle, volumeID string, limits apiv1.QoSLimits) error {
	_, err := c.api.SetQoS(ctx, &apiv1.SetQoSRequest{Handle: handle, VolumeID: volumeID, Limits: limits})
	return FromStatus(err)
}

func (c *Client) QoSCapabilities(ctx context.Context, transport string) ([]string, error) {
	resp, err := c.api.GetQoSCapabilities(ctx, &apiv1.GetQoSCapabilitiesRequest{Transport: transport})
	if err != nil {
		return nil, FromStatus(err)
	}
	return resp.Capabilities, nil
}

func (c *Client) PingTarget(ctx context.Context) (string, error) {
	resp, err := c.api.PingTarget(ctx, &apiv1.PingTargetRequest{})
	if err != nil {
		return "", FromStatus(err)
	}
	return resp.Version, nil
}

// Error is a failure reported by the agent.
type Error struct {
	Code    codes.Code
	Kind    device.ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches the device error sentinels by kind.
func (e *Error) Is(target error) bool {
	if e.Kind == "" {
		return false
	}
	return (&device.Error{Kind: e.Kind}).Is(target)
}

// FromStatus decodes a gRPC status error. Errors that did not come from the
// agent service, such as connection failures, keep their gRPC code and get
// no kind unless the code is Unavailable.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	e := &Error{Code: st.Code(), Message: st.Message()}
	if kind, rest, found := strings.Cut(st.Message(), ": "); found {
		if k := device.ErrorKind(kind); knownKind(k) {
			e.Kind = k
			e.Message = rest
		}
	}
	if e.Kind == "" && st.Code() == codes.Unavailable {
		e.Kind = device.KindUnreachable
	}
	return e
}

func knownKind(k device.ErrorKind) bool {
	switch k {
	case device.KindInvalidParams, device.KindUnsupportedTransport, device.KindNotFound,
		device.KindInvalidState, device.KindDeviceBusy, device.KindCapacityExceeded,
		device.KindBackendFailure, device.KindUnreachable, device.KindDirtyState:
		return true
	}
	return false
}

// KindOf returns the error kind of an agent error, or "" for anything else.
func KindOf(err error) device.ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
