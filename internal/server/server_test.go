package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	apiv1 "github.com/jbweber/sma/api/v1"
	"github.com/jbweber/sma/internal/agent"
	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/device/nvmftcp"
	"github.com/jbweber/sma/internal/registry"
	"github.com/jbweber/sma/internal/target/targettest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePinger struct {
	version string
	err     error
}

func (p *fakePinger) Version(ctx context.Context) (string, error) {
	return p.version, p.err
}

type testEnv struct {
	srv  *Server
	conn *grpc.ClientConn
	api  *apiv1.AgentClient
	spdk *targettest.SPDK
}

func startServer(t *testing.T, pinger TargetPinger) *testEnv {
	t.Helper()

	fake, spdk := targettest.NewTarget()
	mgr := nvmftcp.New(fake, nvmftcp.Options{
		Retry:  device.RetryPolicy{Retries: 1, Interval: time.Millisecond},
		Logger: quietLogger(),
	})
	disp, err := agent.New(registry.New(), agent.Options{Logger: quietLogger()}, mgr)
	if err != nil {
		t.Fatalf("agent.New() error = %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	srv := New(NewService(disp, pinger), quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &testEnv{srv: srv, conn: conn, api: apiv1.NewAgentClient(conn), spdk: spdk}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
		kind string
	}{
		{name: "invalid params", err: device.Errorf(device.KindInvalidParams, "bad"), code: codes.InvalidArgument, kind: "InvalidParams"},
		{name: "unsupported", err: device.Errorf(device.KindUnsupportedTransport, "no"), code: codes.Unimplemented, kind: "UnsupportedTransport"},
		{name: "not found", err: device.Errorf(device.KindNotFound, "gone"), code: codes.NotFound, kind: "NotFound"},
		{name: "invalid state", err: device.Errorf(device.KindInvalidState, "deleting"), code: codes.FailedPrecondition, kind: "InvalidState"},
		{name: "busy", err: device.Errorf(device.KindDeviceBusy, "volumes"), code: codes.FailedPrecondition, kind: "DeviceBusy"},
		{name: "capacity", err: device.Errorf(device.KindCapacityExceeded, "one lun"), code: codes.ResourceExhausted, kind: "CapacityExceeded"},
		{name: "backend", err: device.Errorf(device.KindBackendFailure, "rejected"), code: codes.Internal, kind: "BackendFailure"},
		{name: "unreachable", err: device.Errorf(device.KindUnreachable, "timeout"), code: codes.Unavailable, kind: "Unreachable"},
		{name: "dirty", err: device.Errorf(device.KindDirtyState, "cleanup"), code: codes.DataLoss, kind: "DirtyState"},
		{name: "plain error", err: errors.New("boom"), code: codes.Internal, kind: "BackendFailure"},
		{name: "canceled", err: fmt.Errorf("waiting: %w", context.Canceled), code: codes.Canceled},
		{name: "deadline", err: fmt.Errorf("waiting: %w", context.DeadlineExceeded), code: codes.DeadlineExceeded},
		{
			name: "timed out cleanup stays dirty",
			err: &device.Error{
				Kind: device.KindDirtyState,
				Op:   "create",
				Err:  errors.Join(errors.New("listener rejected"), fmt.Errorf("undo: %w", context.DeadlineExceeded)),
			},
			code: codes.DataLoss,
			kind: "DirtyState",
		},
		{
			name: "timed out target call stays unreachable",
			err:  &device.Error{Kind: device.KindUnreachable, Op: "attach", Err: fmt.Errorf("nvmf_get_subsystems: %w", context.DeadlineExceeded)},
			code: codes.Unavailable,
			kind: "Unreachable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := status.Convert(toStatus(tt.err))
			if st.Code() != tt.code {
				t.Errorf("code = %s, want %s", st.Code(), tt.code)
			}
			if tt.kind != "" && st.Message() != tt.kind+": "+tt.err.Error() {
				t.Errorf("message = %q", st.Message())
			}
		})
	}

	if toStatus(nil) != nil {
		t.Error("toStatus(nil) != nil")
	}
}

func TestService_DeviceLifecycle(t *testing.T) {
	env := startServer(t, nil)
	ctx := context.Background()

	created, err := env.api.CreateDevice(ctx, &apiv1.CreateDeviceRequest{
		Transport: "nvme-tcp",
		Params:    map[string]any{"address": "127.0.0.1", "port": 4420, "subsystem": "nqn.test"},
	})
	if err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	got, err := env.api.GetDevice(ctx, &apiv1.GetDeviceRequest{Handle: created.Handle})
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.Device.State != "ready" || got.Device.Transport != "nvme-tcp" || got.Device.CreatedAt.IsZero() {
		t.Errorf("GetDevice() = %+v", got.Device)
	}

	attached, err := env.api.AttachVolume(ctx, &apiv1.AttachVolumeRequest{Handle: created.Handle, VolumeID: "vol-1"})
	if err != nil {
		t.Fatalf("AttachVolume() error = %v", err)
	}
	if attached.Token == "" {
		t.Error("empty token")
	}

	if _, err := env.api.SetQoS(ctx, &apiv1.SetQoSRequest{
		Handle: created.Handle, VolumeID: "vol-1", Limits: apiv1.QoSLimits{ReadWriteIOPS: 500},
	}); err != nil {
		t.Errorf("SetQoS() error = %v", err)
	}

	_, err = env.api.DeleteDevice(ctx, &apiv1.DeleteDeviceRequest{Handle: created.Handle})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("DeleteDevice() with volume = %v, want FailedPrecondition", err)
	}

	if _, err := env.api.DetachVolume(ctx, &apiv1.DetachVolumeRequest{Handle: created.Handle, VolumeID: "vol-1"}); err != nil {
		t.Fatalf("DetachVolume() error = %v", err)
	}
	if _, err := env.api.DeleteDevice(ctx, &apiv1.DeleteDeviceRequest{Handle: created.Handle}); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}

	list, err := env.api.ListDevices(ctx, &apiv1.ListDevicesRequest{})
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(list.Devices) != 0 {
		t.Errorf("ListDevices() = %+v", list.Devices)
	}

	_, err = env.api.GetDevice(ctx, &apiv1.GetDeviceRequest{Handle: created.Handle})
	if status.Code(err) != codes.NotFound {
		t.Errorf("GetDevice() after delete = %v, want NotFound", err)
	}
}

func TestService_Errors(t *testing.T) {
	env := startServer(t, nil)
	ctx := context.Background()

	_, err := env.api.CreateDevice(ctx, &apiv1.CreateDeviceRequest{Transport: "nvme-tcp"})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("CreateDevice() without params = %v, want InvalidArgument", err)
	}

	_, err = env.api.CreateDevice(ctx, &apiv1.CreateDeviceRequest{Transport: "vhost-blk"})
	if status.Code(err) != codes.Unimplemented {
		t.Errorf("CreateDevice() for unregistered transport = %v, want Unimplemented", err)
	}

	caps, err := env.api.GetQoSCapabilities(ctx, &apiv1.GetQoSCapabilitiesRequest{Transport: "nvme-tcp"})
	if err != nil || len(caps.Capabilities) == 0 {
		t.Errorf("GetQoSCapabilities() = %v, %v", caps, err)
	}

	_, err = env.api.PingTarget(ctx, &apiv1.PingTargetRequest{})
	if status.Code(err) != codes.Unavailable {
		t.Errorf("PingTarget() without target = %v, want Unavailable", err)
	}
}

func TestService_PingTarget(t *testing.T) {
	env := startServer(t, &fakePinger{version: "SPDK v24.01"})

	resp, err := env.api.PingTarget(context.Background(), &apiv1.PingTargetRequest{})
	if err != nil {
		t.Fatalf("PingTarget() error = %v", err)
	}
	if resp.Version != "SPDK v24.01" {
		t.Errorf("Version = %q", resp.Version)
	}
}

func TestHealth(t *testing.T) {
	env := startServer(t, nil)
	hc := healthpb.NewHealthClient(env.conn)
	ctx := context.Background()

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: apiv1.ServiceName})
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status before SetServing = %s", got)
	}
	env.srv.SetServing()
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status after SetServing = %s", got)
	}
}
