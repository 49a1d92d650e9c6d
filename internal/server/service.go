package server

import (
	"context"

	apiv1 "github.com/jbweber/sma/api/v1"
	"github.com/jbweber/sma/internal/agent"
	"github.com/jbweber/sma/internal/device"
)

// TargetPinger reports the target's version.
//
// In production, this is satisfied by *target.Client.
type TargetPinger interface {
	Version(ctx context.Context) (string, error)
}

// Service implements apiv1.AgentServer on top of a Dispatcher.
type Service struct {
	disp   *agent.Dispatcher
	target TargetPinger
}

var _ apiv1.AgentServer = (*Service)(nil)

// NewService creates a Service. target may be nil, in which case PingTarget
// reports the target as unreachable.
func NewService(disp *agent.Dispatcher, target TargetPinger) *Service {
	return &Service{disp: disp, target: target}
}

func (s *Service) CreateDevice(ctx context.Context, req *apiv1.CreateDeviceRequest) (*apiv1.CreateDeviceResponse, error) {
	handle, err := s.disp.CreateDevice(ctx, agent.CreateRequest{
		Kind:           req.Transport,
		Params:         device.Params(req.Params),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &apiv1.CreateDeviceResponse{Handle: handle}, nil
}

func (s *Service) DeleteDevice(ctx context.Context, req *apiv1.DeleteDeviceRequest) (*apiv1.DeleteDeviceResponse, error) {
	if err := s.disp.DeleteDevice(ctx, req.Handle); err != nil {
		return nil, toStatus(err)
	}
	return &apiv1.DeleteDeviceResponse{}, nil
}

func (s *Service) GetDevice(ctx context.Context, req *apiv1.GetDeviceRequest) (*apiv1.GetDeviceResponse, error) {
	view, err := s.disp.GetDevice(req.Handle)
	if err != nil {
		return nil, toStatus(err)
	}
	return &apiv1.GetDeviceResponse{Device: toAPIDevice(view)}, nil
}

func (s *Service) ListDevices(ctx context.Context, req *apiv1.ListDevicesRequest) (*apiv1.ListDevicesResponse, error) {
	views := s.disp.ListDevices()
	devices := make([]apiv1.Device, len(views))
	for i, v := range views {
		devices[i] = toAPIDevice(v)
	}
	return &apiv1.ListDevicesResponse{Devices: devices}, nil
}

func (s *Service) AttachVolume(ctx context.Context, req *apiv1.AttachVolumeRequest) (*apiv1.AttachVolumeResponse, error) {
	token, err := s.disp.AttachVolume(ctx, req.Handle, req.VolumeID, device.Params(req.Params))
	if err != nil {
		return nil, toStatus(err)
	}
	return &apiv1.AttachVolumeResponse{Token: token}, nil
}

func (s *Service) DetachVolume(ctx context.Context, req *apiv1.DetachVolumeRequest) (*apiv1.DetachVolumeResponse, error) {
	if err := s.disp.DetachVolume(ctx, req.Handle, req.VolumeID); err != nil {
		return nil, toStatus(err)
	}
	return &apiv1.DetachVolumeResponse{}, nil
}

func (s *Service) SetQoS(ctx context.Context, req *apiv1.SetQoSRequest) (*apiv1.SetQoSResponse, error) {
	limits := device.QoSLimits{
		ReadWriteIOPS:      req.Limits.ReadWriteIOPS,
		ReadWriteBandwidth: req.Limits.ReadWriteBandwidth,
		ReadBandwidth:      req.Limits.ReadBandwidth,
		WriteBandwidth:     req.Limits.WriteBandwidth,
	}
	if err := s.disp.SetVolumeQoS(ctx, req.Handle, req.VolumeID, limits); err != nil {
		return nil, toStatus(err)
	}
	return &apiv1.SetQoSResponse{}, nil
}

func (s *Service) GetQoSCapabilities(ctx context.Context, req *apiv1.GetQoSCapabilitiesRequest) (*apiv1.GetQoSCapabilitiesResponse, error) {
	caps, err := s.disp.QoSCapabilities(req.Transport)
	if err != nil {
		return nil, toStatus(err)
	}
	return &apiv1.GetQoSCapabilitiesResponse{Capabilities: caps}, nil
}

func (s *Service) PingTarget(ctx context.Context, req *apiv1.PingTargetRequest) (*apiv1.PingTargetResponse, error) {
	if s.target == nil {
		return nil, toStatus(device.Errorf(device.KindUnreachable, "no target configured"))
	}
	version, err := s.target.Version(ctx)
	if err != nil {
		return nil, toStatus(device.Annotate(err, "ping", "", ""))
	}
	return &apiv1.PingTargetResponse{Version: version}, nil
}

func toAPIDevice(v agent.DeviceView) apiv1.Device {
	return apiv1.Device{
		Handle:    v.Handle,
		Transport: string(v.Kind),
		State:     string(v.Phase),
		Volumes:   v.Volumes,
		Reason:    v.Reason,
		CreatedAt: apiv1.NewTime(v.CreatedAt),
	}
}
