package v1

import (
	"context"

	"google.golang.org/grpc"
)

// AgentServer is the server API of the agent service.
type AgentServer interface {
	CreateDevice(context.Context, *CreateDeviceRequest) (*CreateDeviceResponse, error)
	DeleteDevice(context.Context, *DeleteDeviceRequest) (*DeleteDeviceResponse, error)
	GetDevice(context.Context, *GetDeviceRequest) (*GetDeviceResponse, error)
	ListDevices(context.Context, *ListDevicesRequest) (*ListDevicesResponse, error)
	AttachVolume(context.Context, *AttachVolumeRequest) (*AttachVolumeResponse, error)
	DetachVolume(context.Context, *DetachVolumeRequest) (*DetachVolumeResponse, error)
	SetQoS(context.Context, *SetQoSRequest) (*SetQoSResponse, error)
	GetQoSCapabilities(context.Context, *GetQoSCapabilitiesRequest) (*GetQoSCapabilitiesResponse, error)
	PingTarget(context.Context, *PingTargetRequest) (*PingTargetResponse, error)
}

// ServiceDesc describes the agent service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodCreateDevice, AgentServer.CreateDevice),
		unary(MethodDeleteDevice, AgentServer.DeleteDevice),
		unary(MethodGetDevice, AgentServer.GetDevice),
		unary(MethodListDevices, AgentServer.ListDevices),
		unary(MethodAttachVolume, AgentServer.AttachVolume),
		unary(MethodDetachVolume, AgentServer.DetachVolume),
		unary(MethodSetQoS, AgentServer.SetQoS),
		unary(MethodGetQoSCapabilities, AgentServer.GetQoSCapabilities),
		unary(MethodPingTarget, AgentServer.PingTarget),
	},
	Metadata: "sma/v1/agent",
}

// RegisterAgentServer registers srv with s.
func RegisterAgentServer(s grpc.ServiceRegistrar, srv AgentServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Resp any](method string, call func(AgentServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AgentServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(AgentServer), ctx, req.(*Req))
			})
		},
	}
}

// AgentClient is the client API of the agent service.
type AgentClient struct {
	cc grpc.ClientConnInterface
}

// NewAgentClient returns a client that sends JSON-encoded calls over cc.
func NewAgentClient(cc grpc.ClientConnInterface) *AgentClient {
	return &AgentClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req any, opts []grpc.CallOption) (*Resp, error) {
	resp := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, FullMethod(method), req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *AgentClient) CreateDevice(ctx context.Context, req *CreateDeviceRequest, opts ...grpc.CallOption) (*CreateDeviceResponse, error) {
	return invoke[CreateDeviceResponse](ctx, c.cc, MethodCreateDevice, req, opts)
}

func (c *AgentClient) DeleteDevice(ctx context.Context, req *DeleteDeviceRequest, opts ...grpc.CallOption) (*DeleteDeviceResponse, error) {
	return invoke[DeleteDeviceResponse](ctx, c.cc, MethodDeleteDevice, req, opts)
}

func (c *AgentClient) GetDevice(ctx context.Context, req *GetDeviceRequest, opts ...grpc.CallOption) (*GetDeviceResponse, error) {
	return invoke[GetDeviceResponse](ctx, c.cc, MethodGetDevice, req, opts)
}

func (c *AgentClient) ListDevices(ctx context.Context, req *ListDevicesRequest, opts ...grpc.CallOption) (*ListDevicesResponse, error) {
	return invoke[ListDevicesResponse](ctx, c.cc, MethodListDevices, req, opts)
}

func (c *AgentClient) AttachVolume(ctx context.Context, req *AttachVolumeRequest, opts ...grpc.CallOption) (*AttachVolumeResponse, error) {
	return invoke[AttachVolumeResponse](ctx, c.cc, MethodAttachVolume, req, opts)
}

func (c *AgentClient) DetachVolume(ctx context.Context, req *DetachVolumeRequest, opts ...grpc.CallOption) (*DetachVolumeResponse, error) {
	return invoke[DetachVolumeResponse](ctx, c.cc, MethodDetachVolume, req, opts)
}

func (c *AgentClient) SetQoS(ctx context.Context, req *SetQoSRequest, opts ...grpc.CallOption) (*SetQoSResponse, error) {
	return invoke[SetQoSResponse](ctx, c.cc, MethodSetQoS, req, opts)
}

func (c *AgentClient) GetQoSCapabilities(ctx context.Context, req *GetQoSCapabilitiesRequest, opts ...grpc.CallOption) (*GetQoSCapabilitiesResponse, error) {
	return invoke[GetQoSCapabilitiesResponse](ctx, c.cc, MethodGetQoSCapabilities, req, opts)
}

func (c *AgentClient) PingTarget(ctx context.Context, req *PingTargetRequest, opts ...grpc.CallOption) (*PingTargetResponse, error) {
	return invoke[PingTargetResponse](ctx, c.cc, MethodPingTarget, req, opts)
}
