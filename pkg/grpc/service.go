package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The telemetry service speaks well-known protobuf types only, so devices can
// call it without generated stubs: readings travel as Struct, device ids as
// StringValue.
const TelemetryServiceName = "agri.telemetry.v1.Telemetry"

const (
	MethodPushReading    = "/" + TelemetryServiceName + "/PushReading"
	MethodHeartbeat      = "/" + TelemetryServiceName + "/Heartbeat"
	MethodGetAlerts      = "/" + TelemetryServiceName + "/GetAlerts"
	MethodGetDeviceState = "/" + TelemetryServiceName + "/GetDeviceState"
)

type TelemetryServer interface {
	PushReading(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Heartbeat(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error)
	GetAlerts(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
	GetDeviceState(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
}

func unaryMethod[Req proto.Message, Resp any](
	name string,
	newReq func() Req,
	call func(TelemetryServer, context.Context, Req) (Resp, error),
) grpc.MethodDesc {
	fullMethod := "/" + TelemetryServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TelemetryServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(TelemetryServer), ctx, req.(Req))
			})
		},
	}
}

func newStruct() *structpb.Struct             { return &structpb.Struct{} }
func newStringValue() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }

var TelemetryServiceDesc = grpc.ServiceDesc{
	ServiceName: TelemetryServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("PushReading", newStruct, TelemetryServer.PushReading),
		unaryMethod("Heartbeat", newStringValue, TelemetryServer.Heartbeat),
		unaryMethod("GetAlerts", newStringValue, TelemetryServer.GetAlerts),
		unaryMethod("GetDeviceState", newStringValue, TelemetryServer.GetDeviceState),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agri/telemetry/v1/telemetry.proto",
}

func RegisterTelemetryServer(s grpc.ServiceRegistrar, srv TelemetryServer) {
	s.RegisterService(&TelemetryServiceDesc, srv)
}

// TelemetryClient calls the telemetry service over an established connection.
type TelemetryClient struct {
	cc grpc.ClientConnInterface
}

func NewTelemetryClient(cc grpc.ClientConnInterface) *TelemetryClient {
	return &TelemetryClient{cc: cc}
}

func (c *TelemetryClient) PushReading(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodPushReading, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TelemetryClient) Heartbeat(ctx context.Context, deviceID string, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, MethodHeartbeat, wrapperspb.String(deviceID), new(emptypb.Empty), opts...)
}

func (c *TelemetryClient) GetAlerts(ctx context.Context, deviceID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodGetAlerts, wrapperspb.String(deviceID), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TelemetryClient) GetDeviceState(ctx context.Context, deviceID string, opts ...grpc.CallOption) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, MethodGetDeviceState, wrapperspb.String(deviceID), out, opts...); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}
