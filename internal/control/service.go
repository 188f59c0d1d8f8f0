package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName полное имя сервиса управления.
const ServiceName = "agentsync.control.v1.ControlService"

const (
	methodCheckCommands = "/" + ServiceName + "/CheckCommands"
	methodSetPause      = "/" + ServiceName + "/SetPause"
	methodSendCommand   = "/" + ServiceName + "/SendCommand"
)

// ControlServer серверная сторона сервиса. Запросы и ответы — google.protobuf.Struct.
type ControlServer interface {
	CheckCommands(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SetPause(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SendCommand(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterControlServer регистрирует реализацию на gRPC сервере.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unaryHandler(method string, call func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc описывает сервис без сгенерированного кода: сообщения берутся из structpb.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CheckCommands", Handler: unaryHandler(methodCheckCommands, ControlServer.CheckCommands)},
		{MethodName: "SetPause", Handler: unaryHandler(methodSetPause, ControlServer.SetPause)},
		{MethodName: "SendCommand", Handler: unaryHandler(methodSendCommand, ControlServer.SendCommand)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agentsync/control/v1/control.proto",
}

// ControlClient клиентская сторона сервиса.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

func (c *ControlClient) CheckCommands(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodCheckCommands, in, opts...)
}

func (c *ControlClient) SetPause(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodSetPause, in, opts...)
}

func (c *ControlClient) SendCommand(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodSendCommand, in, opts...)
}

func (c *ControlClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
