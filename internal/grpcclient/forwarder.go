package grpcclient

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ForwardMethod is the full name of the upstream RPC. The request is a
// google.protobuf.Struct and the reply a google.protobuf.BoolValue, so no
// generated stubs are needed on either side.
const ForwardMethod = "/geotrack.Forwarder/Forward"

// ForwarderServer is implemented by upstream receivers.
type ForwarderServer interface {
	Forward(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
}

func forwardHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ForwarderServer).Forward(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ForwardMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ForwarderServer).Forward(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ForwarderServiceDesc registers a ForwarderServer on a grpc.Server.
var ForwarderServiceDesc = grpc.ServiceDesc{
	ServiceName: "geotrack.Forwarder",
	HandlerType: (*ForwarderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Forward", Handler: forwardHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterForwarderServer(s grpc.ServiceRegistrar, srv ForwarderServer) {
	s.RegisterService(&ForwarderServiceDesc, srv)
}
