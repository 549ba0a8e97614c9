package orchestrator

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service the speech pipeline calls.
const ServiceName = "tutor.v1.Sequencer"

// SequencerServer is implemented by Server. Requests and replies are
// structpb.Struct values; every request carries "session_id".
type SequencerServer interface {
	Advance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RaiseHand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LowerHand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConfirmUnderstanding(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Interrupt(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Progress(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(SequencerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SequencerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SequencerServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc registers a SequencerServer on a grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SequencerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Advance", SequencerServer.Advance),
		unary("RaiseHand", SequencerServer.RaiseHand),
		unary("LowerHand", SequencerServer.LowerHand),
		unary("ConfirmUnderstanding", SequencerServer.ConfirmUnderstanding),
		unary("Interrupt", SequencerServer.Interrupt),
		unary("Progress", SequencerServer.Progress),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tutor/v1/sequencer.proto",
}

func RegisterSequencerServer(s grpc.ServiceRegistrar, srv SequencerServer) {
	s.RegisterService(&ServiceDesc, srv)
}
