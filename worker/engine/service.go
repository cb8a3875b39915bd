package engine

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// The engine protocol carries google.protobuf.Struct messages in both
// directions so no generated code is needed on either side.

const ServiceName = "bandmath.Engine"

const (
	methodQuery    = "/" + ServiceName + "/Query"
	methodEvaluate = "/" + ServiceName + "/Evaluate"
	methodTrain    = "/" + ServiceName + "/Train"
	methodClassify = "/" + ServiceName + "/Classify"
	methodExport   = "/" + ServiceName + "/Export"
)

type EngineServer interface {
	Query(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Train(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Classify(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Export(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// UnimplementedEngineServer answers every method with Unimplemented.
// Embed it to serve a subset of the protocol.
type UnimplementedEngineServer struct{}

func (UnimplementedEngineServer) Query(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Query not implemented")
}

func (UnimplementedEngineServer) Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Evaluate not implemented")
}

func (UnimplementedEngineServer) Train(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Train not implemented")
}

func (UnimplementedEngineServer) Classify(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Classify not implemented")
}

func (UnimplementedEngineServer) Export(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Export not implemented")
}

func RegisterEngineServer(s grpc.ServiceRegistrar, srv EngineServer) {
	s.RegisterService(&engineServiceDesc, srv)
}

func unaryHandler(fullMethod string, call func(EngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(EngineServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var engineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Query", Handler: unaryHandler(methodQuery, EngineServer.Query)},
		{MethodName: "Evaluate", Handler: unaryHandler(methodEvaluate, EngineServer.Evaluate)},
		{MethodName: "Train", Handler: unaryHandler(methodTrain, EngineServer.Train)},
		{MethodName: "Classify", Handler: unaryHandler(methodClassify, EngineServer.Classify)},
		{MethodName: "Export", Handler: unaryHandler(methodExport, EngineServer.Export)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "worker/engine/engine.proto",
}
