package gateway

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/overflow-control/internal/logging"
)

// ServiceDesc describes the ValveGateway service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Gateway)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SetValve", Handler: setValveHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "overflow/gateway/v1/gateway.proto",
}

// Register exposes impl on s.
func Register(s grpc.ServiceRegistrar, impl Gateway) {
	s.RegisterService(&ServiceDesc, impl)
}

func setValveHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, raw interface{}) (interface{}, error) {
		req, err := requestFromStruct(raw.(*structpb.Struct))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		resp, err := srv.(Gateway).SetValve(ctx, req)
		if err != nil {
			return nil, ToStatusError(err)
		}
		return resp.toStruct()
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SetValveMethod}
	return interceptor(ctx, in, info, call)
}

// RequestIDUnaryServerInterceptor sources request_id from inbound metadata,
// or creates one, and attaches a per-request logger annotated with request_id
// and method.
func RequestIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(requestIDMetadataKey); len(vals) > 0 && vals[0] != "" {
				ctx = logging.ContextWithRequestID(ctx, vals[0])
			}
		}
		ctx, _ = logging.WithRequestLogger(ctx, base.With(logging.String("method", info.FullMethod)))
		return handler(ctx, req)
	}
}
