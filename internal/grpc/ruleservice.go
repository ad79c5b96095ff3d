package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The service is described by hand over protobuf well-known types, so neither side needs
// generated stubs. Request and response bodies are JSON-shaped Structs.
const (
	ServiceName = "marketalerts.RuleService"

	methodAddRule           = "/" + ServiceName + "/AddRule"
	methodRemoveRule        = "/" + ServiceName + "/RemoveRule"
	methodUpdateRule        = "/" + ServiceName + "/UpdateRule"
	methodListRules         = "/" + ServiceName + "/ListRules"
	methodListHistory       = "/" + ServiceName + "/ListHistory"
	methodSubscribeTriggers = "/" + ServiceName + "/SubscribeTriggers"
	methodWatchPrices       = "/" + ServiceName + "/WatchPrices"
)

// RuleServiceServer is the server API for the rule management service.
type RuleServiceServer interface {
	AddRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveRule(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	UpdateRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRules(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	ListHistory(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	SubscribeTriggers(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
	WatchPrices(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

func RegisterRuleServiceServer(s grpc.ServiceRegistrar, srv RuleServiceServer) {
	s.RegisterService(&RuleService_ServiceDesc, srv)
}

var RuleService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RuleServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "AddRule",
			Handler: unary(methodAddRule, func(s RuleServiceServer, ctx context.Context, in *structpb.Struct) (any, error) {
				return s.AddRule(ctx, in)
			}),
		},
		{
			MethodName: "RemoveRule",
			Handler: unary(methodRemoveRule, func(s RuleServiceServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
				return s.RemoveRule(ctx, in)
			}),
		},
		{
			MethodName: "UpdateRule",
			Handler: unary(methodUpdateRule, func(s RuleServiceServer, ctx context.Context, in *structpb.Struct) (any, error) {
				return s.UpdateRule(ctx, in)
			}),
		},
		{
			MethodName: "ListRules",
			Handler: unary(methodListRules, func(s RuleServiceServer, ctx context.Context, in *structpb.Struct) (any, error) {
				return s.ListRules(ctx, in)
			}),
		},
		{
			MethodName: "ListHistory",
			Handler: unary(methodListHistory, func(s RuleServiceServer, ctx context.Context, in *structpb.Struct) (any, error) {
				return s.ListHistory(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeTriggers",
			Handler:       subscribeTriggersHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "WatchPrices",
			Handler:       watchPricesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "marketalerts/rules.proto",
}

func unary[Req any](fullMethod string, call func(RuleServiceServer, context.Context, *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RuleServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RuleServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeTriggersHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RuleServiceServer).SubscribeTriggers(in, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

func watchPricesHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RuleServiceServer).WatchPrices(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}
