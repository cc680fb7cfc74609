// Package grpcbus exposes a bus.Bus over gRPC so peers running in other
// processes share the tracker's bus.
package grpcbus

import (
	"context"

	"google.golang.org/grpc"

	"github.com/dmitrijs2005/fragnet/internal/events"
	"github.com/dmitrijs2005/fragnet/internal/grpcx"
)

const (
	serviceName     = "fragnet.bus.Bus"
	publishMethod   = "/" + serviceName + "/Publish"
	subscribeMethod = "/" + serviceName + "/Subscribe"
	readyHeader     = "x-fragnet-subscribed"
)

// SubscribeRequest opens a subscription for the given topic filters.
type SubscribeRequest struct {
	Filters []string `json:"filters"`
}

type busService interface {
	Publish(ctx context.Context, env *events.Envelope) (*grpcx.Empty, error)
	Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*busService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(events.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(busService).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: publishMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(busService).Publish(ctx, req.(*events.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(busService).Subscribe(in, stream)
}
