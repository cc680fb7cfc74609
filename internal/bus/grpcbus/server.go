package grpcbus

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dmitrijs2005/fragnet/internal/bus"
	"github.com/dmitrijs2005/fragnet/internal/events"
	"github.com/dmitrijs2005/fragnet/internal/grpcx"
	"github.com/dmitrijs2005/fragnet/internal/logging"
)

// Server bridges remote peers to a local bus.
type Server struct {
	bus    bus.Bus
	logger logging.Logger
}

// NewServer returns a Server publishing to and subscribing on b.
func NewServer(b bus.Bus, l logging.Logger) *Server {
	return &Server{bus: b, logger: l.With("module", "grpc_bus")}
}

// Register adds the bus service to srv.
func (s *Server) Register(srv *grpc.Server) {
	srv.RegisterService(&serviceDesc, s)
}

func (s *Server) Publish(ctx context.Context, env *events.Envelope) (*grpcx.Empty, error) {
	e, err := env.Unwrap()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.bus.Publish(ctx, e); err != nil {
		return nil, grpcx.ToStatus(err)
	}
	return &grpcx.Empty{}, nil
}

func (s *Server) Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()

	sub, err := s.bus.Subscribe(ctx, req.Filters...)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	defer sub.Close()

	// the client waits for this header before it starts publishing
	if err := stream.SendHeader(metadata.Pairs(readyHeader, "1")); err != nil {
		return err
	}

	s.logger.Debug(ctx, "remote subscription opened", "filters", req.Filters)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.Events():
			if !ok {
				return status.Error(codes.Unavailable, "bus closed")
			}
			env, err := events.Wrap(e)
			if err != nil {
				s.logger.Error(ctx, "cannot encode event", "topic", e.Topic(), "error", err)
				continue
			}
			if err := stream.SendMsg(&env); err != nil {
				return err
			}
		}
	}
}
