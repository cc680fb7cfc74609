// Package grpc exposes the tracker over gRPC: the shared bus for remote
// peers and the tracker control service used by peer CLIs.
package grpc

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"

	"github.com/dmitrijs2005/fragnet/internal/bus"
	"github.com/dmitrijs2005/fragnet/internal/bus/grpcbus"
	"github.com/dmitrijs2005/fragnet/internal/logging"
	"github.com/dmitrijs2005/fragnet/internal/models"
	"github.com/dmitrijs2005/fragnet/internal/publisher"
	"github.com/dmitrijs2005/fragnet/internal/trackerapi"
)

// shutdownTimeout bounds GracefulStop; open bus subscriptions are cut after it.
const shutdownTimeout = 5 * time.Second

// Tracker is the part of *publisher.Publisher the service needs.
type Tracker interface {
	Distribute(ctx context.Context, hash string, data []byte) ([]string, error)
	PublishFileInfo(ctx context.Context, file models.FragmentedFile) error
	Snapshot() publisher.Snapshot
}

type GRPCServer struct {
	address string
	tracker Tracker
	bus     bus.Bus
	logger  logging.Logger
}

var _ trackerapi.TrackerServer = (*GRPCServer)(nil)

func NewGRPCServer(a string, l logging.Logger, t Tracker, b bus.Bus) (*GRPCServer, error) {
	if t == nil || b == nil {
		return nil, errors.New("tracker and bus are required")
	}
	return &GRPCServer{
		address: a,
		tracker: t,
		bus:     b,
		logger:  l.With("module", "grpc_server"),
	}, nil
}

func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.recoverInterceptor, s.logInterceptor))

	// registers services
	trackerapi.RegisterTrackerServer(srv, s)
	grpcbus.NewServer(s.bus, s.logger).Register(srv)

	return srv
}

// Run listens on the configured address and serves until ctx is done.
func (s *GRPCServer) Run(ctx context.Context) error {
	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	return s.Serve(ctx, listen)
}

// Serve serves on lis until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := s.newServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")

		t := time.AfterFunc(shutdownTimeout, srv.Stop)
		srv.GracefulStop()
		t.Stop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}

	return nil
}
