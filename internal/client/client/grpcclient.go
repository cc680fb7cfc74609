package client

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/dmitrijs2005/fragnet/internal/bus"
	"github.com/dmitrijs2005/fragnet/internal/bus/grpcbus"
	"github.com/dmitrijs2005/fragnet/internal/grpcx"
	"github.com/dmitrijs2005/fragnet/internal/logging"
	"github.com/dmitrijs2005/fragnet/internal/models"
	"github.com/dmitrijs2005/fragnet/internal/trackerapi"
)

// trackerService is the part of trackerapi.TrackerClient used here.
type trackerService interface {
	Distribute(ctx context.Context, in *trackerapi.DistributeRequest, opts ...grpc.CallOption) (*trackerapi.DistributeResponse, error)
	PublishFile(ctx context.Context, in *trackerapi.PublishFileRequest, opts ...grpc.CallOption) (*grpcx.Empty, error)
	Status(ctx context.Context, in *grpcx.Empty, opts ...grpc.CallOption) (*trackerapi.StatusResponse, error)
}

type GRPCClient struct {
	endpointURL string
	conn        *grpc.ClientConn
	client      trackerService
	bus         *grpcbus.Client
	logger      logging.Logger
}

var _ Client = (*GRPCClient)(nil)

func NewGRPCClient(endpointURL string, l logging.Logger) (*GRPCClient, error) {
	c := &GRPCClient{endpointURL: endpointURL, logger: l.With("module", "grpc_client")}
	err := c.InitGRPCClient()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *GRPCClient) InitGRPCClient() error {

	conn, err := grpc.NewClient(s.endpointURL, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	s.conn = conn
	s.client = trackerapi.NewTrackerClient(conn)
	s.bus = grpcbus.NewClient(conn, s.logger)
	return nil
}

func (s *GRPCClient) Bus() bus.Bus { return s.bus }

func (s *GRPCClient) Ping(ctx context.Context) error {
	_, err := s.client.Status(ctx, &grpcx.Empty{})
	if err != nil {
		return s.mapError(err)
	}
	return nil
}

func (s *GRPCClient) Distribute(ctx context.Context, hash string, data []byte) ([]string, error) {
	resp, err := s.client.Distribute(ctx, &trackerapi.DistributeRequest{Hash: hash, Data: data})
	if err != nil {
		return nil, s.mapError(err)
	}
	return resp.Endpoints, nil
}

func (s *GRPCClient) PublishFile(ctx context.Context, file models.FragmentedFile) error {
	_, err := s.client.PublishFile(ctx, &trackerapi.PublishFileRequest{File: file})
	if err != nil {
		return s.mapError(err)
	}
	return nil
}

func (s *GRPCClient) Status(ctx context.Context) (*trackerapi.StatusResponse, error) {
	resp, err := s.client.Status(ctx, &grpcx.Empty{})
	if err != nil {
		return nil, s.mapError(err)
	}
	return resp, nil
}

func (s *GRPCClient) Close() error {
	return s.conn.Close()
}

func (s *GRPCClient) mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("rpc error: %w", err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", ErrUnavailable, st.Message())
	default:
		return grpcx.FromStatus(err)
	}
}
