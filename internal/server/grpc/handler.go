package grpc

import (
	"context"

	"github.com/dmitrijs2005/fragnet/internal/grpcx"
	"github.com/dmitrijs2005/fragnet/internal/trackerapi"
)

func (s *GRPCServer) Distribute(ctx context.Context, req *trackerapi.DistributeRequest) (*trackerapi.DistributeResponse, error) {
	endpoints, err := s.tracker.Distribute(ctx, req.Hash, req.Data)
	if err != nil {
		s.logger.Warn(ctx, "distribution failed", "hash", req.Hash, "error", err)
		return nil, grpcx.ToStatus(err)
	}

	s.logger.Info(ctx, "fragment distributed", "hash", req.Hash, "endpoints", len(endpoints))
	return &trackerapi.DistributeResponse{Endpoints: endpoints}, nil
}

func (s *GRPCServer) PublishFile(ctx context.Context, req *trackerapi.PublishFileRequest) (*grpcx.Empty, error) {
	if err := s.tracker.PublishFileInfo(ctx, req.File); err != nil {
		return nil, grpcx.ToStatus(err)
	}

	s.logger.Info(ctx, "file published", "hash", req.File.Hash)
	return &grpcx.Empty{}, nil
}

func (s *GRPCServer) Status(context.Context, *grpcx.Empty) (*trackerapi.StatusResponse, error) {
	snap := s.tracker.Snapshot()

	return &trackerapi.StatusResponse{
		TrackerID: snap.TrackerID,
		State:     snap.State,
		Clients:   snap.Clients,
		Files:     snap.Files,
		Fragments: snap.Fragments,
		Queued:    snap.Queued,
	}, nil
}
