// Package trackerapi describes the tracker's remote control service: the
// messages, the service descriptor and a typed client. Messages travel with
// the grpcx JSON codec.
package trackerapi

import (
	"context"

	"google.golang.org/grpc"

	"github.com/dmitrijs2005/fragnet/internal/grpcx"
	"github.com/dmitrijs2005/fragnet/internal/models"
)

const (
	ServiceName       = "fragnet.tracker.Tracker"
	DistributeMethod  = "/" + ServiceName + "/Distribute"
	PublishFileMethod = "/" + ServiceName + "/PublishFile"
	StatusMethod      = "/" + ServiceName + "/Status"
)

// DistributeRequest asks the tracker to run a distribution round for one
// fragment.
type DistributeRequest struct {
	Hash string `json:"hash"`
	Data []byte `json:"data"`
}

// DistributeResponse lists the endpoints of every client holding the
// fragment after the round.
type DistributeResponse struct {
	Endpoints []string `json:"endpoints"`
}

type PublishFileRequest struct {
	File models.FragmentedFile `json:"file"`
}

// StatusResponse is a copy of the tracker's distribution map.
type StatusResponse struct {
	TrackerID string                  `json:"trackerId"`
	State     string                  `json:"state"`
	Clients   []models.ClientInfo     `json:"clients"`
	Files     []models.FragmentedFile `json:"files"`
	Fragments []models.FragmentInfo   `json:"fragments"`
	Queued    int                     `json:"queued"`
}

// TrackerServer is implemented by the tracker process.
type TrackerServer interface {
	Distribute(ctx context.Context, req *DistributeRequest) (*DistributeResponse, error)
	PublishFile(ctx context.Context, req *PublishFileRequest) (*grpcx.Empty, error)
	Status(ctx context.Context, req *grpcx.Empty) (*StatusResponse, error)
}

// RegisterTrackerServer adds srv to s.
func RegisterTrackerServer(s grpc.ServiceRegistrar, srv TrackerServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrackerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Distribute",
			Handler: unary(DistributeMethod, func(srv TrackerServer, ctx context.Context, req *DistributeRequest) (any, error) {
				return srv.Distribute(ctx, req)
			}),
		},
		{
			MethodName: "PublishFile",
			Handler: unary(PublishFileMethod, func(srv TrackerServer, ctx context.Context, req *PublishFileRequest) (any, error) {
				return srv.PublishFile(ctx, req)
			}),
		},
		{
			MethodName: "Status",
			Handler: unary(StatusMethod, func(srv TrackerServer, ctx context.Context, req *grpcx.Empty) (any, error) {
				return srv.Status(ctx, req)
			}),
		},
	},
}

// unary builds a method handler decoding the request into a fresh Req.
func unary[Req any](method string, call func(TrackerServer, context.Context, *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TrackerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TrackerServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// TrackerClient calls a remote TrackerServer. Errors are gRPC status
// errors; grpcx.FromStatus maps them back to the common sentinels.
type TrackerClient struct {
	cc grpc.ClientConnInterface
}

func NewTrackerClient(cc grpc.ClientConnInterface) *TrackerClient {
	return &TrackerClient{cc: cc}
}

func (c *TrackerClient) Distribute(ctx context.Context, in *DistributeRequest, opts ...grpc.CallOption) (*DistributeResponse, error) {
	out := new(DistributeResponse)
	if err := c.cc.Invoke(ctx, DistributeMethod, in, out, append([]grpc.CallOption{grpcx.CallOption()}, opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TrackerClient) PublishFile(ctx context.Context, in *PublishFileRequest, opts ...grpc.CallOption) (*grpcx.Empty, error) {
	out := new(grpcx.Empty)
	if err := c.cc.Invoke(ctx, PublishFileMethod, in, out, append([]grpc.CallOption{grpcx.CallOption()}, opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TrackerClient) Status(ctx context.Context, in *grpcx.Empty, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.cc.Invoke(ctx, StatusMethod, in, out, append([]grpc.CallOption{grpcx.CallOption()}, opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}
