package grpcbus

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dmitrijs2005/fragnet/internal/bus"
	"github.com/dmitrijs2005/fragnet/internal/events"
	"github.com/dmitrijs2005/fragnet/internal/grpcx"
	"github.com/dmitrijs2005/fragnet/internal/logging"
)

// Client is a bus.Bus backed by a remote Server.
type Client struct {
	conn   grpc.ClientConnInterface
	logger logging.Logger
}

var _ bus.Bus = (*Client)(nil)

// NewClient uses conn for every call. The caller owns conn.
func NewClient(conn grpc.ClientConnInterface, l logging.Logger) *Client {
	return &Client{conn: conn, logger: l.With("module", "grpc_bus_client")}
}

func (c *Client) Publish(ctx context.Context, e events.Event) error {
	env, err := events.Wrap(e)
	if err != nil {
		return err
	}
	if err := c.conn.Invoke(ctx, publishMethod, &env, &grpcx.Empty{}, grpcx.CallOption()); err != nil {
		return grpcx.FromStatus(err)
	}
	return nil
}

// Subscribe returns once the server has registered the subscription, so
// events published after it returns are not missed.
func (c *Client) Subscribe(ctx context.Context, filters ...string) (bus.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], subscribeMethod, grpcx.CallOption())
	if err != nil {
		cancel()
		return nil, grpcx.FromStatus(err)
	}
	if err := stream.SendMsg(&SubscribeRequest{Filters: filters}); err != nil {
		cancel()
		return nil, grpcx.FromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, grpcx.FromStatus(err)
	}

	md, err := stream.Header()
	if err != nil || len(md.Get(readyHeader)) == 0 {
		// no header means the server refused; the status is on RecvMsg
		rerr := stream.RecvMsg(&events.Envelope{})
		cancel()
		if rerr == nil || errors.Is(rerr, io.EOF) {
			rerr = status.Error(codes.Unavailable, "subscription refused")
		}
		return nil, grpcx.FromStatus(rerr)
	}

	s := &remoteSub{out: make(chan events.Event), cancel: cancel}
	go s.recv(ctx, stream, c.logger)

	return s, nil
}

type remoteSub struct {
	out    chan events.Event
	cancel context.CancelFunc
	once   sync.Once
}

func (s *remoteSub) Events() <-chan events.Event { return s.out }

func (s *remoteSub) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// recv forwards events until the stream ends. An event that cannot be
// decoded ends the subscription.
func (s *remoteSub) recv(ctx context.Context, stream grpc.ClientStream, l logging.Logger) {
	defer close(s.out)
	defer s.Close()

	for {
		var env events.Envelope
		if err := stream.RecvMsg(&env); err != nil {
			if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				l.Warn(ctx, "remote subscription ended", "error", err)
			}
			return
		}

		e, err := env.Unwrap()
		if err != nil {
			l.Error(ctx, "undecodable event, ending subscription", "topic", env.Topic, "error", err)
			return
		}

		select {
		case s.out <- e:
		case <-ctx.Done():
			return
		}
	}
}
