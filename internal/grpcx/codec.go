// Package grpcx carries the gRPC plumbing shared by the tracker and peer
// processes: a JSON codec for the hand-written service descriptors, and
// the mapping between sentinel errors and status codes.
package grpcx

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/dmitrijs2005/fragnet/internal/common"
)

// Name is the content subtype the codec is registered under.
const Name = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return Name }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// CallOption selects the JSON codec for a client call.
func CallOption() grpc.CallOption {
	return grpc.CallContentSubtype(Name)
}

// Empty is the message for calls without a payload.
type Empty struct{}

// ToStatus converts a domain error to a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch {
	case errors.Is(err, common.ErrorNotFound):
		code = codes.NotFound
	case errors.Is(err, common.ErrInvalidHash), errors.Is(err, common.ErrInvalidArgument), errors.Is(err, common.ErrInvalidEndpoint):
		code = codes.InvalidArgument
	case errors.Is(err, common.ErrDisposed), errors.Is(err, common.ErrUnrecoverable):
		code = codes.Unavailable
	case errors.Is(err, common.ErrInvalidState):
		code = codes.FailedPrecondition
	case errors.Is(err, common.ErrNoReceivers):
		code = codes.Aborted
	}

	return status.Error(code, err.Error())
}

// FromStatus maps a gRPC status error back to the matching sentinel so
// callers can keep using errors.Is.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		sentinel = common.ErrorNotFound
	case codes.InvalidArgument:
		sentinel = common.ErrInvalidArgument
	case codes.Unavailable:
		sentinel = common.ErrUnavailable
	case codes.FailedPrecondition:
		sentinel = common.ErrInvalidState
	case codes.Aborted:
		sentinel = common.ErrNoReceivers
	default:
		return err
	}

	return fmt.Errorf("%w: %s", sentinel, st.Message())
}
