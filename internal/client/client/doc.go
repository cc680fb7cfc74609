// Package client contains the peer's connection to the tracker process.
//
// # Overview
//
// The package provides:
//  1. A transport-agnostic contract (see the Client interface): the shared
//     bus the peer state machine runs on, Ping, Distribute, PublishFile and
//     Status.
//  2. A concrete gRPC implementation (see GRPCClient) that multiplexes the
//     bus service and the tracker service over one connection and maps gRPC
//     status codes to sentinel errors.
//
// # Error Handling
//
// Transport failures surface as ErrUnavailable. Tracker refusals come back
// as the common sentinels (common.ErrNoReceivers, common.ErrInvalidArgument,
// common.ErrInvalidState, ...), so callers keep matching with errors.Is.
package client
