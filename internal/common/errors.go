// Package common defines shared constants and sentinel errors used across
// the tracker and peer sides of fragnet. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Lookup errors.
	ErrorNotFound = errors.New("not found")

	// Validation errors.
	ErrInvalidHash     = errors.New("invalid hash")
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrInvalidArgument = errors.New("invalid argument")

	// State machine errors. ErrDisposed and ErrUnrecoverable are terminal:
	// the machine has to be recreated.
	ErrDisposed      = errors.New("disposed")
	ErrUnrecoverable = errors.New("unrecoverable state")
	ErrInvalidState  = errors.New("invalid state")

	// Distribution errors.
	ErrNoReceivers = errors.New("no client obtained the fragment")

	// Transport errors.
	ErrUnavailable = errors.New("tracker unavailable")
)
