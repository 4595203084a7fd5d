package meshclient

import "github.com/pkg/errors"

// Sentinel errors returned (wrapped) by the Client. Test with errors.Is.
var (
	// ErrUnknownDevice: a device string does not name any device of this client.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrShapeMismatch: data, shard or argument shapes are inconsistent with
	// the declared shape or sharding.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrBackendFailure: the runtime backend failed or returned malformed
	// results.
	ErrBackendFailure = errors.New("backend failure")

	// ErrUnsupported: the operation is not provided by this client.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrPrecondition: the call violates an ordering or state requirement,
	// e.g. initializing the same component twice.
	ErrPrecondition = errors.New("precondition failed")
)
