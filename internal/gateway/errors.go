package gateway

import "errors"

var (
	// ErrInvalidSignature is returned when webhook signature verification
	// fails. Deliveries carrying it are rejected and never retried.
	ErrInvalidSignature = errors.New("gateway: invalid webhook signature")

	// ErrMalformedEvent is returned when a verified payload cannot be
	// parsed into a normalized event.
	ErrMalformedEvent = errors.New("gateway: malformed event payload")

	// ErrNotImplemented is returned by provider methods the gateway does
	// not support.
	ErrNotImplemented = errors.New("gateway: method not implemented")
)
