package mediasvc

import "errors"

// Typed errors surfaced by the transport/media service (spec.md §7).
var (
	ErrNotInRoom          = errors.New("mediasvc: peer not in room")
	ErrNoUpstream         = errors.New("mediasvc: peer has no upstream transport")
	ErrCannotConsume      = errors.New("mediasvc: router cannot consume")
	ErrDownstreamNotFound = errors.New("mediasvc: downstream transport not found")
	ErrConsumerNotFound   = errors.New("mediasvc: consumer not found")
	ErrProducerNotFound   = errors.New("mediasvc: producing peer not found")
)
