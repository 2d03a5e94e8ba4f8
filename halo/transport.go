package halo

import (
	"context"
)

// Request is the handle of one posted, not yet completed receive
type Request interface {
	// Wait blocks until the message has landed in the buffer passed to
	// PostReceive, the request fails, or ctx is done.
	Wait(ctx context.Context) error
	// Cancel withdraws the receive if it has not been matched yet.
	// Cancelling a completed request is a no-op.
	Cancel()
}

// Transport is the point-to-point messaging layer the exchange runs on.
// Ranks are 0-based. Implementations must accept zero-length messages
// or never be handed one; Exchange never posts or sends an empty range.
type Transport interface {
	// PostReceive registers buf to be filled by the next message from source
	// carrying tag. It must not block.
	PostReceive(buf []float64, source, tag int) (Request, error)
	// Send transmits buf to dest. It may block on transport buffering but
	// must not retain buf after returning.
	Send(ctx context.Context, buf []float64, dest, tag int) error
}

// RecvTag is the tag a process expects on messages from the neighbor
// with 1-based process id neighbor
func RecvTag(neighbor int) int {
	return neighbor + 100
}

// SendTag is the tag a process with 0-based rank puts on every outgoing
// message. SendTag(r) == RecvTag(r+1), so peers agree without a handshake.
func SendTag(rank int) int {
	return rank + 101
}
