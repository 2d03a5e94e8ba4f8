// Package loopback implements halo.Transport for several ranks living in
// one process. Sends are eager: the payload is copied into the destination
// mailbox immediately, so Send never blocks.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/notargets/DGHalo/halo"
	"github.com/notargets/DGHalo/mailbox"
)

// ErrInvalidRank is returned for a rank outside [0, Size)
var ErrInvalidRank = errors.New("loopback: invalid rank")

// World is a set of in-process ranks that can message each other
type World struct {
	boxes     []*mailbox.Mailbox
	endpoints []*Endpoint
}

// RankStats counts the traffic of one endpoint
type RankStats struct {
	MessagesSent int
	ValuesSent   int
	Posted       int
}

// NewWorld creates a world of size ranks
func NewWorld(size int) *World {
	w := &World{
		boxes:     make([]*mailbox.Mailbox, size),
		endpoints: make([]*Endpoint, size),
	}
	for r := 0; r < size; r++ {
		w.boxes[r] = mailbox.New()
		w.endpoints[r] = &Endpoint{world: w, rank: r}
	}
	return w
}

// Size returns the number of ranks
func (w *World) Size() int {
	return len(w.boxes)
}

// Endpoint returns the transport of rank
func (w *World) Endpoint(rank int) (*Endpoint, error) {
	if rank < 0 || rank >= len(w.endpoints) {
		return nil, fmt.Errorf("%w: %d (size %d)", ErrInvalidRank, rank, len(w.endpoints))
	}
	return w.endpoints[rank], nil
}

// Close fails every pending receive in the world
func (w *World) Close() {
	for _, b := range w.boxes {
		b.Close(mailbox.ErrClosed)
	}
}

// Stats returns the traffic counters of every rank
func (w *World) Stats() []RankStats {
	stats := make([]RankStats, len(w.endpoints))
	for r, ep := range w.endpoints {
		stats[r] = ep.Stats()
	}
	return stats
}

// Pending returns the number of unmatched receives and undelivered
// messages across all ranks. A balanced exchange leaves both at zero.
func (w *World) Pending() (receives, messages int) {
	for _, b := range w.boxes {
		receives += b.Pending()
		messages += b.Queued()
	}
	return receives, messages
}

// Endpoint is the halo.Transport of one rank
type Endpoint struct {
	world *World
	rank  int

	mu    sync.Mutex
	stats RankStats
}

var _ halo.Transport = (*Endpoint)(nil)

// Rank returns the rank of the endpoint
func (ep *Endpoint) Rank() int {
	return ep.rank
}

// PostReceive implements halo.Transport
func (ep *Endpoint) PostReceive(buf []float64, source, tag int) (halo.Request, error) {
	if source < 0 || source >= ep.world.Size() {
		return nil, fmt.Errorf("%w: source %d", ErrInvalidRank, source)
	}
	ep.mu.Lock()
	ep.stats.Posted++
	ep.mu.Unlock()
	return ep.world.boxes[ep.rank].Post(buf, source, tag), nil
}

// Send implements halo.Transport
func (ep *Endpoint) Send(ctx context.Context, buf []float64, dest, tag int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dest < 0 || dest >= ep.world.Size() {
		return fmt.Errorf("%w: dest %d", ErrInvalidRank, dest)
	}
	if err := ep.world.boxes[dest].Deliver(ep.rank, tag, buf); err != nil {
		return err
	}
	ep.mu.Lock()
	ep.stats.MessagesSent++
	ep.stats.ValuesSent += len(buf)
	ep.mu.Unlock()
	return nil
}

// Stats returns the traffic counters of the endpoint
func (ep *Endpoint) Stats() RankStats {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.stats
}
