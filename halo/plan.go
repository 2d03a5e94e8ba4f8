package halo

import (
	"fmt"
)

// Params carries the per-process sizes that accompany an Interface
type Params struct {
	LocalNodes int    // Nodes owned by this process
	Components int    // Scalar components per node (>= 1)
	Layout     Layout // Memory layout of the value array
	Rank       int    // 0-based rank of this process, used for the outgoing tag
}

// Validate checks the parameters on their own, without an interface
func (p Params) Validate() error {
	if !p.Layout.Valid() {
		return &ConfigError{Field: "layout", Err: fmt.Errorf("%w: %s", ErrUnknownLayout, p.Layout)}
	}
	if p.Components < 1 {
		return configErrorf("components", ErrInvalidInterface, "got %d, need >= 1", p.Components)
	}
	if p.LocalNodes < 0 {
		return configErrorf("local nodes", ErrInvalidInterface, "got %d", p.LocalNodes)
	}
	if p.Rank < 0 {
		return configErrorf("rank", ErrInvalidInterface, "got %d", p.Rank)
	}
	return nil
}

// ValueCount is the minimum length of the value array
func (p Params) ValueCount() int {
	return p.LocalNodes * p.Components
}

// Plan is a validated interface with precomputed pick and place offsets.
// A Plan is immutable and may be shared by concurrent exchanges on
// different value arrays.
type Plan struct {
	params    Params
	neighbors []int

	// Buffer range of neighbor i: [bufStart[i], bufStart[i+1])
	bufStart []int

	// offsets[j*Components+k] is the value-array position of component k
	// of the j-th interface node. Packing reads it, unpacking accumulates
	// into it.
	offsets []int
}

// NewPlan validates iface against p and precomputes the buffer mapping
func NewPlan(iface *Interface, p Params) (*Plan, error) {
	if iface == nil {
		iface = &Interface{}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := iface.Validate(p.LocalNodes); err != nil {
		return nil, err
	}

	nb := len(iface.Neighbors)
	pl := &Plan{
		params:    p,
		neighbors: append([]int(nil), iface.Neighbors...),
		bufStart:  make([]int, nb+1),
		offsets:   make([]int, len(iface.Nodes)*p.Components),
	}

	for i := 0; i < nb; i++ {
		pl.bufStart[i+1] = iface.Index[i+1] * p.Components
	}

	for j, n := range iface.Nodes {
		node := n - 1
		for k := 0; k < p.Components; k++ {
			pl.offsets[j*p.Components+k] = p.Layout.offset(node, k, p.LocalNodes, p.Components)
		}
	}

	return pl, nil
}

// Params returns the parameters the plan was built with
func (pl *Plan) Params() Params {
	return pl.params
}

// NumNeighbors returns the number of adjacent processes
func (pl *Plan) NumNeighbors() int {
	return len(pl.neighbors)
}

// BufferSize is the length of each of the send and receive buffers
func (pl *Plan) BufferSize() int {
	return len(pl.offsets)
}

// bufferRange returns neighbor i's slice bounds in the send/receive buffers
func (pl *Plan) bufferRange(i int) (start, end int) {
	return pl.bufStart[i], pl.bufStart[i+1]
}

// pack gathers interface values into the send buffer
func (pl *Plan) pack(values, send []float64) {
	for i, off := range pl.offsets {
		send[i] = values[off]
	}
}

// unpack accumulates the receive buffer into the value array
func (pl *Plan) unpack(recv, values []float64) {
	for i, off := range pl.offsets {
		values[off] += recv[i]
	}
}
