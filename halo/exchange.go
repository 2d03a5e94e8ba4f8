// Package halo synchronizes interface (ghost) node values between
// processes of a domain-decomposed mesh. After an exchange every interface
// node holds the sum of the contributions of all processes sharing it.
package halo

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Stats describes one completed exchange
type Stats struct {
	Neighbors      int
	MessagesSent   int
	MessagesRecv   int
	ValuesSent     int
	ValuesReceived int
	EmptyRanges    int
	Wait           time.Duration
}

type options struct {
	logger      *slog.Logger
	waitTimeout time.Duration
}

// Option configures an Exchanger
type Option func(*options)

// WithLogger sets the logger used for exchange diagnostics. Exchange
// records carry no rank attribute; callers add it with logger.With.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithWaitTimeout bounds the wait for incoming messages. Zero waits forever.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) {
		o.waitTimeout = d
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Exchange performs one blocking halo exchange of values over tr.
// values is mutated in place: every interface node accumulates the values
// its neighbors hold for the mirrored node.
func Exchange(ctx context.Context, tr Transport, values []float64, iface *Interface, p Params, opts ...Option) error {
	pl, err := NewPlan(iface, p)
	if err != nil {
		return err
	}
	_, err = pl.run(ctx, tr, values, newOptions(opts))
	return err
}

// ExchangeRaw is Exchange with the flat positional argument list used by
// Fortran/C style solvers. The counts are checked against the slices.
func ExchangeRaw(ctx context.Context, tr Transport, values []float64,
	intfIndex, intfNodes, neighbors []int,
	nbNodes, nbIntf, nbIntfNodes, dim int, layout Layout, rank int, opts ...Option) error {

	if nbIntf != len(neighbors) {
		return configErrorf("neighbor count", ErrCountMismatch, "%d for %d neighbors", nbIntf, len(neighbors))
	}
	if nbIntfNodes != len(intfNodes) {
		return configErrorf("interface node count", ErrCountMismatch, "%d for %d nodes", nbIntfNodes, len(intfNodes))
	}
	if len(intfIndex) != nbIntf+1 {
		return configErrorf("interface index", ErrCountMismatch, "length %d for %d neighbors", len(intfIndex), nbIntf)
	}

	iface := &Interface{Index: intfIndex, Nodes: intfNodes, Neighbors: neighbors}
	p := Params{LocalNodes: nbNodes, Components: dim, Layout: layout, Rank: rank}
	return Exchange(ctx, tr, values, iface, p, opts...)
}

// Exchange performs one halo exchange with a prevalidated plan
func (pl *Plan) Exchange(ctx context.Context, tr Transport, values []float64, opts ...Option) error {
	_, err := pl.run(ctx, tr, values, newOptions(opts))
	return err
}

// Exchanger binds a plan to a transport for repeated exchanges, typically
// one per solver iteration. It is not safe for concurrent use.
type Exchanger struct {
	plan *Plan
	tr   Transport
	opts *options

	last  Stats
	calls int
}

// NewExchanger returns an Exchanger running plan over tr
func NewExchanger(tr Transport, plan *Plan, opts ...Option) *Exchanger {
	return &Exchanger{
		plan: plan,
		tr:   tr,
		opts: newOptions(opts),
	}
}

// Exchange performs one halo exchange of values
func (ex *Exchanger) Exchange(ctx context.Context, values []float64) error {
	st, err := ex.plan.run(ctx, ex.tr, values, ex.opts)
	ex.calls++
	ex.last = st
	return err
}

// LastStats returns the statistics of the most recent exchange
func (ex *Exchanger) LastStats() Stats {
	return ex.last
}

// Calls returns the number of exchanges performed so far
func (ex *Exchanger) Calls() int {
	return ex.calls
}

// run is the exchange itself: post receives, pack, send, wait, accumulate.
// Every receive still outstanding on an error path is cancelled, so no
// transport keeps writing into the buffers after return.
func (pl *Plan) run(ctx context.Context, tr Transport, values []float64, o *options) (st Stats, err error) {
	p := pl.params
	st.Neighbors = len(pl.neighbors)

	if need := p.ValueCount(); len(values) < need {
		return st, configErrorf("values", ErrShortValues, "length %d, need %d", len(values), need)
	}
	if len(pl.neighbors) == 0 {
		return st, nil
	}

	sendBuf := make([]float64, pl.BufferSize())
	recvBuf := make([]float64, pl.BufferSize())
	requests := make([]Request, len(pl.neighbors))

	defer func() {
		if err == nil {
			return
		}
		for _, req := range requests {
			if req != nil {
				req.Cancel()
			}
		}
		o.logger.Error("halo exchange failed", "error", err)
	}()

	// Initializing reception from adjacent domains
	for i, q := range pl.neighbors {
		start, end := pl.bufferRange(i)
		if start == end {
			st.EmptyRanges++
			continue
		}
		source, tag := q-1, RecvTag(q)
		req, perr := tr.PostReceive(recvBuf[start:end], source, tag)
		if perr != nil {
			return st, &TransportError{Op: "post", Peer: source, Tag: tag, Err: perr}
		}
		requests[i] = req
	}

	pl.pack(values, sendBuf)

	tag := SendTag(p.Rank)
	for i, q := range pl.neighbors {
		start, end := pl.bufferRange(i)
		if start == end {
			continue
		}
		dest := q - 1
		if serr := tr.Send(ctx, sendBuf[start:end], dest, tag); serr != nil {
			return st, &TransportError{Op: "send", Peer: dest, Tag: tag, Err: serr}
		}
		st.MessagesSent++
		st.ValuesSent += end - start
	}

	waitCtx := ctx
	if o.waitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, o.waitTimeout)
		defer cancel()
	}

	// Completion order does not matter, only that all have landed
	began := time.Now()
	for i, req := range requests {
		if req == nil {
			continue
		}
		q := pl.neighbors[i]
		if werr := req.Wait(waitCtx); werr != nil {
			return st, &TransportError{Op: "wait", Peer: q - 1, Tag: RecvTag(q), Err: werr}
		}
		start, end := pl.bufferRange(i)
		st.MessagesRecv++
		st.ValuesReceived += end - start
	}
	st.Wait = time.Since(began)

	pl.unpack(recvBuf, values)

	o.logger.Debug("halo exchange complete",
		"neighbors", st.Neighbors,
		"sent", st.ValuesSent,
		"received", st.ValuesReceived,
		"empty", st.EmptyRanges,
		"wait", st.Wait)
	return st, nil
}
