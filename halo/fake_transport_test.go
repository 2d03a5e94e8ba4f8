package halo

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeTransport plays every neighbor of the rank under test. Each posted
// receive is filled from peers[source]; missing peers contribute zeros.
type fakeTransport struct {
	mu sync.Mutex

	peers map[int][]float64 // source rank -> payload that rank sends

	// reverse delays completion until expectSends sends were issued and
	// then completes the receives last-posted first
	reverse     bool
	expectSends int

	hold    bool // never complete receives
	postErr error
	sendErr error

	posted    []*fakeRequest
	sent      []sentMessage
	completed []int // sources in completion order
}

type sentMessage struct {
	dest int
	tag  int
	data []float64
}

type fakeRequest struct {
	ft     *fakeTransport
	buf    []float64
	source int
	tag    int
	done   chan struct{}
	err    error

	mu        sync.Mutex
	cancelled bool
	finished  bool
}

func (r *fakeRequest) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *fakeRequest) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finished {
		r.cancelled = true
	}
}

func (r *fakeRequest) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (ft *fakeTransport) PostReceive(buf []float64, source, tag int) (Request, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.postErr != nil {
		return nil, ft.postErr
	}
	r := &fakeRequest{ft: ft, buf: buf, source: source, tag: tag, done: make(chan struct{})}
	ft.posted = append(ft.posted, r)
	if !ft.reverse && !ft.hold {
		ft.completeLocked(r)
	}
	return r, nil
}

func (ft *fakeTransport) Send(ctx context.Context, buf []float64, dest, tag int) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.sendErr != nil {
		return ft.sendErr
	}
	ft.sent = append(ft.sent, sentMessage{dest: dest, tag: tag, data: append([]float64(nil), buf...)})

	if ft.reverse && !ft.hold && len(ft.sent) == ft.expectSends {
		reqs := append([]*fakeRequest(nil), ft.posted...)
		go func() {
			for i := len(reqs) - 1; i >= 0; i-- {
				time.Sleep(time.Millisecond)
				ft.mu.Lock()
				ft.completeLocked(reqs[i])
				ft.mu.Unlock()
			}
		}()
	}
	return nil
}

func (ft *fakeTransport) completeLocked(r *fakeRequest) {
	data, ok := ft.peers[r.source]
	if !ok {
		data = make([]float64, len(r.buf))
	}
	r.mu.Lock()
	if len(data) != len(r.buf) {
		r.err = fmt.Errorf("peer %d sent %d values, posted %d", r.source, len(data), len(r.buf))
	} else {
		copy(r.buf, data)
	}
	r.finished = true
	r.mu.Unlock()
	ft.completed = append(ft.completed, r.source)
	close(r.done)
}

func (ft *fakeTransport) calls() (posted, sent int) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.posted), len(ft.sent)
}
