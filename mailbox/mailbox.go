// Package mailbox matches incoming point-to-point messages to posted
// receives by (source, tag), in arrival order per key.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned by requests pending when the mailbox closes
	ErrClosed = errors.New("mailbox: closed")
	// ErrSizeMismatch is returned when a message length differs from the posted buffer
	ErrSizeMismatch = errors.New("mailbox: message size does not match receive buffer")
	// ErrCancelled is returned by Wait on a cancelled request
	ErrCancelled = errors.New("mailbox: receive cancelled")
)

type key struct {
	source int
	tag    int
}

// Mailbox holds the posted receives and the messages that arrived before
// a matching receive was posted. It is safe for concurrent use.
type Mailbox struct {
	mu         sync.Mutex
	posted     map[key][]*Request
	unexpected map[key][][]float64
	err        error
}

// New returns an empty mailbox
func New() *Mailbox {
	return &Mailbox{
		posted:     make(map[key][]*Request),
		unexpected: make(map[key][][]float64),
	}
}

// Post registers buf for the next message from source with tag. If such a
// message is already queued it is consumed immediately.
func (m *Mailbox) Post(buf []float64, source, tag int) *Request {
	r := &Request{
		mb:   m,
		key:  key{source, tag},
		buf:  buf,
		done: make(chan struct{}),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		r.finish(m.err)
		return r
	}

	if queue := m.unexpected[r.key]; len(queue) > 0 {
		msg := queue[0]
		m.dequeueUnexpected(r.key)
		r.fill(msg)
		return r
	}

	m.posted[r.key] = append(m.posted[r.key], r)
	return r
}

// Deliver hands a message to the oldest receive posted for (source, tag),
// or queues a copy of data until one is posted. data is not retained.
func (m *Mailbox) Deliver(source, tag int, data []float64) error {
	k := key{source, tag}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	if queue := m.posted[k]; len(queue) > 0 {
		r := queue[0]
		if len(queue) == 1 {
			delete(m.posted, k)
		} else {
			m.posted[k] = queue[1:]
		}
		r.fill(data)
		return nil
	}

	m.unexpected[k] = append(m.unexpected[k], append([]float64(nil), data...))
	return nil
}

// Close fails every pending receive with err (ErrClosed if nil) and
// rejects further deliveries. Queued unexpected messages are dropped.
func (m *Mailbox) Close(err error) {
	if err == nil {
		err = ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return
	}
	m.err = err
	for k, queue := range m.posted {
		for _, r := range queue {
			r.finish(err)
		}
		delete(m.posted, k)
	}
	m.unexpected = make(map[key][][]float64)
}

// Pending returns the number of posted receives not yet matched
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, queue := range m.posted {
		n += len(queue)
	}
	return n
}

// Queued returns the number of messages waiting for a receive
func (m *Mailbox) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, queue := range m.unexpected {
		n += len(queue)
	}
	return n
}

func (m *Mailbox) dequeueUnexpected(k key) {
	queue := m.unexpected[k]
	if len(queue) == 1 {
		delete(m.unexpected, k)
		return
	}
	m.unexpected[k] = queue[1:]
}

// remove withdraws r from the posted queue; it reports false if r was
// already matched
func (m *Mailbox) remove(r *Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.posted[r.key]
	for i, p := range queue {
		if p != r {
			continue
		}
		queue = append(queue[:i:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(m.posted, r.key)
		} else {
			m.posted[r.key] = queue
		}
		return true
	}
	return false
}

// Request is one posted receive
type Request struct {
	mb   *Mailbox
	key  key
	buf  []float64
	done chan struct{}
	once sync.Once
	err  error
}

// Source returns the rank the request receives from
func (r *Request) Source() int { return r.key.source }

// Tag returns the tag the request matches
func (r *Request) Tag() int { return r.key.tag }

// Wait blocks until the request completes or ctx is done
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports whether the request has completed
func (r *Request) Done() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Cancel withdraws an unmatched receive; Wait then returns ErrCancelled
func (r *Request) Cancel() {
	if r.mb.remove(r) {
		r.finish(ErrCancelled)
	}
}

func (r *Request) fill(data []float64) {
	if len(data) != len(r.buf) {
		r.finish(fmt.Errorf("%w: got %d values from rank %d tag %d, posted %d",
			ErrSizeMismatch, len(data), r.key.source, r.key.tag, len(r.buf)))
		return
	}
	copy(r.buf, data)
	r.finish(nil)
}

func (r *Request) finish(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}
