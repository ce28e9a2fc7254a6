package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/travelers-ai/backend/internal/protocol"
)

var errLinkDropped = errors.New("link dropped")

var fakeIDs atomic.Uint64

// fakeLink is an in-memory Link. Closing it ends Next with a transport error.
type fakeLink struct {
	id     uint64
	events chan protocol.InboundEvent
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	sent    []protocol.OutboundRequest
	sendErr error
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		id:     fakeIDs.Add(1),
		events: make(chan protocol.InboundEvent, 16),
		closed: make(chan struct{}),
	}
}

func (l *fakeLink) ID() uint64 { return l.id }

func (l *fakeLink) Send(_ context.Context, req protocol.OutboundRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	select {
	case <-l.closed:
		return errLinkDropped
	default:
	}
	l.sent = append(l.sent, req)
	return nil
}

func (l *fakeLink) Next() (protocol.InboundEvent, error) {
	select {
	case ev := <-l.events:
		return ev, nil
	case <-l.closed:
		return nil, errLinkDropped
	}
}

func (l *fakeLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *fakeLink) sentRequests() []protocol.OutboundRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.OutboundRequest(nil), l.sent...)
}

func (l *fakeLink) setSendErr(err error) {
	l.mu.Lock()
	l.sendErr = err
	l.mu.Unlock()
}

// fakeDialer hands out fakeLinks, failing while fail returns true.
type fakeDialer struct {
	mu       sync.Mutex
	fail     func(attempt int) bool
	attempts []int
	links    []*fakeLink
}

func (d *fakeDialer) dial(ctx context.Context, attempt int) (Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts = append(d.attempts, attempt)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.fail != nil && d.fail(attempt) {
		return nil, errors.New("dial refused")
	}
	l := newFakeLink()
	d.links = append(d.links, l)
	return l, nil
}

func (d *fakeDialer) setFail(fn func(attempt int) bool) {
	d.mu.Lock()
	d.fail = fn
	d.mu.Unlock()
}

func (d *fakeDialer) calls() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.attempts...)
}

func (d *fakeDialer) last() *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.links) == 0 {
		return nil
	}
	return d.links[len(d.links)-1]
}
