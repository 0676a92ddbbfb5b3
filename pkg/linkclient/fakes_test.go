package linkclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"devicelink/pkg/clock"
	"devicelink/pkg/linkproto"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newFakeClock() *clock.FakeClock { return clock.Fake(epoch) }

// fakeStream hands out queued events until closed or failed.
type fakeStream struct {
	events chan linkproto.Event
	fail   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan linkproto.Event, 8), fail: make(chan struct{})}
}

func (s *fakeStream) Next(ctx context.Context) (linkproto.Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.fail:
		return nil, errors.New("connection reset")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeStream) drop() { s.once.Do(func() { close(s.fail) }) }

// fakeDialer returns stream, fails with err, or blocks until ctx ends.
type fakeDialer struct {
	stream *fakeStream
	err    error
	calls  atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Stream, error) {
	d.calls.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	if d.stream == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return d.stream, nil
}

// fakePoller answers poll n (1-based) with fn(n).
type fakePoller struct {
	mu    sync.Mutex
	fn    func(n int) (linkproto.Event, error)
	calls int
}

func (p *fakePoller) Poll(_ context.Context, _ string) (linkproto.Event, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	fn := p.fn
	p.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(n)
}

func (p *fakePoller) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// recorder collects handled events.
type recorder struct {
	mu     sync.Mutex
	events []linkproto.Event
}

func (r *recorder) handle(ev linkproto.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []linkproto.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]linkproto.Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind())
	}
	return out
}

func (r *recorder) last() linkproto.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}
