package linkclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"devicelink/pkg/clock"
	"devicelink/pkg/linkproto"
)

const (
	DefaultFallbackAfter       = 5 * time.Second
	DefaultLinkPollInterval    = 2 * time.Second
	DefaultMonitorPollInterval = 5 * time.Second
)

// Purpose decides what a 404 from the status endpoint means.
type Purpose int

const (
	// PurposeLinking watches a session that is not linked yet; a missing
	// session has expired.
	PurposeLinking Purpose = iota
	// PurposeMonitoring watches a linked device; a missing session has been
	// revoked.
	PurposeMonitoring
)

// Mode is the transport a negotiation is using. It only moves forward.
type Mode int32

const (
	ModeConnecting Mode = iota
	ModeDuplex
	ModePolling
	ModeClosed
)

func (m Mode) String() string {
	switch m {
	case ModeConnecting:
		return "connecting"
	case ModeDuplex:
		return "duplex"
	case ModePolling:
		return "polling"
	case ModeClosed:
		return "closed"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

type NegotiateOptions struct {
	Token  string
	Dialer Dialer
	Poller Poller

	// Handler receives each new state once, in order, from whichever
	// transport saw it first. It runs on a negotiation goroutine and must
	// not call Close.
	Handler func(linkproto.Event)

	Purpose Purpose

	// Seen is the last state the caller already knows. Events of the same
	// or lower rank are dropped. Monitors pass the Linked event.
	Seen linkproto.Event

	FallbackAfter time.Duration
	PollInterval  time.Duration

	// MaxPollFailures ends the negotiation with ErrTransportUnavailable
	// after that many consecutive failed polls. Zero polls forever.
	MaxPollFailures int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Negotiation watches one session over the push channel and falls back to
// polling. It stops by itself once a terminal event is handled.
type Negotiation struct {
	opts   NegotiateOptions
	ctx    context.Context
	cancel context.CancelFunc

	// duplexCtx scopes the dial and the push channel; fallback cancels it.
	duplexCtx    context.Context
	duplexCancel context.CancelFunc

	mode atomic.Int32

	mu       sync.Mutex
	closed   bool
	timer    *clock.Timer
	finished bool
	err      error
	done     chan struct{}

	deliverMu sync.Mutex
	lastRank  int

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Negotiate starts watching opts.Token. The push dial and the fallback
// timer start together; whichever loses is cancelled.
func Negotiate(ctx context.Context, opts NegotiateOptions) (*Negotiation, error) {
	if opts.Token == "" {
		return nil, errors.New("linkclient: negotiation needs a token")
	}
	if opts.Poller == nil {
		return nil, errors.New("linkclient: negotiation needs a poller")
	}
	if opts.Handler == nil {
		return nil, errors.New("linkclient: negotiation needs a handler")
	}
	if opts.FallbackAfter <= 0 {
		opts.FallbackAfter = DefaultFallbackAfter
	}
	if opts.PollInterval <= 0 {
		if opts.Purpose == PurposeMonitoring {
			opts.PollInterval = DefaultMonitorPollInterval
		} else {
			opts.PollInterval = DefaultLinkPollInterval
		}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	nctx, cancel := context.WithCancel(ctx)
	n := &Negotiation{
		opts:     opts,
		ctx:      nctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		lastRank: linkproto.Rank(opts.Seen),
	}
	n.duplexCtx, n.duplexCancel = context.WithCancel(nctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		<-nctx.Done()
		n.finish(ctx.Err())
	}()

	if opts.Dialer == nil {
		n.fallback("no push dialer")
		return n, nil
	}

	n.wg.Add(1)
	go n.runDuplex()

	timer := opts.Clock.AfterFunc(opts.FallbackAfter, func() { n.fallback("push channel not open in time") })
	n.mu.Lock()
	if n.closed || Mode(n.mode.Load()) != ModeConnecting {
		timer.Stop()
	} else {
		n.timer = timer
	}
	n.mu.Unlock()
	return n, nil
}

// Mode reports the transport in use.
func (n *Negotiation) Mode() Mode { return Mode(n.mode.Load()) }

// Done is closed when the negotiation ends for any reason.
func (n *Negotiation) Done() <-chan struct{} { return n.done }

// Err is nil after a terminal event or Close, ctx.Err() when the parent
// context ended first, and ErrTransportUnavailable when polling gave up.
func (n *Negotiation) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Close stops the dial, the push channel, the fallback timer and the poll
// loop, and waits for them. It is safe to call more than once.
func (n *Negotiation) Close() error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		n.timer.Stop()
		n.mu.Unlock()

		n.cancel()
		n.wg.Wait()
		n.finish(nil)
	})
	return nil
}

func (n *Negotiation) runDuplex() {
	defer n.wg.Done()

	stream, err := n.opts.Dialer.Dial(n.duplexCtx, n.opts.Token)
	if err != nil {
		if n.duplexCtx.Err() == nil {
			n.opts.Logger.Debug("push dial failed", "token", n.opts.Token, "error", err)
			n.fallback("push dial failed")
		}
		return
	}
	defer stream.Close()

	n.mu.Lock()
	if n.closed || !n.mode.CompareAndSwap(int32(ModeConnecting), int32(ModeDuplex)) {
		n.mu.Unlock()
		return
	}
	n.timer.Stop()
	n.mu.Unlock()

	for {
		ev, err := stream.Next(n.duplexCtx)
		if err != nil {
			if n.duplexCtx.Err() == nil {
				n.opts.Logger.Debug("push channel lost", "token", n.opts.Token, "error", err)
				n.fallback("push channel lost")
			}
			return
		}
		n.deliver(ev)
	}
}

// fallback switches to polling once. Later calls are no-ops.
func (n *Negotiation) fallback(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.finished {
		return
	}
	for {
		cur := n.mode.Load()
		if Mode(cur) >= ModePolling {
			return
		}
		if n.mode.CompareAndSwap(cur, int32(ModePolling)) {
			break
		}
	}
	n.timer.Stop()
	n.duplexCancel()
	n.opts.Logger.Debug("falling back to polling", "token", n.opts.Token, "reason", reason)

	n.wg.Add(1)
	go n.poll()
}

func (n *Negotiation) poll() {
	defer n.wg.Done()

	ticker := n.opts.Clock.NewTicker(n.opts.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		ev, err := n.opts.Poller.Poll(n.ctx, n.opts.Token)
		switch {
		case err == nil:
			failures = 0
			if ev != nil {
				n.deliver(ev)
			}
		case errors.Is(err, ErrNotFound):
			n.deliver(n.missing())
		case n.ctx.Err() != nil:
			return
		default:
			failures++
			n.opts.Logger.Debug("status poll failed", "token", n.opts.Token, "failures", failures, "error", err)
			if n.opts.MaxPollFailures > 0 && failures >= n.opts.MaxPollFailures {
				n.finish(fmt.Errorf("%w: %d consecutive poll failures: %v", ErrTransportUnavailable, failures, err))
				return
			}
		}

		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *Negotiation) missing() linkproto.Event {
	if n.opts.Purpose == PurposeMonitoring {
		return linkproto.Revoked{Token: n.opts.Token}
	}
	return linkproto.Expired{Token: n.opts.Token}
}

func (n *Negotiation) deliver(ev linkproto.Event) {
	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()

	if n.ctx.Err() != nil {
		return
	}
	rank := linkproto.Rank(ev)
	if rank <= n.lastRank {
		return
	}
	n.lastRank = rank
	n.opts.Handler(ev)

	if linkproto.IsTerminal(ev) {
		n.finish(nil)
	}
}

func (n *Negotiation) finish(err error) {
	n.mu.Lock()
	if n.finished {
		n.mu.Unlock()
		return
	}
	n.finished = true
	n.err = err
	n.timer.Stop()
	n.mode.Store(int32(ModeClosed))
	n.mu.Unlock()

	n.cancel()
	close(n.done)
}
