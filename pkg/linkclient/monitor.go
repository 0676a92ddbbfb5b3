package linkclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"devicelink/pkg/clock"
	"devicelink/pkg/linkproto"
)

const DefaultHeartbeatInterval = 30 * time.Second

// Heartbeater is the liveness half of Client.
type Heartbeater interface {
	Heartbeat(ctx context.Context, token string) (bool, error)
}

type MonitorOptions struct {
	Identity Identity

	Heartbeater Heartbeater
	Dialer      Dialer
	Poller      Poller

	// Store, when set, is cleared on revocation.
	Store IdentityStore

	// OnRevoked runs once, after Store is cleared.
	OnRevoked func()

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	FallbackAfter     time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Monitor keeps a linked device in sync with the server. Revocation is
// detected by an invalid heartbeat, a revoked push event, or the session
// vanishing from the status endpoint, whichever comes first.
type Monitor struct {
	opts   MonitorOptions
	ctx    context.Context
	cancel context.CancelFunc
	neg    *Negotiation

	revokeOnce sync.Once
	revoked    chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func StartMonitor(ctx context.Context, opts MonitorOptions) (*Monitor, error) {
	if opts.Identity.Token == "" {
		return nil, errors.New("linkclient: monitor needs a linked identity")
	}
	if opts.Heartbeater == nil {
		return nil, errors.New("linkclient: monitor needs a heartbeater")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultMonitorPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	mctx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		opts:    opts,
		ctx:     mctx,
		cancel:  cancel,
		revoked: make(chan struct{}),
	}

	if opts.Poller != nil {
		neg, err := Negotiate(mctx, NegotiateOptions{
			Token:         opts.Identity.Token,
			Dialer:        opts.Dialer,
			Poller:        opts.Poller,
			Purpose:       PurposeMonitoring,
			Seen:          linkproto.Linked{Token: opts.Identity.Token},
			FallbackAfter: opts.FallbackAfter,
			PollInterval:  opts.PollInterval,
			Clock:         opts.Clock,
			Logger:        opts.Logger,
			Handler: func(ev linkproto.Event) {
				if ev.Kind() == linkproto.KindRevoked {
					m.revoke("revoked event")
				}
			},
		})
		if err != nil {
			cancel()
			return nil, err
		}
		m.neg = neg
	}

	m.wg.Add(1)
	go m.heartbeatLoop()
	return m, nil
}

// Revoked is closed once the device has been unlinked.
func (m *Monitor) Revoked() <-chan struct{} { return m.revoked }

// Close stops heartbeats and the negotiation. It does not clear the
// identity.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		if m.neg != nil {
			_ = m.neg.Close()
		}
		m.wg.Wait()
	})
	return nil
}

func (m *Monitor) heartbeatLoop() {
	defer m.wg.Done()

	ticker := m.opts.Clock.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}

		valid, err := m.opts.Heartbeater.Heartbeat(m.ctx, m.opts.Identity.Token)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.opts.Logger.Debug("heartbeat failed", "token", m.opts.Identity.Token, "error", err)
			continue
		}
		if !valid {
			m.revoke("heartbeat invalid")
			return
		}
	}
}

// revoke performs the hard logout once. It may run on a negotiation
// goroutine, so it never waits for the negotiation.
func (m *Monitor) revoke(reason string) {
	m.revokeOnce.Do(func() {
		m.opts.Logger.Info("device revoked", "token", m.opts.Identity.Token, "reason", reason)
		if m.opts.Store != nil {
			if err := m.opts.Store.Clear(); err != nil {
				m.opts.Logger.Warn("clearing identity failed", "error", err)
			}
		}
		if m.opts.OnRevoked != nil {
			m.opts.OnRevoked()
		}
		m.cancel()
		close(m.revoked)
	})
}
