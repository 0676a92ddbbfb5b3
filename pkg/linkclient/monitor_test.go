package linkclient

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"devicelink/internal/logx"
	"devicelink/pkg/linkproto"
)

type scriptedHeartbeater struct {
	mu    sync.Mutex
	calls int
	fn    func(n int) (bool, error)
}

func (h *scriptedHeartbeater) Heartbeat(_ context.Context, _ string) (bool, error) {
	h.mu.Lock()
	h.calls++
	n := h.calls
	h.mu.Unlock()
	return h.fn(n)
}

func (h *scriptedHeartbeater) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func savedStore(t *testing.T) *FileIdentityStore {
	t.Helper()
	s := NewFileIdentityStore(filepath.Join(t.TempDir(), "identity.json"))
	require.NoError(t, s.Save(Identity{Token: "tok", AccessToken: "cred"}))
	return s
}

func requireRevoked(t *testing.T, m *Monitor) {
	t.Helper()
	select {
	case <-m.Revoked():
	case <-time.After(waitFor):
		t.Fatalf("monitor did not report revocation")
	}
}

func TestMonitor_InvalidHeartbeatLogsOut(t *testing.T) {
	clk := newFakeClock()
	store := savedStore(t)
	hb := &scriptedHeartbeater{fn: func(n int) (bool, error) {
		switch n {
		case 1:
			return true, nil
		case 2:
			return false, errors.New("timeout")
		default:
			return false, nil
		}
	}}
	var revokedCalls atomic.Int32

	m, err := StartMonitor(context.Background(), MonitorOptions{
		Identity:    Identity{Token: "tok", AccessToken: "cred"},
		Heartbeater: hb,
		Store:       store,
		OnRevoked:   func() { revokedCalls.Add(1) },
		Clock:       clk,
		Logger:      logx.Discard(),
	})
	require.NoError(t, err)
	defer m.Close()

	for i := 1; i <= 3; i++ {
		clk.WaitForTimers(1)
		clk.Advance(DefaultHeartbeatInterval)
		require.Eventually(t, func() bool { return hb.Calls() == i }, waitFor, tick)
	}
	requireRevoked(t, m)

	require.Equal(t, int32(1), revokedCalls.Load())
	_, ok, err := store.Load()
	require.NoError(t, err)
	require.False(t, ok, "identity cleared")
}

func TestMonitor_RevokedPushEvent(t *testing.T) {
	clk := newFakeClock()
	store := savedStore(t)
	stream := newFakeStream()
	hb := &scriptedHeartbeater{fn: func(int) (bool, error) { return true, nil }}

	m, err := StartMonitor(context.Background(), MonitorOptions{
		Identity:    Identity{Token: "tok", AccessToken: "cred"},
		Heartbeater: hb,
		Dialer:      &fakeDialer{stream: stream},
		Poller:      &fakePoller{},
		Store:       store,
		Clock:       clk,
		Logger:      logx.Discard(),
	})
	require.NoError(t, err)
	defer m.Close()

	// The snapshot of an already linked session is not news.
	stream.events <- linkproto.Linked{Token: "tok"}
	stream.events <- linkproto.Revoked{Token: "tok"}
	requireRevoked(t, m)
	require.Zero(t, hb.Calls())

	_, ok, err := store.Load()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMonitor_SessionGoneWhilePolling(t *testing.T) {
	clk := newFakeClock()
	poller := &fakePoller{fn: func(n int) (linkproto.Event, error) {
		if n == 1 {
			return linkproto.Linked{Token: "tok"}, nil
		}
		return nil, &APIError{StatusCode: 404}
	}}

	m, err := StartMonitor(context.Background(), MonitorOptions{
		Identity:    Identity{Token: "tok", AccessToken: "cred"},
		Heartbeater: &scriptedHeartbeater{fn: func(int) (bool, error) { return true, nil }},
		Poller:      poller,
		Clock:       clk,
		Logger:      logx.Discard(),
	})
	require.NoError(t, err)
	defer m.Close()

	require.Eventually(t, func() bool { return poller.Calls() == 1 }, waitFor, tick)
	clk.WaitForTimers(2) // heartbeat and poll tickers
	clk.Advance(DefaultMonitorPollInterval)
	requireRevoked(t, m)
}

func TestMonitor_CloseWithoutRevocation(t *testing.T) {
	clk := newFakeClock()
	m, err := StartMonitor(context.Background(), MonitorOptions{
		Identity:    Identity{Token: "tok", AccessToken: "cred"},
		Heartbeater: &scriptedHeartbeater{fn: func(int) (bool, error) { return true, nil }},
		Poller:      &fakePoller{},
		Clock:       clk,
		Logger:      logx.Discard(),
	})
	require.NoError(t, err)

	clk.WaitForTimers(2)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	require.Equal(t, 0, clk.Pending())

	select {
	case <-m.Revoked():
		t.Fatalf("closing is not a revocation")
	default:
	}
}
