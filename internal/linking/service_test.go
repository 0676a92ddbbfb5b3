package linking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"devicelink/internal/model"
	"devicelink/internal/store"
	"devicelink/pkg/clock"
	"devicelink/pkg/linkproto"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events map[string][]linkproto.Event
}

func (n *recordingNotifier) Publish(token string, ev linkproto.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.events == nil {
		n.events = make(map[string][]linkproto.Event)
	}
	n.events[token] = append(n.events[token], ev)
}

func (n *recordingNotifier) kinds(token string) []linkproto.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []linkproto.Kind
	for _, ev := range n.events[token] {
		out = append(out, ev.Kind())
	}
	return out
}

type stubIssuer struct{}

func (stubIssuer) IssueDeviceCredential(principalID, token string) (string, error) {
	return "cred:" + principalID + ":" + token, nil
}

type fixture struct {
	svc      *Service
	repo     store.Repository
	clock    *clock.FakeClock
	notifier *recordingNotifier
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithRepo(t, store.New())
}

func newFixtureWithRepo(t *testing.T, repo store.Repository) *fixture {
	t.Helper()
	fc := clock.Fake(epoch)
	n := &recordingNotifier{}
	svc, err := NewService(Options{
		Repo:     repo,
		Notifier: n,
		Issuer:   stubIssuer{},
		Clock:    fc,
	})
	require.NoError(t, err)
	return &fixture{svc: svc, repo: repo, clock: fc, notifier: n}
}

var (
	p1     = model.Principal{ID: "p1", Name: "Pat's phone"}
	p2     = model.Principal{ID: "p2", Name: "Other phone"}
	laptop = model.DeviceMetadata{Platform: "web", Name: "Firefox on Linux", Extra: map[string]string{"os": "linux"}}
)

func (f *fixture) create(t *testing.T) string {
	t.Helper()
	created, err := f.svc.Create(context.Background())
	require.NoError(t, err)
	return created.Session.Token
}

func (f *fixture) link(t *testing.T, principal model.Principal) string {
	t.Helper()
	ctx := context.Background()
	token := f.create(t)
	_, err := f.svc.Claim(ctx, token, principal)
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, token, principal, laptop)
	require.NoError(t, err)
	return token
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	created, err := f.svc.Create(context.Background())
	require.NoError(t, err)

	s := created.Session
	require.NotEmpty(t, s.Token)
	require.Equal(t, linkproto.StatusPending, s.Status)
	require.Equal(t, epoch.UnixMilli(), s.CreatedAt)
	require.Equal(t, epoch.Add(5*time.Minute).UnixMilli(), s.ExpiresAt)
	require.Equal(t, "devicelink://link?token="+s.Token, created.CodePayload)

	token, err := linkproto.ParseCodePayload(created.CodePayload)
	require.NoError(t, err)
	require.Equal(t, s.Token, token)

	other := f.create(t)
	require.NotEqual(t, s.Token, other)
}

func TestCreate_SecretIsStoredHashed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, created.Secret)
	require.NotContains(t, created.CodePayload, created.Secret)

	stored, err := f.repo.GetSession(ctx, created.Session.Token)
	require.NoError(t, err)
	require.Equal(t, model.HashSecret(created.Secret), stored.SecretHash)
	require.NotEqual(t, created.Secret, stored.SecretHash)

	token := created.Session.Token
	_, err = f.svc.Claim(ctx, token, p1)
	require.NoError(t, err)
	linked, err := f.svc.Confirm(ctx, token, p1, laptop)
	require.NoError(t, err)

	require.Empty(t, linked.View().AccessToken)
	require.Empty(t, linked.CreatorView("").AccessToken)
	require.Empty(t, linked.CreatorView("guess").AccessToken)
	require.Equal(t, linked.Credential, linked.CreatorView(created.Secret).AccessToken)
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExpiry_JustBeforeDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.create(t)

	f.clock.Advance(4*time.Minute + 59*time.Second)
	_, err := f.svc.Claim(ctx, token, p1)
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, token)
	require.NoError(t, err)
	require.Equal(t, linkproto.StatusScanned, got.Status)
}

func TestExpiry_AtDeadlineStillValid(t *testing.T) {
	f := newFixture(t)
	token := f.create(t)

	f.clock.Advance(5 * time.Minute)
	got, err := f.svc.Get(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, linkproto.StatusPending, got.Status)
}

func TestExpiry_AfterDeadlineIsSticky(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.create(t)

	f.clock.Advance(5*time.Minute + time.Second)

	got, err := f.svc.Claim(ctx, token, p1)
	require.ErrorIs(t, err, ErrAlreadyTerminal)
	require.Equal(t, linkproto.StatusExpired, got.Status)

	got, err = f.svc.Get(ctx, token)
	require.NoError(t, err)
	require.Equal(t, linkproto.StatusExpired, got.Status)

	_, err = f.svc.Reject(ctx, token)
	require.ErrorIs(t, err, ErrAlreadyTerminal)

	require.Equal(t, []linkproto.Kind{linkproto.KindExpired}, f.notifier.kinds(token))
}

func TestExpiry_ScannedSessionExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.create(t)
	_, err := f.svc.Claim(ctx, token, p1)
	require.NoError(t, err)

	f.clock.Advance(6 * time.Minute)
	_, err = f.svc.Confirm(ctx, token, p1, laptop)
	require.ErrorIs(t, err, ErrAlreadyTerminal)

	devices, err := f.svc.ListDevices(ctx, p1.ID, "")
	require.NoError(t, err)
	require.Empty(t, devices)
	require.Equal(t, []linkproto.Kind{linkproto.KindScanned, linkproto.KindExpired}, f.notifier.kinds(token))
}

func TestClaim_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.create(t)

	first, err := f.svc.Claim(ctx, token, p1)
	require.NoError(t, err)
	second, err := f.svc.Claim(ctx, token, p1)
	require.NoError(t, err)

	require.Equal(t, linkproto.StatusScanned, second.Status)
	require.Equal(t, first.Version, second.Version)
	require.Equal(t, []linkproto.Kind{linkproto.KindScanned}, f.notifier.kinds(token))
}

func TestClaim_SecondClaimantForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.create(t)

	_, err := f.svc.Claim(ctx, token, p1)
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, token, p2)
	require.ErrorIs(t, err, ErrForbidden)

	got, err := f.svc.Get(ctx, token)
	require.NoError(t, err)
	require.Equal(t, p1.ID, got.Principal.ID)
}

func TestClaim_ConcurrentFirstWins(t *testing.T) {
	f := newFixture(t)
	token := f.create(t)

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		forbidden int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Claim(context.Background(), token, model.Principal{ID: string(rune('a' + i))})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrForbidden):
				forbidden++
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Equal(t, n-1, forbidden)
	require.Equal(t, []linkproto.Kind{linkproto.KindScanned}, f.notifier.kinds(token))
}

func TestConfirm_MismatchedPrincipalForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.create(t)

	_, err := f.svc.Claim(ctx, token, p1)
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, token, p2, laptop)
	require.ErrorIs(t, err, ErrForbidden)

	got, err := f.svc.Get(ctx, token)
	require.NoError(t, err)
	require.Equal(t, linkproto.StatusScanned, got.Status)

	devices, err := f.svc.ListDevices(ctx, p2.ID, "")
	require.NoError(t, err)
	require.Empty(t, devices)
}

func TestConfirm_WithoutClaimForbidden(t *testing.T) {
	f := newFixture(t)
	token := f.create(t)

	_, err := f.svc.Confirm(context.Background(), token, p1, laptop)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestConfirm_CreatesExactlyOneDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.create(t)

	_, err := f.svc.Claim(ctx, token, p1)
	require.NoError(t, err)
	linked, err := f.svc.Confirm(ctx, token, p1, laptop)
	require.NoError(t, err)
	require.Equal(t, linkproto.StatusLinked, linked.Status)
	require.Equal(t, "cred:p1:"+token, linked.Credential)

	again, err := f.svc.Confirm(ctx, token, p1, laptop)
	require.ErrorIs(t, err, ErrAlreadyTerminal)
	require.Equal(t, linkproto.StatusLinked, again.Status)

	devices, err := f.svc.ListDevices(ctx, p1.ID, token)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.True(t, devices[0].Current)
	require.Equal(t, "Firefox on Linux", devices[0].View().Device.Name)

	kinds := f.notifier.kinds(token)
	require.Equal(t, []linkproto.Kind{linkproto.KindScanned, linkproto.KindLinked}, kinds)

	f.notifier.mu.Lock()
	ev := f.notifier.events[token][1].(linkproto.Linked)
	f.notifier.mu.Unlock()
	require.Equal(t, "cred:p1:"+token, ev.AccessToken)
	require.Equal(t, "Pat's phone", ev.Principal.Name)
	require.Equal(t, "linux", ev.Device.Extra["os"])
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pendingToken := f.create(t)
	got, err := f.svc.Reject(ctx, pendingToken)
	require.NoError(t, err)
	require.Equal(t, linkproto.StatusRejected, got.Status)

	scannedToken := f.create(t)
	_, err = f.svc.Claim(ctx, scannedToken, p1)
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, scannedToken)
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, scannedToken, p1, laptop)
	require.ErrorIs(t, err, ErrAlreadyTerminal)
	_, err = f.svc.Claim(ctx, pendingToken, p1)
	require.ErrorIs(t, err, ErrAlreadyTerminal)

	require.Equal(t, []linkproto.Kind{linkproto.KindScanned, linkproto.KindRejected}, f.notifier.kinds(scannedToken))
}

func TestHeartbeat_SelfRevokeInvalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.link(t, p1)

	f.clock.Advance(30 * time.Second)
	valid, err := f.svc.Heartbeat(ctx, token)
	require.NoError(t, err)
	require.True(t, valid)

	devices, err := f.svc.ListDevices(ctx, p1.ID, token)
	require.NoError(t, err)
	require.Equal(t, epoch.Add(30*time.Second).UnixMilli(), devices[0].Session.LastActiveAt)

	require.NoError(t, f.svc.RevokeDevice(ctx, token, p1.ID))

	valid, err = f.svc.Heartbeat(ctx, token)
	require.NoError(t, err)
	require.False(t, valid)

	active, err := f.svc.SessionActive(ctx, token)
	require.NoError(t, err)
	require.False(t, active)

	kinds := f.notifier.kinds(token)
	require.Equal(t, linkproto.KindRevoked, kinds[len(kinds)-1])
}

func TestHeartbeat_UnlinkedSessionInvalid(t *testing.T) {
	f := newFixture(t)
	token := f.create(t)

	valid, err := f.svc.Heartbeat(context.Background(), token)
	require.NoError(t, err)
	require.False(t, valid)
}

func TestRevokeDevice_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.link(t, p1)

	require.ErrorIs(t, f.svc.RevokeDevice(ctx, token, p2.ID), ErrForbidden)
	require.ErrorIs(t, f.svc.RevokeDevice(ctx, "missing", p1.ID), ErrNotFound)

	pending := f.create(t)
	require.ErrorIs(t, f.svc.RevokeDevice(ctx, pending, p1.ID), ErrNotFound)

	require.NoError(t, f.svc.RevokeDevice(ctx, token, p1.ID))
	require.ErrorIs(t, f.svc.RevokeDevice(ctx, token, p1.ID), ErrNotFound)
}

func TestRevokeAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.link(t, p1)
	b := f.link(t, p1)
	other := f.link(t, p2)

	n, err := f.svc.RevokeAll(ctx, p1.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	devices, err := f.svc.ListDevices(ctx, p1.ID, "")
	require.NoError(t, err)
	require.Empty(t, devices)

	for _, token := range []string{a, b} {
		kinds := f.notifier.kinds(token)
		require.Equal(t, linkproto.KindRevoked, kinds[len(kinds)-1])
	}

	devices, err = f.svc.ListDevices(ctx, p2.ID, "")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, other, devices[0].Session.Token)

	n, err = f.svc.RevokeAll(ctx, p1.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}

// conflictingRepo fails the first n updates with ErrConflict, as a
// concurrent writer in another process would.
type conflictingRepo struct {
	store.Repository
	mu        sync.Mutex
	remaining int
}

func (r *conflictingRepo) UpdateSession(ctx context.Context, s model.LinkSession, expectedVersion int) (model.LinkSession, error) {
	r.mu.Lock()
	if r.remaining > 0 {
		r.remaining--
		r.mu.Unlock()
		return model.LinkSession{}, store.ErrConflict
	}
	r.mu.Unlock()
	return r.Repository.UpdateSession(ctx, s, expectedVersion)
}

func TestMutate_RetriesOnConflict(t *testing.T) {
	repo := &conflictingRepo{Repository: store.New(), remaining: 2}
	f := newFixtureWithRepo(t, repo)
	token := f.create(t)

	got, err := f.svc.Claim(context.Background(), token, p1)
	require.NoError(t, err)
	require.Equal(t, linkproto.StatusScanned, got.Status)
	require.Equal(t, []linkproto.Kind{linkproto.KindScanned}, f.notifier.kinds(token))
}

func TestMutate_GivesUpAfterPersistentConflict(t *testing.T) {
	repo := &conflictingRepo{Repository: store.New(), remaining: 100}
	f := newFixtureWithRepo(t, repo)
	token := f.create(t)

	_, err := f.svc.Claim(context.Background(), token, p1)
	require.ErrorIs(t, err, store.ErrConflict)
	require.Empty(t, f.notifier.kinds(token))
}

func TestExpireOverdueAndPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := f.create(t)
	linked := f.link(t, p1)
	rejected := f.create(t)
	_, err := f.svc.Reject(ctx, rejected)
	require.NoError(t, err)

	f.clock.Advance(5*time.Minute + time.Millisecond)
	fresh := f.create(t)

	n, err := f.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []linkproto.Kind{linkproto.KindExpired}, f.notifier.kinds(stale))

	f.clock.Advance(time.Hour)
	purged, err := f.svc.PurgeTerminal(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, purged)

	_, err = f.svc.Get(ctx, stale)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Get(ctx, rejected)
	require.ErrorIs(t, err, ErrNotFound)
	got, err := f.svc.Get(ctx, linked)
	require.NoError(t, err)
	require.Equal(t, linkproto.StatusLinked, got.Status)
	_ = fresh
}

func TestScenario_ClaimByOneConfirmByAnother(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.create(t)

	_, err := f.svc.Claim(ctx, token, p1)
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, token, p2, laptop)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Confirm(ctx, token, p1, laptop)
	require.NoError(t, err)

	devices, err := f.svc.ListDevices(ctx, p1.ID, "")
	require.NoError(t, err)
	require.Len(t, devices, 1)
}
