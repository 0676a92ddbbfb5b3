// Package storetest holds behaviour tests every store.Repository
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"devicelink/internal/model"
	"devicelink/internal/store"
	"devicelink/pkg/linkproto"
)

// Run exercises repo against the Repository contract. newRepo must return
// an empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) store.Repository) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newRepo(t)) })
	t.Run("UpdateVersioning", func(t *testing.T) { testUpdateVersioning(t, newRepo(t)) })
	t.Run("DeleteSession", func(t *testing.T) { testDeleteSession(t, newRepo(t)) })
	t.Run("LinkedRegistry", func(t *testing.T) { testLinkedRegistry(t, newRepo(t)) })
	t.Run("DeleteLinkedAtomicForListers", func(t *testing.T) { testDeleteLinkedAtomicForListers(t, newRepo(t)) })
	t.Run("Touch", func(t *testing.T) { testTouch(t, newRepo(t)) })
	t.Run("OverdueAndPurge", func(t *testing.T) { testOverdueAndPurge(t, newRepo(t)) })
	t.Run("Accounts", func(t *testing.T) { testAccounts(t, newRepo(t)) })
}

func pending(token string, created int64) model.LinkSession {
	return model.LinkSession{
		Token:     token,
		Status:     linkproto.StatusPending,
		SecretHash: "hash-" + token,
		CreatedAt:  created,
		ExpiresAt:  created + 300_000,
		UpdatedAt:  created,
	}
}

// Linked builds a linked session owned by principalID.
func Linked(token, principalID string, linkedAt int64) model.LinkSession {
	s := pending(token, linkedAt-1000)
	s.Status = linkproto.StatusLinked
	s.Principal = &model.Principal{ID: principalID, Name: "phone"}
	s.Device = &model.DeviceMetadata{Platform: "web", Name: "browser", Extra: map[string]string{"ua": "x"}}
	s.Credential = "cred-" + token
	s.ClaimedAt = linkedAt - 500
	s.LinkedAt = linkedAt
	s.LastActiveAt = linkedAt
	s.UpdatedAt = linkedAt
	return s
}

func testCreateGet(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, pending("t1", 1000)))
	require.ErrorIs(t, repo.CreateSession(ctx, pending("t1", 2000)), store.ErrExists)

	got, err := repo.GetSession(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, linkproto.StatusPending, got.Status)
	require.Equal(t, int64(1000), got.CreatedAt)
	require.Equal(t, int64(301_000), got.ExpiresAt)
	require.Nil(t, got.Principal)
	require.Nil(t, got.Device)
	require.Equal(t, "hash-t1", got.SecretHash)
	require.Equal(t, 0, got.Version)

	_, err = repo.GetSession(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testUpdateVersioning(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, pending("t1", 1000)))

	s, err := repo.GetSession(ctx, "t1")
	require.NoError(t, err)
	s.Status = linkproto.StatusScanned
	s.Principal = &model.Principal{ID: "p1", Name: "phone"}
	s.ClaimedAt = 1500
	s.UpdatedAt = 1500

	updated, err := repo.UpdateSession(ctx, s, 0)
	require.NoError(t, err)
	require.Equal(t, 1, updated.Version)

	// A second writer holding the stale version loses.
	stale := s
	stale.Status = linkproto.StatusRejected
	_, err = repo.UpdateSession(ctx, stale, 0)
	require.ErrorIs(t, err, store.ErrConflict)

	got, err := repo.GetSession(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, linkproto.StatusScanned, got.Status)
	require.Equal(t, "p1", got.Principal.ID)
	require.Equal(t, "hash-t1", got.SecretHash)
	require.Equal(t, 1, got.Version)

	missing := pending("nope", 1)
	_, err = repo.UpdateSession(ctx, missing, 0)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testDeleteSession(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, Linked("t1", "p1", 5000)))
	require.NoError(t, repo.DeleteSession(ctx, "t1"))
	require.ErrorIs(t, repo.DeleteSession(ctx, "t1"), store.ErrNotFound)

	_, err := repo.GetSession(ctx, "t1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testLinkedRegistry(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, Linked("b", "p1", 6000)))
	require.NoError(t, repo.CreateSession(ctx, Linked("a", "p1", 5000)))
	require.NoError(t, repo.CreateSession(ctx, Linked("c", "p2", 5000)))
	require.NoError(t, repo.CreateSession(ctx, pending("d", 5000)))

	list, err := repo.ListLinked(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "a", list[0].Token)
	require.Equal(t, "b", list[1].Token)
	require.Equal(t, "browser", list[0].Device.Name)
	require.Equal(t, "x", list[0].Device.Extra["ua"])

	tokens, err := repo.DeleteLinked(ctx, "p1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, tokens)

	list, err = repo.ListLinked(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, list)

	tokens, err = repo.DeleteLinked(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, tokens)

	// Other principals and non-linked sessions are untouched.
	list, err = repo.ListLinked(ctx, "p2")
	require.NoError(t, err)
	require.Len(t, list, 1)
	_, err = repo.GetSession(ctx, "d")
	require.NoError(t, err)
}

// testDeleteLinkedAtomicForListers checks that a concurrent ListLinked sees
// either every device of the principal or none of them.
func testDeleteLinkedAtomicForListers(t *testing.T, repo store.Repository) {
	const (
		rounds  = 10
		devices = 20
		listers = 4
	)
	ctx := context.Background()

	for round := 0; round < rounds; round++ {
		principal := fmt.Sprintf("p%d", round)
		for i := 0; i < devices; i++ {
			require.NoError(t, repo.CreateSession(ctx, Linked(fmt.Sprintf("%s-%02d", principal, i), principal, 5000+int64(i))))
		}

		var (
			mu      sync.Mutex
			partial []int
			listErr error
			started sync.WaitGroup
			wg      sync.WaitGroup
		)
		stop := make(chan struct{})
		started.Add(listers)
		for l := 0; l < listers; l++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				first := true
				for {
					list, err := repo.ListLinked(ctx, principal)
					mu.Lock()
					if err != nil && listErr == nil {
						listErr = err
					}
					if n := len(list); n != 0 && n != devices {
						partial = append(partial, n)
					}
					mu.Unlock()
					if first {
						started.Done()
						first = false
					}
					select {
					case <-stop:
						return
					default:
					}
				}
			}()
		}

		started.Wait()
		tokens, err := repo.DeleteLinked(ctx, principal)
		close(stop)
		wg.Wait()

		require.NoError(t, err)
		require.Len(t, tokens, devices)
		require.NoError(t, listErr)
		require.Empty(t, partial, "round %d: lister saw a partial device set", round)

		list, err := repo.ListLinked(ctx, principal)
		require.NoError(t, err)
		require.Empty(t, list)
	}
}

func testTouch(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, Linked("t1", "p1", 5000)))
	require.NoError(t, repo.CreateSession(ctx, pending("t2", 5000)))

	require.NoError(t, repo.TouchSession(ctx, "t1", 9000))
	got, err := repo.GetSession(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, int64(9000), got.LastActiveAt)
	require.Equal(t, 0, got.Version)

	require.ErrorIs(t, repo.TouchSession(ctx, "t2", 9000), store.ErrNotFound)
	require.ErrorIs(t, repo.TouchSession(ctx, "missing", 9000), store.ErrNotFound)
}

func testOverdueAndPurge(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, pending("old", 0)))     // expires 300000
	require.NoError(t, repo.CreateSession(ctx, pending("new", 10_000))) // expires 310000
	require.NoError(t, repo.CreateSession(ctx, Linked("linked", "p1", 1000)))

	overdue, err := repo.ListOverdue(ctx, 300_000)
	require.NoError(t, err)
	require.Empty(t, overdue, "expiry is strict")

	overdue, err = repo.ListOverdue(ctx, 300_001)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	require.Equal(t, "old", overdue[0].Token)

	rejected := pending("rejected", 0)
	rejected.Status = linkproto.StatusRejected
	rejected.UpdatedAt = 100
	require.NoError(t, repo.CreateSession(ctx, rejected))
	expired := pending("expired", 0)
	expired.Status = linkproto.StatusExpired
	expired.UpdatedAt = 5000
	require.NoError(t, repo.CreateSession(ctx, expired))

	n, err := repo.DeleteTerminalBefore(ctx, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = repo.GetSession(ctx, "rejected")
	require.True(t, errors.Is(err, store.ErrNotFound))
	_, err = repo.GetSession(ctx, "expired")
	require.NoError(t, err)
	_, err = repo.GetSession(ctx, "linked")
	require.NoError(t, err)
}

func testAccounts(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	acc, created, err := repo.GetOrCreateAccount(ctx, "pk1", 1000)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEmpty(t, acc.ID)

	again, created, err := repo.GetOrCreateAccount(ctx, "pk1", 2000)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, acc.ID, again.ID)
	require.Equal(t, int64(1000), again.CreatedAt)

	other, _, err := repo.GetOrCreateAccount(ctx, "pk2", 2000)
	require.NoError(t, err)
	require.NotEqual(t, acc.ID, other.ID)
}
