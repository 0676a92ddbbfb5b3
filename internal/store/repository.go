package store

import (
	"context"
	"errors"

	"devicelink/internal/model"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: version conflict")
	ErrExists   = errors.New("store: already exists")
)

// Repository persists link sessions and the accounts that claim them.
//
// UpdateSession is a compare-and-swap on Version: the write succeeds only
// when the stored version equals expectedVersion, and the stored row then
// carries expectedVersion+1. Two processes racing on the same token get
// first-writer-wins; the loser sees ErrConflict.
type Repository interface {
	CreateSession(ctx context.Context, s model.LinkSession) error
	GetSession(ctx context.Context, token string) (model.LinkSession, error)
	UpdateSession(ctx context.Context, s model.LinkSession, expectedVersion int) (model.LinkSession, error)
	DeleteSession(ctx context.Context, token string) error

	// TouchSession records activity on a linked session.
	TouchSession(ctx context.Context, token string, at int64) error

	// ListLinked returns the device records of a principal, oldest link first.
	ListLinked(ctx context.Context, principalID string) ([]model.LinkSession, error)

	// DeleteLinked removes every device record of a principal in one
	// atomic step and returns the removed tokens.
	DeleteLinked(ctx context.Context, principalID string) ([]string, error)

	// ListOverdue returns pending or scanned sessions whose expiry is
	// strictly before now.
	ListOverdue(ctx context.Context, now int64) ([]model.LinkSession, error)

	// DeleteTerminalBefore purges rejected and expired sessions last
	// updated before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff int64) (int, error)

	GetOrCreateAccount(ctx context.Context, publicKey string, now int64) (model.Account, bool, error)

	Close() error
}
