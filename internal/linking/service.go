// Package linking owns the lifecycle of link sessions: creation, the
// claim/confirm/reject handshake, lazy expiry, liveness and the device
// registry that linked sessions become.
package linking

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"devicelink/internal/model"
	"devicelink/internal/store"
	"devicelink/pkg/clock"
	"devicelink/pkg/linkproto"
)

const (
	DefaultTTL         = 5 * time.Minute
	DefaultCodeBaseURL = "devicelink://link"

	maxConflictRetries = 5
)

type Options struct {
	Repo        store.Repository
	Notifier    Notifier
	Issuer      CredentialIssuer
	Observer    Observer
	Clock       clock.Clock
	Logger      *slog.Logger
	TTL         time.Duration
	CodeBaseURL string
}

type Service struct {
	repo        store.Repository
	notifier    Notifier
	issuer      CredentialIssuer
	observer    Observer
	clock       clock.Clock
	logger      *slog.Logger
	ttl         time.Duration
	codeBaseURL string

	locks *keyedMutex
}

// Created is the result of Create. Secret is returned only here; the
// store keeps its hash.
type Created struct {
	Session     model.LinkSession
	CodePayload string
	Secret      string
}

// Device is a linked session seen through the registry.
type Device struct {
	Session model.LinkSession
	Current bool
}

func (d Device) View() linkproto.DeviceView {
	v := linkproto.DeviceView{
		Token:        d.Session.Token,
		LinkedAt:     d.Session.LinkedAt,
		LastActiveAt: d.Session.LastActiveAt,
		Current:      d.Current,
	}
	if d.Session.Device != nil {
		v.Device = d.Session.Device.Wire()
	}
	return v
}

func NewService(opts Options) (*Service, error) {
	if opts.Repo == nil {
		return nil, errors.New("linking: repository is required")
	}
	if opts.Issuer == nil {
		return nil, errors.New("linking: credential issuer is required")
	}
	s := &Service{
		repo:        opts.Repo,
		notifier:    opts.Notifier,
		issuer:      opts.Issuer,
		observer:    opts.Observer,
		clock:       opts.Clock,
		logger:      opts.Logger,
		ttl:         opts.TTL,
		codeBaseURL: opts.CodeBaseURL,
		locks:       newKeyedMutex(),
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.codeBaseURL == "" {
		s.codeBaseURL = DefaultCodeBaseURL
	}
	return s, nil
}

func (s *Service) now() int64 { return s.clock.Now().UnixMilli() }

// Create starts a new pending session.
func (s *Service) Create(ctx context.Context) (Created, error) {
	secret, err := newSecret()
	if err != nil {
		return Created{}, fmt.Errorf("create link session: %w", err)
	}
	now := s.now()
	for attempt := 0; attempt < 3; attempt++ {
		sess := model.LinkSession{
			Token:      uuid.NewString(),
			Status:     linkproto.StatusPending,
			SecretHash: model.HashSecret(secret),
			CreatedAt:  now,
			ExpiresAt:  now + s.ttl.Milliseconds(),
			UpdatedAt:  now,
		}
		err := s.repo.CreateSession(ctx, sess)
		if errors.Is(err, store.ErrExists) {
			continue
		}
		if err != nil {
			return Created{}, fmt.Errorf("create link session: %w", err)
		}

		s.observer.SessionCreated()
		s.logger.DebugContext(ctx, "link session created", "token", sess.Token, "expires_at", sess.ExpiresAt)
		return Created{
			Session:     sess,
			CodePayload: linkproto.CodePayload(s.codeBaseURL, sess.Token),
			Secret:      secret,
		}, nil
	}
	return Created{}, errors.New("create link session: token collision")
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate creator secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Get returns the current session, expiring it first if its deadline has
// strictly passed.
func (s *Service) Get(ctx context.Context, token string) (model.LinkSession, error) {
	return s.mutate(ctx, token, func(cur model.LinkSession, _ int64) (model.LinkSession, linkproto.Event, error) {
		return cur, nil, nil
	})
}

// Claim records principal as the claimant of a pending session. Claiming
// again with the same principal is a no-op.
func (s *Service) Claim(ctx context.Context, token string, principal model.Principal) (model.LinkSession, error) {
	if principal.ID == "" {
		return model.LinkSession{}, fmt.Errorf("%w: missing principal", ErrForbidden)
	}
	return s.mutate(ctx, token, func(cur model.LinkSession, now int64) (model.LinkSession, linkproto.Event, error) {
		if cur.Principal != nil && !cur.OwnedBy(principal.ID) {
			return cur, nil, fmt.Errorf("%w: session claimed by another principal", ErrForbidden)
		}
		next, err := Transition(cur.Status, ActionClaim)
		if err != nil {
			return cur, nil, err
		}
		if cur.Status == linkproto.StatusScanned {
			return cur, nil, nil
		}

		out := cur.Clone()
		out.Status = next
		out.Principal = &model.Principal{ID: principal.ID, Name: principal.Name}
		out.ClaimedAt = now
		out.UpdatedAt = now
		ev := linkproto.Scanned{
			Token:     token,
			Principal: linkproto.Principal{ID: principal.ID, Name: principal.Name},
		}
		return out, ev, nil
	})
}

// Confirm completes the handshake for the principal that claimed the
// session and mints the device credential.
func (s *Service) Confirm(ctx context.Context, token string, principal model.Principal, device model.DeviceMetadata) (model.LinkSession, error) {
	return s.mutate(ctx, token, func(cur model.LinkSession, now int64) (model.LinkSession, linkproto.Event, error) {
		if cur.Principal == nil {
			if cur.Terminal() {
				return cur, nil, ErrAlreadyTerminal
			}
			return cur, nil, fmt.Errorf("%w: session has not been claimed", ErrForbidden)
		}
		if !cur.OwnedBy(principal.ID) {
			return cur, nil, fmt.Errorf("%w: principal did not claim this session", ErrForbidden)
		}
		next, err := Transition(cur.Status, ActionConfirm)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				return cur, nil, fmt.Errorf("%w: %v", ErrForbidden, err)
			}
			return cur, nil, err
		}

		credential, err := s.issuer.IssueDeviceCredential(principal.ID, token)
		if err != nil {
			return cur, nil, fmt.Errorf("issue device credential: %w", err)
		}

		out := cur.Clone()
		out.Status = next
		d := device
		out.Device = &d
		out.Credential = credential
		out.LinkedAt = now
		out.LastActiveAt = now
		out.UpdatedAt = now
		ev := linkproto.Linked{
			Token:       token,
			Principal:   linkproto.Principal{ID: cur.Principal.ID, Name: cur.Principal.Name},
			Device:      device.Wire(),
			AccessToken: credential,
		}
		return out, ev, nil
	})
}

// Reject cancels a session that has not finished linking. Either side may
// call it.
func (s *Service) Reject(ctx context.Context, token string) (model.LinkSession, error) {
	return s.mutate(ctx, token, func(cur model.LinkSession, now int64) (model.LinkSession, linkproto.Event, error) {
		next, err := Transition(cur.Status, ActionReject)
		if err != nil {
			return cur, nil, err
		}
		out := cur.Clone()
		out.Status = next
		out.UpdatedAt = now
		return out, linkproto.Rejected{Token: token}, nil
	})
}

// Heartbeat reports whether token still names a linked device and records
// the activity.
func (s *Service) Heartbeat(ctx context.Context, token string) (bool, error) {
	err := s.repo.TouchSession(ctx, token, s.now())
	switch {
	case err == nil:
		s.observer.Heartbeat(true)
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		s.observer.Heartbeat(false)
		return false, nil
	default:
		return false, fmt.Errorf("heartbeat: %w", err)
	}
}

// SessionActive reports whether token is a linked session that has not
// been revoked. It does not count as activity.
func (s *Service) SessionActive(ctx context.Context, token string) (bool, error) {
	sess, err := s.repo.GetSession(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sess.Status == linkproto.StatusLinked, nil
}

// ListDevices returns the principal's linked devices, marking the one whose
// session token is currentToken.
func (s *Service) ListDevices(ctx context.Context, principalID, currentToken string) ([]Device, error) {
	sessions, err := s.repo.ListLinked(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	devices := make([]Device, 0, len(sessions))
	for _, sess := range sessions {
		devices = append(devices, Device{Session: sess, Current: currentToken != "" && sess.Token == currentToken})
	}
	return devices, nil
}

// RevokeDevice removes one device record owned by principalID.
func (s *Service) RevokeDevice(ctx context.Context, token, principalID string) error {
	unlock := s.locks.lock(token)
	defer unlock()

	sess, err := s.repo.GetSession(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	if sess.Status != linkproto.StatusLinked {
		return ErrNotFound
	}
	if !sess.OwnedBy(principalID) {
		return ErrForbidden
	}

	if err := s.repo.DeleteSession(ctx, token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("revoke device: %w", err)
	}

	s.observer.Revoked(1)
	s.notifier.Publish(token, linkproto.Revoked{Token: token})
	s.logger.InfoContext(ctx, "device revoked", "token", token, "principal", principalID)
	return nil
}

// RevokeAll removes every device record of principalID in one store
// operation and returns how many were removed.
func (s *Service) RevokeAll(ctx context.Context, principalID string) (int, error) {
	tokens, err := s.repo.DeleteLinked(ctx, principalID)
	if err != nil {
		return 0, fmt.Errorf("revoke all devices: %w", err)
	}
	for _, token := range tokens {
		s.notifier.Publish(token, linkproto.Revoked{Token: token})
	}
	if len(tokens) > 0 {
		s.observer.Revoked(len(tokens))
	}
	s.logger.InfoContext(ctx, "all devices revoked", "principal", principalID, "count", len(tokens))
	return len(tokens), nil
}

// ExpireOverdue moves every overdue pending or scanned session to expired
// and returns how many it moved.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := s.repo.ListOverdue(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("list overdue sessions: %w", err)
	}

	count := 0
	for _, sess := range overdue {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		got, err := s.Get(ctx, sess.Token)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return count, err
		}
		if got.Status == linkproto.StatusExpired {
			count++
		}
	}
	return count, nil
}

// PurgeTerminal deletes rejected and expired sessions older than retention.
func (s *Service) PurgeTerminal(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.now() - retention.Milliseconds()
	n, err := s.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal sessions: %w", err)
	}
	return n, nil
}

type mutation func(cur model.LinkSession, now int64) (next model.LinkSession, ev linkproto.Event, err error)

// mutate runs fn against the latest stored session under the token's lock.
// A nil event means fn made no change. Overdue sessions are expired (and
// the expiry published) before fn sees them. Store version conflicts from
// other processes are retried against a fresh read.
//
// Events are published while the lock is still held so subscribers see
// them in transition order.
func (s *Service) mutate(ctx context.Context, token string, fn mutation) (model.LinkSession, error) {
	unlock := s.locks.lock(token)
	defer unlock()

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		cur, err := s.repo.GetSession(ctx, token)
		if errors.Is(err, store.ErrNotFound) {
			return model.LinkSession{}, ErrNotFound
		}
		if err != nil {
			return model.LinkSession{}, err
		}

		now := s.now()
		if !cur.Terminal() && now > cur.ExpiresAt {
			expired, err := s.commit(ctx, cur, now, expireMutation)
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			if err != nil {
				return model.LinkSession{}, err
			}
			cur = expired
		}

		next, err := s.commit(ctx, cur, now, fn)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return next, err
	}
	return model.LinkSession{}, fmt.Errorf("link session %s: %w", token, store.ErrConflict)
}

// commit applies fn to cur and persists the result. On domain errors it
// returns cur alongside the error so callers can show the current state.
func (s *Service) commit(ctx context.Context, cur model.LinkSession, now int64, fn mutation) (model.LinkSession, error) {
	next, ev, err := fn(cur, now)
	if err != nil {
		return cur, err
	}
	if ev == nil {
		return cur, nil
	}

	stored, err := s.repo.UpdateSession(ctx, next, cur.Version)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.LinkSession{}, ErrNotFound
		}
		return model.LinkSession{}, err
	}

	s.observer.Transitioned(stored.Status)
	s.notifier.Publish(stored.Token, ev)
	s.logger.InfoContext(ctx, "link session transition",
		"token", stored.Token,
		"from", cur.Status,
		"to", stored.Status,
	)
	return stored, nil
}

func expireMutation(cur model.LinkSession, now int64) (model.LinkSession, linkproto.Event, error) {
	next, err := Transition(cur.Status, ActionExpire)
	if err != nil {
		return cur, nil, err
	}
	out := cur.Clone()
	out.Status = next
	out.UpdatedAt = now
	return out, linkproto.Expired{Token: cur.Token}, nil
}
