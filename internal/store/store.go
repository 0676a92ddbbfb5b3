package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"devicelink/internal/model"
	"devicelink/pkg/linkproto"
)

// MemoryStore is the in-process Repository. With a state file configured,
// every mutation is snapshotted to disk so a restart keeps linked devices.
type MemoryStore struct {
	mu sync.RWMutex

	stateFile string
	persistMu sync.Mutex
	gen       uint64
	written   uint64
	logger    *slog.Logger

	sessionsByToken     map[string]model.LinkSession
	accountsByPublicKey map[string]model.Account
}

type Options struct {
	StateFile string
	Logger    *slog.Logger
}

func New() *MemoryStore {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *MemoryStore {
	s := &MemoryStore{
		stateFile:           opts.StateFile,
		logger:              opts.Logger,
		sessionsByToken:     make(map[string]model.LinkSession),
		accountsByPublicKey: make(map[string]model.Account),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if s.stateFile != "" {
		if err := s.loadFromFile(s.stateFile); err != nil {
			s.logger.Error("state file load failed", "path", s.stateFile, "error", err)
		}
	}
	return s
}

func (s *MemoryStore) CreateSession(_ context.Context, sess model.LinkSession) error {
	if sess.Token == "" {
		return errors.New("store: empty token")
	}

	s.mu.Lock()
	if _, ok := s.sessionsByToken[sess.Token]; ok {
		s.mu.Unlock()
		return ErrExists
	}
	s.sessionsByToken[sess.Token] = sess.Clone()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, token string) (model.LinkSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessionsByToken[token]
	if !ok {
		return model.LinkSession{}, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, sess model.LinkSession, expectedVersion int) (model.LinkSession, error) {
	s.mu.Lock()
	current, ok := s.sessionsByToken[sess.Token]
	if !ok {
		s.mu.Unlock()
		return model.LinkSession{}, ErrNotFound
	}
	if current.Version != expectedVersion {
		s.mu.Unlock()
		return model.LinkSession{}, ErrConflict
	}

	next := sess.Clone()
	next.Version = expectedVersion + 1
	s.sessionsByToken[sess.Token] = next
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return next.Clone(), nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, token string) error {
	s.mu.Lock()
	if _, ok := s.sessionsByToken[token]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.sessionsByToken, token)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return nil
}

func (s *MemoryStore) TouchSession(_ context.Context, token string, at int64) error {
	s.mu.Lock()
	sess, ok := s.sessionsByToken[token]
	if !ok || sess.Status != linkproto.StatusLinked {
		s.mu.Unlock()
		return ErrNotFound
	}
	if at > sess.LastActiveAt {
		sess.LastActiveAt = at
		s.sessionsByToken[token] = sess
	}
	s.mu.Unlock()

	// Activity timestamps are not worth a disk write per heartbeat; they
	// ride along with the next structural snapshot.
	return nil
}

func (s *MemoryStore) ListLinked(_ context.Context, principalID string) ([]model.LinkSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.LinkSession, 0)
	for _, sess := range s.sessionsByToken {
		if sess.Status == linkproto.StatusLinked && sess.OwnedBy(principalID) {
			result = append(result, sess.Clone())
		}
	}
	sortLinked(result)
	return result, nil
}

func (s *MemoryStore) DeleteLinked(_ context.Context, principalID string) ([]string, error) {
	s.mu.Lock()
	var tokens []string
	for token, sess := range s.sessionsByToken {
		if sess.Status == linkproto.StatusLinked && sess.OwnedBy(principalID) {
			tokens = append(tokens, token)
			delete(s.sessionsByToken, token)
		}
	}
	if len(tokens) == 0 {
		s.mu.Unlock()
		return nil, nil
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	sort.Strings(tokens)
	return tokens, nil
}

func (s *MemoryStore) ListOverdue(_ context.Context, now int64) ([]model.LinkSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LinkSession
	for _, sess := range s.sessionsByToken {
		if !sess.Terminal() && sess.ExpiresAt < now {
			result = append(result, sess.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt < result[j].ExpiresAt })
	return result, nil
}

func (s *MemoryStore) DeleteTerminalBefore(_ context.Context, cutoff int64) (int, error) {
	s.mu.Lock()
	count := 0
	for token, sess := range s.sessionsByToken {
		if (sess.Status == linkproto.StatusRejected || sess.Status == linkproto.StatusExpired) && sess.UpdatedAt < cutoff {
			delete(s.sessionsByToken, token)
			count++
		}
	}
	if count == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return count, nil
}

func (s *MemoryStore) GetOrCreateAccount(_ context.Context, publicKey string, now int64) (model.Account, bool, error) {
	s.mu.Lock()
	if existing, ok := s.accountsByPublicKey[publicKey]; ok {
		s.mu.Unlock()
		return existing, false, nil
	}

	acc := model.Account{
		ID:        uuid.NewString(),
		PublicKey: publicKey,
		CreatedAt: now,
	}
	s.accountsByPublicKey[publicKey] = acc
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return acc, true, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortLinked(list []model.LinkSession) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].LinkedAt != list[j].LinkedAt {
			return list[i].LinkedAt < list[j].LinkedAt
		}
		return list[i].Token < list[j].Token
	})
}

type persistedStateFile struct {
	Version  int                 `json:"version"`
	Sessions []model.LinkSession `json:"sessions"`
	Accounts []model.Account     `json:"accounts"`
	SavedAt  int64               `json:"savedAt"`
}

type stateSnapshot struct {
	gen  uint64
	file persistedStateFile
}

func (s *MemoryStore) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedStateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported state file version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range file.Sessions {
		if sess.Token == "" {
			continue
		}
		s.sessionsByToken[sess.Token] = sess
	}
	for _, acc := range file.Accounts {
		if acc.ID == "" || acc.PublicKey == "" {
			continue
		}
		s.accountsByPublicKey[acc.PublicKey] = acc
	}
	return nil
}

func (s *MemoryStore) snapshotLocked() *stateSnapshot {
	if s.stateFile == "" {
		return nil
	}
	s.gen++

	sessions := make([]model.LinkSession, 0, len(s.sessionsByToken))
	for _, sess := range s.sessionsByToken {
		sessions = append(sessions, sess.Clone())
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Token < sessions[j].Token })

	accounts := make([]model.Account, 0, len(s.accountsByPublicKey))
	for _, acc := range s.accountsByPublicKey {
		accounts = append(accounts, acc)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })

	return &stateSnapshot{
		gen:  s.gen,
		file: persistedStateFile{Version: 1, Sessions: sessions, Accounts: accounts},
	}
}

func (s *MemoryStore) persist(snap *stateSnapshot) {
	if snap == nil {
		return
	}
	path := s.stateFile

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	// A newer snapshot already reached disk.
	if snap.gen <= s.written {
		return
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.logger.Error("state persistence: mkdir failed", "dir", dir, "error", err)
		return
	}

	snap.file.SavedAt = time.Now().UnixMilli()
	data, err := json.MarshalIndent(snap.file, "", "  ")
	if err != nil {
		s.logger.Error("state persistence: marshal failed", "error", err)
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		s.logger.Error("state persistence: create temp failed", "error", err)
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		s.logger.Error("state persistence: chmod temp failed", "error", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		s.logger.Error("state persistence: write temp failed", "error", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		s.logger.Error("state persistence: sync temp failed", "error", err)
		return
	}
	if err := tmp.Close(); err != nil {
		s.logger.Error("state persistence: close temp failed", "error", err)
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		s.logger.Error("state persistence: rename failed", "error", err)
		return
	}
	s.written = snap.gen
}
