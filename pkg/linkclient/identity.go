package linkclient

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"devicelink/pkg/linkproto"
)

// Identity is what a secondary keeps after linking.
type Identity struct {
	BaseURL     string                   `json:"baseUrl,omitempty"`
	Token       string                   `json:"token"`
	AccessToken string                   `json:"accessToken"`
	Principal   linkproto.Principal      `json:"principal"`
	Device      linkproto.DeviceMetadata `json:"device"`
}

// IdentityFromLinked builds the identity carried by a Linked event.
func IdentityFromLinked(ev linkproto.Linked) Identity {
	return Identity{
		Token:       ev.Token,
		AccessToken: ev.AccessToken,
		Principal:   ev.Principal,
		Device:      ev.Device,
	}
}

type IdentityStore interface {
	// Load reports false when nothing is stored.
	Load() (Identity, bool, error)
	Save(Identity) error
	Clear() error
}

// FileIdentityStore keeps the identity in one JSON file readable only by
// its owner.
type FileIdentityStore struct {
	Path string

	mu sync.Mutex
}

func NewFileIdentityStore(path string) *FileIdentityStore {
	return &FileIdentityStore{Path: path}
}

func (s *FileIdentityStore) Load() (Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}, false, fmt.Errorf("decode identity %s: %w", s.Path, err)
	}
	if id.Token == "" || id.AccessToken == "" {
		return Identity{}, false, nil
	}
	return id, true, nil
}

// Save replaces the stored identity atomically.
func (s *FileIdentityStore) Save(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.Path)
}

// Clear forgets the identity. Clearing an empty store is not an error.
func (s *FileIdentityStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
