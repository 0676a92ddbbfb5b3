package model

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"devicelink/pkg/linkproto"
)

type Account struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	CreatedAt int64  `json:"createdAt"`
}

type Principal struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type DeviceMetadata struct {
	Platform string            `json:"platform,omitempty"`
	Name     string            `json:"name,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// LinkSession is one attempt to bind a secondary client to a principal.
// Once linked it doubles as the device record until revoked.
type LinkSession struct {
	Token        string           `json:"token"`
	Status       linkproto.Status `json:"status"`
	Principal    *Principal       `json:"principal,omitempty"`
	Device       *DeviceMetadata  `json:"device,omitempty"`
	Credential   string           `json:"credential,omitempty"`
	SecretHash   string           `json:"secretHash,omitempty"`
	Version      int              `json:"version"`
	CreatedAt    int64            `json:"createdAt"`
	ExpiresAt    int64            `json:"expiresAt"`
	UpdatedAt    int64            `json:"updatedAt"`
	ClaimedAt    int64            `json:"claimedAt,omitempty"`
	LinkedAt     int64            `json:"linkedAt,omitempty"`
	LastActiveAt int64            `json:"lastActiveAt,omitempty"`
}

// Clone returns a deep copy so callers can mutate the result freely.
func (s LinkSession) Clone() LinkSession {
	out := s
	if s.Principal != nil {
		p := *s.Principal
		out.Principal = &p
	}
	if s.Device != nil {
		d := *s.Device
		if s.Device.Extra != nil {
			d.Extra = make(map[string]string, len(s.Device.Extra))
			for k, v := range s.Device.Extra {
				d.Extra[k] = v
			}
		}
		out.Device = &d
	}
	return out
}

// Terminal reports whether the linking flow of s has ended.
func (s LinkSession) Terminal() bool {
	switch s.Status {
	case linkproto.StatusLinked, linkproto.StatusRejected, linkproto.StatusExpired:
		return true
	default:
		return false
	}
}

// OwnedBy reports whether principalID claimed s.
func (s LinkSession) OwnedBy(principalID string) bool {
	return s.Principal != nil && principalID != "" && s.Principal.ID == principalID
}

// View renders s for anyone holding the token. It never carries the device
// credential; see CreatorView.
func (s LinkSession) View() linkproto.SessionView {
	v := linkproto.SessionView{
		Token:     s.Token,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	}
	if s.Principal != nil {
		v.Principal = &linkproto.Principal{ID: s.Principal.ID, Name: s.Principal.Name}
	}
	if s.Device != nil {
		d := s.Device.Wire()
		v.Device = &d
	}
	return v
}

// CreatorView is View plus the device credential, when the session is linked
// and secret is the one handed to its creator.
func (s LinkSession) CreatorView(secret string) linkproto.SessionView {
	v := s.View()
	if s.Status == linkproto.StatusLinked && s.CreatedWith(secret) {
		v.AccessToken = s.Credential
	}
	return v
}

// CreatedWith reports whether secret matches the creator secret of s.
func (s LinkSession) CreatedWith(secret string) bool {
	if secret == "" || s.SecretHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashSecret(secret)), []byte(s.SecretHash)) == 1
}

// HashSecret is the stored form of a creator secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func (d DeviceMetadata) Wire() linkproto.DeviceMetadata {
	return linkproto.DeviceMetadata{Platform: d.Platform, Name: d.Name, Extra: d.Extra}
}

func DeviceFromWire(d linkproto.DeviceMetadata) DeviceMetadata {
	return DeviceMetadata{Platform: d.Platform, Name: d.Name, Extra: d.Extra}
}
