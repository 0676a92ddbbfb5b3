package linkproto

// Status is the linking state of a session.
type Status string

const (
	StatusPending  Status = "pending"
	StatusScanned  Status = "scanned"
	StatusLinked   Status = "linked"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Principal is the public view of the identity that claimed a session.
type Principal struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// DeviceMetadata is the client-declared description of a linked device.
type DeviceMetadata struct {
	Platform string            `json:"platform,omitempty"`
	Name     string            `json:"name,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// SessionView is the read model of a link session.
type SessionView struct {
	Token     string          `json:"token"`
	Status    Status          `json:"status"`
	CreatedAt int64           `json:"createdAt"`
	ExpiresAt int64           `json:"expiresAt"`
	Principal *Principal      `json:"principal"`
	Device    *DeviceMetadata `json:"device"`

	// AccessToken is the device credential. It is present once linked, and
	// only on requests that carry the creator secret in SecretHeader.
	AccessToken string `json:"accessToken,omitempty"`
}

// SecretHeader carries the creator secret on status polls and on the push
// channel upgrade.
const SecretHeader = "X-Link-Secret"

// CreateSessionResponse is returned to the secondary only. Secret must stay
// out of the displayed code: it is what entitles the holder to the device
// credential.
type CreateSessionResponse struct {
	Token       string `json:"token"`
	Secret      string `json:"secret"`
	CodePayload string `json:"codePayload"`
	ExpiresAt   int64  `json:"expiresAt"`
}

type ClaimRequest struct {
	Name string `json:"name"`
}

type ConfirmRequest struct {
	Device DeviceMetadata `json:"device"`
}

type HeartbeatRequest struct {
	Token string `json:"token"`
}

type HeartbeatResponse struct {
	Valid bool `json:"valid"`
}

// DeviceView is a linked session seen through the device registry.
type DeviceView struct {
	Token        string         `json:"token"`
	Device       DeviceMetadata `json:"device"`
	LinkedAt     int64          `json:"linkedAt"`
	LastActiveAt int64          `json:"lastActiveAt"`
	Current      bool           `json:"current"`
}

type DevicesResponse struct {
	Devices []DeviceView `json:"devices"`
}

type RevokeAllResponse struct {
	Count int `json:"count"`
}

// ErrorResponse is the body of every non-2xx response. Session is set on
// 409 responses so idempotent callers can continue from the current state.
type ErrorResponse struct {
	Error   string       `json:"error"`
	Session *SessionView `json:"session,omitempty"`
}

type AuthRequest struct {
	PublicKey string `json:"publicKey"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
}

type AuthResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
}
