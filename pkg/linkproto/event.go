package linkproto

// Kind names an event on the wire.
type Kind string

const (
	KindScanned  Kind = "scanned"
	KindLinked   Kind = "linked"
	KindRejected Kind = "rejected"
	KindExpired  Kind = "expired"
	KindRevoked  Kind = "revoked"
)

// Event is one state change of a link session. The set of implementations
// is closed: Scanned, Linked, Rejected, Expired, Revoked.
type Event interface {
	Kind() Kind
	SessionToken() string
	isEvent()
}

type Scanned struct {
	Token     string    `json:"token"`
	Principal Principal `json:"principal"`
}

type Linked struct {
	Token       string         `json:"token"`
	Principal   Principal      `json:"principal"`
	Device      DeviceMetadata `json:"device"`
	AccessToken string         `json:"accessToken,omitempty"`
}

type Rejected struct {
	Token string `json:"token"`
}

type Expired struct {
	Token string `json:"token"`
}

// Revoked is published when a linked session is removed from the device
// registry.
type Revoked struct {
	Token string `json:"token"`
}

func (Scanned) Kind() Kind  { return KindScanned }
func (Linked) Kind() Kind   { return KindLinked }
func (Rejected) Kind() Kind { return KindRejected }
func (Expired) Kind() Kind  { return KindExpired }
func (Revoked) Kind() Kind  { return KindRevoked }

func (e Scanned) SessionToken() string  { return e.Token }
func (e Linked) SessionToken() string   { return e.Token }
func (e Rejected) SessionToken() string { return e.Token }
func (e Expired) SessionToken() string  { return e.Token }
func (e Revoked) SessionToken() string  { return e.Token }

func (Scanned) isEvent()  {}
func (Linked) isEvent()   {}
func (Rejected) isEvent() {}
func (Expired) isEvent()  {}
func (Revoked) isEvent()  {}

// Rank orders events along the state machine. A consumer that has seen an
// event of rank r ignores anything of rank <= r; this is what makes racing
// transports safe to merge. Linked, Rejected and Expired share a rank
// because at most one of them can ever happen to a session.
func Rank(ev Event) int {
	if ev == nil {
		return 0
	}
	switch ev.Kind() {
	case KindScanned:
		return 1
	case KindLinked, KindRejected, KindExpired:
		return 2
	case KindRevoked:
		return 3
	default:
		return 0
	}
}

// Redact returns ev without the device credential.
func Redact(ev Event) Event {
	if linked, ok := ev.(Linked); ok {
		linked.AccessToken = ""
		return linked
	}
	return ev
}

// IsTerminal reports whether ev ends the linking flow.
func IsTerminal(ev Event) bool {
	return Rank(ev) >= 2
}

// EventFromView converts a polled session view into the event it implies.
// It returns nil for pending sessions.
func EventFromView(v SessionView) Event {
	principal := Principal{}
	if v.Principal != nil {
		principal = *v.Principal
	}
	switch v.Status {
	case StatusScanned:
		return Scanned{Token: v.Token, Principal: principal}
	case StatusLinked:
		device := DeviceMetadata{}
		if v.Device != nil {
			device = *v.Device
		}
		return Linked{Token: v.Token, Principal: principal, Device: device, AccessToken: v.AccessToken}
	case StatusRejected:
		return Rejected{Token: v.Token}
	case StatusExpired:
		return Expired{Token: v.Token}
	default:
		return nil
	}
}
