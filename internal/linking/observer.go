package linking

import "devicelink/pkg/linkproto"

// Notifier delivers events to whoever is subscribed to a token.
type Notifier interface {
	Publish(token string, ev linkproto.Event)
}

// CredentialIssuer mints the access token handed to a newly linked device.
type CredentialIssuer interface {
	IssueDeviceCredential(principalID, sessionToken string) (string, error)
}

// Observer receives counters for operational metrics.
type Observer interface {
	SessionCreated()
	Transitioned(to linkproto.Status)
	Heartbeat(valid bool)
	Revoked(n int)
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, linkproto.Event) {}

type nopObserver struct{}

func (nopObserver) SessionCreated()                {}
func (nopObserver) Transitioned(linkproto.Status) {}
func (nopObserver) Heartbeat(bool)                 {}
func (nopObserver) Revoked(int)                    {}
