// Package linkproto is the wire contract between the devicelink server and
// its clients: JSON views of link sessions and device records, the typed
// event model pushed over the event channel, and the code payload a primary
// device scans.
//
// Events are a closed sum type. Every transport (duplex frame or poll
// response) is converted into an Event before it reaches application code,
// so consumers dispatch with a single type switch:
//
//	switch ev := ev.(type) {
//	case linkproto.Scanned:
//	case linkproto.Linked:
//	case linkproto.Rejected, linkproto.Expired:
//	}
package linkproto
