package linking

import (
	"errors"
	"fmt"

	"devicelink/pkg/linkproto"
)

type Action string

const (
	ActionClaim   Action = "claim"
	ActionConfirm Action = "confirm"
	ActionReject  Action = "reject"
	ActionExpire  Action = "expire"
)

var (
	ErrNotFound          = errors.New("link session not found")
	ErrForbidden         = errors.New("forbidden")
	ErrAlreadyTerminal   = errors.New("link session already terminal")
	ErrInvalidTransition = errors.New("invalid transition")
)

// Transition is the only place a session status changes. It does not know
// about principals; ownership checks happen before it is called.
//
//	pending --claim--> scanned --confirm--> linked
//	pending|scanned --reject--> rejected
//	pending|scanned --expire--> expired
//	scanned --claim--> scanned   (same claimant, idempotent)
func Transition(from linkproto.Status, act Action) (linkproto.Status, error) {
	switch from {
	case linkproto.StatusLinked, linkproto.StatusRejected, linkproto.StatusExpired:
		return from, ErrAlreadyTerminal
	case linkproto.StatusPending:
		switch act {
		case ActionClaim:
			return linkproto.StatusScanned, nil
		case ActionReject:
			return linkproto.StatusRejected, nil
		case ActionExpire:
			return linkproto.StatusExpired, nil
		}
	case linkproto.StatusScanned:
		switch act {
		case ActionClaim:
			return linkproto.StatusScanned, nil
		case ActionConfirm:
			return linkproto.StatusLinked, nil
		case ActionReject:
			return linkproto.StatusRejected, nil
		case ActionExpire:
			return linkproto.StatusExpired, nil
		}
	}
	return from, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, act, from)
}
