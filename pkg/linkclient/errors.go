package linkclient

import (
	"errors"
	"fmt"
	"net/http"

	"devicelink/pkg/linkproto"
)

var (
	ErrNotFound        = errors.New("linkclient: not found")
	ErrForbidden       = errors.New("linkclient: forbidden")
	ErrAlreadyTerminal = errors.New("linkclient: link session already finished")
	ErrUnauthorized    = errors.New("linkclient: unauthorized")
	ErrRateLimited     = errors.New("linkclient: rate limited")

	// ErrTransportUnavailable ends a negotiation whose poll failures reached
	// MaxPollFailures.
	ErrTransportUnavailable = errors.New("linkclient: transport unavailable")
)

// APIError is returned for every non-2xx response. It matches the sentinel
// errors above through errors.Is.
type APIError struct {
	StatusCode int
	Message    string

	// Session is the current state carried by 409 responses.
	Session *linkproto.SessionView
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("linkclient: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("linkclient: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrAlreadyTerminal:
		return e.StatusCode == http.StatusConflict
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}
