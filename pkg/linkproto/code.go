package linkproto

import (
	"errors"
	"net/url"
	"strings"
)

// ErrInvalidCode is returned when a scanned payload carries no session token.
var ErrInvalidCode = errors.New("linkproto: invalid code payload")

// CodePayload builds the addressable URI rendered as the scannable code.
func CodePayload(baseURL, token string) string {
	sep := "?"
	if strings.Contains(baseURL, "?") {
		sep = "&"
	}
	return baseURL + sep + "token=" + url.QueryEscape(token)
}

// ParseCodePayload extracts the session token from a scanned payload.
func ParseCodePayload(payload string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(payload))
	if err != nil {
		return "", ErrInvalidCode
	}
	token := u.Query().Get("token")
	if token == "" {
		return "", ErrInvalidCode
	}
	return token, nil
}
