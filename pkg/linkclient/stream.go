package linkclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"devicelink/pkg/linkproto"
)

const maxFrameBytes = 64 << 10

// Stream is an open push channel for one session.
type Stream interface {
	// Next blocks for the next event. It returns an error once the channel
	// is closed by either side or ctx ends.
	Next(ctx context.Context) (linkproto.Event, error)
	Close() error
}

// Dialer opens push channels.
type Dialer interface {
	Dial(ctx context.Context, token string) (Stream, error)
}

// Poller reads the current state of a session. A nil event means nothing
// has happened yet.
type Poller interface {
	Poll(ctx context.Context, token string) (linkproto.Event, error)
}

// WSDialer dials the websocket push endpoint. Secret, when set, is the
// creator secret and makes linked events carry the device credential.
type WSDialer struct {
	BaseURL    string
	HTTPClient *http.Client
	Secret     string
}

func (d *WSDialer) Dial(ctx context.Context, token string) (Stream, error) {
	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if d.Secret != "" {
		opts.HTTPHeader = http.Header{}
		opts.HTTPHeader.Set(linkproto.SecretHeader, d.Secret)
	}
	conn, resp, err := websocket.Dial(ctx, eventsURL(d.BaseURL, token), opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, fmt.Errorf("dial push channel: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return &wsStream{conn: conn}, nil
}

func eventsURL(baseURL, token string) string {
	u := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + sessionPath(token) + "/events"
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Next(ctx context.Context) (linkproto.Event, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ != websocket.MessageText {
			continue
		}
		ev, err := linkproto.DecodeFrame(data)
		if errors.Is(err, linkproto.ErrUnknownEvent) {
			// pong replies and kinds newer than this client
			continue
		}
		if err != nil {
			return nil, err
		}
		return ev, nil
	}
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
