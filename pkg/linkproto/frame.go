package linkproto

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrUnknownEvent is returned by DecodeFrame for event kinds this version
// does not understand. Consumers should skip such frames.
var ErrUnknownEvent = errors.New("linkproto: unknown event")

// Frame is the JSON envelope carried by the push channel.
type Frame struct {
	ID    string          `json:"id"`
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data"`
}

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

func newFrameID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), idEntropy).String()
}

// EncodeFrame wraps ev in a Frame with a fresh ULID.
func EncodeFrame(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("linkproto: nil event")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{ID: newFrameID(), Event: ev.Kind(), Data: data})
}

// DecodeFrame parses a frame produced by EncodeFrame.
func DecodeFrame(raw []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("linkproto: decode frame: %w", err)
	}

	switch f.Event {
	case KindScanned:
		return decodeData[Scanned](f.Data)
	case KindLinked:
		return decodeData[Linked](f.Data)
	case KindRejected:
		return decodeData[Rejected](f.Data)
	case KindExpired:
		return decodeData[Expired](f.Data)
	case KindRevoked:
		return decodeData[Revoked](f.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
}

func decodeData[T Event](data json.RawMessage) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("linkproto: decode %s: %w", ev.Kind(), err)
	}
	return ev, nil
}
