package hub

import (
	"log/slog"
	"sync"

	"devicelink/pkg/linkproto"
)

// QueueSize is how many frames a connection may have outstanding before the
// hub gives up on it.
const QueueSize = 16

type Writer interface {
	Write(message []byte) error
	Close() error
}

// Connection is one push subscriber attached to a link session token.
// Frames are queued by the hub and written by WritePump, so a slow reader
// never holds up a publisher.
type Connection struct {
	Token string
	// Creator connections presented the creator secret and receive the
	// device credential in linked events.
	Creator bool
	Writer  Writer

	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func NewConnection(token string, writer Writer, creator bool) *Connection {
	return &Connection{
		Token:   token,
		Creator: creator,
		Writer:  writer,
		queue:   make(chan []byte, QueueSize),
		done:    make(chan struct{}),
	}
}

// Send queues message without blocking. It reports false when the queue is
// full or the connection has been stopped.
func (c *Connection) Send(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- message:
		return true
	default:
		return false
	}
}

// WritePump writes queued frames in order until Stop is called or a write
// fails.
func (c *Connection) WritePump() error {
	for {
		select {
		case <-c.done:
			return nil
		case msg := <-c.queue:
			if err := c.Writer.Write(msg); err != nil {
				return err
			}
		}
	}
}

// Stop ends WritePump and closes the writer. It is idempotent.
func (c *Connection) Stop() {
	c.once.Do(func() {
		close(c.done)
		_ = c.Writer.Close()
	})
}

// Hub fans events out to every connection subscribed to a token. Delivery
// is best effort: a connection that cannot keep up is stopped and dropped,
// and the client falls back to polling.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
	logger      *slog.Logger
}

func New() *Hub {
	return NewWithLogger(nil)
}

func NewWithLogger(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{connections: make(map[string]map[*Connection]struct{}), logger: logger}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.Token] == nil {
		h.connections[conn.Token] = make(map[*Connection]struct{})
	}
	h.connections[conn.Token][conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.Token]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.Token)
	}
}

// Subscribers reports the number of live connections across all tokens.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, set := range h.connections {
		n += len(set)
	}
	return n
}

// Publish encodes ev as a frame and queues it for the token's subscribers.
// Only creator connections see the device credential.
func (h *Hub) Publish(token string, ev linkproto.Event) {
	full, err := linkproto.EncodeFrame(ev)
	if err != nil {
		h.logger.Error("hub: encode frame failed", "token", token, "event", ev.Kind(), "error", err)
		return
	}
	redacted := full
	if linked, ok := ev.(linkproto.Linked); ok && linked.AccessToken != "" {
		if redacted, err = linkproto.EncodeFrame(linkproto.Redact(ev)); err != nil {
			h.logger.Error("hub: encode frame failed", "token", token, "event", ev.Kind(), "error", err)
			return
		}
	}
	h.send(token, func(c *Connection) []byte {
		if c.Creator {
			return full
		}
		return redacted
	})
}

func (h *Hub) Broadcast(token string, message []byte) {
	h.send(token, func(*Connection) []byte { return message })
}

func (h *Hub) send(token string, frameFor func(*Connection) []byte) {
	h.mu.RLock()
	set := h.connections[token]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if c.Send(frameFor(c)) {
			continue
		}
		h.logger.Warn("hub: dropping slow subscriber", "token", token)
		c.Stop()
		h.Unregister(c)
	}
}
