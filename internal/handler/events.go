package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"devicelink/internal/hub"
	"devicelink/internal/linking"
	"devicelink/internal/logx"
	"devicelink/internal/model"
	"devicelink/pkg/linkproto"
)

// EventsHandler serves the push channel of one link session. Holding the
// session token is enough to subscribe; the device credential is only sent
// to connections that present the creator secret.
type EventsHandler struct {
	Service *linking.Service
	Hub     *hub.Hub
}

type clientMessage struct {
	Type string `json:"type"`
}

type serverMessage struct {
	Type string `json:"type"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	pongWait  = 60 * time.Second
	writeWait = 10 * time.Second
)

type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

func (w *wsWriter) closeNormal(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (h *EventsHandler) Serve(c *gin.Context) {
	token := c.Param("token")
	secret := c.GetHeader(linkproto.SecretHeader)
	log := logx.FromContext(c.Request.Context())

	sess, err := h.Service.Get(c.Request.Context(), token)
	if err != nil {
		writeLinkError(c, model.LinkSession{}, err)
		return
	}
	creator := sess.CreatedWith(secret)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	writer := &wsWriter{conn: ws}
	conn := hub.NewConnection(token, writer, creator)
	h.Hub.Register(conn)
	defer func() {
		h.Hub.Unregister(conn)
		conn.Stop()
	}()

	// Registered first, then snapshot: a transition racing the subscription
	// is seen at least once, possibly twice. Clients drop duplicates by rank.
	sess, err = h.Service.Get(c.Request.Context(), token)
	if err != nil {
		writer.closeNormal("session gone")
		return
	}
	if ev := linkproto.EventFromView(sess.CreatorView(secret)); ev != nil {
		frame, err := linkproto.EncodeFrame(ev)
		if err != nil {
			log.Error("encode snapshot failed", "token", token, "error", err)
			return
		}
		// Nothing more can happen to a rejected or expired session.
		if ev.Kind() == linkproto.KindRejected || ev.Kind() == linkproto.KindExpired {
			if err := writer.Write(frame); err == nil {
				writer.closeNormal(string(ev.Kind()))
			}
			return
		}
		if !conn.Send(frame) {
			return
		}
	}

	go func() {
		if err := conn.WritePump(); err != nil {
			log.Debug("push write failed", "token", token, "error", err)
			conn.Stop()
		}
	}()

	ws.SetReadLimit(4096)
	pingPeriod := (pongWait * 9) / 10

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() {
		closeOnce.Do(func() {
			close(done)
		})
	}
	defer closeDone()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("push channel closed", "token", token, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			out, _ := json.Marshal(serverMessage{Type: "pong"})
			conn.Send(out)
		}
	}
}
