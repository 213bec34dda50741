// Package preview streams presented frames to WebSocket clients. Each of the
// renderer's two surfaces is a layer of the same hub.
package preview

import (
	"bytes"
	"encoding/json"
	"image/jpeg"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kanvas-composer/internal/media"
	"kanvas-composer/internal/platform/logger"
)

const (
	sendBuffer   = 8
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type message struct {
	kind int
	data []byte
}

type client struct {
	conn *websocket.Conn
	send chan message
}

// OpacityEvent is the text message sent when a layer is shown or hidden.
type OpacityEvent struct {
	Type    string  `json:"type"`
	Layer   int     `json:"layer"`
	Opacity float64 `json:"opacity"`
}

// Hub fans frames out to connected clients. Binary messages carry one layer
// byte followed by a JPEG picture.
type Hub struct {
	log     *slog.Logger
	quality int

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub returns a hub encoding frames at the given JPEG quality.
func NewHub(log *slog.Logger, quality int) *Hub {
	if log == nil {
		log = logger.Discard()
	}
	if quality <= 0 || quality > 100 {
		quality = 75
	}
	return &Hub{log: log, quality: quality, clients: make(map[*client]struct{})}
}

// Layer returns the surface for layer 0 or 1.
func (h *Hub) Layer(n int) *Layer {
	return &Layer{hub: h, n: n}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(m message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- m:
		default:
			h.log.Debug("preview client slow, frame dropped")
		}
	}
}

// ServeHTTP upgrades the request and streams until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("preview upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{conn: conn, send: make(chan message, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("preview client connected", slog.Int("clients", n))

	done := make(chan struct{})
	go h.writeLoop(c, done)

	// Reads only detect the close; clients send nothing we act on.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(done)
	h.remove(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
		h.log.Info("preview client disconnected")
	}
}

func (h *Hub) writeLoop(c *client, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case m := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(m.kind, m.data); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
}

// Layer is one presentation surface backed by the hub.
type Layer struct {
	hub *Hub
	n   int
}

// Present encodes f and sends it to every client. Nothing is encoded while
// no one is watching.
func (l *Layer) Present(f media.Frame) error {
	if l.hub.Clients() == 0 {
		return nil
	}
	img, err := f.RGBA()
	if err != nil {
		return err
	}
	var b bytes.Buffer
	b.WriteByte(byte(l.n))
	if err := jpeg.Encode(&b, img, &jpeg.Options{Quality: l.hub.quality}); err != nil {
		return err
	}
	l.hub.broadcast(message{kind: websocket.BinaryMessage, data: b.Bytes()})
	return nil
}

// SetOpacity tells clients to show or hide the layer.
func (l *Layer) SetOpacity(alpha float64) {
	data, _ := json.Marshal(OpacityEvent{Type: "opacity", Layer: l.n, Opacity: alpha})
	l.hub.broadcast(message{kind: websocket.TextMessage, data: data})
}
