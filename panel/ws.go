package panel

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event types sent on the panel stream.
const (
	EventOverview = "overview"
	EventFlag     = "flag"
	EventState    = "state"
)

// Event is one frame on /api/panel/ws.
type Event struct {
	Type     string    `json:"type"`
	PostID   string    `json:"postId,omitempty"`
	Flagged  *bool     `json:"flagged,omitempty"` // set on flag frames only
	State    State     `json:"state,omitempty"`
	Overview *Overview `json:"overview,omitempty"`
}

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

type wsClient struct {
	conn *websocket.Conn
	send chan Event
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// hub fans events out to stream clients. A client whose buffer is full
// misses the frame; it can resync from /api/panel.
type hub struct {
	logger  *slog.Logger
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{logger: logger, clients: make(map[*wsClient]struct{})}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Warn("panel: stream client slow, frame dropped", "type", ev.Type)
		}
	}
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// serveStream upgrades the request and streams events until either side
// goes away. The first frame is the current overview.
func (c *Controller) serveStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("panel: websocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan Event, sendBuffer)}
	ov := c.Overview()
	client.send <- Event{Type: EventOverview, Overview: &ov}
	c.hub.add(client)
	c.logger.Debug("panel: stream client connected", "remote_addr", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer conn.Close()
		for ev := range client.send {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				c.logger.Debug("panel: stream write failed", "error", err)
				return
			}
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
	}()

	// Incoming frames are ignored; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	c.hub.remove(client)
	<-done
	c.logger.Debug("panel: stream client disconnected", "remote_addr", r.RemoteAddr)
}
