package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ghalamif/ProxiFlow/internal/domain"
	"github.com/ghalamif/ProxiFlow/internal/ports"
)

const (
	wsWriteDeadline = 5 * time.Second
	wsReadDeadline  = 60 * time.Second
	wsPingInterval  = 30 * time.Second
	wsBroadcastBuf  = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// no Origin header means a non-browser client
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// StreamEvent is one message on GET /v1/stream.
type StreamEvent struct {
	Type      string         `json:"type"` // "flush" or "record"
	DeviceID  string         `json:"device_id"`
	Timestamp int64          `json:"timestamp"`
	Record    *domain.Record `json:"record,omitempty"`
}

// Hub fans stream events out to websocket clients. It is a ports.Notifier
// (one "flush" event per persisted batch) and, when records are streamed,
// a pipeline observer.
type Hub struct {
	deviceID string
	obs      ports.Observability

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	broadcast chan []byte
}

func NewHub(deviceID string, obs ports.Observability) *Hub {
	if obs == nil {
		obs = ports.NopObservability{}
	}
	return &Hub{
		deviceID:  deviceID,
		obs:       obs,
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan []byte, wsBroadcastBuf),
	}
}

// Run writes queued events to every client until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				_ = conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.remove(conn)
			}
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.obs.LogDebug("stream_client_connected", ports.Field{Key: "clients", Value: n})
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		_ = conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.obs.LogDebug("stream_client_disconnected", ports.Field{Key: "clients", Value: n})
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) publish(ev StreamEvent) error {
	message, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- message:
	default:
		h.obs.LogDebug("stream_broadcast_dropped", ports.Field{Key: "type", Value: ev.Type})
	}
	return nil
}

func (h *Hub) Notify(context.Context) error {
	return h.publish(StreamEvent{Type: "flush", DeviceID: h.deviceID, Timestamp: time.Now().UnixMilli()})
}

func (h *Hub) OnDataChanged(r *domain.Record) {
	_ = h.publish(StreamEvent{Type: "record", DeviceID: h.deviceID, Timestamp: r.Timestamp, Record: r})
}

// HandleWebSocket upgrades the request and keeps the connection until the
// client goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.obs.LogError("stream_upgrade_failed", err)
		return
	}
	h.add(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		h.remove(conn)
	}()

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteDeadline)); err != nil {
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

var _ ports.Notifier = (*Hub)(nil)
