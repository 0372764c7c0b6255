package notify

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
)

const (
	defaultWSWriteTimeout = 10 * time.Second
	defaultWSPingInterval = 30 * time.Second
)

type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// WebsocketHandler streams hub events to a websocket client. The job_id and
// owner_id query parameters narrow the stream; at least one is required.
type WebsocketHandler struct {
	hub          *Hub
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration
}

type WebsocketOpt func(w *WebsocketHandler)

func WithAllowAllOrigins() WebsocketOpt {
	return func(w *WebsocketHandler) {
		w.upgrader.CheckOrigin = func(r *http.Request) bool {
			return true
		}
	}
}

func WithPingInterval(d time.Duration) WebsocketOpt {
	return func(w *WebsocketHandler) {
		w.pingInterval = d
	}
}

func NewWebsocketHandler(hub *Hub, opts ...WebsocketOpt) *WebsocketHandler {
	w := &WebsocketHandler{
		hub:          hub,
		writeTimeout: defaultWSWriteTimeout,
		pingInterval: defaultWSPingInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebsocketHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	filter := Filter{
		JobID:   r.URL.Query().Get("job_id"),
		OwnerID: r.URL.Query().Get("owner_id"),
	}
	if filter.JobID == "" && filter.OwnerID == "" {
		http.Error(rw, "job_id or owner_id is required", http.StatusBadRequest)
		return
	}
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.Error("error upgrading websocket", "err", err)
		return
	}
	defer conn.Close()

	sub := w.hub.Subscribe(filter)
	defer sub.Close()

	// the client never sends data; reading detects the close handshake
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(w.pingInterval)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				w.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"))
				return
			}
			msg, err := json.Marshal(frame{Event: ev.Name, Data: ev.Data})
			if err != nil {
				log.Error("error encoding notification", "event", ev.Name, "err", err)
				continue
			}
			if err := w.write(conn, websocket.TextMessage, msg); err != nil {
				log.Debug("error writing notification", "subscription_id", sub.ID, "err", err)
				return
			}
		case <-ping.C:
			if err := w.write(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (w *WebsocketHandler) write(conn *websocket.Conn, msgType int, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(msgType, data)
}
