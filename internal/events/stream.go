package events

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// StreamHub serves the gateway's incident stream over WebSocket. Unlike
// a full messaging fabric it is one-directional: every connection
// receives every CloudEvent published on the bus and never routes
// client-sent payloads anywhere.
type StreamHub struct {
	bus *EventBus
}

// NewStreamHub wraps an EventBus for websocket delivery.
func NewStreamHub(bus *EventBus) *StreamHub {
	return &StreamHub{bus: bus}
}

// buildCheckOrigin restricts cross-origin websocket upgrades in
// production. SENTRY_ENV=production requires SENTRY_ALLOWED_ORIGINS to
// be set; any other environment allows all origins.
func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("SENTRY_ENV")
	allowedRaw := os.Getenv("SENTRY_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}

	if env == "production" {
		log.Println("[events] SENTRY_ALLOWED_ORIGINS not set in production — allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     buildCheckOrigin(),
}

// ServeHTTP upgrades the request to a websocket and streams every
// incident/decision event until the client disconnects. An optional
// "type" query parameter (repeatable) narrows the subscription to
// specific event types; omitted, it receives everything.
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[events] websocket upgrade failed: %v", err)
		return
	}

	eventTypes := r.URL.Query()["type"]
	ch := h.bus.Subscribe(eventTypes...)

	log.Printf("[events] incident stream client connected (types=%v)", eventTypes)

	defer func() {
		h.bus.Unsubscribe(ch)
		conn.Close()
		log.Printf("[events] incident stream client disconnected")
	}()

	const (
		pongWait   = 60 * time.Second
		pingPeriod = 30 * time.Second
		writeWait  = 10 * time.Second
	)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Drain (and discard) client reads — only used to detect close
	// frames, since this stream is push-only.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-ch:
			if !ok {
				return
			}
			payload, err := event.JSON()
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
