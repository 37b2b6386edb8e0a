// internal/api/hub.go
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aventura-engine/aventura/internal/bus"
	"github.com/aventura-engine/aventura/internal/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var forwardedEventTypes = []bus.EventType{
	bus.EventUserInput,
	bus.EventContextReady,
	bus.EventResponseStreaming,
	bus.EventSentenceComplete,
	bus.EventNarrativeResponse,
	bus.EventClassificationDone,
	bus.EventSuggestionsReady,
	bus.EventStateUpdated,
	bus.EventChapterCreated,
	bus.EventSaveComplete,
	bus.EventError,
}

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingPeriod   = pongTimeout / 2
)

// wireFrame is the JSON shape forwarded to connected WebSocket clients.
type wireFrame struct {
	Type    bus.EventType `json:"type"`
	StoryID string        `json:"story_id"`
	Seq     uint64        `json:"seq"`
	Payload any           `json:"payload"`
}

// Hub upgrades one HTTP connection per story to a WebSocket and forwards
// every bus event for that story as a JSON frame, for as long as the
// connection stays open.
//
// Grounded on the teacher's WebSocketManager/WebSocketClient pair
// (internal/api/websocket.go): the upgrader config and the
// per-connection buffered send channel plus write-pump goroutine are kept
// as-is; the teacher's register/unregister/broadcast channel trio collapses
// here into a direct bus.Subscribe/unsubscribe pair per connection, since
// Bus already serializes delivery — there is no separate broadcast loop to
// coordinate.
type Hub struct {
	bus *bus.Bus
}

func newHub(eventBus *bus.Bus) *Hub {
	return &Hub{bus: eventBus}
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request, storyID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		utils.GetLogger().Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	send := make(chan wireFrame, 64)
	handler := func(ev bus.Event) {
		if ev.StoryID != storyID {
			return
		}
		select {
		case send <- wireFrame{Type: ev.Type, StoryID: ev.StoryID, Seq: ev.Seq, Payload: ev.Payload}:
		default:
			utils.GetLogger().Warn("websocket client too slow, dropping event", map[string]interface{}{"story_id": storyID, "event_type": string(ev.Type)})
		}
	}

	var unsubscribers []func()
	for _, t := range forwardedEventTypes {
		unsubscribers = append(unsubscribers, h.bus.Subscribe(t, handler))
	}
	defer func() {
		for _, u := range unsubscribers {
			u()
		}
	}()

	go h.readPump(conn)
	h.writePump(conn, send)
}

// readPump only exists to notice the client disconnecting (or sending a
// pong) and to enforce the read deadline; the protocol has no
// client-to-server payload beyond the initial upgrade.
func (h *Hub) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			conn.Close()
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, send <-chan wireFrame) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				utils.GetLogger().Warn("failed to marshal event frame", map[string]interface{}{"error": err.Error()})
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
