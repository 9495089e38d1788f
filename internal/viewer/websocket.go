package viewer

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 4096
)

// Viewer -> server event types.
const (
	EventActivate   = "+activate"
	EventDeactivate = "-activate"
)

// Command is a message sent by a viewer over the websocket.
type Command struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// ServeWS runs a viewer session on an upgraded websocket connection and
// returns once the viewer is gone. The connection is closed on return.
func (h *Hub) ServeWS(conn *websocket.Conn) {
	v := h.Connect()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writePump(conn, v)
		// Unblock the read pump if the writer gave up first.
		_ = conn.Close()
	}()

	readPump(conn, v)
	h.Disconnect(v)
	<-writerDone
}

// readPump handles activation commands until the connection fails.
func readPump(conn *websocket.Conn, v *Viewer) {
	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket read error", "viewerID", v.ID, "error", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			slog.Debug("Ignoring invalid viewer command", "viewerID", v.ID, "error", err)
			continue
		}

		switch cmd.Event {
		case EventActivate:
			v.Activate(cmd.Data)
		case EventDeactivate:
			v.Deactivate(cmd.Data)
		default:
			slog.Debug("Ignoring unknown viewer command", "viewerID", v.ID, "event", cmd.Event)
		}
	}
}

// writePump is the only goroutine writing to conn.
func writePump(conn *websocket.Conn, v *Viewer) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-v.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Error("Failed to write WebSocket message", "viewerID", v.ID, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-v.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
