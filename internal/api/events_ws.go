package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quillchat/quill/internal/pool"
)

type eventEnvelope struct {
	Version int        `json:"v"`
	Type    string     `json:"type"`
	TS      time.Time  `json:"ts"`
	Event   pool.Event `json:"event"`
}

// eventsWebSocket streams pool lifecycle events to the UI: created, exit,
// evicted, destroyed, plus raw data chunks for activity indicators. Chunks
// are base64 in the JSON encoding. Optional ?instance_id= narrows the
// stream.
func (h *Handler) eventsWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	filter := r.URL.Query().Get("instance_id")
	events, cancel := h.pool.Events().Subscribe(0)
	defer cancel()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for event := range events {
			if filter != "" && event.InstanceID != filter {
				continue
			}
			envelope := eventEnvelope{
				Version: attachProtocolVersion,
				Type:    "pool." + string(event.Kind),
				TS:      time.Now().UTC(),
				Event:   event,
			}
			if err := conn.WriteJSON(envelope); err != nil {
				return
			}
		}
	}()

	// Reads only detect disconnect; inbound messages are ignored.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	cancel()
	<-writeDone
}
