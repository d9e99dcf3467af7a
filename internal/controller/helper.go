package controller

import (
	"sync"

	"github.com/gorilla/websocket"
)

type Output struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// wsWriter serializes writes to one UI connection. Handler replies and
// coordinator events arrive from different goroutines.
type wsWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSWriter(conn *websocket.Conn) *wsWriter {
	return &wsWriter{conn: conn}
}

func (w *wsWriter) Write(output *Output) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.conn.WriteJSON(output)
}

func (w *wsWriter) Emit(eventType string, payload any) {
	w.Write(&Output{Type: eventType, Payload: payload})
}
