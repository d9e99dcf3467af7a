package broadcast

import "encoding/json"

// Event is one message on a room's live broadcast channel. Delivery is
// best-effort and at-most-once; anything that must survive an offline
// subscriber also goes through a durable repository.
type Event struct {
	Name    string          `json:"name"`
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}
