package room

import "encoding/json"

// busEvent is the payload published to the per-room bus subject. Data holds
// the already-encoded server message; Exclude names a session the origin
// wants skipped during fan-out (session IDs are globally unique, so every
// instance can apply the exclusion locally).
type busEvent struct {
	RoomID  string          `json:"room_id"`
	Exclude string          `json:"exclude,omitempty"`
	Data    json.RawMessage `json:"data"`
}
