package domain

import (
	"context"
	"encoding/json"
	"time"
)

// BroadcastMethod is the client-side method invoked for every relayed record.
const BroadcastMethod = "gridupdate"

// broadcastTimeLayout renders times the way the dashboard shows them (e.g. "3:04:05 PM").
const broadcastTimeLayout = "3:04:05 PM"

// Broadcast is the normalized summary pushed to real-time subscribers.
type Broadcast struct {
	Method    string
	ID        string
	EventType string
	Subject   string
	Time      string
	Payload   string
}

// NewBroadcast builds the summary for a record. payload is the text relayed
// as the fifth argument; for handshakes it is the whole request body.
func NewBroadcast(rec EventRecord, payload string) Broadcast {
	return Broadcast{
		Method:    BroadcastMethod,
		ID:        rec.ID,
		EventType: rec.EventType,
		Subject:   rec.Subject,
		Time:      FormatBroadcastTime(rec.Time),
		Payload:   payload,
	}
}

// FormatBroadcastTime returns "" for the zero time.
func FormatBroadcastTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(broadcastTimeLayout)
}

// Args returns the five positional arguments in wire order.
func (b Broadcast) Args() []any {
	return []any{b.ID, b.EventType, b.Subject, b.Time, b.Payload}
}

// invocationMessage is the SignalR JSON hub protocol frame for a
// non-blocking invocation (type 1).
type invocationMessage struct {
	Type      int    `json:"type"`
	Target    string `json:"target"`
	Arguments []any  `json:"arguments"`
}

// MarshalJSON encodes the broadcast as a hub invocation of Method.
func (b Broadcast) MarshalJSON() ([]byte, error) {
	method := b.Method
	if method == "" {
		method = BroadcastMethod
	}
	return json.Marshal(invocationMessage{Type: 1, Target: method, Arguments: b.Args()})
}

// Relay pushes broadcasts to subscribers. Delivery is best-effort and
// at-most-once to whoever is connected at the time of the call.
type Relay interface {
	Publish(ctx context.Context, b Broadcast) error
}
