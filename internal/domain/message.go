package domain

import (
	"encoding/json"
	"time"
)

// InboundMessage is the data section of an inbound chat message event.
type InboundMessage struct {
	Content     string    `json:"content,omitempty"`
	ChannelType string    `json:"channelType,omitempty"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	ReceivedAt  time.Time `json:"receivedTimestamp,omitzero"`
}

// OutboundMessage is a text reply addressed under a channel registration.
type OutboundMessage struct {
	Recipients     []string
	RegistrationID string
	Text           string
}

var inboundMessageKeys = []string{"content", "from", "channelType"}

func decodeInboundMessage(data json.RawMessage) (InboundMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return InboundMessage{}, false
	}
	found := false
	for _, key := range inboundMessageKeys {
		if _, ok := fields[key]; ok {
			found = true
			break
		}
	}
	if !found {
		return InboundMessage{}, false
	}

	var msg InboundMessage
	stringField(fields, "content", &msg.Content)
	stringField(fields, "channelType", &msg.ChannelType)
	stringField(fields, "from", &msg.From)
	stringField(fields, "to", &msg.To)

	var received string
	stringField(fields, "receivedTimestamp", &received)
	if received != "" {
		// A malformed timestamp leaves ReceivedAt zero; the message is still usable.
		if ts, err := time.Parse(time.RFC3339Nano, received); err == nil {
			msg.ReceivedAt = ts
		}
	}
	return msg, true
}

// stringField decodes fields[key] into dst when it is a JSON string.
func stringField(fields map[string]json.RawMessage, key string, dst *string) {
	raw, ok := fields[key]
	if !ok {
		return
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		*dst = s
	}
}
