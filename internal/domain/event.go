package domain

import (
	"encoding/json"
	"time"
)

// Format identifies the envelope shape a record was decoded from.
type Format string

const (
	FormatLegacyBatch Format = "legacy-batch"
	FormatCloudEvent  Format = "cloudevent"
)

// EventRecord is one decoded event. Records are built once by the envelope
// parser and never mutated afterwards.
type EventRecord struct {
	ID        string    `json:"id"`
	EventType string    `json:"eventType"`
	Subject   string    `json:"subject"`
	Time      time.Time `json:"time"`
	Payload   Payload   `json:"payload"`
}

// ValidationChallenge carries the code echoed back during a subscription handshake.
type ValidationChallenge struct {
	Code string `json:"validationResponse"`
}

// PayloadKind tags the variant held by a Payload.
type PayloadKind int

const (
	PayloadOpaque PayloadKind = iota
	PayloadInboundMessage
)

func (k PayloadKind) String() string {
	if k == PayloadInboundMessage {
		return "inbound-message"
	}
	return "opaque"
}

// Payload is the body of a record: the verbatim JSON of the element plus,
// when the data section is an inbound chat message, its typed form.
type Payload struct {
	raw     json.RawMessage
	kind    PayloadKind
	message InboundMessage
}

// NewPayload wraps raw element JSON. The variant is decided here: a data
// object carrying any of the inbound-message keys becomes PayloadInboundMessage.
func NewPayload(raw []byte) Payload {
	p := Payload{raw: append(json.RawMessage(nil), raw...)}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.Data) == 0 {
		return p
	}
	if msg, ok := decodeInboundMessage(envelope.Data); ok {
		p.kind = PayloadInboundMessage
		p.message = msg
	}
	return p
}

func (p Payload) Kind() PayloadKind { return p.kind }

// Raw returns the verbatim JSON of the element.
func (p Payload) Raw() json.RawMessage { return p.raw }

// Text returns the verbatim JSON as a string, as relayed to subscribers.
func (p Payload) Text() string { return string(p.raw) }

// Message returns the typed inbound message, if the payload holds one.
func (p Payload) Message() (InboundMessage, bool) {
	return p.message, p.kind == PayloadInboundMessage
}

// Lookup walks the payload by object keys, e.g. Lookup("data", "validationCode").
func (p Payload) Lookup(path ...string) (any, bool) {
	var current any
	if err := json.Unmarshal(p.raw, &current); err != nil {
		return nil, false
	}
	for _, key := range path {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// LookupString is Lookup restricted to string leaves.
func (p Payload) LookupString(path ...string) (string, bool) {
	v, ok := p.Lookup(path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p.raw) == 0 {
		return []byte("null"), nil
	}
	return p.raw, nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	*p = NewPayload(data)
	return nil
}
