package domain

import "time"

type ReplyStatus string

const (
	ReplySkipped ReplyStatus = "skipped"
	ReplySent    ReplyStatus = "replied"
	ReplyFailed  ReplyStatus = "failed"
)

// ReplyOutcome is what the reply bot did with one record.
type ReplyOutcome struct {
	Status    ReplyStatus `json:"status"`
	Recipient string      `json:"recipient,omitempty"`
	Text      string      `json:"text,omitempty"`
	MessageID string      `json:"messageId,omitempty"`
	Err       error       `json:"-"`
}

// RecordOutcome is the per-record result of a dispatch.
type RecordOutcome struct {
	RequestID string       `json:"requestId,omitempty"`
	EventID   string       `json:"eventId"`
	EventType string       `json:"eventType"`
	Format    Format       `json:"format"`
	RelayErr  error        `json:"-"`
	Reply     ReplyOutcome `json:"reply"`
	At        time.Time    `json:"at"`
}

// DecodeFailure describes a batch element that could not become a record.
type DecodeFailure struct {
	Index int   `json:"index"`
	Err   error `json:"-"`
}

// Report summarizes one notification delivery.
type Report struct {
	Format   Format          `json:"format"`
	Outcomes []RecordOutcome `json:"outcomes"`
	Failures []DecodeFailure `json:"failures,omitempty"`
}

// Replies counts outcomes with the given reply status.
func (r Report) Replies(status ReplyStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Reply.Status == status {
			n++
		}
	}
	return n
}
