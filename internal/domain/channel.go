package domain

import "context"

// Sender delivers an outbound text over a messaging channel (ACS, WhatsApp, Telegram...).
type Sender interface {
	Name() string
	Send(ctx context.Context, msg OutboundMessage) (Receipt, error)
}

// Receipt is the channel's acknowledgement of an accepted send.
type Receipt struct {
	Messages []MessageReceipt `json:"receipts"`
}

type MessageReceipt struct {
	MessageID string `json:"messageId"`
	To        string `json:"to"`
}

// FirstID returns the first receipt's message id, or "".
func (r Receipt) FirstID() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[0].MessageID
}
