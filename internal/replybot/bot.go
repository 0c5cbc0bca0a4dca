// Package replybot answers inbound chat messages with a fixed decision table.
// It keeps no conversation state: every decision depends on the current
// message alone.
package replybot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gridrelay/internal/domain"
)

var (
	ErrMissingSender = errors.New("inbound message has no sender")
	ErrNoReceipt     = errors.New("send accepted without a receipt")
	ErrNotMessage    = errors.New("payload is not an inbound message")
)

// Replies holds the texts for each branch of the decision table.
type Replies struct {
	Welcome    string `json:"welcome" yaml:"welcome"`
	InvalidOTP string `json:"invalidOtp" yaml:"invalidOtp"`
	Assist     string `json:"assist" yaml:"assist"`
	Fallback   string `json:"fallback" yaml:"fallback"`
}

func DefaultReplies() Replies {
	return Replies{
		Welcome:    "Welcome! To initiate a conversation, kindly provide the mobile OTP.",
		InvalidOTP: "The OTP entered is invalid. Please try again.",
		Assist:     "Hello! I'm here to assist you. How can I help you today?",
		Fallback:   "I am still in training. Could you please rephrase your question? or input \"Hi\" to start again",
	}
}

type Config struct {
	Sender         domain.Sender
	RegistrationID string
	// EventMarker selects the event types the bot answers (substring match).
	EventMarker string
	Greeting    string
	AcceptedOTP string
	Replies     Replies
	Timeout     time.Duration
	Logger      *slog.Logger
}

type Bot struct {
	sender         domain.Sender
	registrationID string
	marker         string
	greeting       string
	acceptedOTP    string
	replies        Replies
	timeout        time.Duration
	logger         *slog.Logger
}

func New(cfg Config) *Bot {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EventMarker == "" {
		cfg.EventMarker = "AdvancedMessageReceived"
	}
	if cfg.Greeting == "" {
		cfg.Greeting = "Hi"
	}
	if cfg.AcceptedOTP == "" {
		cfg.AcceptedOTP = "9900"
	}
	defaults := DefaultReplies()
	if cfg.Replies.Welcome == "" {
		cfg.Replies.Welcome = defaults.Welcome
	}
	if cfg.Replies.InvalidOTP == "" {
		cfg.Replies.InvalidOTP = defaults.InvalidOTP
	}
	if cfg.Replies.Assist == "" {
		cfg.Replies.Assist = defaults.Assist
	}
	if cfg.Replies.Fallback == "" {
		cfg.Replies.Fallback = defaults.Fallback
	}
	return &Bot{
		sender:         cfg.Sender,
		registrationID: cfg.RegistrationID,
		marker:         cfg.EventMarker,
		greeting:       cfg.Greeting,
		acceptedOTP:    cfg.AcceptedOTP,
		replies:        cfg.Replies,
		timeout:        cfg.Timeout,
		logger:         cfg.Logger.With("component", "replybot"),
	}
}

// Applies reports whether the bot answers records of this event type.
func (b *Bot) Applies(eventType string) bool {
	return strings.Contains(eventType, b.marker)
}

// Decide picks the reply for a message body. Rules are checked in order:
// empty content, the greeting, a rejected 4-digit code, anything else.
func (b *Bot) Decide(content string) string {
	switch {
	case content == "":
		return b.replies.Fallback
	case content == b.greeting:
		return b.replies.Welcome
	case isRejectedOTP(content, b.acceptedOTP):
		return b.replies.InvalidOTP
	default:
		return b.replies.Assist
	}
}

// isRejectedOTP matches exactly four characters that parse as an integer and
// differ from the accepted code. "+123", "-123" and " 123" count as integers:
// surrounding whitespace is ignored when parsing but not when counting.
func isRejectedOTP(content, accepted string) bool {
	if len(content) != 4 {
		return false
	}
	if _, err := strconv.Atoi(strings.TrimSpace(content)); err != nil {
		return false
	}
	return content != accepted
}

// MaybeReply answers the record if it is an inbound chat message. It never
// returns an error: failures are reported in the outcome.
func (b *Bot) MaybeReply(ctx context.Context, rec domain.EventRecord) domain.ReplyOutcome {
	if !b.Applies(rec.EventType) {
		return domain.ReplyOutcome{Status: domain.ReplySkipped}
	}
	logger := b.logger.With("event_id", rec.ID)

	msg, ok := rec.Payload.Message()
	if !ok {
		// Marker present but data carries none of the message keys.
		logger.Warn("message event without message data")
		return domain.ReplyOutcome{Status: domain.ReplyFailed, Err: ErrNotMessage}
	}
	text := b.Decide(msg.Content)
	if msg.From == "" {
		logger.Warn("cannot reply", "err", ErrMissingSender)
		return domain.ReplyOutcome{Status: domain.ReplyFailed, Text: text, Err: ErrMissingSender}
	}
	outcome := domain.ReplyOutcome{Recipient: msg.From, Text: text}

	if b.sender == nil {
		outcome.Status = domain.ReplyFailed
		outcome.Err = errors.New("no outbound sender configured")
		logger.Warn("reply not sent", "err", outcome.Err)
		return outcome
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	receipt, err := b.sender.Send(ctx, domain.OutboundMessage{
		Recipients:     []string{msg.From},
		RegistrationID: b.registrationID,
		Text:           text,
	})
	if err == nil && receipt.FirstID() == "" {
		err = ErrNoReceipt
	}
	if err != nil {
		outcome.Status = domain.ReplyFailed
		outcome.Err = fmt.Errorf("%s send: %w", b.sender.Name(), err)
		logger.Error("reply failed", "to", msg.From, "err", outcome.Err)
		return outcome
	}

	outcome.Status = domain.ReplySent
	outcome.MessageID = receipt.FirstID()
	logger.Info("reply sent", "to", msg.From, "message_id", outcome.MessageID, "channel", b.sender.Name())
	return outcome
}
