// Package dispatch turns decoded deliveries into broadcasts and bot replies.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"gridrelay/internal/bus"
	"gridrelay/internal/domain"
	"gridrelay/internal/envelope"
	"gridrelay/internal/logging"
	"gridrelay/internal/metrics"
	"gridrelay/internal/middleware"
	"gridrelay/internal/replybot"
)

type Config struct {
	Relay    domain.Relay
	Bot      *replybot.Bot     // nil disables replies
	Events   *bus.EventBus     // optional
	Outcomes *bus.OutcomeQueue // optional, feeds the journal
	Logger   *slog.Logger
}

// Dispatcher implements the webhook's event handler. Records of a delivery
// are processed one after another in body order; for each record the
// broadcast is attempted before the reply.
type Dispatcher struct {
	relay    domain.Relay
	bot      *replybot.Bot
	events   *bus.EventBus
	outcomes *bus.OutcomeQueue
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		relay:    cfg.Relay,
		bot:      cfg.Bot,
		events:   cfg.Events,
		outcomes: cfg.Outcomes,
		logger:   cfg.Logger.With("component", "dispatch"),
		now:      time.Now,
	}
}

// Handshake answers a subscription validation. The first record is relayed
// with the raw body as payload; a relay failure does not fail the handshake.
func (d *Dispatcher) Handshake(ctx context.Context, body []byte) (domain.ValidationChallenge, error) {
	logger := logging.WithContext(d.logger, ctx)

	challenge, first, err := envelope.ValidationCode(body)
	if err != nil {
		return domain.ValidationChallenge{}, err
	}
	if err := d.publish(ctx, domain.NewBroadcast(first, string(body))); err != nil {
		logger.Warn("handshake broadcast failed", "event_id", first.ID, "err", err)
	}
	d.emit(bus.Event{
		Type:   bus.EventHandshakeCompleted,
		Source: "dispatch",
		Fields: map[string]any{"event_id": first.ID, "request_id": middleware.GetRequestID(ctx)},
	})
	return challenge, nil
}

// Notify processes every record of a notification body. An envelope-level
// decode error is returned; per-record relay and reply failures are carried
// in the report.
func (d *Dispatcher) Notify(ctx context.Context, body []byte) (domain.Report, error) {
	logger := logging.WithContext(d.logger, ctx)

	batch, err := envelope.Parse(body)
	if err != nil {
		return domain.Report{}, err
	}

	for _, f := range batch.Failures {
		logger.Warn("skipping undecodable event", "index", f.Index, "err", f.Err)
		metrics.DecodeFailures.Inc()
		d.emit(bus.Event{
			Type:   bus.EventRecordRejected,
			Source: "dispatch",
			Fields: map[string]any{"index": f.Index, "err": f.Err.Error()},
		})
	}

	report := domain.Report{
		Format:   batch.Format,
		Outcomes: make([]domain.RecordOutcome, 0, len(batch.Records)),
		Failures: batch.Failures,
	}
	for _, rec := range batch.Records {
		report.Outcomes = append(report.Outcomes, d.process(ctx, logger, batch.Format, rec))
	}
	return report, nil
}

func (d *Dispatcher) process(ctx context.Context, logger *slog.Logger, format domain.Format, rec domain.EventRecord) domain.RecordOutcome {
	outcome := domain.RecordOutcome{
		RequestID: middleware.GetRequestID(ctx),
		EventID:   rec.ID,
		EventType: rec.EventType,
		Format:    format,
	}

	if err := d.publish(ctx, domain.NewBroadcast(rec, rec.Payload.Text())); err != nil {
		outcome.RelayErr = err
		logger.Warn("broadcast failed", "event_id", rec.ID, "err", err)
		d.emit(bus.Event{
			Type:   bus.EventRelayFailed,
			Source: "dispatch",
			Fields: map[string]any{"event_id": rec.ID, "err": err.Error()},
		})
	}

	if d.bot != nil {
		outcome.Reply = d.bot.MaybeReply(ctx, rec)
	} else {
		outcome.Reply = domain.ReplyOutcome{Status: domain.ReplySkipped}
	}
	outcome.At = d.now()

	logger.Debug("record processed",
		"event_id", rec.ID,
		"event_type", rec.EventType,
		"reply", outcome.Reply.Status,
	)
	metrics.ObserveOutcome(outcome)
	d.emit(bus.Event{Type: bus.EventRecordProcessed, Source: "dispatch", Outcome: &outcome})
	if d.outcomes != nil {
		d.outcomes.Publish(outcome)
	}
	return outcome
}

func (d *Dispatcher) publish(ctx context.Context, b domain.Broadcast) error {
	if d.relay == nil {
		return nil
	}
	return d.relay.Publish(ctx, b)
}

func (d *Dispatcher) emit(e bus.Event) {
	if d.events != nil {
		d.events.Emit(e)
	}
}
