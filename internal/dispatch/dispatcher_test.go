package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridrelay/internal/bus"
	"gridrelay/internal/domain"
	"gridrelay/internal/envelope"
	"gridrelay/internal/middleware"
	"gridrelay/internal/replybot"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder logs the order of relay and send calls.
type recorder struct {
	mu       sync.Mutex
	calls    []string
	relayed  []domain.Broadcast
	relayErr error
}

func (r *recorder) Publish(_ context.Context, b domain.Broadcast) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "relay:"+b.ID)
	r.relayed = append(r.relayed, b)
	return r.relayErr
}

type sender struct{ rec *recorder }

func (s sender) Name() string { return "fake" }

func (s sender) Send(_ context.Context, msg domain.OutboundMessage) (domain.Receipt, error) {
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	s.rec.calls = append(s.rec.calls, "send:"+msg.Text)
	return domain.Receipt{Messages: []domain.MessageReceipt{{MessageID: "m", To: msg.Recipients[0]}}}, nil
}

func newDispatcher(rec *recorder) *Dispatcher {
	bot := replybot.New(replybot.Config{Sender: sender{rec}, RegistrationID: "reg", Logger: testLogger()})
	return New(Config{Relay: rec, Bot: bot, Logger: testLogger()})
}

const messageEvent = `{"id":"%s","eventType":"Microsoft.Communication.AdvancedMessageReceived","subject":"s","eventTime":"2024-05-01T15:04:05Z","data":{"content":"Hi","from":"15551234567","channelType":"whatsapp"}}`

func TestNotify_LegacyBatchRelaysEveryRecordInOrder(t *testing.T) {
	rec := &recorder{}
	d := newDispatcher(rec)

	body := `[
		{"id":"a","eventType":"Microsoft.Storage.BlobCreated","subject":"/a","eventTime":"2024-05-01T15:04:05Z","data":{}},
		{"id":"b","eventType":"Microsoft.Communication.AdvancedMessageReceived","subject":"/b","data":{"content":"1234","from":"1"}},
		{"id":"c","eventType":"Microsoft.Storage.BlobDeleted","subject":"/c","data":{}}
	]`
	report, err := d.Notify(context.Background(), []byte(body))

	require.NoError(t, err)
	assert.Equal(t, domain.FormatLegacyBatch, report.Format)
	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, []string{
		"relay:a",
		"relay:b",
		"send:" + replybot.DefaultReplies().InvalidOTP,
		"relay:c",
	}, rec.calls)
	assert.Equal(t, 1, report.Replies(domain.ReplySent))
	assert.Equal(t, 2, report.Replies(domain.ReplySkipped))

	first := rec.relayed[0]
	assert.Equal(t, domain.BroadcastMethod, first.Method)
	assert.Equal(t, "Microsoft.Storage.BlobCreated", first.EventType)
	assert.Equal(t, "/a", first.Subject)
	assert.Equal(t, "3:04:05 PM", first.Time)
	assert.Contains(t, first.Payload, `"id":"a"`)
	assert.Empty(t, rec.relayed[1].Time, "missing eventTime renders empty")
}

func TestNotify_CloudEventRelaysOnce(t *testing.T) {
	rec := &recorder{}
	d := newDispatcher(rec)

	body := `{"specversion":"1.0","id":"ce-1","type":"Microsoft.Communication.AdvancedMessageReceived","subject":"s","time":"2024-02-01T08:09:10Z","data":{"content":"Hi","from":"15551234567"}}`
	report, err := d.Notify(context.Background(), []byte(body))

	require.NoError(t, err)
	assert.Equal(t, domain.FormatCloudEvent, report.Format)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, []string{"relay:ce-1", "send:" + replybot.DefaultReplies().Welcome}, rec.calls)
	assert.Equal(t, body, rec.relayed[0].Payload)
}

func TestNotify_NonMessageTypesNeverSend(t *testing.T) {
	rec := &recorder{}
	d := newDispatcher(rec)

	_, err := d.Notify(context.Background(), []byte(`[{"id":"x","eventType":"Microsoft.Storage.BlobCreated","data":{"content":"Hi","from":"1"}}]`))

	require.NoError(t, err)
	assert.Equal(t, []string{"relay:x"}, rec.calls)
}

func TestNotify_RelayFailureDoesNotBlockReply(t *testing.T) {
	rec := &recorder{relayErr: errors.New("no subscribers reachable")}
	d := newDispatcher(rec)

	report, err := d.Notify(context.Background(), []byte("["+fmt.Sprintf(messageEvent, "m1")+"]"))

	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Error(t, report.Outcomes[0].RelayErr)
	assert.Equal(t, domain.ReplySent, report.Outcomes[0].Reply.Status)
	assert.Equal(t, []string{"relay:m1", "send:" + replybot.DefaultReplies().Welcome}, rec.calls)
}

func TestNotify_EnvelopeErrors(t *testing.T) {
	d := newDispatcher(&recorder{})

	_, err := d.Notify(context.Background(), []byte(`{"id":"x"}`))
	assert.ErrorIs(t, err, envelope.ErrAmbiguousEnvelope)

	_, err = d.Notify(context.Background(), []byte(`nope`))
	assert.ErrorIs(t, err, envelope.ErrMalformedEnvelope)
}

func TestNotify_FailuresReportedAndSiblingsProcessed(t *testing.T) {
	rec := &recorder{}
	d := newDispatcher(rec)

	report, err := d.Notify(context.Background(), []byte(`[{"id":"a","eventType":"T"}, 7, {"id":"c","eventType":"T"}]`))

	require.NoError(t, err)
	assert.Len(t, report.Outcomes, 2)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, 1, report.Failures[0].Index)
	assert.Equal(t, []string{"relay:a", "relay:c"}, rec.calls)
}

func TestNotify_EmitsEventsAndQueuesOutcomes(t *testing.T) {
	rec := &recorder{}
	events := bus.NewEventBus(testLogger())
	queue := bus.NewOutcomeQueue(10, testLogger())
	d := New(Config{Relay: rec, Events: events, Outcomes: queue, Logger: testLogger()})

	var processed []string
	events.On(bus.EventRecordProcessed, func(e bus.Event) {
		processed = append(processed, e.Outcome.EventID)
	})

	ctx := middleware.WithRequestID(context.Background(), "req-42")
	report, err := d.Notify(ctx, []byte(`[{"id":"a","eventType":"T"},{"id":"b","eventType":"T"}]`))
	require.NoError(t, err)
	queue.Close()

	assert.Equal(t, []string{"a", "b"}, processed)
	for _, o := range report.Outcomes {
		assert.Equal(t, "req-42", o.RequestID)
		assert.Equal(t, domain.ReplySkipped, o.Reply.Status, "no bot configured")
		assert.False(t, o.At.IsZero())
	}
	var queued int
	for range queue.Subscribe() {
		queued++
	}
	assert.Equal(t, 2, queued)
}

func TestHandshake_RelaysRawBodyAndReturnsCode(t *testing.T) {
	rec := &recorder{}
	d := newDispatcher(rec)

	body := `[{"id":"v1","eventType":"Microsoft.EventGrid.SubscriptionValidationEvent","subject":"","eventTime":"2018-01-25T22:12:19Z","data":{"validationCode":"512d38b6"}}]`
	challenge, err := d.Handshake(context.Background(), []byte(body))

	require.NoError(t, err)
	assert.Equal(t, "512d38b6", challenge.Code)
	require.Len(t, rec.relayed, 1)
	assert.Equal(t, body, rec.relayed[0].Payload)
	assert.Equal(t, "v1", rec.relayed[0].ID)
}

func TestHandshake_RelayFailureIsNotFatal(t *testing.T) {
	rec := &recorder{relayErr: errors.New("down")}
	d := newDispatcher(rec)

	challenge, err := d.Handshake(context.Background(), []byte(`[{"id":"v","data":{"validationCode":"abc"}}]`))

	require.NoError(t, err)
	assert.Equal(t, "abc", challenge.Code)
}

func TestHandshake_MissingCode(t *testing.T) {
	rec := &recorder{}
	d := newDispatcher(rec)

	_, err := d.Handshake(context.Background(), []byte(`[{"id":"v","data":{}}]`))

	assert.ErrorIs(t, err, envelope.ErrMissingValidationCode)
	assert.Empty(t, rec.relayed)
}
