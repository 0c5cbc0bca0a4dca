package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridrelay/internal/domain"
)

func sampleBroadcast() domain.Broadcast {
	rec := domain.EventRecord{
		ID:        "evt-1",
		EventType: "Microsoft.Storage.BlobCreated",
		Subject:   "/blobs/x",
		Time:      time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC),
	}
	return domain.NewBroadcast(rec, `{"id":"evt-1"}`)
}

type recordingRelay struct {
	mu    sync.Mutex
	calls []domain.Broadcast
	err   error
}

func (r *recordingRelay) Publish(_ context.Context, b domain.Broadcast) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, b)
	return r.err
}

func TestFanout_PublishesToEveryTransport(t *testing.T) {
	a, b := &recordingRelay{}, &recordingRelay{}
	f := NewFanout(nil, Transport{Name: "a", Relay: a})
	f.Add("b", b)

	require.NoError(t, f.Publish(context.Background(), sampleBroadcast()))

	assert.Len(t, a.calls, 1)
	assert.Len(t, b.calls, 1)
	assert.Equal(t, []string{"a", "b"}, f.Names())
	assert.Equal(t, 2, f.Len())
}

func TestFanout_FailingTransportDoesNotStopOthers(t *testing.T) {
	bad1 := &recordingRelay{err: errors.New("down")}
	good := &recordingRelay{}
	bad2 := &recordingRelay{err: errors.New("refused")}
	f := NewFanout(nil,
		Transport{Name: "bad1", Relay: bad1},
		Transport{Name: "good", Relay: good},
		Transport{Name: "bad2", Relay: bad2},
	)

	err := f.Publish(context.Background(), sampleBroadcast())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad1: down")
	assert.Contains(t, err.Error(), "bad2: refused")
	assert.Len(t, good.calls, 1)
}

func TestFanout_NoTransports(t *testing.T) {
	assert.NoError(t, NewFanout(nil).Publish(context.Background(), sampleBroadcast()))
}

type fakeNATS struct {
	subject string
	data    []byte
	err     error
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.subject, f.data = subject, data
	return f.err
}

func TestNATS_PublishesInvocationFrame(t *testing.T) {
	conn := &fakeNATS{}
	n := NewNATS(conn, "gridrelay.updates")

	require.NoError(t, n.Publish(context.Background(), sampleBroadcast()))

	assert.Equal(t, "gridrelay.updates", conn.subject)
	assert.JSONEq(t,
		`{"type":1,"target":"gridupdate","arguments":["evt-1","Microsoft.Storage.BlobCreated","/blobs/x","9:30:00 AM","{\"id\":\"evt-1\"}"]}`,
		string(conn.data))
}

func TestNATS_CancelledContext(t *testing.T) {
	conn := &fakeNATS{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewNATS(conn, "s").Publish(ctx, sampleBroadcast())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, conn.data)
}

func TestRedis_PublishReachesSubscriber(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	sub := client.Subscribe(ctx, "gridupdates")
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, NewRedis(client, "gridupdates").Publish(ctx, sampleBroadcast()))

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)

	var frame struct {
		Target    string `json:"target"`
		Arguments []any  `json:"arguments"`
	}
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &frame))
	assert.Equal(t, "gridupdate", frame.Target)
	assert.Len(t, frame.Arguments, 5)
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := DialRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	client.Close()

	_, err = DialRedis(context.Background(), "not a url")
	assert.Error(t, err)
}

type fakeAMQPChannel struct {
	exchange string
	msg      amqp.Publishing
	closed   bool
	err      error
}

func (f *fakeAMQPChannel) PublishWithContext(_ context.Context, exchange, _ string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.msg = exchange, msg
	return f.err
}

func (f *fakeAMQPChannel) IsClosed() bool { return f.closed }
func (f *fakeAMQPChannel) Close() error   { f.closed = true; return nil }

func TestAMQP_PublishesToExchange(t *testing.T) {
	ch := &fakeAMQPChannel{}
	a := newAMQPWithChannel(ch, "grid.fanout")

	require.NoError(t, a.Publish(context.Background(), sampleBroadcast()))

	assert.Equal(t, "grid.fanout", ch.exchange)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, "evt-1", ch.msg.MessageId)
	assert.Equal(t, "gridupdate", ch.msg.Type)
	assert.Contains(t, string(ch.msg.Body), `"target":"gridupdate"`)
}

func TestAMQP_ClosedChannelWithoutRedial(t *testing.T) {
	ch := &fakeAMQPChannel{closed: true}
	a := newAMQPWithChannel(ch, "grid.fanout")

	err := a.Publish(context.Background(), sampleBroadcast())

	assert.ErrorIs(t, err, errAMQPNotConnected)
}
