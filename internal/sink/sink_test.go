package sink

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

func testEnvelope() *Envelope {
	return &Envelope{
		Kind:         KindDeadLetter,
		MessageID:    "m-1",
		DataSource:   "CUSTOMERS",
		RecordID:     "1001",
		ReceiveCount: 5,
		Outcome:      "retryable",
		Reason:       "engine unavailable",
		Body:         `{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"1001"}`,
		Timestamp:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestEnvelopeEncode(t *testing.T) {
	data, err := testEnvelope().Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "deadletter", decoded["kind"])
	assert.Equal(t, "m-1", decoded["messageId"])
	assert.Equal(t, float64(5), decoded["receiveCount"])
	assert.NotContains(t, decoded, "correlationId")
}

func TestLogSinkNeverFails(t *testing.T) {
	s := NewLogSink()
	assert.NoError(t, s.Send(context.Background(), testEnvelope()))
	assert.Equal(t, "log", s.Name())
	assert.NoError(t, s.Close())
}

func TestNATSSinkPublishes(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	sub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	inbox, err := sub.SubscribeSync("records.deadletter")
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	s, err := NewNATSSink(NATSConfig{URL: srv.ClientURL(), Subject: "records.deadletter"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Send(context.Background(), testEnvelope()))

	msg, err := inbox.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "deadletter", msg.Header.Get("Kind"))
	assert.Equal(t, "m-1", msg.Header.Get("Original-Message-Id"))

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, "1001", env.RecordID)
}

func TestNATSSinkConnectFailure(t *testing.T) {
	_, err := NewNATSSink(NATSConfig{URL: "nats://127.0.0.1:1", Subject: "x"})
	assert.Error(t, err)
}

func TestRedisSinkUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	s := NewRedisSinkWithClient(client, "records:deadletter", 100)
	defer s.Close()

	err := s.Send(context.Background(), testEnvelope())
	assert.Error(t, err)
	assert.Equal(t, "redis", s.Name())
}

type failingSink struct{}

func (failingSink) Send(context.Context, *Envelope) error { return errors.New("down") }
func (failingSink) Name() string { return "failing" }
func (failingSink) Close() error { return nil }

func TestInstrumentPassesThrough(t *testing.T) {
	assert.Nil(t, Instrument(nil))

	s := Instrument(failingSink{})
	assert.Equal(t, "failing", s.Name())
	assert.EqualError(t, s.Send(context.Background(), testEnvelope()), "down")

	logSink := NewLogSink()
	ok := Instrument(logSink)
	assert.NoError(t, ok.Send(context.Background(), testEnvelope()))
	assert.Same(t, logSink, Unwrap(ok))
	assert.Same(t, logSink, Unwrap(logSink))
}
