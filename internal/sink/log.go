package sink

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogSink writes envelopes to the process log. It never fails.
type LogSink struct{}

// NewLogSink creates a new log sink
func NewLogSink() *LogSink {
	return &LogSink{}
}

// Send logs the envelope
func (s *LogSink) Send(ctx context.Context, env *Envelope) error {
	event := log.Info()
	if env.Kind == KindDeadLetter {
		event = log.Error()
	}
	event.
		Str("kind", string(env.Kind)).
		Str("messageId", env.MessageID).
		Str("dataSource", env.DataSource).
		Str("recordId", env.RecordID).
		Int("receiveCount", env.ReceiveCount).
		Str("outcome", env.Outcome).
		Str("reason", env.Reason).
		Str("body", env.Body).
		Msg("Sink envelope")
	return nil
}

// Name returns the sink name
func (s *LogSink) Name() string {
	return "log"
}

// Close is a no-op
func (s *LogSink) Close() error {
	return nil
}
