// Package sink provides destinations for dead-lettered messages and
// with-info engine responses
package sink

import (
	"context"
	"encoding/json"
	"time"

	"go.sqsresolver.dev/internal/common/metrics"
)

// Kind identifies what an envelope carries
type Kind string

const (
	// KindDeadLetter is a message that exhausted its retry budget or failed permanently
	KindDeadLetter Kind = "deadletter"
	// KindInfo is a with-info response produced by the engine for a resolved record
	KindInfo Kind = "info"
)

// Envelope is the unit written to a sink
type Envelope struct {
	Kind          Kind      `json:"kind" bson:"kind"`
	MessageID     string    `json:"messageId" bson:"messageId"`
	CorrelationID string    `json:"correlationId,omitempty" bson:"correlationId,omitempty"`
	SourceQueue   string    `json:"sourceQueue,omitempty" bson:"sourceQueue,omitempty"`
	DataSource    string    `json:"dataSource,omitempty" bson:"dataSource,omitempty"`
	RecordID      string    `json:"recordId,omitempty" bson:"recordId,omitempty"`
	ReceiveCount  int       `json:"receiveCount" bson:"receiveCount"`
	Outcome       string    `json:"outcome,omitempty" bson:"outcome,omitempty"`
	Reason        string    `json:"reason,omitempty" bson:"reason,omitempty"`
	Body          string    `json:"body" bson:"body"`
	Timestamp     time.Time `json:"timestamp" bson:"timestamp"`
}

// Encode encodes the envelope to JSON
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Sink accepts envelopes for later inspection or downstream processing
type Sink interface {
	// Send writes an envelope. A nil error means the envelope is durably accepted.
	Send(ctx context.Context, env *Envelope) error

	// Name identifies the sink in logs and metrics
	Name() string

	// Close releases any underlying connections
	Close() error
}

// Instrument wraps a sink so every send is counted by sink, kind and result
func Instrument(s Sink) Sink {
	if s == nil {
		return nil
	}
	return &instrumented{Sink: s}
}

type instrumented struct {
	Sink
}

func (i *instrumented) Send(ctx context.Context, env *Envelope) error {
	err := i.Sink.Send(ctx, env)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.SinkSends.WithLabelValues(i.Sink.Name(), string(env.Kind), result).Inc()
	return err
}

// Unwrap returns the sink wrapped by Instrument, or s itself
func Unwrap(s Sink) Sink {
	if i, ok := s.(*instrumented); ok {
		return i.Sink
	}
	return s
}
