// Package queue defines the message queue abstraction used by the consumer
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Delete when the receipt handle is unknown,
	// already deleted, or expired
	ErrNotFound = errors.New("receipt handle not found")

	// ErrExpired is returned by ExtendVisibility when the message is no longer
	// in flight for this receipt handle
	ErrExpired = errors.New("receipt handle expired")
)

// RawMessage is a message as received from the queue service
type RawMessage struct {
	// ID is the broker-assigned message ID
	ID string

	// Body is the raw message payload
	Body []byte

	// ReceiptHandle identifies this particular receive of the message
	ReceiptHandle string

	// ReceiveCount is the approximate number of times the message was received,
	// including this receive
	ReceiveCount int

	// SentAt is when the message was first sent to the queue (zero if unknown)
	SentAt time.Time

	// Attributes holds string message attributes
	Attributes map[string]string
}

// Client is the queue service capability consumed by the dispatcher.
// Implementations retry transport failures internally and surface a
// *TransportError once their retry budget is exhausted.
type Client interface {
	// Receive blocks up to waitTime for up to maxMessages messages.
	// An empty slice with a nil error means nothing was available.
	Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]RawMessage, error)

	// Delete removes a message. Returns ErrNotFound for unknown or expired handles.
	Delete(ctx context.Context, receiptHandle string) error

	// ExtendVisibility sets the remaining visibility timeout of an in-flight message.
	// Returns ErrExpired if the message is no longer in flight.
	ExtendVisibility(ctx context.Context, receiptHandle string, d time.Duration) error
}

// TransportError reports a queue call that failed after exhausting retries
type TransportError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("queue %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is (or wraps) a *TransportError
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
