// Package engine defines the entity-resolution engine capability and an HTTP
// client for it
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies an engine-reported failure
type ErrorKind int

const (
	// KindRetryable is a temporary condition (unavailability, contention, resource exhaustion)
	KindRetryable ErrorKind = iota
	// KindBadInput means the record itself can never be accepted
	KindBadInput
	// KindUnrecoverable means the engine is in a broken state that is not the record's fault
	KindUnrecoverable
)

func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "RETRYABLE"
	case KindBadInput:
		return "BAD_INPUT"
	case KindUnrecoverable:
		return "UNRECOVERABLE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(k))
	}
}

// ParseErrorKind maps an engine error type name to a kind. Unknown names are retryable.
func ParseErrorKind(s string) ErrorKind {
	switch s {
	case "BAD_INPUT", "BadInput":
		return KindBadInput
	case "UNRECOVERABLE", "Unrecoverable":
		return KindUnrecoverable
	default:
		return KindRetryable
	}
}

// Error is a failure reported by the engine
type Error struct {
	Kind    ErrorKind
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine %s error (%d): %s", e.Kind, e.Code, e.Message)
}

// ErrUnavailable is returned when the engine is not being called because the
// circuit breaker is open
var ErrUnavailable = errors.New("engine unavailable")

// AddRequest adds or replaces one record
type AddRequest struct {
	DataSource    string
	RecordID      string
	Record        json.RawMessage
	CorrelationID string

	// WithInfo asks the engine to return the entities affected by the add
	WithInfo bool
}

// AddResult is the engine's response to an add
type AddResult struct {
	// Info is the with-info payload (empty unless requested)
	Info string
}

// InitRequest carries the engine settings passed once at startup
type InitRequest struct {
	InstanceName string
	Settings     json.RawMessage
	Verbose      bool
}

// Engine is the resolution capability. AddRecord must be idempotent per
// (DataSource, RecordID) since messages are delivered at least once.
type Engine interface {
	Init(ctx context.Context, req InitRequest) error
	AddRecord(ctx context.Context, req AddRequest) (AddResult, error)
	Stats(ctx context.Context) (string, error)
	Heartbeat(ctx context.Context) error
	Close() error
}

// ValidateSettings checks that the engine settings are a JSON object
func ValidateSettings(settings []byte) error {
	if len(settings) == 0 {
		return errors.New("engine settings are empty")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(settings, &obj); err != nil {
		return fmt.Errorf("engine settings are not a JSON object: %w", err)
	}
	return nil
}
