// Package record turns raw queue messages into engine work items
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"go.sqsresolver.dev/internal/common/metrics"
	"go.sqsresolver.dev/internal/queue"
)

// Well-known record fields
const (
	FieldDataSource = "DATA_SOURCE"
	FieldRecordID   = "RECORD_ID"
)

// DefaultMaxBodyBytes is the SQS message size limit
const DefaultMaxBodyBytes = 256 * 1024

// WorkItem is a decoded record ready for the engine
type WorkItem struct {
	// Record is the parsed JSON object
	Record map[string]any

	// Raw is the message body, passed to the engine unchanged
	Raw json.RawMessage

	DataSource    string
	RecordID      string
	CorrelationID string

	// Source is the queue message this item was decoded from
	Source queue.RawMessage
}

// DecodeError reports a message body that can never be processed
type DecodeError struct {
	MessageID string
	Reason    string
	Err       error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode message %s: %s: %v", e.MessageID, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode message %s: %s", e.MessageID, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DecoderConfig configures record validation
type DecoderConfig struct {
	// RequiredFields must be present and non-empty in every record
	RequiredFields []string

	// DefaultDataSource fills a missing DATA_SOURCE (empty = no default)
	DefaultDataSource string

	// MaxBodyBytes rejects larger bodies (0 = DefaultMaxBodyBytes)
	MaxBodyBytes int
}

// DefaultDecoderConfig returns the configuration the engine's add-record call needs
func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{
		RequiredFields: []string{FieldDataSource, FieldRecordID},
		MaxBodyBytes:   DefaultMaxBodyBytes,
	}
}

// Decoder validates message bodies
type Decoder struct {
	config DecoderConfig
}

// NewDecoder creates a decoder
func NewDecoder(cfg DecoderConfig) *Decoder {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Decoder{config: cfg}
}

// Decode parses and validates a message. Any failure is a *DecodeError.
func (d *Decoder) Decode(msg queue.RawMessage) (*WorkItem, error) {
	item, err := d.decode(msg)
	if err != nil {
		metrics.DecodeErrors.Inc()
		return nil, err
	}
	return item, nil
}

func (d *Decoder) decode(msg queue.RawMessage) (*WorkItem, error) {
	body := bytes.TrimSpace(msg.Body)
	if len(body) == 0 {
		return nil, &DecodeError{MessageID: msg.ID, Reason: "empty body"}
	}
	if len(body) > d.config.MaxBodyBytes {
		return nil, &DecodeError{
			MessageID: msg.ID,
			Reason:    fmt.Sprintf("body is %d bytes, limit is %d", len(body), d.config.MaxBodyBytes),
		}
	}
	if body[0] != '{' {
		return nil, &DecodeError{MessageID: msg.ID, Reason: "body is not a JSON object"}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, &DecodeError{MessageID: msg.ID, Reason: "invalid JSON", Err: err}
	}
	if dec.More() {
		return nil, &DecodeError{MessageID: msg.ID, Reason: "trailing data after JSON object"}
	}

	if _, ok := rec[FieldDataSource]; !ok && d.config.DefaultDataSource != "" {
		rec[FieldDataSource] = d.config.DefaultDataSource
		filled, err := json.Marshal(rec)
		if err != nil {
			return nil, &DecodeError{MessageID: msg.ID, Reason: "re-encode with default data source", Err: err}
		}
		body = filled
	}

	for _, field := range d.config.RequiredFields {
		if _, ok := fieldString(rec, field); !ok {
			return nil, &DecodeError{MessageID: msg.ID, Reason: fmt.Sprintf("missing or empty required field %s", field)}
		}
	}

	dataSource, _ := fieldString(rec, FieldDataSource)
	recordID, _ := fieldString(rec, FieldRecordID)

	correlationID := msg.ID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	return &WorkItem{
		Record:        rec,
		Raw:           json.RawMessage(body),
		DataSource:    dataSource,
		RecordID:      recordID,
		CorrelationID: correlationID,
		Source:        msg,
	}, nil
}

// fieldString returns a non-empty string or number field as a string
func fieldString(rec map[string]any, field string) (string, bool) {
	switch v := rec[field].(type) {
	case string:
		s := strings.TrimSpace(v)
		return s, s != ""
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}
