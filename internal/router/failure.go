// Package router applies the fate of each processed message: delete,
// release for redelivery, or forward to a dead-letter sink
package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"go.sqsresolver.dev/internal/common/metrics"
	"go.sqsresolver.dev/internal/queue"
	"go.sqsresolver.dev/internal/record"
	"go.sqsresolver.dev/internal/resolver"
	"go.sqsresolver.dev/internal/sink"
	"go.sqsresolver.dev/internal/warning"
)

// DefaultMaxReceiveCount is the receive count at which a retryable failure is dead-lettered
const DefaultMaxReceiveCount = 5

// Action is what happens to a message after its outcome is known
type Action int

const (
	// ActionDelete removes the message from the queue
	ActionDelete Action = iota
	// ActionRelease leaves the message to reappear after its visibility timeout
	ActionRelease
	// ActionDeadLetter forwards the message to the dead-letter sink, then deletes it
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionDelete:
		return "delete"
	case ActionRelease:
		return "release"
	case ActionDeadLetter:
		return "deadletter"
	default:
		return "unknown(" + strconv.Itoa(int(a)) + ")"
	}
}

// Policy holds the inputs of the routing decision that do not depend on the message
type Policy struct {
	// MaxReceiveCount is the dead-letter threshold
	MaxReceiveCount int

	// HasDeadLetter reports whether a dead-letter sink is configured
	HasDeadLetter bool

	// ForwardPermanent also forwards permanent failures to the dead-letter sink
	ForwardPermanent bool
}

// Decide returns the action for an outcome at a given receive count
func Decide(kind resolver.OutcomeKind, receiveCount int, p Policy) Action {
	threshold := p.MaxReceiveCount
	if threshold <= 0 {
		threshold = DefaultMaxReceiveCount
	}

	switch kind {
	case resolver.Success:
		return ActionDelete
	case resolver.Permanent:
		if p.ForwardPermanent && p.HasDeadLetter {
			return ActionDeadLetter
		}
		return ActionDelete
	default:
		if receiveCount < threshold {
			return ActionRelease
		}
		if p.HasDeadLetter {
			return ActionDeadLetter
		}
		return ActionDelete
	}
}

// Deleter is the queue capability the router needs
type Deleter interface {
	Delete(ctx context.Context, receiptHandle string) error
}

// Config configures the failure router
type Config struct {
	MaxReceiveCount  int
	ForwardPermanent bool

	// SourceQueue is recorded on dead-letter envelopes
	SourceQueue string
}

// Router applies routing decisions
type Router struct {
	queue      Deleter
	deadLetter sink.Sink
	info       sink.Sink
	warnings   warning.Service
	config     Config
}

// New creates a failure router. info may be nil. A nil deadLetter falls
// back to the log sink so an exhausted message is never deleted unrecorded.
func New(q Deleter, deadLetter, info sink.Sink, warnings warning.Service, cfg Config) *Router {
	if cfg.MaxReceiveCount <= 0 {
		cfg.MaxReceiveCount = DefaultMaxReceiveCount
	}
	if deadLetter == nil {
		log.Warn().Msg("No dead-letter sink configured, dead-lettered messages will be written to the log")
		deadLetter = sink.NewLogSink()
	}
	return &Router{
		queue:      q,
		deadLetter: deadLetter,
		info:       info,
		warnings:   warnings,
		config:     cfg,
	}
}

// Policy returns the router's decision policy
func (r *Router) Policy() Policy {
	return Policy{
		MaxReceiveCount:  r.config.MaxReceiveCount,
		HasDeadLetter:    r.deadLetter != nil,
		ForwardPermanent: r.config.ForwardPermanent,
	}
}

// Route decides and applies the fate of msg. item is nil when decoding
// failed. The returned action is what was actually done: a failed
// dead-letter forward is reported as ActionRelease with an error.
func (r *Router) Route(ctx context.Context, msg queue.RawMessage, item *record.WorkItem, outcome resolver.Outcome) (Action, error) {
	action := Decide(outcome.Kind, msg.ReceiveCount, r.Policy())

	logger := log.With().
		Str("messageId", msg.ID).
		Int("receiveCount", msg.ReceiveCount).
		Str("outcome", outcome.Kind.String()).
		Str("action", action.String()).
		Logger()

	switch action {
	case ActionRelease:
		metrics.RouterActions.WithLabelValues(action.String()).Inc()
		logger.Info().Err(outcome.Err).Str("reason", outcome.Reason).Msg("Releasing message for redelivery")
		return ActionRelease, nil

	case ActionDeadLetter:
		env := r.envelope(sink.KindDeadLetter, msg, item, outcome)
		env.Body = string(msg.Body)
		if err := r.deadLetter.Send(ctx, env); err != nil {
			metrics.RouterActions.WithLabelValues(ActionRelease.String()).Inc()
			logger.Error().Err(err).Str("sink", r.deadLetter.Name()).Msg("Dead-letter forward failed, message left on queue")
			r.addWarning(warning.CategoryDeadLetterFailed, warning.SeverityError,
				fmt.Sprintf("dead-letter forward to %s failed: %v", r.deadLetter.Name(), err), msg.ID)
			return ActionRelease, fmt.Errorf("dead-letter forward: %w", err)
		}
		r.addWarning(warning.CategoryDeadLettered, warning.SeverityWarning,
			fmt.Sprintf("dead-lettered after %d receives: %s", msg.ReceiveCount, outcome.Reason), msg.ID)

	case ActionDelete:
		switch outcome.Kind {
		case resolver.Success:
			r.sendInfo(ctx, msg, item, outcome)
		default:
			category := warning.CategoryRejectedRecord
			if item == nil {
				category = warning.CategoryPoisonMessage
			}
			logger.Warn().
				Err(outcome.Err).
				Str("reason", outcome.Reason).
				Str("body", string(msg.Body)).
				Msg("Permanent failure, deleting message")
			r.addWarning(category, warning.SeverityWarning, outcome.Reason, msg.ID)
		}
	}

	metrics.RouterActions.WithLabelValues(action.String()).Inc()
	return action, r.delete(ctx, msg)
}

func (r *Router) delete(ctx context.Context, msg queue.RawMessage) error {
	err := r.queue.Delete(ctx, msg.ReceiptHandle)
	if err == nil {
		return nil
	}
	if errors.Is(err, queue.ErrNotFound) {
		log.Warn().Str("messageId", msg.ID).Msg("Message already deleted or receipt handle expired")
		return nil
	}
	return fmt.Errorf("delete message %s: %w", msg.ID, err)
}

// sendInfo delivers the with-info payload. It is best effort: the record is
// already in the engine, so a failed send never blocks the delete.
func (r *Router) sendInfo(ctx context.Context, msg queue.RawMessage, item *record.WorkItem, outcome resolver.Outcome) {
	if outcome.Info == "" {
		return
	}
	if r.info == nil {
		log.Debug().Str("messageId", msg.ID).Str("info", outcome.Info).Msg("With-info response")
		return
	}

	env := r.envelope(sink.KindInfo, msg, item, outcome)
	env.Body = outcome.Info
	if err := r.info.Send(ctx, env); err != nil {
		log.Warn().Err(err).Str("messageId", msg.ID).Str("sink", r.info.Name()).Msg("Failed to send with-info response")
	}
}

func (r *Router) envelope(kind sink.Kind, msg queue.RawMessage, item *record.WorkItem, outcome resolver.Outcome) *sink.Envelope {
	env := &sink.Envelope{
		Kind:         kind,
		MessageID:    msg.ID,
		SourceQueue:  r.config.SourceQueue,
		ReceiveCount: msg.ReceiveCount,
		Outcome:      outcome.Kind.String(),
		Reason:       outcome.Reason,
		Timestamp:    time.Now().UTC(),
	}
	if item != nil {
		env.CorrelationID = item.CorrelationID
		env.DataSource = item.DataSource
		env.RecordID = item.RecordID
	}
	return env
}

func (r *Router) addWarning(category, severity, message, messageID string) {
	if r.warnings == nil {
		return
	}
	r.warnings.AddMessageWarning(category, severity, message, "router", messageID)
}
