// Package resolver invokes the resolution engine for a work item and
// classifies the result
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"go.sqsresolver.dev/internal/common/metrics"
	"go.sqsresolver.dev/internal/engine"
	"go.sqsresolver.dev/internal/record"
)

// OutcomeKind is the classified result of processing one message
type OutcomeKind int

const (
	// Success means the engine accepted the record
	Success OutcomeKind = iota
	// Retryable means the record should be redelivered later
	Retryable
	// Permanent means the record can never succeed
	Permanent
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Outcome is the result of resolving one work item
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Err    error

	// Info is the engine's with-info payload for successful adds
	Info string

	Duration time.Duration
}

// SuccessOutcome builds a success outcome
func SuccessOutcome(info string) Outcome {
	return Outcome{Kind: Success, Info: info}
}

// RetryableOutcome builds a retryable failure outcome
func RetryableOutcome(reason string, err error) Outcome {
	return Outcome{Kind: Retryable, Reason: reason, Err: err}
}

// PermanentOutcome builds a permanent failure outcome
func PermanentOutcome(reason string, err error) Outcome {
	return Outcome{Kind: Permanent, Reason: reason, Err: err}
}

// Config configures the invoker
type Config struct {
	// CallTimeout bounds a single engine call (0 = no timeout beyond the caller's context)
	CallTimeout time.Duration

	// WithInfo requests the engine's with-info payload
	WithInfo bool
}

// Invoker calls the engine for work items
type Invoker struct {
	engine engine.Engine
	config Config
}

// NewInvoker creates an invoker
func NewInvoker(eng engine.Engine, cfg Config) *Invoker {
	return &Invoker{
		engine: eng,
		config: cfg,
	}
}

// Invoke resolves one work item. It never panics on engine errors and always
// returns a classified outcome.
func (i *Invoker) Invoke(ctx context.Context, item *record.WorkItem) Outcome {
	callCtx := ctx
	if i.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, i.config.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := i.engine.AddRecord(callCtx, engine.AddRequest{
		DataSource:    item.DataSource,
		RecordID:      item.RecordID,
		Record:        item.Raw,
		CorrelationID: item.CorrelationID,
		WithInfo:      i.config.WithInfo,
	})

	var outcome Outcome
	if err != nil {
		outcome = Classify(err)
	} else {
		outcome = SuccessOutcome(res.Info)
	}
	outcome.Duration = time.Since(start)

	metrics.ResolverOutcomes.WithLabelValues(outcome.Kind.String()).Inc()
	metrics.ResolverDuration.WithLabelValues(outcome.Kind.String()).Observe(outcome.Duration.Seconds())

	if outcome.Kind != Success {
		log.Debug().
			Err(err).
			Str("messageId", item.Source.ID).
			Str("dataSource", item.DataSource).
			Str("recordId", item.RecordID).
			Str("outcome", outcome.Kind.String()).
			Str("reason", outcome.Reason).
			Msg("Engine call failed")
	}

	return outcome
}

// Classify maps an engine call error to an outcome. Anything not known to be
// the record's fault is retryable.
func Classify(err error) Outcome {
	if err == nil {
		return SuccessOutcome("")
	}

	var engErr *engine.Error
	if errors.As(err, &engErr) {
		switch engErr.Kind {
		case engine.KindBadInput:
			return PermanentOutcome("engine rejected record: "+engErr.Message, err)
		case engine.KindUnrecoverable:
			return RetryableOutcome("engine unrecoverable: "+engErr.Message, err)
		default:
			return RetryableOutcome("engine temporarily failed: "+engErr.Message, err)
		}
	}

	var decErr *record.DecodeError
	if errors.As(err, &decErr) {
		return PermanentOutcome(decErr.Reason, err)
	}

	switch {
	case errors.Is(err, engine.ErrUnavailable):
		return RetryableOutcome("engine unavailable", err)
	case errors.Is(err, context.DeadlineExceeded):
		return RetryableOutcome("engine call timed out", err)
	case errors.Is(err, context.Canceled):
		return RetryableOutcome("engine call cancelled", err)
	default:
		return RetryableOutcome("engine call failed: "+err.Error(), err)
	}
}
