package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"go.sqsresolver.dev/internal/common/metrics"
	"go.sqsresolver.dev/internal/queue"
	"go.sqsresolver.dev/internal/warning"
)

// VisibilityExtender is the queue capability the extender needs
type VisibilityExtender interface {
	ExtendVisibility(ctx context.Context, receiptHandle string, d time.Duration) error
}

// ExtenderConfig configures visibility renewal and stuck-record detection
type ExtenderConfig struct {
	// Interval between scans
	Interval time.Duration

	// VisibilityTimeout is both the receive timeout and the extension length
	VisibilityTimeout time.Duration

	// ExtendFraction of VisibilityTimeout that may elapse before renewing
	ExtendFraction float64

	// LongRecord is the processing time after which a record is reported stuck
	LongRecord time.Duration

	// CallTimeout bounds one ExtendVisibility call
	CallTimeout time.Duration
}

// DefaultExtenderConfig returns sensible defaults
func DefaultExtenderConfig() ExtenderConfig {
	return ExtenderConfig{
		Interval:          10 * time.Second,
		VisibilityTimeout: 10 * time.Minute,
		ExtendFraction:    0.5,
		LongRecord:        5 * time.Minute,
		CallTimeout:       30 * time.Second,
	}
}

// Extender keeps in-flight messages invisible while they are processed
type Extender struct {
	queue    VisibilityExtender
	inflight *InFlight
	warnings warning.Service
	config   ExtenderConfig
	workers  int
	now      func() time.Time

	allStuck bool
}

// NewExtender creates a visibility extender. workers is the pool size used to
// detect that every worker is stuck.
func NewExtender(q VisibilityExtender, inflight *InFlight, warnings warning.Service, cfg ExtenderConfig, workers int) *Extender {
	d := DefaultExtenderConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = d.VisibilityTimeout
	}
	if cfg.ExtendFraction <= 0 || cfg.ExtendFraction >= 1 {
		cfg.ExtendFraction = d.ExtendFraction
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = d.CallTimeout
	}
	return &Extender{
		queue:    q,
		inflight: inflight,
		warnings: warnings,
		config:   cfg,
		workers:  workers,
		now:      time.Now,
	}
}

// Run scans in-flight records every Interval until ctx is cancelled
func (e *Extender) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick performs one scan: renew visibility for records past the extension
// threshold, drop records whose visibility was lost, and report stuck records
func (e *Extender) Tick(ctx context.Context) {
	now := e.now()
	threshold := time.Duration(float64(e.config.VisibilityTimeout) * e.config.ExtendFraction)
	stuck := 0

	for _, rec := range e.inflight.Snapshot() {
		if ctx.Err() != nil {
			return
		}

		since := rec.StartTime
		if rec.LastExtension.After(since) {
			since = rec.LastExtension
		}
		if now.Sub(since) >= threshold && !e.extend(ctx, rec, now) {
			continue
		}

		if e.config.LongRecord > 0 && now.Sub(rec.StartTime) >= e.config.LongRecord {
			stuck++
			e.reportStuck(rec, now)
		}
	}

	metrics.DispatchStuckRecords.Set(float64(stuck))
	e.checkAllStuck(stuck)
}

// extend renews visibility and reports whether the record is still tracked
func (e *Extender) extend(ctx context.Context, rec InFlightRecord, now time.Time) bool {
	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()

	err := e.queue.ExtendVisibility(callCtx, rec.ReceiptHandle, e.config.VisibilityTimeout)
	switch {
	case err == nil:
		e.inflight.MarkExtended(rec.ReceiptHandle, now)
		log.Debug().
			Str("messageId", rec.MessageID).
			Int("extensions", rec.Extensions+1).
			Dur("visibility", e.config.VisibilityTimeout).
			Msg("Extended message visibility")
		return true
	case errors.Is(err, queue.ErrExpired):
		if _, ok := e.inflight.Remove(rec.ReceiptHandle); ok {
			log.Warn().
				Str("messageId", rec.MessageID).
				Dur("age", now.Sub(rec.StartTime)).
				Msg("Message visibility lost, it may be redelivered to another consumer")
		}
		return false
	default:
		log.Warn().
			Err(err).
			Str("messageId", rec.MessageID).
			Msg("Failed to extend message visibility, will retry next tick")
		return true
	}
}

func (e *Extender) reportStuck(rec InFlightRecord, now time.Time) {
	if !e.inflight.MarkStuck(rec.ReceiptHandle) {
		return
	}

	age := now.Sub(rec.StartTime).Round(time.Second)
	log.Warn().
		Str("messageId", rec.MessageID).
		Str("dataSource", rec.DataSource).
		Str("recordId", rec.RecordID).
		Dur("age", age).
		Msg("Record is taking a long time to process")

	if e.warnings != nil {
		e.warnings.AddMessageWarning(warning.CategoryStuckRecord, warning.SeverityWarning,
			fmt.Sprintf("record %s/%s processing for %s", rec.DataSource, rec.RecordID, age),
			"extender", rec.MessageID)
	}
}

// checkAllStuck raises one critical warning each time the pool becomes fully stuck
func (e *Extender) checkAllStuck(stuck int) {
	all := e.workers > 0 && stuck >= e.workers
	if all && !e.allStuck {
		log.Error().Int("workers", e.workers).Msg("All workers are stuck on long-running records")
		if e.warnings != nil {
			e.warnings.AddWarning(warning.CategoryWorkersStuck, warning.SeverityCritical,
				fmt.Sprintf("all %d workers are processing records older than %s", e.workers, e.config.LongRecord),
				"extender")
		}
	}
	e.allStuck = all
}
