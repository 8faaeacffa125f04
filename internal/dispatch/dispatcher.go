// Package dispatch runs the consumer loop: it receives messages, processes
// them on a bounded worker pool, keeps them invisible while they run and
// hands each outcome to the failure router.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"go.sqsresolver.dev/internal/common/metrics"
	"go.sqsresolver.dev/internal/queue"
	"go.sqsresolver.dev/internal/record"
	"go.sqsresolver.dev/internal/resolver"
	"go.sqsresolver.dev/internal/router"
	"go.sqsresolver.dev/internal/warning"
)

// Decoder turns a raw message into a work item
type Decoder interface {
	Decode(msg queue.RawMessage) (*record.WorkItem, error)
}

// Invoker resolves a work item
type Invoker interface {
	Invoke(ctx context.Context, item *record.WorkItem) resolver.Outcome
}

// Router applies the fate of a processed message
type Router interface {
	Route(ctx context.Context, msg queue.RawMessage, item *record.WorkItem, outcome resolver.Outcome) (router.Action, error)
}

// Config configures the dispatcher
type Config struct {
	// Workers is the maximum number of messages processed concurrently
	Workers int

	// BatchSize is the maximum number of messages requested per receive
	BatchSize int

	// WaitTime is the long-poll duration of a receive
	WaitTime time.Duration

	// ShutdownGrace is how long in-flight work may continue after shutdown starts
	ShutdownGrace time.Duration

	// ReceiveErrorPause is the delay before retrying a failed receive cycle
	ReceiveErrorPause time.Duration

	// RecordsPerSecond caps the receive rate (0 = unlimited)
	RecordsPerSecond float64

	// StatsEvery logs throughput every N processed messages
	StatsEvery int

	// StatsInterval logs engine and queue statistics periodically (0 = never)
	StatsInterval time.Duration

	Extender ExtenderConfig
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		BatchSize:         10,
		WaitTime:          20 * time.Second,
		ShutdownGrace:     30 * time.Second,
		ReceiveErrorPause: 5 * time.Second,
		StatsEvery:        10000,
		StatsInterval:     10 * time.Minute,
		Extender:          DefaultExtenderConfig(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchSize > c.Workers {
		c.BatchSize = c.Workers
	}
	if c.WaitTime < 0 {
		c.WaitTime = 0
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	if c.ReceiveErrorPause <= 0 {
		c.ReceiveErrorPause = d.ReceiveErrorPause
	}
	if c.StatsEvery <= 0 {
		c.StatsEvery = d.StatsEvery
	}
}

// Deps are the collaborators of the dispatcher
type Deps struct {
	Queue   queue.Client
	Decoder Decoder
	Invoker Invoker
	Router  Router

	// Warnings is optional
	Warnings warning.Service

	// StatsSources are logged every StatsInterval, keyed by name
	StatsSources map[string]StatsFunc
}

// Dispatcher is the consumer loop
type Dispatcher struct {
	deps     Deps
	config   Config
	inflight *InFlight
	extender *Extender
	limiter  *rate.Limiter
	rate     *rateTracker

	sem       chan struct{}
	wg        sync.WaitGroup
	running   atomic.Bool
	abandoned atomic.Bool
	startedAt atomic.Int64
}

// New creates a dispatcher
func New(deps Deps, cfg Config) *Dispatcher {
	cfg.applyDefaults()

	inflight := NewInFlight()
	d := &Dispatcher{
		deps:     deps,
		config:   cfg,
		inflight: inflight,
		extender: NewExtender(deps.Queue, inflight, deps.Warnings, cfg.Extender, cfg.Workers),
		rate:     newRateTracker(cfg.StatsEvery),
		sem:      make(chan struct{}, cfg.Workers),
	}

	if cfg.RecordsPerSecond > 0 {
		burst := cfg.BatchSize
		if int(cfg.RecordsPerSecond) > burst {
			burst = int(cfg.RecordsPerSecond)
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RecordsPerSecond), burst)
	}

	metrics.DispatchWorkers.Set(float64(cfg.Workers))
	return d
}

// Run receives and processes messages until ctx is cancelled, then waits up
// to ShutdownGrace for in-flight work before abandoning it. Work contexts are
// independent of ctx so that shutdown does not interrupt engine calls.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher already running")
	}
	defer d.running.Store(false)
	d.startedAt.Store(time.Now().UnixNano())

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	background, bgCtx := errgroup.WithContext(workCtx)
	background.Go(func() error {
		return d.extender.Run(bgCtx)
	})
	background.Go(func() error {
		return runStatsLoop(bgCtx, d.config.StatsInterval, d.deps.StatsSources)
	})

	log.Info().
		Int("workers", d.config.Workers).
		Int("batchSize", d.config.BatchSize).
		Dur("waitTime", d.config.WaitTime).
		Dur("visibilityTimeout", d.extender.config.VisibilityTimeout).
		Float64("recordsPerSecond", d.config.RecordsPerSecond).
		Msg("Dispatcher started")

	d.receiveLoop(ctx, workCtx)

	log.Info().Int("inFlight", d.inflight.Len()).Msg("Dispatcher stopping, waiting for in-flight messages")
	d.drain(cancelWork)

	cancelWork()
	if err := background.Wait(); err != nil {
		return err
	}

	log.Info().Uint64("processed", d.rate.total()).Msg("Dispatcher stopped")
	return nil
}

func (d *Dispatcher) receiveLoop(ctx, workCtx context.Context) {
	for {
		n, ok := d.acquire(ctx)
		if !ok {
			return
		}

		if d.limiter != nil {
			waitStart := time.Now()
			if err := d.limiter.WaitN(ctx, n); err != nil {
				d.release(n)
				return
			}
			if waited := time.Since(waitStart); waited > time.Second {
				log.Debug().Dur("paused", waited).Msg("Governor paused receiving")
			}
		}

		msgs, err := d.deps.Queue.Receive(ctx, n, d.config.WaitTime)
		if err != nil {
			d.release(n)
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Failed to receive messages, retrying after pause")
			if d.deps.Warnings != nil && queue.IsTransportError(err) {
				d.deps.Warnings.AddWarning(warning.CategoryQueueTransport, warning.SeverityWarning,
					err.Error(), "dispatcher")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.config.ReceiveErrorPause):
			}
			continue
		}

		if unused := n - len(msgs); unused > 0 {
			d.release(unused)
		}
		for i, msg := range msgs {
			if i >= n {
				// More messages than requested: wait for a slot regardless of shutdown
				d.sem <- struct{}{}
			}
			d.dispatch(workCtx, msg)
		}
	}
}

// acquire blocks for one worker slot, then greedily takes up to BatchSize
func (d *Dispatcher) acquire(ctx context.Context) (int, bool) {
	select {
	case <-ctx.Done():
		return 0, false
	case d.sem <- struct{}{}:
	}

	n := 1
	for n < d.config.BatchSize {
		select {
		case d.sem <- struct{}{}:
			n++
		default:
			return n, true
		}
	}
	return n, true
}

func (d *Dispatcher) release(n int) {
	for i := 0; i < n; i++ {
		<-d.sem
	}
}

// dispatch tracks msg and processes it on a worker goroutine holding one slot
func (d *Dispatcher) dispatch(ctx context.Context, msg queue.RawMessage) {
	d.inflight.Add(&InFlightRecord{
		ReceiptHandle: msg.ReceiptHandle,
		MessageID:     msg.ID,
		StartTime:     time.Now(),
	})
	metrics.DispatchInFlight.Inc()
	d.wg.Add(1)

	go func() {
		defer func() {
			metrics.DispatchInFlight.Dec()
			<-d.sem
			d.wg.Done()
		}()
		d.process(ctx, msg)
	}()
}

func (d *Dispatcher) process(ctx context.Context, msg queue.RawMessage) {
	item, outcome := d.handle(ctx, msg)

	rec, tracked := d.inflight.Remove(msg.ReceiptHandle)
	if !tracked {
		log.Warn().
			Str("messageId", msg.ID).
			Str("outcome", outcome.Kind.String()).
			Msg("Message visibility was lost during processing, leaving it to redelivery")
		return
	}
	if d.abandoned.Load() {
		log.Warn().
			Str("messageId", msg.ID).
			Str("outcome", outcome.Kind.String()).
			Msg("Message finished after shutdown grace period, leaving it to redelivery")
		return
	}

	action, err := d.route(ctx, msg, item, outcome)
	total := d.rate.add()
	logger := log.Debug()
	if err != nil {
		logger = log.Error().Err(err)
	}
	logger.
		Str("messageId", msg.ID).
		Str("outcome", outcome.Kind.String()).
		Str("action", action.String()).
		Dur("elapsed", time.Since(rec.StartTime)).
		Uint64("processed", total).
		Msg("Message processed")
}

// handle decodes and invokes; a panic becomes a retryable outcome
func (d *Dispatcher) handle(ctx context.Context, msg queue.RawMessage) (item *record.WorkItem, outcome resolver.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			metrics.DispatchWorkerPanics.Inc()
			log.Error().
				Str("messageId", msg.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Worker panicked while processing message")
			if d.deps.Warnings != nil {
				d.deps.Warnings.AddMessageWarning(warning.CategoryWorkerPanic, warning.SeverityError,
					fmt.Sprintf("panic: %v", r), "dispatcher", msg.ID)
			}
			outcome = resolver.RetryableOutcome("worker panic", fmt.Errorf("panic: %v", r))
		}
	}()

	item, err := d.deps.Decoder.Decode(msg)
	if err != nil {
		return nil, resolver.Classify(err)
	}
	d.inflight.SetRecord(msg.ReceiptHandle, item.DataSource, item.RecordID)

	return item, d.deps.Invoker.Invoke(ctx, item)
}

// route applies the outcome; a panic in the router leaves the message for redelivery
func (d *Dispatcher) route(ctx context.Context, msg queue.RawMessage, item *record.WorkItem, outcome resolver.Outcome) (action router.Action, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.DispatchWorkerPanics.Inc()
			action = router.ActionRelease
			err = fmt.Errorf("router panic: %v", r)
		}
	}()
	return d.deps.Router.Route(ctx, msg, item, outcome)
}

// drain waits for workers up to ShutdownGrace, then abandons the rest
func (d *Dispatcher) drain(cancelWork context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.config.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-done:
		log.Info().Msg("All in-flight messages finished")
	case <-timer.C:
		d.abandoned.Store(true)
		cancelWork()
		remaining := d.inflight.Snapshot()
		for _, rec := range remaining {
			log.Warn().
				Str("messageId", rec.MessageID).
				Str("dataSource", rec.DataSource).
				Str("recordId", rec.RecordID).
				Dur("age", time.Since(rec.StartTime).Round(time.Millisecond)).
				Msg("Still processing at shutdown, abandoning")
		}
		log.Warn().
			Int("abandoned", len(remaining)).
			Dur("grace", d.config.ShutdownGrace).
			Msg("Shutdown grace period elapsed")
	}
}

// Status is a point-in-time view of the dispatcher
type Status struct {
	Running   bool             `json:"running"`
	StartedAt time.Time        `json:"startedAt"`
	Workers   int              `json:"workers"`
	InFlight  int              `json:"inFlight"`
	Processed uint64           `json:"processed"`
	Abandoned bool             `json:"abandoned"`
	Records   []InFlightRecord `json:"records"`
}

// Status returns the current dispatcher status
func (d *Dispatcher) Status() Status {
	records := d.inflight.Snapshot()
	var startedAt time.Time
	if ns := d.startedAt.Load(); ns > 0 {
		startedAt = time.Unix(0, ns)
	}
	return Status{
		Running:   d.running.Load(),
		StartedAt: startedAt,
		Workers:   d.config.Workers,
		InFlight:  len(records),
		Processed: d.rate.total(),
		Abandoned: d.abandoned.Load(),
		Records:   records,
	}
}

// IsRunning reports whether Run is active
func (d *Dispatcher) IsRunning() bool {
	return d.running.Load()
}
