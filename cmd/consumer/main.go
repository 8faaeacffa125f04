// Senzing SQS consumer
//
// Receives JSON records from an SQS queue, adds each to the resolution
// engine and deletes the message only once the outcome is final.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"go.sqsresolver.dev/internal/common/health"
	"go.sqsresolver.dev/internal/common/lifecycle"
	"go.sqsresolver.dev/internal/config"
	"go.sqsresolver.dev/internal/dispatch"
	"go.sqsresolver.dev/internal/engine"
	"go.sqsresolver.dev/internal/notification"
	sqsqueue "go.sqsresolver.dev/internal/queue/sqs"
	"go.sqsresolver.dev/internal/record"
	"go.sqsresolver.dev/internal/resolver"
	"go.sqsresolver.dev/internal/router"
	"go.sqsresolver.dev/internal/secrets"
	"go.sqsresolver.dev/internal/sink"
	"go.sqsresolver.dev/internal/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

type options struct {
	queueURL   string
	withInfo   bool
	debugTrace bool
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:           "sz-sqs-consumer",
		Short:         "Load records from an SQS queue into the Senzing engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.queueURL, "queue", "q", "", "queue url or ARN (overrides SENZING_SQS_QUEUE_URL)")
	cmd.Flags().BoolVarP(&opts.withInfo, "info", "i", false, "produce with-info messages")
	cmd.Flags().BoolVarP(&opts.debugTrace, "debug-trace", "t", false, "output debug trace information")
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "TOML configuration file")
	return cmd
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Dev {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	level, err := zerolog.ParseLevel(cfg.Level())
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("level", cfg.LogLevel).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(ctx context.Context, cmd *cobra.Command, opts options) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("queue") {
		cfg.Queue.URL = opts.queueURL
	}
	if opts.withInfo {
		cfg.Engine.WithInfo = true
	}
	if opts.debugTrace {
		cfg.Engine.DebugTrace = true
	}

	setupLogging(cfg)
	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Str("component", "consumer").
		Msg("Starting Senzing SQS consumer")

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return err
	}

	if cfg.Engine.ConfigJSON == "" {
		region := cfg.Secrets.Region
		if region == "" {
			region = cfg.Queue.Region
		}
		secretResolver := secrets.NewResolver(secrets.Config{
			Region:     region,
			VaultAddr:  cfg.Secrets.VaultAddr,
			VaultToken: cfg.Secrets.VaultToken,
		})
		value, err := secretResolver.Resolve(ctx, cfg.Engine.ConfigSecret)
		if err != nil {
			log.Error().Err(err).Msg("Failed to resolve engine configuration secret")
			return err
		}
		cfg.Engine.ConfigJSON = value
	}
	if err := engine.ValidateSettings([]byte(cfg.Engine.ConfigJSON)); err != nil {
		log.Error().Err(err).Msg("The engine configuration must be a proper JSON object")
		return err
	}

	queueURL, err := sqsqueue.QueueURLFromARN(cfg.Queue.URL)
	if err != nil {
		return err
	}

	lc := lifecycle.NewManager()
	lc.SetShutdownTimeout(cfg.Dispatch.ShutdownGrace.Duration + time.Minute)

	// Engine
	engCfg := engine.DefaultHTTPConfig()
	engCfg.BaseURL = cfg.Engine.URL
	eng, err := engine.NewHTTPEngine(engCfg)
	if err != nil {
		return err
	}
	lc.RegisterEngineShutdown("engine", func(context.Context) error { return eng.Close() })

	initCtx, cancelInit := context.WithTimeout(ctx, 5*time.Minute)
	err = eng.Init(initCtx, engine.InitRequest{
		InstanceName: cfg.Engine.InstanceName,
		Settings:     []byte(cfg.Engine.ConfigJSON),
		Verbose:      cfg.Engine.DebugTrace,
	})
	cancelInit()
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize the engine")
		return err
	}
	log.Info().Str("url", cfg.Engine.URL).Msg("Engine initialized")

	// Queue
	log.Info().Str("region", cfg.Queue.Region).Str("queueURL", queueURL).Msg("Connecting to AWS SQS")
	q, err := sqsqueue.NewClient(ctx, &sqsqueue.Config{
		QueueURL:          queueURL,
		Region:            cfg.Queue.Region,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout.Duration,
		CallTimeout:       cfg.Queue.CallTimeout.Duration,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		CustomEndpoint:    cfg.Queue.Endpoint,
		AccessKeyID:       cfg.Queue.AccessKeyID,
		SecretAccessKey:   cfg.Queue.SecretAccessKey,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create SQS client")
		return err
	}

	// Sinks
	deadLetter, err := buildSink(ctx, "dead-letter", cfg.DeadLetter, q)
	if err != nil {
		return err
	}
	info, err := buildSink(ctx, "info", cfg.Info, q)
	if err != nil {
		return err
	}
	deadLetter = sink.Instrument(deadLetter)
	info = sink.Instrument(info)

	var checkedQueues []string
	for _, s := range []sink.Sink{deadLetter, info} {
		if s == nil {
			continue
		}
		log.Info().Str("sink", s.Name()).Msg("Sink configured")
		closer := s
		lc.RegisterSinkShutdown(s.Name(), func(context.Context) error { return closer.Close() })
		if p, ok := sink.Unwrap(s).(*sqsqueue.Publisher); ok {
			checkedQueues = append(checkedQueues, p.QueueURL())
		}
	}

	// Warnings
	notifier := notification.NewLogService()
	warnings := warning.NewInMemoryService(cfg.Warnings.MaxWarnings, notifier)

	// Pipeline
	dispatcher := dispatch.New(dispatch.Deps{
		Queue: q,
		Decoder: record.NewDecoder(record.DecoderConfig{
			RequiredFields:    cfg.Decoder.RequiredFields,
			DefaultDataSource: cfg.Decoder.DefaultDataSource,
			MaxBodyBytes:      cfg.Decoder.MaxBodyBytes,
		}),
		Invoker: resolver.NewInvoker(eng, resolver.Config{
			CallTimeout: cfg.Engine.CallTimeout.Duration,
			WithInfo:    cfg.Engine.WithInfo,
		}),
		Router: router.New(q, deadLetter, info, warnings, router.Config{
			MaxReceiveCount:  cfg.Queue.MaxReceiveCount,
			ForwardPermanent: cfg.DeadLetter.ForwardPermanent,
			SourceQueue:      queueURL,
		}),
		Warnings: warnings,
		StatsSources: map[string]dispatch.StatsFunc{
			"engine": eng.Stats,
			"queue":  queueStats(q),
		},
	}, dispatchConfig(cfg))

	// Health
	checker := health.NewChecker()
	checker.AddLivenessCheck(health.DispatcherCheck(dispatcher.IsRunning, func() map[string]any {
		st := dispatcher.Status()
		return map[string]any{"inFlight": st.InFlight, "processed": st.Processed, "workers": st.Workers}
	}))
	checker.AddReadinessCheck(health.NewBrokerHealthService(q, checkedQueues...).Check())
	checker.AddReadinessCheck(health.EngineCheck(func() error {
		hbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return eng.Heartbeat(hbCtx)
	}))

	// Operations server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      newOpsRouter(checker, dispatcher, warnings),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			lc.Shutdown()
		}
	}()
	lc.RegisterHTTPShutdown("http", server.Shutdown)

	// Consumer loop
	runCtx, stopDispatcher := context.WithCancel(context.Background())
	dispatcherDone := make(chan error, 1)
	go func() {
		err := dispatcher.Run(runCtx)
		if err != nil {
			log.Error().Err(err).Msg("Dispatcher failed")
			lc.Shutdown()
		}
		dispatcherDone <- err
	}()
	lc.RegisterDispatcherShutdown("dispatcher", cfg.Dispatch.ShutdownGrace.Duration+10*time.Second, func(ctx context.Context) error {
		stopDispatcher()
		select {
		case err := <-dispatcherDone:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	go runWarningCleanup(runCtx, warnings, cfg.Warnings.MaxAge.Duration)

	log.Info().
		Int("workers", cfg.Dispatch.Workers).
		Bool("withInfo", cfg.Engine.WithInfo).
		Int("maxReceiveCount", cfg.Queue.MaxReceiveCount).
		Msg("Consumer running")
	notifier.NotifySystemEvent("CONSUMER_STARTED", fmt.Sprintf("consuming %s with %d workers", queueURL, cfg.Dispatch.Workers))

	err = lc.Run(ctx)
	notifier.NotifySystemEvent("CONSUMER_STOPPED", fmt.Sprintf("stopped consuming %s", queueURL))
	log.Info().Msg("Senzing SQS consumer stopped")
	return err
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		Workers:          cfg.Dispatch.Workers,
		BatchSize:        cfg.Dispatch.BatchSize,
		WaitTime:         cfg.Queue.WaitTime.Duration,
		ShutdownGrace:    cfg.Dispatch.ShutdownGrace.Duration,
		RecordsPerSecond: cfg.Dispatch.RecordsPerSecond,
		StatsEvery:       cfg.Dispatch.StatsEvery,
		StatsInterval:    cfg.Dispatch.StatsInterval.Duration,
		Extender: dispatch.ExtenderConfig{
			Interval:          cfg.Dispatch.ExtendInterval.Duration,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout.Duration,
			ExtendFraction:    cfg.Dispatch.ExtendFraction,
			LongRecord:        cfg.Dispatch.LongRecord.Duration,
			CallTimeout:       cfg.Queue.CallTimeout.Duration,
		},
	}
}

func queueStats(q *sqsqueue.Client) dispatch.StatsFunc {
	return func(ctx context.Context) (string, error) {
		st, err := q.QueueStats(ctx)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(st)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// runWarningCleanup drops warnings older than maxAge once an hour
func runWarningCleanup(ctx context.Context, warnings warning.Service, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := warnings.ClearOldWarnings(maxAge); n > 0 {
				log.Debug().Int("cleared", n).Msg("Cleared old warnings")
			}
		}
	}
}
