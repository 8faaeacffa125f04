// Package lifecycle provides graceful shutdown orchestration
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// ShutdownPhase defines the order of shutdown phases
type ShutdownPhase int

const (
	// PhaseHTTP stops the operations server
	PhaseHTTP ShutdownPhase = iota
	// PhaseDispatcher stops receiving and drains in-flight messages
	PhaseDispatcher
	// PhaseSinks flushes and closes dead-letter and info sinks
	PhaseSinks
	// PhaseEngine releases the resolution engine
	PhaseEngine
	// PhaseFinal performs any final cleanup
	PhaseFinal
)

var phaseNames = map[ShutdownPhase]string{
	PhaseHTTP:       "http",
	PhaseDispatcher: "dispatcher",
	PhaseSinks:      "sinks",
	PhaseEngine:     "engine",
	PhaseFinal:      "final",
}

func (p ShutdownPhase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase-%d", int(p))
}

// ShutdownHook is a function called during shutdown
type ShutdownHook struct {
	Name     string
	Phase    ShutdownPhase
	Timeout  time.Duration
	Shutdown func(ctx context.Context) error
}

// Manager runs shutdown hooks phase by phase. Hooks within a phase run in
// parallel; phases run in order.
type Manager struct {
	mu              sync.Mutex
	hooks           []ShutdownHook
	shutdownTimeout time.Duration
	done            chan struct{}
	once            sync.Once
}

// NewManager creates a new lifecycle manager
func NewManager() *Manager {
	return &Manager{
		shutdownTimeout: 60 * time.Second,
		done:            make(chan struct{}),
	}
}

// SetShutdownTimeout sets the overall shutdown timeout
func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = timeout
}

// RegisterHook adds a shutdown hook
func (m *Manager) RegisterHook(hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hook.Timeout == 0 {
		hook.Timeout = 10 * time.Second
	}
	m.hooks = append(m.hooks, hook)
}

// RegisterHTTPShutdown registers an HTTP server shutdown hook
func (m *Manager) RegisterHTTPShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseHTTP, Timeout: 15 * time.Second, Shutdown: shutdown})
}

// RegisterDispatcherShutdown registers the consumer drain. timeout should
// exceed the dispatcher's own grace period.
func (m *Manager) RegisterDispatcherShutdown(name string, timeout time.Duration, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseDispatcher, Timeout: timeout, Shutdown: shutdown})
}

// RegisterSinkShutdown registers a sink close hook
func (m *Manager) RegisterSinkShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseSinks, Timeout: 10 * time.Second, Shutdown: shutdown})
}

// RegisterEngineShutdown registers the engine close hook
func (m *Manager) RegisterEngineShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseEngine, Timeout: 10 * time.Second, Shutdown: shutdown})
}

// WaitForSignal blocks until SIGINT or SIGTERM is received, Shutdown is
// called, or ctx is done
func (m *Manager) WaitForSignal(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-m.done:
		log.Info().Msg("Shutdown triggered programmatically")
	case <-ctx.Done():
		log.Info().Msg("Shutdown triggered by context")
	}
}

// Shutdown triggers graceful shutdown
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		close(m.done)
	})
}

// Execute runs the shutdown sequence
func (m *Manager) Execute() error {
	m.mu.Lock()
	hooks := make([]ShutdownHook, len(m.hooks))
	copy(hooks, m.hooks)
	timeout := m.shutdownTimeout
	m.mu.Unlock()

	log.Info().Int("hooks", len(hooks)).Dur("timeout", timeout).Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	phaseHooks := make(map[ShutdownPhase][]ShutdownHook)
	for _, hook := range hooks {
		phaseHooks[hook.Phase] = append(phaseHooks[hook.Phase], hook)
	}

	var failed []string
	for _, phase := range []ShutdownPhase{PhaseHTTP, PhaseDispatcher, PhaseSinks, PhaseEngine, PhaseFinal} {
		if len(phaseHooks[phase]) == 0 {
			continue
		}

		log.Info().Str("phase", phase.String()).Int("hooks", len(phaseHooks[phase])).Msg("Executing shutdown phase")

		var (
			wg  sync.WaitGroup
			fmu sync.Mutex
		)
		for _, hook := range phaseHooks[phase] {
			wg.Add(1)
			go func(h ShutdownHook) {
				defer wg.Done()
				if err := m.executeHook(ctx, h); err != nil {
					fmu.Lock()
					failed = append(failed, h.Name)
					fmu.Unlock()
				}
			}(hook)
		}
		wg.Wait()

		if ctx.Err() != nil {
			log.Warn().Msg("Shutdown timeout reached, forcing exit")
			return ctx.Err()
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("shutdown hooks failed: %v", failed)
	}
	log.Info().Msg("Graceful shutdown completed")
	return nil
}

// executeHook runs a single shutdown hook with its own timeout
func (m *Manager) executeHook(parentCtx context.Context, hook ShutdownHook) error {
	ctx, cancel := context.WithTimeout(parentCtx, hook.Timeout)
	defer cancel()

	log.Debug().Str("hook", hook.Name).Dur("timeout", hook.Timeout).Msg("Executing shutdown hook")

	errCh := make(chan error, 1)
	go func() {
		errCh <- hook.Shutdown(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Str("hook", hook.Name).Msg("Shutdown hook failed")
			return err
		}
		log.Debug().Str("hook", hook.Name).Msg("Shutdown hook completed")
		return nil
	case <-ctx.Done():
		log.Warn().Str("hook", hook.Name).Msg("Shutdown hook timed out")
		return ctx.Err()
	}
}

// Run combines WaitForSignal and Execute
func (m *Manager) Run(ctx context.Context) error {
	m.WaitForSignal(ctx)
	return m.Execute()
}
