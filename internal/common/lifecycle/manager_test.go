package lifecycle

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

func TestExecuteRunsPhasesInOrder(t *testing.T) {
	m := NewManager()

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	m.RegisterEngineShutdown("engine", record("engine"))
	m.RegisterSinkShutdown("dead-letter", record("dead-letter"))
	m.RegisterDispatcherShutdown("dispatcher", time.Second, record("dispatcher"))
	m.RegisterHTTPShutdown("ops", record("ops"))

	require.NoError(t, m.Execute())
	assert.Equal(t, []string{"ops", "dispatcher", "dead-letter", "engine"}, order)
}

func TestExecuteReportsFailedHooks(t *testing.T) {
	m := NewManager()
	m.RegisterSinkShutdown("redis", func(context.Context) error { return errors.New("closed") })
	m.RegisterEngineShutdown("engine", func(context.Context) error { return nil })

	err := m.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestHookTimeout(t *testing.T) {
	m := NewManager()
	m.RegisterHook(ShutdownHook{
		Name:    "slow",
		Phase:   PhaseFinal,
		Timeout: 20 * time.Millisecond,
		Shutdown: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(500 * time.Millisecond)
			return nil
		},
	})

	start := time.Now()
	err := m.Execute()
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestRunReturnsOnShutdown(t *testing.T) {
	m := NewManager()
	called := make(chan struct{})
	m.RegisterEngineShutdown("engine", func(context.Context) error {
		close(called)
		return nil
	})

	go m.Shutdown()
	require.NoError(t, m.Run(context.Background()))
	<-called
}

func TestRunReturnsOnContextDone(t *testing.T) {
	m := NewManager()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, m.Run(ctx))
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "dispatcher", PhaseDispatcher.String())
	assert.Equal(t, "phase-9", ShutdownPhase(9).String())
}
