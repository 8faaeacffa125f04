package dispatch

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsFunc returns a printable statistics document
type StatsFunc func(ctx context.Context) (string, error)

// rateTracker logs throughput every `every` processed messages
type rateTracker struct {
	mu        sync.Mutex
	every     uint64
	count     uint64
	markTime  time.Time
	markCount uint64
	now       func() time.Time
}

func newRateTracker(every int) *rateTracker {
	if every <= 0 {
		every = 10000
	}
	return &rateTracker{
		every:    uint64(every),
		markTime: time.Now(),
		now:      time.Now,
	}
}

// add counts one processed message and returns the running total
func (r *rateTracker) add() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.count++
	if r.count%r.every != 0 {
		return r.count
	}

	now := r.now()
	elapsed := now.Sub(r.markTime).Seconds()
	perSecond := 0.0
	if elapsed > 0 {
		perSecond = float64(r.count-r.markCount) / elapsed
	}
	log.Info().
		Uint64("processed", r.count).
		Float64("recordsPerSecond", perSecond).
		Msg("Processed messages")

	r.markTime = now
	r.markCount = r.count
	return r.count
}

func (r *rateTracker) total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// runStatsLoop logs each source's statistics every interval until ctx is cancelled
func runStatsLoop(ctx context.Context, interval time.Duration, sources map[string]StatsFunc) error {
	if interval <= 0 || len(sources) == 0 {
		<-ctx.Done()
		return nil
	}

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, name := range names {
				callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				stats, err := sources[name](callCtx)
				cancel()
				if err != nil {
					log.Warn().Err(err).Str("source", name).Msg("Failed to collect stats")
					continue
				}
				event := log.Info().Str("source", name)
				if json.Valid([]byte(stats)) {
					event = event.RawJSON("stats", []byte(stats))
				} else {
					event = event.Str("stats", stats)
				}
				event.Msg("Periodic stats")
			}
		}
	}
}
