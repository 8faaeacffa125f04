package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// BrokerConnectivityChecker provides queue connectivity checks
type BrokerConnectivityChecker interface {
	// CheckConnectivity checks that the broker endpoint answers
	CheckConnectivity(ctx context.Context) error
	// CheckQueueAccessible checks that a specific queue can be used
	CheckQueueAccessible(ctx context.Context, queueURL string) error
}

// BrokerHealthService checks the source queue and, when configured, the
// dead-letter queue, keeping counters and the last result
type BrokerHealthService struct {
	mu sync.RWMutex

	checker    BrokerConnectivityChecker
	queues     []string
	timeout    time.Duration
	lastResult bool

	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
}

// NewBrokerHealthService creates a broker health service. queues are
// additional queue URLs that must stay accessible.
func NewBrokerHealthService(checker BrokerConnectivityChecker, queues ...string) *BrokerHealthService {
	return &BrokerHealthService{
		checker: checker,
		queues:  queues,
		timeout: 5 * time.Second,
	}
}

// CheckBrokerConnectivity runs the checks and returns the issues found,
// empty if healthy
func (s *BrokerHealthService) CheckBrokerConnectivity(ctx context.Context) []string {
	s.attempts.Add(1)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var issues []string
	if s.checker == nil {
		issues = append(issues, "queue checker not configured")
	} else {
		if err := s.checker.CheckConnectivity(ctx); err != nil {
			log.Error().Err(err).Msg("Queue connectivity check failed")
			issues = append(issues, fmt.Sprintf("queue connectivity check failed: %v", err))
		}
		for _, q := range s.queues {
			if err := s.checker.CheckQueueAccessible(ctx, q); err != nil {
				issues = append(issues, fmt.Sprintf("cannot access queue [%s]: %v", q, err))
			}
		}
	}

	if len(issues) == 0 {
		s.successes.Add(1)
		log.Debug().Msg("Queue connectivity check passed")
	} else {
		s.failures.Add(1)
	}

	s.mu.Lock()
	s.lastResult = len(issues) == 0
	s.mu.Unlock()
	return issues
}

// Check adapts the service into a readiness check
func (s *BrokerHealthService) Check() CheckFunc {
	return func() Check {
		issues := s.CheckBrokerConnectivity(context.Background())
		check := Check{Name: "sqs", Status: StatusUp}
		if len(issues) > 0 {
			check.Status = StatusDown
			check.Data = map[string]any{"issues": issues}
		}
		return check
	}
}

// IsAvailable reports the last result
func (s *BrokerHealthService) IsAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastResult
}

// GetMetrics returns attempt, success and failure counts
func (s *BrokerHealthService) GetMetrics() (attempts, successes, failures int64) {
	return s.attempts.Load(), s.successes.Load(), s.failures.Load()
}
