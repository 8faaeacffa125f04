// Package warning keeps an in-memory record of messages and conditions an
// operator should look at: poison messages, dead-lettered records and stuck
// workers.
package warning

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.sqsresolver.dev/internal/notification"
)

// DefaultMaxWarnings is the default number of warnings retained
const DefaultMaxWarnings = 1000

// Categories
const (
	CategoryPoisonMessage    = "POISON_MESSAGE"
	CategoryRejectedRecord   = "REJECTED_RECORD"
	CategoryDeadLettered     = "DEAD_LETTERED"
	CategoryDeadLetterFailed = "DEAD_LETTER_FAILED"
	CategoryStuckRecord      = "STUCK_RECORD"
	CategoryWorkersStuck     = "WORKERS_STUCK"
	CategoryQueueTransport   = "QUEUE_TRANSPORT"
	CategoryWorkerPanic      = "WORKER_PANIC"
)

// Severities
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// Warning represents a recorded warning
type Warning struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source"`
	MessageID    string    `json:"messageId,omitempty"`
	Acknowledged bool      `json:"acknowledged"`
}

// Service defines the warning service interface
type Service interface {
	// AddWarning records a warning not tied to a message
	AddWarning(category, severity, message, source string)

	// AddMessageWarning records a warning about a specific queue message
	AddMessageWarning(category, severity, message, source, messageID string)

	// GetAllWarnings returns all warnings, newest first
	GetAllWarnings() []*Warning

	// GetWarningsBySeverity returns warnings filtered by severity
	GetWarningsBySeverity(severity string) []*Warning

	// GetUnacknowledgedWarnings returns all unacknowledged warnings
	GetUnacknowledgedWarnings() []*Warning

	// AcknowledgeWarning marks a warning as acknowledged
	AcknowledgeWarning(warningID string) bool

	// ClearAllWarnings removes all warnings
	ClearAllWarnings()

	// ClearOldWarnings removes warnings older than maxAge
	ClearOldWarnings(maxAge time.Duration) int
}

// InMemoryService is an in-memory implementation of the warning service
type InMemoryService struct {
	mu          sync.RWMutex
	warnings    map[string]*Warning
	maxWarnings int
	notifier    notification.Service
}

var _ Service = (*InMemoryService)(nil)

// NewInMemoryService creates a new in-memory warning service. ERROR and
// CRITICAL warnings are forwarded to notifier when it is non-nil.
func NewInMemoryService(maxWarnings int, notifier notification.Service) *InMemoryService {
	if maxWarnings <= 0 {
		maxWarnings = DefaultMaxWarnings
	}
	return &InMemoryService{
		warnings:    make(map[string]*Warning),
		maxWarnings: maxWarnings,
		notifier:    notifier,
	}
}

// AddWarning adds a new warning
func (s *InMemoryService) AddWarning(category, severity, message, source string) {
	s.AddMessageWarning(category, severity, message, source, "")
}

// AddMessageWarning adds a new warning about a queue message
func (s *InMemoryService) AddMessageWarning(category, severity, message, source, messageID string) {
	w := &Warning{
		ID:        uuid.New().String(),
		Category:  category,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now(),
		Source:    source,
		MessageID: messageID,
	}

	s.mu.Lock()
	if len(s.warnings) >= s.maxWarnings {
		s.evictOldestLocked()
	}
	s.warnings[w.ID] = w
	s.mu.Unlock()

	log.Info().
		Str("severity", severity).
		Str("category", category).
		Str("source", source).
		Str("messageId", messageID).
		Str("message", message).
		Msg("Warning added")

	s.notify(w)
}

func (s *InMemoryService) evictOldestLocked() {
	var oldestID string
	var oldestTime time.Time
	for id, w := range s.warnings {
		if oldestID == "" || w.Timestamp.Before(oldestTime) {
			oldestID = id
			oldestTime = w.Timestamp
		}
	}
	if oldestID != "" {
		delete(s.warnings, oldestID)
	}
}

func (s *InMemoryService) notify(w *Warning) {
	if s.notifier == nil || !s.notifier.IsEnabled() {
		return
	}
	switch w.Severity {
	case SeverityCritical:
		s.notifier.NotifyCriticalError(w.Message, w.Source)
	case SeverityError:
		s.notifier.NotifyWarning(&notification.Warning{
			Category: w.Category,
			Severity: w.Severity,
			Message:  w.Message,
			Source:   w.Source,
		})
	}
}

// GetAllWarnings returns all warnings sorted by timestamp (newest first)
func (s *InMemoryService) GetAllWarnings() []*Warning {
	return s.filter(func(*Warning) bool { return true })
}

// GetWarningsBySeverity returns warnings filtered by severity
func (s *InMemoryService) GetWarningsBySeverity(severity string) []*Warning {
	return s.filter(func(w *Warning) bool { return strings.EqualFold(w.Severity, severity) })
}

// GetUnacknowledgedWarnings returns all unacknowledged warnings
func (s *InMemoryService) GetUnacknowledgedWarnings() []*Warning {
	return s.filter(func(w *Warning) bool { return !w.Acknowledged })
}

// filter returns copies of matching warnings, newest first
func (s *InMemoryService) filter(keep func(*Warning) bool) []*Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Warning, 0, len(s.warnings))
	for _, w := range s.warnings {
		if keep(w) {
			cp := *w
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return result
}

// AcknowledgeWarning marks a warning as acknowledged
func (s *InMemoryService) AcknowledgeWarning(warningID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.warnings[warningID]
	if !ok {
		return false
	}
	existing.Acknowledged = true

	log.Info().Str("warningId", warningID).Msg("Warning acknowledged")
	return true
}

// ClearAllWarnings removes all warnings
func (s *InMemoryService) ClearAllWarnings() {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.warnings)
	s.warnings = make(map[string]*Warning)
	log.Info().Int("count", count).Msg("Cleared all warnings")
}

// ClearOldWarnings removes warnings older than maxAge and returns how many were removed
func (s *InMemoryService) ClearOldWarnings(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-maxAge)
	removed := 0
	for id, w := range s.warnings {
		if w.Timestamp.Before(threshold) {
			delete(s.warnings, id)
			removed++
		}
	}

	log.Info().Int("count", removed).Dur("maxAge", maxAge).Msg("Cleared old warnings")
	return removed
}
