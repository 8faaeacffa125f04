// Package notification delivers operator notifications for critical consumer events
package notification

import "github.com/rs/zerolog/log"

// Warning is the notification view of a recorded warning
type Warning struct {
	Category string
	Severity string
	Message  string
	Source   string
}

// Service sends notifications
type Service interface {
	NotifyWarning(warning *Warning)
	NotifyCriticalError(message, source string)
	NotifySystemEvent(eventType, message string)
	IsEnabled() bool
}

// LogService writes notifications to the process log instead of an external channel
type LogService struct{}

var _ Service = (*LogService)(nil)

// NewLogService creates a log-backed notification service
func NewLogService() *LogService {
	return &LogService{}
}

// NotifyWarning logs the warning
func (s *LogService) NotifyWarning(warning *Warning) {
	log.Warn().
		Str("severity", warning.Severity).
		Str("category", warning.Category).
		Str("message", warning.Message).
		Str("source", warning.Source).
		Msg("NOTIFICATION [WARNING]")
}

// NotifyCriticalError logs the critical error
func (s *LogService) NotifyCriticalError(message, source string) {
	log.Error().
		Str("message", message).
		Str("source", source).
		Msg("NOTIFICATION [CRITICAL]")
}

// NotifySystemEvent logs the system event
func (s *LogService) NotifySystemEvent(eventType, message string) {
	log.Info().
		Str("eventType", eventType).
		Str("message", message).
		Msg("NOTIFICATION [EVENT]")
}

// IsEnabled reports true; the log is always available
func (s *LogService) IsEnabled() bool {
	return true
}
