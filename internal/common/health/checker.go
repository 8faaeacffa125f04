// Package health provides liveness and readiness checks served in the
// /q/health format
package health

import (
	"encoding/json"
	"net/http"
	"sync"
)

// Status of a check or of the whole report
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Check is the result of one named check
type Check struct {
	Name   string         `json:"name"`
	Status Status         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// CheckFunc runs a check
type CheckFunc func() Check

// Report aggregates checks; it is UP only if every check is UP
type Report struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks"`
}

// Checker holds liveness and readiness checks
type Checker struct {
	mu        sync.RWMutex
	liveness  []CheckFunc
	readiness []CheckFunc
}

// NewChecker creates an empty checker. With no checks registered every
// report is UP.
func NewChecker() *Checker {
	return &Checker{}
}

// AddLivenessCheck registers a check that fails only when the process must restart
func (c *Checker) AddLivenessCheck(check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liveness = append(c.liveness, check)
}

// AddReadinessCheck registers a check on an external dependency
func (c *Checker) AddReadinessCheck(check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readiness = append(c.readiness, check)
}

// Live runs the liveness checks
func (c *Checker) Live() Report {
	c.mu.RLock()
	checks := append([]CheckFunc(nil), c.liveness...)
	c.mu.RUnlock()
	return run(checks)
}

// Ready runs the readiness checks
func (c *Checker) Ready() Report {
	c.mu.RLock()
	checks := append([]CheckFunc(nil), c.readiness...)
	c.mu.RUnlock()
	return run(checks)
}

// Health runs every check
func (c *Checker) Health() Report {
	c.mu.RLock()
	checks := append(append([]CheckFunc(nil), c.liveness...), c.readiness...)
	c.mu.RUnlock()
	return run(checks)
}

func run(checks []CheckFunc) Report {
	report := Report{Status: StatusUp, Checks: make([]Check, 0, len(checks))}
	for _, check := range checks {
		result := check()
		if result.Status != StatusUp {
			report.Status = StatusDown
		}
		report.Checks = append(report.Checks, result)
	}
	return report
}

// HandleHealth serves GET /q/health
func (c *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeReport(w, c.Health())
}

// HandleLive serves GET /q/health/live
func (c *Checker) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeReport(w, c.Live())
}

// HandleReady serves GET /q/health/ready
func (c *Checker) HandleReady(w http.ResponseWriter, r *http.Request) {
	writeReport(w, c.Ready())
}

func writeReport(w http.ResponseWriter, report Report) {
	w.Header().Set("Content-Type", "application/json")
	if report.Status != StatusUp {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

// ErrorCheck adapts a function returning an error into a named check
func ErrorCheck(name string, fn func() error) CheckFunc {
	return func() Check {
		if err := fn(); err != nil {
			return Check{Name: name, Status: StatusDown, Data: map[string]any{"error": err.Error()}}
		}
		return Check{Name: name, Status: StatusUp}
	}
}

// EngineCheck reports the resolution engine heartbeat
func EngineCheck(heartbeat func() error) CheckFunc {
	return ErrorCheck("engine", heartbeat)
}

// DispatcherCheck is UP while the consumer loop runs. status supplies
// optional detail for the report.
func DispatcherCheck(isRunning func() bool, status func() map[string]any) CheckFunc {
	return func() Check {
		check := Check{Name: "dispatcher", Status: StatusDown}
		if isRunning() {
			check.Status = StatusUp
		}
		if status != nil {
			check.Data = status()
		}
		return check
	}
}
