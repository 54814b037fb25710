package supervisor

import (
	"sync"
	"time"
)

// HealthStatus represents the health state of the pool
type HealthStatus int

const (
	HealthStatusHealthy HealthStatus = iota
	HealthStatusDegraded
	HealthStatusUnhealthy
)

// String returns string representation of health status
func (hs HealthStatus) String() string {
	switch hs {
	case HealthStatusHealthy:
		return "healthy"
	case HealthStatusDegraded:
		return "degraded"
	case HealthStatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthCheck tracks pool health from spawn results and crashes.
type HealthCheck struct {
	mu sync.RWMutex

	status           HealthStatus
	lastStatusChange time.Time

	lastSuccessfulSpawn      time.Time
	consecutiveSpawnFailures int
	totalSpawnFailures       int64

	lastCrash    time.Time
	totalCrashes int64

	// Thresholds
	maxConsecutiveSpawnFailures int
	crashWindow                 time.Duration

	errorMetrics *ErrorMetrics
	now          func() time.Time
}

// NewHealthCheck creates a new health check
func NewHealthCheck() *HealthCheck {
	now := time.Now()
	return &HealthCheck{
		status:                      HealthStatusHealthy,
		lastStatusChange:            now,
		maxConsecutiveSpawnFailures: 3,
		crashWindow:                 time.Minute,
		errorMetrics:                &ErrorMetrics{},
		now:                         time.Now,
	}
}

// RecordSpawnSuccess records a started worker
func (hc *HealthCheck) RecordSpawnSuccess() {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.lastSuccessfulSpawn = hc.now()
	hc.consecutiveSpawnFailures = 0
	hc.errorMetrics.RecordSuccess()
}

// RecordSpawnFailure records a worker that could not be started
func (hc *HealthCheck) RecordSpawnFailure(err *Error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.consecutiveSpawnFailures++
	hc.totalSpawnFailures++
	hc.errorMetrics.RecordError(err)
}

// RecordCrash records an unexpected worker exit
func (hc *HealthCheck) RecordCrash(at time.Time) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.lastCrash = at
	hc.totalCrashes++
}

// Evaluate computes the status for the given pool occupancy and stores it.
func (hc *HealthCheck) Evaluate(live, target int, draining bool) HealthStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	newStatus := HealthStatusHealthy
	switch {
	case draining:
		newStatus = HealthStatusUnhealthy
	case hc.consecutiveSpawnFailures >= hc.maxConsecutiveSpawnFailures:
		newStatus = HealthStatusUnhealthy
	case live < target, hc.consecutiveSpawnFailures > 0:
		newStatus = HealthStatusDegraded
	case !hc.lastCrash.IsZero() && hc.now().Sub(hc.lastCrash) < hc.crashWindow:
		newStatus = HealthStatusDegraded
	}

	if newStatus != hc.status {
		hc.status = newStatus
		hc.lastStatusChange = hc.now()
	}
	return newStatus
}

// GetStatus returns the last evaluated status
func (hc *HealthCheck) GetStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	return hc.status
}

// GetHealthReport returns detailed health report
func (hc *HealthCheck) GetHealthReport() map[string]interface{} {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	r := map[string]interface{}{
		"status":                     hc.status.String(),
		"status_duration":            hc.now().Sub(hc.lastStatusChange).String(),
		"consecutive_spawn_failures": hc.consecutiveSpawnFailures,
		"total_spawn_failures":       hc.totalSpawnFailures,
		"total_crashes":              hc.totalCrashes,
		"total_errors":               hc.errorMetrics.TotalErrors,
		"spawn_errors":               hc.errorMetrics.SpawnErrors,
	}
	if !hc.lastSuccessfulSpawn.IsZero() {
		r["last_successful_spawn"] = hc.lastSuccessfulSpawn.Format(time.RFC3339)
	}
	if !hc.lastCrash.IsZero() {
		r["last_crash"] = hc.lastCrash.Format(time.RFC3339)
	}
	if hc.errorMetrics.LastError != nil {
		r["last_error"] = hc.errorMetrics.LastError.Error()
	}
	return r
}

// GetLastError returns the most recent error
func (hc *HealthCheck) GetLastError() *Error {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	return hc.errorMetrics.LastError
}
