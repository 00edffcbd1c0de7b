package domain

import "time"

// HealthSeverity is the tri-state result of a probe.
type HealthSeverity string

const (
	HealthHealthy  HealthSeverity = "healthy"
	HealthWarning  HealthSeverity = "warning"
	HealthCritical HealthSeverity = "critical"
)

// Value orders severities so the worst one can be picked.
func (s HealthSeverity) Value() int {
	switch s {
	case HealthWarning:
		return 1
	case HealthCritical:
		return 2
	default:
		return 0
	}
}

// HealthCheck is the result of one named probe.
type HealthCheck struct {
	Name     string         `json:"name"`
	Status   HealthSeverity `json:"status"`
	Message  string         `json:"message"`
	Duration time.Duration  `json:"duration_ns"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HealthStatus aggregates all checks from one monitor run.
type HealthStatus struct {
	Status    HealthSeverity `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Checks    []HealthCheck  `json:"checks"`
	Healthy   int            `json:"healthy"`
	Warnings  int            `json:"warnings"`
	Critical  int            `json:"critical"`
}

// Aggregate builds a HealthStatus whose status is the worst of the given checks.
func Aggregate(checks []HealthCheck, now time.Time) HealthStatus {
	status := HealthStatus{
		Status:    HealthHealthy,
		Timestamp: now,
		Checks:    checks,
	}
	for _, c := range checks {
		switch c.Status {
		case HealthCritical:
			status.Critical++
		case HealthWarning:
			status.Warnings++
		default:
			status.Healthy++
		}
		if c.Status.Value() > status.Status.Value() {
			status.Status = c.Status
		}
	}
	return status
}
