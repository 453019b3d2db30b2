package domain

import "time"

// Health represents component health states.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// HealthStatus reports a component's current health with context.
type HealthStatus struct {
	Status     Health    `json:"status"`
	Component  string    `json:"component,omitempty"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorCount int64     `json:"error_count,omitempty"`
	LastCheck  time.Time `json:"last_check"`
}

// NewHealthStatus builds a status with the given state and message.
func NewHealthStatus(status Health, message string) *HealthStatus {
	return &HealthStatus{
		Status:    status,
		Message:   message,
		LastCheck: time.Now(),
	}
}

// NewHealthyStatus builds a healthy status.
func NewHealthyStatus(message string) *HealthStatus {
	return NewHealthStatus(HealthHealthy, message)
}

// NewUnhealthyStatus builds an unhealthy status carrying the last error.
func NewUnhealthyStatus(message string, err error) *HealthStatus {
	hs := NewHealthStatus(HealthUnhealthy, message)
	if err != nil {
		hs.Error = err.Error()
	}
	return hs
}
