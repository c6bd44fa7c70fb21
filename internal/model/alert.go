package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Alert is raised when a schedule keeps failing to create sessions and
// resolved by its next successful firing
type Alert struct {
	ID                  string        `json:"id"`
	ScheduleID          string        `json:"schedule_id"`
	ScheduleName        string        `json:"schedule_name"`
	Severity            AlertSeverity `json:"severity"`
	Message             string        `json:"message"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
	ResolvedAt          *time.Time    `json:"resolved_at,omitempty"`
}
