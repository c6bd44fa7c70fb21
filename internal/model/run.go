package model

import "time"

// RunStatus represents the outcome of a single firing
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord is the audit record of one firing of a scheduled task
type RunRecord struct {
	ID           string        `json:"id"`
	ScheduleID   string        `json:"schedule_id"`
	ScheduleName string        `json:"schedule_name"`
	Status       RunStatus     `json:"status"`
	SessionID    string        `json:"session_id,omitempty"`
	Attempts     int           `json:"attempts"`
	Error        string        `json:"error,omitempty"`
	FiredAt      time.Time     `json:"fired_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}
