package model

import "time"

// SchemaVersion is the version tag written to every store document
const SchemaVersion = "1.0.0"

// DefaultBranch is used when a payload does not name a starting branch
const DefaultBranch = "main"

// AutomationMode controls whether a session publishes its result automatically
type AutomationMode string

const (
	AutomationModeUnspecified  AutomationMode = "AUTOMATION_MODE_UNSPECIFIED"
	AutomationModeAutoCreatePR AutomationMode = "AUTO_CREATE_PR"
)

// Valid reports whether m is a known automation mode
func (m AutomationMode) Valid() bool {
	return m == AutomationModeUnspecified || m == AutomationModeAutoCreatePR
}

// TaskPayload holds the parameters used to create a remote session
type TaskPayload struct {
	Prompt              string         `json:"prompt"`
	Source              string         `json:"source"`
	Branch              string         `json:"branch"`
	AutomationMode      AutomationMode `json:"automationMode"`
	RequirePlanApproval bool           `json:"requirePlanApproval"`
	Title               string         `json:"title,omitempty"`
}

// ScheduledTask represents a recurring task definition
type ScheduledTask struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Cron          string      `json:"cron"`
	TaskPayload   TaskPayload `json:"taskPayload"`
	Timezone      string      `json:"timezone,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	LastRun       *time.Time  `json:"lastRun,omitempty"`
	LastSessionID *string     `json:"lastSessionId,omitempty"`
	Enabled       bool        `json:"enabled"`
}

// Clone returns a copy of t that shares no pointers with it
func (t ScheduledTask) Clone() ScheduledTask {
	out := t
	if t.LastRun != nil {
		lastRun := *t.LastRun
		out.LastRun = &lastRun
	}
	if t.LastSessionID != nil {
		sessionID := *t.LastSessionID
		out.LastSessionID = &sessionID
	}
	return out
}

// StoreDocument is the single persisted unit holding every scheduled task
type StoreDocument struct {
	Version   string                   `json:"version"`
	Schedules map[string]ScheduledTask `json:"schedules"`
}

// NewStoreDocument returns an empty document at the current schema version
func NewStoreDocument() *StoreDocument {
	return &StoreDocument{
		Version:   SchemaVersion,
		Schedules: make(map[string]ScheduledTask),
	}
}

// Clone returns a deep copy of the document
func (d *StoreDocument) Clone() *StoreDocument {
	out := &StoreDocument{
		Version:   d.Version,
		Schedules: make(map[string]ScheduledTask, len(d.Schedules)),
	}
	for id, task := range d.Schedules {
		out.Schedules[id] = task.Clone()
	}
	return out
}
