package model

// ScheduleEventKind names a change to the set of scheduled tasks
type ScheduleEventKind string

const (
	ScheduleCreated ScheduleEventKind = "created"
	ScheduleUpdated ScheduleEventKind = "updated"
	ScheduleDeleted ScheduleEventKind = "deleted"
	ScheduleFired   ScheduleEventKind = "fired"
	ScheduleAlert   ScheduleEventKind = "alert"
)
