package scheduler

import (
	"context"
	"time"

	"github.com/t77yq/jules-scheduler/internal/model"
	"github.com/t77yq/jules-scheduler/internal/storage"
)

// Scheduler defines the interface for the recurring task engine
type Scheduler interface {
	// Initialize re-arms every enabled task found in the store and starts
	// the timer runtime
	Initialize(ctx context.Context) error

	// ValidateCronExpression reports whether expr is a schedulable pattern
	ValidateCronExpression(expr string) bool

	// ScheduleTask arms a timer for the task, replacing any existing one
	ScheduleTask(task model.ScheduledTask) error

	// CancelTask disarms the task's timer if present
	CancelTask(id string)

	// GetNextInvocation returns the next fire time of an armed task
	GetNextInvocation(id string) (time.Time, bool)

	// RescheduleTask cancels and re-arms the task
	RescheduleTask(task model.ScheduledTask) error

	// ArmedCount returns the number of armed timers
	ArmedCount() int

	// Shutdown disarms every timer and waits for in-flight firings
	Shutdown(ctx context.Context) error
}

// Invoker performs the side-effecting remote call triggered by a firing
type Invoker interface {
	CreateRemoteSession(ctx context.Context, payload model.TaskPayload) (*model.Session, error)
}

// RunRecorder receives the audit record of every firing
type RunRecorder interface {
	Store(ctx context.Context, run *model.RunRecord) error
}

// EventPublisher receives notifications about firings
type EventPublisher interface {
	PublishRun(ctx context.Context, task model.ScheduledTask, run *model.RunRecord) error
}

var _ RunRecorder = (storage.RunHistoryStorage)(nil)
