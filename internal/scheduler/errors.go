package scheduler

import "errors"

var (
	// ErrInvalidCronExpression is returned when a cron expression cannot be parsed
	ErrInvalidCronExpression = errors.New("invalid cron expression")

	// ErrInvalidTimezone is returned when a timezone name cannot be loaded
	ErrInvalidTimezone = errors.New("invalid timezone")

	// ErrMaxRetriesExceeded is returned when every retry attempt failed
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// ErrEngineStopped is returned when arming a task after Shutdown
	ErrEngineStopped = errors.New("scheduler engine stopped")
)
