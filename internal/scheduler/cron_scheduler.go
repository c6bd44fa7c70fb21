package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/jules-scheduler/internal/model"
	"github.com/t77yq/jules-scheduler/internal/storage"
)

// CronEngine owns the armed timers of every scheduled task
type CronEngine struct {
	logger    *zap.Logger
	store     storage.TaskStore
	invoker   Invoker
	recorder  RunRecorder
	publisher EventPublisher
	retry     RetryPolicy
	parser    cron.Parser
	location  *time.Location
	now       func() time.Time
	cron      *cron.Cron

	mu       sync.Mutex
	entryIDs map[string]cron.EntryID
	started  bool
	stopped  bool
}

// EngineOption configures optional engine behavior
type EngineOption func(*CronEngine)

// WithRunRecorder stores an audit record for every firing
func WithRunRecorder(recorder RunRecorder) EngineOption {
	return func(e *CronEngine) { e.recorder = recorder }
}

// WithEventPublisher publishes an event for every firing
func WithEventPublisher(publisher EventPublisher) EngineOption {
	return func(e *CronEngine) { e.publisher = publisher }
}

// WithRetryPolicy overrides the default retry policy
func WithRetryPolicy(policy RetryPolicy) EngineOption {
	return func(e *CronEngine) { e.retry = policy }
}

// WithLocation sets the timezone used for tasks that don't name one
func WithLocation(loc *time.Location) EngineOption {
	return func(e *CronEngine) { e.location = loc }
}

// WithClock overrides the time source used for fire timestamps and
// next-invocation queries
func WithClock(now func() time.Time) EngineOption {
	return func(e *CronEngine) { e.now = now }
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

// NewCronEngine creates an engine that fires tasks from store through invoker
func NewCronEngine(store storage.TaskStore, invoker Invoker, logger *zap.Logger, opts ...EngineOption) *CronEngine {
	e := &CronEngine{
		logger:   logger.Named("cron-engine"),
		store:    store,
		invoker:  invoker,
		retry:    DefaultRetryPolicy(),
		parser:   cron.NewParser(cronFields),
		location: time.Local,
		now:      time.Now,
		entryIDs: make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(e)
	}

	cronLogger := &cronLogger{logger: e.logger.Named("cron").Sugar()}
	e.cron = cron.New(
		cron.WithParser(e.parser),
		cron.WithLocation(e.location),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger)),
	)
	return e
}

// Initialize implements Scheduler.Initialize. A task that fails to arm is
// logged and skipped; store errors abort.
func (e *CronEngine) Initialize(ctx context.Context) error {
	tasks, err := e.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load scheduled tasks: %w", err)
	}

	armed, failed := 0, 0
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		if err := e.ScheduleTask(task); err != nil {
			failed++
			e.logger.Error("Failed to arm scheduled task",
				zap.String("id", task.ID),
				zap.String("name", task.Name),
				zap.String("cron", task.Cron),
				zap.Error(err))
			continue
		}
		armed++
	}

	e.mu.Lock()
	if !e.started && !e.stopped {
		e.cron.Start()
		e.started = true
	}
	e.mu.Unlock()

	e.logger.Info("Scheduler initialized",
		zap.Int("tasks", len(tasks)),
		zap.Int("armed", armed),
		zap.Int("failed", failed))
	return nil
}

// ValidateCronExpression implements Scheduler.ValidateCronExpression. It only
// parses, so nothing is ever left armed.
func (e *CronEngine) ValidateCronExpression(expr string) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" || strings.Contains(expr, "TZ=") || strings.HasPrefix(expr, intervalDescriptor) {
		return false
	}
	_, err := e.parser.Parse(expr)
	return err == nil
}

// ScheduleTask implements Scheduler.ScheduleTask
func (e *CronEngine) ScheduleTask(task model.ScheduledTask) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrEngineStopped
	}
	e.cancelLocked(task.ID)

	schedule, err := e.parse(task)
	if err != nil {
		return err
	}

	e.armLocked(task, schedule)

	e.logger.Info("Armed scheduled task",
		zap.String("id", task.ID),
		zap.String("name", task.Name),
		zap.String("cron", task.Cron),
		zap.String("timezone", task.Timezone),
		zap.Time("next_run", schedule.Next(e.now().In(e.location))))
	return nil
}

// CancelTask implements Scheduler.CancelTask
func (e *CronEngine) CancelTask(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelLocked(id) {
		e.logger.Info("Disarmed scheduled task", zap.String("id", id))
	}
}

// GetNextInvocation implements Scheduler.GetNextInvocation
func (e *CronEngine) GetNextInvocation(id string) (time.Time, bool) {
	e.mu.Lock()
	entryID, ok := e.entryIDs[id]
	e.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}

	entry := e.cron.Entry(entryID)
	if !entry.Valid() {
		return time.Time{}, false
	}
	return entry.Schedule.Next(e.now().In(e.location)), true
}

// RescheduleTask implements Scheduler.RescheduleTask
func (e *CronEngine) RescheduleTask(task model.ScheduledTask) error {
	e.CancelTask(task.ID)
	return e.ScheduleTask(task)
}

// ArmedCount implements Scheduler.ArmedCount
func (e *CronEngine) ArmedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entryIDs)
}

// Shutdown implements Scheduler.Shutdown. Firings already in progress run to
// completion; ctx bounds how long we wait for them.
func (e *CronEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	for id := range e.entryIDs {
		e.cancelLocked(id)
	}
	e.mu.Unlock()

	stopped := e.cron.Stop()
	e.logger.Info("Waiting for in-flight firings")

	select {
	case <-stopped.Done():
		e.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		e.logger.Warn("Shutdown timeout reached, some firings may not have completed")
		return ctx.Err()
	}
}

func (e *CronEngine) armLocked(task model.ScheduledTask, schedule cron.Schedule) {
	e.entryIDs[task.ID] = e.cron.Schedule(schedule, &cronJob{engine: e, task: task.Clone()})
}

func (e *CronEngine) cancelLocked(id string) bool {
	entryID, ok := e.entryIDs[id]
	if !ok {
		return false
	}
	e.cron.Remove(entryID)
	delete(e.entryIDs, id)
	return true
}

func (e *CronEngine) parse(task model.ScheduledTask) (cron.Schedule, error) {
	if !e.ValidateCronExpression(task.Cron) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCronExpression, task.Cron)
	}

	expr := strings.TrimSpace(task.Cron)
	if task.Timezone != "" {
		if _, err := time.LoadLocation(task.Timezone); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTimezone, task.Timezone, err)
		}
		expr = timezonePrefix + task.Timezone + " " + expr
	}

	schedule, err := e.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}
	return schedule, nil
}

// execute performs one firing: invoke with retry, then record the outcome.
// The task stays armed whatever the result.
func (e *CronEngine) execute(ctx context.Context, task model.ScheduledTask) *model.RunRecord {
	firedAt := e.now().UTC()
	logger := e.logger.With(zap.String("id", task.ID), zap.String("name", task.Name))
	logger.Info("Executing scheduled task", zap.Time("fired_at", firedAt))

	var session *model.Session
	attempts, err := e.retry.Do(ctx, logger, func(ctx context.Context) error {
		s, err := e.invoker.CreateRemoteSession(ctx, task.TaskPayload)
		if err != nil {
			return err
		}
		if s == nil || s.ID == "" {
			return errors.New("remote session response has no id")
		}
		session = s
		return nil
	})

	completedAt := e.now().UTC()
	run := &model.RunRecord{
		ID:           uuid.New().String(),
		ScheduleID:   task.ID,
		ScheduleName: task.Name,
		Attempts:     attempts,
		FiredAt:      firedAt,
		CompletedAt:  &completedAt,
		Duration:     completedAt.Sub(firedAt),
	}

	var sessionID *string
	if err != nil {
		run.Status = model.RunStatusFailed
		run.Error = err.Error()
		logger.Error("Scheduled task failed",
			zap.Int("attempts", attempts),
			zap.Error(err))
	} else {
		run.Status = model.RunStatusSucceeded
		run.SessionID = session.ID
		sessionID = &run.SessionID
		logger.Info("Scheduled task created session",
			zap.String("session_id", session.ID),
			zap.String("state", string(session.State)),
			zap.Int("attempts", attempts))
	}

	if err := e.store.UpdateLastRun(ctx, task.ID, firedAt, sessionID); err != nil {
		logger.Error("Failed to record last run", zap.Error(err))
	}

	if e.recorder != nil {
		if err := e.recorder.Store(ctx, run); err != nil {
			logger.Error("Failed to store run record", zap.Error(err))
		}
	}

	if e.publisher != nil {
		if err := e.publisher.PublishRun(ctx, task, run); err != nil {
			logger.Warn("Failed to publish run event", zap.Error(err))
		}
	}

	return run
}

// cronJob implements cron.Job
type cronJob struct {
	engine *CronEngine
	task   model.ScheduledTask
}

// Run implements cron.Job. Each firing runs on its own goroutine.
func (j *cronJob) Run() {
	j.engine.execute(context.Background(), j.task)
}
