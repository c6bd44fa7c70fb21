package service

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/jules-scheduler/internal/model"
	"github.com/t77yq/jules-scheduler/internal/scheduler"
	"github.com/t77yq/jules-scheduler/internal/storage"
)

const (
	sourcePrefix       = "sources/"
	githubSourcePrefix = "sources/github/"
	defaultHistorySize = 20
)

// Notifier is told about schedule lifecycle changes
type Notifier interface {
	PublishSchedule(ctx context.Context, kind model.ScheduleEventKind, task model.ScheduledTask) error
}

// Config configures a ScheduleService
type Config struct {
	// AllowedRepos restricts sources; empty allows every source. Entries are
	// full source names or owner/repo pairs.
	AllowedRepos []string
}

// CreateScheduleRequest is the input of Create
type CreateScheduleRequest struct {
	Name                string               `json:"name" validate:"required,max=100"`
	Cron                string               `json:"cron" validate:"required"`
	Prompt              string               `json:"prompt" validate:"required"`
	Source              string               `json:"source" validate:"required"`
	Branch              string               `json:"branch"`
	AutomationMode      model.AutomationMode `json:"automationMode" validate:"omitempty,oneof=AUTO_CREATE_PR AUTOMATION_MODE_UNSPECIFIED"`
	RequirePlanApproval bool                 `json:"requirePlanApproval"`
	Title               string               `json:"title"`
	Timezone            string               `json:"timezone"`
}

// UpdateScheduleRequest is the input of Update. Nil fields are left unchanged.
type UpdateScheduleRequest struct {
	Schedule string  `json:"schedule" validate:"required"`
	Cron     *string `json:"cron"`
	Timezone *string `json:"timezone"`
	Enabled  *bool   `json:"enabled"`
}

// ScheduleView is a stored task plus its next fire time when armed
type ScheduleView struct {
	model.ScheduledTask
	NextRun *time.Time `json:"nextRun,omitempty"`
}

// ScheduleService validates and admits scheduled tasks, keeping the store and
// the engine in step
type ScheduleService struct {
	logger   *zap.Logger
	store    storage.TaskStore
	engine   scheduler.Scheduler
	history  storage.RunHistoryStorage
	notifier Notifier
	validate *validator.Validate
	allowed  []string
	now      func() time.Time
}

// NewScheduleService creates a new schedule service. history and notifier
// may be nil.
func NewScheduleService(
	config Config,
	store storage.TaskStore,
	engine scheduler.Scheduler,
	history storage.RunHistoryStorage,
	notifier Notifier,
	logger *zap.Logger,
) *ScheduleService {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})

	var allowed []string
	for _, repo := range config.AllowedRepos {
		if repo = strings.TrimSpace(repo); repo != "" {
			allowed = append(allowed, repo)
		}
	}

	return &ScheduleService{
		logger:   logger.Named("schedule-service"),
		store:    store,
		engine:   engine,
		history:  history,
		notifier: notifier,
		validate: validate,
		allowed:  allowed,
		now:      time.Now,
	}
}

// Create validates req, persists the new task and arms it. Every check runs
// before the store is touched.
func (s *ScheduleService) Create(ctx context.Context, req CreateScheduleRequest) (*ScheduleView, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Cron = strings.TrimSpace(req.Cron)
	req.Source = strings.TrimSpace(req.Source)
	req.Timezone = strings.TrimSpace(req.Timezone)
	if req.Branch == "" {
		req.Branch = model.DefaultBranch
	}
	if req.AutomationMode == "" {
		req.AutomationMode = model.AutomationModeAutoCreatePR
	}

	if err := s.validate.Struct(req); err != nil {
		return nil, fromValidator(err)
	}

	existing, err := s.store.GetTaskByName(ctx, req.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to check schedule name: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, req.Name)
	}

	if err := s.checkCron(req.Cron); err != nil {
		return nil, err
	}
	if err := checkTimezone(req.Timezone); err != nil {
		return nil, err
	}
	if err := s.CheckSource(req.Source); err != nil {
		return nil, err
	}

	task := model.ScheduledTask{
		ID:   uuid.New().String(),
		Name: req.Name,
		Cron: req.Cron,
		TaskPayload: model.TaskPayload{
			Prompt:              req.Prompt,
			Source:              req.Source,
			Branch:              req.Branch,
			AutomationMode:      req.AutomationMode,
			RequirePlanApproval: req.RequirePlanApproval,
			Title:               req.Title,
		},
		Timezone:  req.Timezone,
		CreatedAt: s.now().UTC(),
		Enabled:   true,
	}

	if err := s.store.UpsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save schedule: %w", err)
	}
	if err := s.engine.ScheduleTask(task); err != nil {
		if _, delErr := s.store.DeleteTask(ctx, task.ID); delErr != nil {
			s.logger.Error("Failed to roll back schedule", zap.String("id", task.ID), zap.Error(delErr))
		}
		return nil, fmt.Errorf("failed to arm schedule: %w", err)
	}

	s.logger.Info("Created schedule",
		zap.String("id", task.ID),
		zap.String("name", task.Name),
		zap.String("cron", task.Cron))
	s.notify(ctx, model.ScheduleCreated, task)

	return s.view(task), nil
}

// List returns every stored task with its next fire time
func (s *ScheduleService) List(ctx context.Context) ([]ScheduleView, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	views := make([]ScheduleView, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, *s.view(task))
	}
	return views, nil
}

// Get resolves a schedule by id, then by name
func (s *ScheduleService) Get(ctx context.Context, idOrName string) (*ScheduleView, error) {
	task, err := s.resolve(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	return s.view(*task), nil
}

// Delete cancels and removes a schedule, returning the removed task
func (s *ScheduleService) Delete(ctx context.Context, idOrName string) (*model.ScheduledTask, error) {
	task, err := s.resolve(ctx, idOrName)
	if err != nil {
		return nil, err
	}

	s.engine.CancelTask(task.ID)
	existed, err := s.store.DeleteTask(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete schedule: %w", err)
	}
	if !existed {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, idOrName)
	}

	s.logger.Info("Deleted schedule", zap.String("id", task.ID), zap.String("name", task.Name))
	s.notify(ctx, model.ScheduleDeleted, *task)
	return task, nil
}

// Update changes the cron, timezone or enabled flag of a schedule and re-arms
// or disarms it to match
func (s *ScheduleService) Update(ctx context.Context, req UpdateScheduleRequest) (*ScheduleView, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fromValidator(err)
	}

	task, err := s.resolve(ctx, req.Schedule)
	if err != nil {
		return nil, err
	}

	if req.Cron != nil {
		cron := strings.TrimSpace(*req.Cron)
		if err := s.checkCron(cron); err != nil {
			return nil, err
		}
		task.Cron = cron
	}
	if req.Timezone != nil {
		tz := strings.TrimSpace(*req.Timezone)
		if err := checkTimezone(tz); err != nil {
			return nil, err
		}
		task.Timezone = tz
	}
	if req.Enabled != nil {
		task.Enabled = *req.Enabled
	}

	if err := s.store.UpsertTask(ctx, *task); err != nil {
		return nil, fmt.Errorf("failed to save schedule: %w", err)
	}
	if task.Enabled {
		if err := s.engine.RescheduleTask(*task); err != nil {
			return nil, fmt.Errorf("failed to re-arm schedule: %w", err)
		}
	} else {
		s.engine.CancelTask(task.ID)
	}

	s.logger.Info("Updated schedule",
		zap.String("id", task.ID),
		zap.String("cron", task.Cron),
		zap.Bool("enabled", task.Enabled))
	s.notify(ctx, model.ScheduleUpdated, *task)

	return s.view(*task), nil
}

// History returns the most recent firings, optionally for one schedule.
// Identifiers of deleted schedules still match their old records.
func (s *ScheduleService) History(ctx context.Context, idOrName string, limit int) ([]*model.RunRecord, error) {
	if s.history == nil {
		return []*model.RunRecord{}, nil
	}
	if limit <= 0 {
		limit = defaultHistorySize
	}

	filter := storage.RunFilter{Limit: limit}
	if idOrName != "" {
		filter.ScheduleID = idOrName
		if task, err := s.resolve(ctx, idOrName); err == nil {
			filter.ScheduleID = task.ID
		}
	}

	runs, err := s.history.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []*model.RunRecord{}
	}
	return runs, nil
}

// ExecutionSummary returns the tasks that have run at least once, most
// recently run first
func (s *ScheduleService) ExecutionSummary(ctx context.Context) ([]model.ScheduledTask, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}

	ran := make([]model.ScheduledTask, 0, len(tasks))
	for _, task := range tasks {
		if task.LastRun != nil {
			ran = append(ran, task)
		}
	}
	sort.SliceStable(ran, func(i, j int) bool {
		return ran[i].LastRun.After(*ran[j].LastRun)
	})
	return ran, nil
}

// ArmedCount reports how many schedules are armed
func (s *ScheduleService) ArmedCount() int {
	return s.engine.ArmedCount()
}

func (s *ScheduleService) resolve(ctx context.Context, idOrName string) (*model.ScheduledTask, error) {
	idOrName = strings.TrimSpace(idOrName)
	if idOrName == "" {
		return nil, &ValidationError{Field: "schedule", Message: "is required"}
	}

	task, err := s.store.GetTask(ctx, idOrName)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	if task != nil {
		return task, nil
	}

	task, err = s.store.GetTaskByName(ctx, idOrName)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, idOrName)
	}
	return task, nil
}

func (s *ScheduleService) view(task model.ScheduledTask) *ScheduleView {
	v := &ScheduleView{ScheduledTask: task}
	if next, ok := s.engine.GetNextInvocation(task.ID); ok {
		v.NextRun = &next
	}
	return v
}

func (s *ScheduleService) notify(ctx context.Context, kind model.ScheduleEventKind, task model.ScheduledTask) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishSchedule(ctx, kind, task); err != nil {
		s.logger.Warn("Failed to publish schedule event",
			zap.String("kind", string(kind)),
			zap.String("id", task.ID),
			zap.Error(err))
	}
}

func (s *ScheduleService) checkCron(expr string) error {
	if expr == "" {
		return &ValidationError{Field: "cron", Message: "is required"}
	}
	if !s.engine.ValidateCronExpression(expr) {
		return &ValidationError{
			Field:   "cron",
			Message: fmt.Sprintf("invalid cron expression %q, expected 5 fields (minute hour day-of-month month day-of-week) or one of @yearly, @monthly, @weekly, @daily, @hourly", expr),
		}
	}
	return nil
}

func checkTimezone(tz string) error {
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return &ValidationError{Field: "timezone", Message: fmt.Sprintf("unknown timezone %q", tz)}
	}
	return nil
}

// CheckSource reports whether source is a well-formed source name inside the
// allowlist
func (s *ScheduleService) CheckSource(source string) error {
	if !strings.HasPrefix(source, sourcePrefix) || len(source) == len(sourcePrefix) {
		return &ValidationError{Field: "source", Message: fmt.Sprintf("must be a source name like %q", githubSourcePrefix+"owner/repo")}
	}
	if !s.sourceAllowed(source) {
		return fmt.Errorf("%w: %s", ErrSourceNotAllowed, source)
	}
	return nil
}

func (s *ScheduleService) sourceAllowed(source string) bool {
	if len(s.allowed) == 0 {
		return true
	}
	repo := strings.TrimPrefix(source, githubSourcePrefix)
	for _, entry := range s.allowed {
		if entry == source || entry == repo {
			return true
		}
	}
	return false
}
