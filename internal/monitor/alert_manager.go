package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/jules-scheduler/internal/model"
)

// AlertNotifier is told about every alert state change
type AlertNotifier interface {
	PublishAlert(ctx context.Context, alert *model.Alert) error
}

// AlertManager tracks consecutive failed firings per schedule. It raises a
// warning once a schedule fails threshold times in a row, escalates to
// critical at twice that, and resolves on the next success. It plugs into
// the engine as an event publisher.
type AlertManager struct {
	logger    *zap.Logger
	threshold int
	notifier  AlertNotifier
	now       func() time.Time

	mu       sync.Mutex
	failures map[string]int
	active   map[string]*model.Alert
}

// NewAlertManager creates a new alert manager. notifier may be nil.
func NewAlertManager(threshold int, notifier AlertNotifier, logger *zap.Logger) *AlertManager {
	return &AlertManager{
		logger:    logger.Named("alerts"),
		threshold: threshold,
		notifier:  notifier,
		now:       time.Now,
		failures:  make(map[string]int),
		active:    make(map[string]*model.Alert),
	}
}

// PublishSchedule forgets deleted schedules
func (m *AlertManager) PublishSchedule(ctx context.Context, kind model.ScheduleEventKind, task model.ScheduledTask) error {
	if kind != model.ScheduleDeleted {
		return nil
	}

	m.mu.Lock()
	delete(m.failures, task.ID)
	alert := m.active[task.ID]
	delete(m.active, task.ID)
	var resolved *model.Alert
	if alert != nil {
		resolved = m.resolveLocked(alert)
	}
	m.mu.Unlock()

	return m.notify(ctx, resolved)
}

// PublishRun records the outcome of a firing
func (m *AlertManager) PublishRun(ctx context.Context, task model.ScheduledTask, run *model.RunRecord) error {
	if run == nil {
		return nil
	}

	m.mu.Lock()
	var changed *model.Alert
	if run.Status == model.RunStatusSucceeded {
		delete(m.failures, task.ID)
		if alert := m.active[task.ID]; alert != nil {
			delete(m.active, task.ID)
			changed = m.resolveLocked(alert)
		}
	} else {
		m.failures[task.ID]++
		changed = m.evaluateLocked(task, m.failures[task.ID], run.Error)
	}
	m.mu.Unlock()

	return m.notify(ctx, changed)
}

// ActiveAlerts returns unresolved alerts, oldest first
func (m *AlertManager) ActiveAlerts() []model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	alerts := make([]model.Alert, 0, len(m.active))
	for _, alert := range m.active {
		alerts = append(alerts, *alert)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
	return alerts
}

// evaluateLocked returns a copy of the alert when it was raised or escalated
func (m *AlertManager) evaluateLocked(task model.ScheduledTask, failures int, lastErr string) *model.Alert {
	if m.threshold <= 0 || failures < m.threshold {
		return nil
	}

	severity := model.AlertSeverityWarning
	if failures >= 2*m.threshold {
		severity = model.AlertSeverityCritical
	}

	now := m.now().UTC()
	alert, ok := m.active[task.ID]
	if !ok {
		alert = &model.Alert{
			ID:           uuid.New().String(),
			ScheduleID:   task.ID,
			ScheduleName: task.Name,
			CreatedAt:    now,
		}
		m.active[task.ID] = alert
	}
	raised := !ok || alert.Severity != severity

	alert.Severity = severity
	alert.ConsecutiveFailures = failures
	alert.LastError = lastErr
	alert.UpdatedAt = now
	alert.Message = fmt.Sprintf("schedule %q failed %d times in a row", task.Name, failures)

	if !raised {
		return nil
	}
	m.logger.Warn("Schedule alert raised",
		zap.String("id", task.ID),
		zap.String("name", task.Name),
		zap.String("severity", string(severity)),
		zap.Int("consecutive_failures", failures),
		zap.String("last_error", lastErr))
	out := *alert
	return &out
}

func (m *AlertManager) resolveLocked(alert *model.Alert) *model.Alert {
	now := m.now().UTC()
	out := *alert
	out.ResolvedAt = &now
	out.UpdatedAt = now
	m.logger.Info("Schedule alert resolved",
		zap.String("id", alert.ScheduleID),
		zap.String("name", alert.ScheduleName))
	return &out
}

func (m *AlertManager) notify(ctx context.Context, alert *model.Alert) error {
	if alert == nil || m.notifier == nil {
		return nil
	}
	return m.notifier.PublishAlert(ctx, alert)
}
