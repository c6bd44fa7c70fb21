package monitor

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/t77yq/jules-scheduler/internal/model"
	"github.com/t77yq/jules-scheduler/internal/storage"
)

// ArmedCounter reports the number of armed schedules
type ArmedCounter interface {
	ArmedCount() int
}

// AlertSource lists unresolved schedule alerts
type AlertSource interface {
	ActiveAlerts() []model.Alert
}

// ProcessStats describes this server process
type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
}

// SystemStats describes the host
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Status is a point-in-time snapshot of the server
type Status struct {
	Version          string        `json:"version"`
	StartedAt        time.Time     `json:"started_at"`
	Uptime           string        `json:"uptime"`
	TotalSchedules   int           `json:"total_schedules"`
	EnabledSchedules int           `json:"enabled_schedules"`
	ArmedSchedules   int           `json:"armed_schedules"`
	StorePath        string        `json:"store_path"`
	Alerts           []model.Alert `json:"alerts"`
	Process          *ProcessStats `json:"process,omitempty"`
	System           *SystemStats  `json:"system,omitempty"`
}

// StatusReporter builds status snapshots
type StatusReporter struct {
	logger    *zap.Logger
	version   string
	storePath string
	store     storage.TaskStore
	armed     ArmedCounter
	alerts    AlertSource
	startedAt time.Time
	now       func() time.Time
}

// NewStatusReporter creates a new status reporter. alerts may be nil.
func NewStatusReporter(version, storePath string, store storage.TaskStore, armed ArmedCounter, alerts AlertSource, logger *zap.Logger) *StatusReporter {
	now := time.Now()
	return &StatusReporter{
		logger:    logger.Named("status"),
		version:   version,
		storePath: storePath,
		store:     store,
		armed:     armed,
		alerts:    alerts,
		startedAt: now,
		now:       time.Now,
	}
}

// Snapshot collects the current status. Host metrics are best effort; a
// failure to read them leaves the section empty.
func (r *StatusReporter) Snapshot(ctx context.Context) (*Status, error) {
	tasks, err := r.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}

	status := &Status{
		Version:        r.version,
		StartedAt:      r.startedAt.UTC(),
		Uptime:         r.now().Sub(r.startedAt).Round(time.Second).String(),
		TotalSchedules: len(tasks),
		ArmedSchedules: r.armed.ArmedCount(),
		StorePath:      r.storePath,
		Alerts:         []model.Alert{},
	}
	if r.alerts != nil {
		status.Alerts = r.alerts.ActiveAlerts()
	}
	for _, task := range tasks {
		if task.Enabled {
			status.EnabledSchedules++
		}
	}

	status.Process = r.processStats(ctx)
	status.System = r.systemStats(ctx)
	return status, nil
}

func (r *StatusReporter) processStats(ctx context.Context) *ProcessStats {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		r.logger.Debug("Failed to inspect process", zap.Error(err))
		return nil
	}

	stats := &ProcessStats{
		PID:        proc.Pid,
		Goroutines: runtime.NumGoroutine(),
	}
	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
		stats.RSSBytes = memInfo.RSS
	} else {
		r.logger.Debug("Failed to get process memory", zap.Error(err))
	}
	if cpuPercent, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpuPercent
	} else {
		r.logger.Debug("Failed to get process CPU usage", zap.Error(err))
	}
	return stats
}

func (r *StatusReporter) systemStats(ctx context.Context) *SystemStats {
	stats := &SystemStats{}
	ok := false
	if cpuPercent, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
		ok = true
	} else if err != nil {
		r.logger.Debug("Failed to get CPU usage", zap.Error(err))
	}
	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryPercent = memInfo.UsedPercent
		ok = true
	} else {
		r.logger.Debug("Failed to get memory usage", zap.Error(err))
	}
	if !ok {
		return nil
	}
	return stats
}
