package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/jules-scheduler/internal/model"
	"github.com/t77yq/jules-scheduler/internal/storage"
)

type fixedArmed int

func (f fixedArmed) ArmedCount() int { return int(f) }

func TestStatusReporter_Snapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "schedules.json")
	store, err := storage.NewScheduleStore(storage.ScheduleStoreConfig{Path: path}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, store.UpsertTask(ctx, model.ScheduledTask{ID: "a", Name: "a", Enabled: true}))
	require.NoError(t, store.UpsertTask(ctx, model.ScheduledTask{ID: "b", Name: "b", Enabled: false}))

	alerts := NewAlertManager(1, nil, zap.NewNop())
	require.NoError(t, alerts.PublishRun(ctx, model.ScheduledTask{ID: "a", Name: "a"}, &model.RunRecord{Status: model.RunStatusFailed}))

	reporter := NewStatusReporter("1.2.3", path, store, fixedArmed(1), alerts, zap.NewNop())
	reporter.now = func() time.Time { return reporter.startedAt.Add(90 * time.Second) }

	status, err := reporter.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Equal(t, "1m30s", status.Uptime)
	assert.Equal(t, 2, status.TotalSchedules)
	assert.Equal(t, 1, status.EnabledSchedules)
	assert.Equal(t, 1, status.ArmedSchedules)
	assert.Equal(t, path, status.StorePath)
	require.Len(t, status.Alerts, 1)
	assert.Equal(t, "a", status.Alerts[0].ScheduleID)

	require.NotNil(t, status.Process)
	assert.Equal(t, int32(os.Getpid()), status.Process.PID)
	assert.Positive(t, status.Process.Goroutines)
}

func TestStatusReporter_NoAlerts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")
	store, err := storage.NewScheduleStore(storage.ScheduleStoreConfig{Path: path}, zap.NewNop())
	require.NoError(t, err)

	status, err := NewStatusReporter("dev", path, store, fixedArmed(0), nil, zap.NewNop()).Snapshot(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, status.Alerts)
	assert.Empty(t, status.Alerts)
	assert.Zero(t, status.TotalSchedules)
}
