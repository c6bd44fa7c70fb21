package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/jules-scheduler/internal/model"
	"github.com/t77yq/jules-scheduler/internal/testutil"
)

func TestNATSPublisher(t *testing.T) {
	ctx := context.Background()
	_, js := testutil.StartJetStream(t)

	publisher, err := NewNATSPublisher(ctx, js, zaptest.NewLogger(t))
	require.NoError(t, err)

	task := model.ScheduledTask{ID: "task-1", Name: "weekly", Cron: "0 9 * * 1", Enabled: true}

	t.Run("Stream", func(t *testing.T) {
		require.NoError(t, testutil.WaitForStream(t, js, StreamName, 5*time.Second))
		info, err := js.StreamInfo(StreamName)
		require.NoError(t, err)
		assert.Equal(t, []string{"schedule.>"}, info.Config.Subjects)

		// setting up again is harmless
		_, err = NewNATSPublisher(ctx, js, zap.NewNop())
		require.NoError(t, err)
	})

	t.Run("Publish", func(t *testing.T) {
		require.NoError(t, publisher.PublishSchedule(ctx, model.ScheduleCreated, task))
		run := &model.RunRecord{
			ID:         "run-1",
			ScheduleID: task.ID,
			Status:     model.RunStatusSucceeded,
			SessionID:  "s-1",
			Attempts:   1,
			FiredAt:    time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC),
		}
		require.NoError(t, publisher.PublishRun(ctx, task, run))
		require.NoError(t, publisher.PublishSchedule(ctx, model.ScheduleDeleted, task))

		messages, err := testutil.ConsumeMessages(js, "schedule.>", time.Second)
		require.NoError(t, err)
		require.Len(t, messages, 3)

		var kinds []model.ScheduleEventKind
		for _, data := range messages {
			var event Event
			require.NoError(t, json.Unmarshal(data, &event))
			assert.Equal(t, task.ID, event.Schedule.ID)
			kinds = append(kinds, event.Kind)
			if event.Kind == model.ScheduleFired {
				require.NotNil(t, event.Run)
				assert.Equal(t, "s-1", event.Run.SessionID)
				assert.Equal(t, "run-1", event.ID)
			}
		}
		assert.Equal(t, []model.ScheduleEventKind{model.ScheduleCreated, model.ScheduleFired, model.ScheduleDeleted}, kinds)
	})

	t.Run("Subscribe", func(t *testing.T) {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var (
			mu       sync.Mutex
			received []Event
		)
		err := publisher.Subscribe(subCtx, func(event Event) {
			mu.Lock()
			received = append(received, event)
			mu.Unlock()
		}, model.ScheduleUpdated)
		require.NoError(t, err)

		require.NoError(t, publisher.PublishSchedule(ctx, model.ScheduleCreated, task))
		require.NoError(t, publisher.PublishSchedule(ctx, model.ScheduleUpdated, task))

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(received) == 1
		}, 5*time.Second, 50*time.Millisecond)

		mu.Lock()
		assert.Equal(t, model.ScheduleUpdated, received[0].Kind)
		mu.Unlock()
	})
}

func TestConnect(t *testing.T) {
	s, _ := testutil.StartJetStream(t)

	nc, js, err := Connect(context.Background(), ConnConfig{
		URL:            s.ClientURL(),
		Name:           "jules-scheduler-test",
		ConnectTimeout: 2 * time.Second,
		ConnectRetries: 2,
	}, zap.NewNop())
	require.NoError(t, err)
	defer nc.Close()

	_, err = NewNATSPublisher(context.Background(), js, zap.NewNop())
	require.NoError(t, err)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.PublishSchedule(context.Background(), model.ScheduleCreated, model.ScheduledTask{}))
	assert.NoError(t, p.PublishRun(context.Background(), model.ScheduledTask{}, nil))
}

func TestNATSPublisherAlert(t *testing.T) {
	ctx := context.Background()
	_, js := testutil.StartJetStream(t)

	publisher, err := NewNATSPublisher(ctx, js, zaptest.NewLogger(t))
	require.NoError(t, err)

	alert := &model.Alert{
		ID:                  "alert-1",
		ScheduleID:          "task-1",
		ScheduleName:        "weekly",
		Severity:            model.AlertSeverityWarning,
		ConsecutiveFailures: 3,
		UpdatedAt:           time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, publisher.PublishAlert(ctx, alert))

	// a second state of the same alert is not deduplicated
	escalated := *alert
	escalated.Severity = model.AlertSeverityCritical
	escalated.UpdatedAt = alert.UpdatedAt.Add(time.Hour)
	require.NoError(t, publisher.PublishAlert(ctx, &escalated))

	messages, err := testutil.ConsumeMessages(js, Subject(model.ScheduleAlert), time.Second)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	var event Event
	require.NoError(t, json.Unmarshal(messages[1], &event))
	assert.Equal(t, model.ScheduleAlert, event.Kind)
	assert.Equal(t, "task-1", event.Schedule.ID)
	require.NotNil(t, event.Alert)
	assert.Equal(t, model.AlertSeverityCritical, event.Alert.Severity)
}

type countingPublisher struct {
	schedules int
	runs      int
	err       error
}

func (p *countingPublisher) PublishSchedule(context.Context, model.ScheduleEventKind, model.ScheduledTask) error {
	p.schedules++
	return p.err
}

func (p *countingPublisher) PublishRun(context.Context, model.ScheduledTask, *model.RunRecord) error {
	p.runs++
	return p.err
}

func TestMulti(t *testing.T) {
	ctx := context.Background()
	failing := &countingPublisher{err: errors.New("down")}
	ok := &countingPublisher{}
	multi := Multi{failing, ok}

	assert.EqualError(t, multi.PublishSchedule(ctx, model.ScheduleCreated, model.ScheduledTask{}), "down")
	assert.EqualError(t, multi.PublishRun(ctx, model.ScheduledTask{}, &model.RunRecord{}), "down")

	// later publishers still receive every event
	assert.Equal(t, 1, ok.schedules)
	assert.Equal(t, 1, ok.runs)

	assert.NoError(t, Multi{ok, NopPublisher{}}.PublishRun(ctx, model.ScheduledTask{}, nil))
}
