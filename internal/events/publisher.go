package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/jules-scheduler/internal/model"
)

const (
	// StreamName is the JetStream stream holding schedule events
	StreamName = "SCHEDULES"

	subjectPrefix = "schedule."
	streamMaxAge  = 7 * 24 * time.Hour
	streamMaxMsgs = 100000
)

// Subject returns the subject events of the given kind are published on
func Subject(kind model.ScheduleEventKind) string {
	return subjectPrefix + string(kind)
}

// Event is the message body of every schedule event
type Event struct {
	ID        string                  `json:"id"`
	Kind      model.ScheduleEventKind `json:"kind"`
	Schedule  model.ScheduledTask     `json:"schedule"`
	Run       *model.RunRecord        `json:"run,omitempty"`
	Alert     *model.Alert            `json:"alert,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// Publisher announces schedule lifecycle changes and firings
type Publisher interface {
	// PublishSchedule announces a created, updated or deleted schedule
	PublishSchedule(ctx context.Context, kind model.ScheduleEventKind, task model.ScheduledTask) error

	// PublishRun announces the outcome of a firing
	PublishRun(ctx context.Context, task model.ScheduledTask, run *model.RunRecord) error
}

// Multi fans every event out to each publisher in order. All publishers are
// called; the first error is returned.
type Multi []Publisher

func (m Multi) PublishSchedule(ctx context.Context, kind model.ScheduleEventKind, task model.ScheduledTask) error {
	var first error
	for _, p := range m {
		if err := p.PublishSchedule(ctx, kind, task); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) PublishRun(ctx context.Context, task model.ScheduledTask, run *model.RunRecord) error {
	var first error
	for _, p := range m {
		if err := p.PublishRun(ctx, task, run); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) PublishSchedule(ctx context.Context, kind model.ScheduleEventKind, task model.ScheduledTask) error {
	return nil
}

func (NopPublisher) PublishRun(ctx context.Context, task model.ScheduledTask, run *model.RunRecord) error {
	return nil
}

// NATSPublisher publishes events to a JetStream stream
type NATSPublisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATSPublisher creates a publisher and makes sure the stream exists
func NewNATSPublisher(ctx context.Context, js nats.JetStreamContext, logger *zap.Logger) (*NATSPublisher, error) {
	p := &NATSPublisher{
		js:     js,
		logger: logger.Named("events"),
	}
	if err := p.setupStream(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *NATSPublisher) setupStream(ctx context.Context) error {
	config := &nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{subjectPrefix + ">"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  streamMaxMsgs,
	}

	if _, err := p.js.StreamInfo(StreamName, nats.Context(ctx)); err == nil {
		if _, err := p.js.UpdateStream(config, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
		return nil
	}

	if _, err := p.js.AddStream(config, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	p.logger.Info("Created event stream", zap.String("stream", StreamName))
	return nil
}

// PublishSchedule implements Publisher.PublishSchedule
func (p *NATSPublisher) PublishSchedule(ctx context.Context, kind model.ScheduleEventKind, task model.ScheduledTask) error {
	return p.publish(ctx, &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Schedule:  task,
		Timestamp: time.Now().UTC(),
	})
}

// PublishRun implements Publisher.PublishRun
func (p *NATSPublisher) PublishRun(ctx context.Context, task model.ScheduledTask, run *model.RunRecord) error {
	id := uuid.New().String()
	if run != nil && run.ID != "" {
		id = run.ID
	}
	return p.publish(ctx, &Event{
		ID:        id,
		Kind:      model.ScheduleFired,
		Schedule:  task,
		Run:       run,
		Timestamp: time.Now().UTC(),
	})
}

// PublishAlert announces a raised, escalated or resolved alert
func (p *NATSPublisher) PublishAlert(ctx context.Context, alert *model.Alert) error {
	return p.publish(ctx, &Event{
		ID:        fmt.Sprintf("%s-%d", alert.ID, alert.UpdatedAt.UnixNano()),
		Kind:      model.ScheduleAlert,
		Schedule:  model.ScheduledTask{ID: alert.ScheduleID, Name: alert.ScheduleName},
		Alert:     alert,
		Timestamp: time.Now().UTC(),
	})
}

func (p *NATSPublisher) publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := Subject(event.Kind)
	if _, err := p.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(event.ID)); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.String("event_id", event.ID),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Event published",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("schedule_id", event.Schedule.ID))
	return nil
}

// Subscribe delivers every event of the given kinds (all kinds when none are
// given) to handler until ctx is cancelled
func (p *NATSPublisher) Subscribe(ctx context.Context, handler func(Event), kinds ...model.ScheduleEventKind) error {
	subjects := []string{subjectPrefix + ">"}
	if len(kinds) > 0 {
		subjects = subjects[:0]
		for _, kind := range kinds {
			subjects = append(subjects, Subject(kind))
		}
	}

	subs := make([]*nats.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := p.js.Subscribe(subject, func(msg *nats.Msg) {
			var event Event
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				p.logger.Error("Failed to unmarshal event", zap.Error(err))
				msg.Term()
				return
			}
			handler(event)
			msg.Ack()
		}, nats.DeliverNew(), nats.ManualAck())
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	go func() {
		<-ctx.Done()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()
	return nil
}
