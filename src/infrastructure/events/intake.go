package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/go-logr/logr"

	"jobmatch/src/core/entity"
	"jobmatch/src/core/queue"
)

const (
	DefaultEntityTopic = "entity-events"
	DefaultAlertTopic  = "operator-alerts"

	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// EntityEvent is published by the CRUD layer when a job or candidate changes
type EntityEvent struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Action string `json:"action"`
}

// Scheduler is the queue operation the intake needs
type Scheduler interface {
	Schedule(ctx context.Context, params queue.EnqueueParams) (*queue.Task, bool, error)
}

// Intake turns entity-change events into generate_embedding tasks
type Intake struct {
	scheduler Scheduler
	logger    logr.Logger
}

func NewIntake(scheduler Scheduler, logger logr.Logger) *Intake {
	return &Intake{scheduler: scheduler, logger: logger}
}

// NewRouter builds a router with recovery, correlation ids and bounded retries
func NewRouter(logger watermill.LoggerAdapter, maxRetries int) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	router.AddMiddleware(
		middleware.Recoverer,
		middleware.CorrelationID,
		middleware.Retry{
			MaxRetries:      maxRetries,
			InitialInterval: time.Second,
			Logger:          logger,
		}.Middleware,
	)
	return router, nil
}

// Register subscribes the intake to topic on router
func (i *Intake) Register(router *message.Router, subscriber message.Subscriber, topic string) {
	if topic == "" {
		topic = DefaultEntityTopic
	}
	router.AddNoPublisherHandler("entity_event_intake", topic, subscriber, i.Handle)
}

// Handle schedules an embedding for the event's entity. Malformed payloads are acked so they are never redelivered.
func (i *Intake) Handle(msg *message.Message) error {
	var ev EntityEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		i.logger.Error(err, "Dropping malformed entity event", "message_uuid", msg.UUID)
		return nil
	}
	kind, err := entity.ParseKind(ev.Kind)
	if err != nil || ev.ID == "" {
		i.logger.Info("Dropping entity event without a valid reference", "message_uuid", msg.UUID, "kind", ev.Kind, "entity_id", ev.ID)
		return nil
	}
	if ev.Action == ActionDeleted {
		i.logger.V(1).Info("Ignoring delete event", "entity_kind", kind, "entity_id", ev.ID)
		return nil
	}

	correlationID := middleware.MessageCorrelationID(msg)
	task, created, err := i.scheduler.Schedule(msg.Context(), queue.EnqueueParams{
		EntityKind: kind,
		EntityID:   ev.ID,
		TaskType:   queue.TaskTypeGenerateEmbedding,
		Metadata: map[string]interface{}{
			"origin":         "event",
			"action":         ev.Action,
			"correlation_id": correlationID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to schedule embedding for %s/%s: %w", kind, ev.ID, err)
	}
	if created {
		i.logger.Info("Scheduled embedding from event", "task_id", task.ID, "entity_kind", kind, "entity_id", ev.ID, "correlation_id", correlationID)
	}
	return nil
}

// NewEntityEventMessage encodes ev for publishing on the entity topic
func NewEntityEventMessage(ev EntityEvent) (*message.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	middleware.SetCorrelationID(watermill.NewUUID(), msg)
	return msg, nil
}
