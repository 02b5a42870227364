package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"aipilot/internal/arena/model"
	"aipilot/internal/common/mq"
	appErr "aipilot/pkg/errors"
)

const JobEventFinal = "final"

// JobEvent is the payload published when a job reaches a terminal state.
type JobEvent struct {
	Type      string         `json:"type"`
	Job       model.JobState `json:"job"`
	CreatedAt int64          `json:"createdAt"`
}

// JobEventPublisher publishes job events for downstream consumers.
type JobEventPublisher interface {
	PublishFinal(ctx context.Context, state model.JobState) error
}

// MQJobEventPublisher publishes job events to a message queue.
type MQJobEventPublisher struct {
	producer mq.Producer
	topic    string
}

func NewMQJobEventPublisher(producer mq.Producer, topic string) *MQJobEventPublisher {
	return &MQJobEventPublisher{producer: producer, topic: topic}
}

// PublishFinal publishes a final job event keyed by job id.
func (p *MQJobEventPublisher) PublishFinal(ctx context.Context, state model.JobState) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("job publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("job event topic is required")
	}
	if state.JobID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	payload, err := json.Marshal(JobEvent{Type: JobEventFinal, Job: state, CreatedAt: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("marshal job event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = state.JobID
	message.SetHeader("status", string(state.Status))
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.MQPublishError, "publish job event failed")
	}
	return nil
}
