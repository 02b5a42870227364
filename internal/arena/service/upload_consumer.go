package service

import (
	"context"
	"encoding/json"
	"errors"

	"aipilot/internal/common/mq"
	appErr "aipilot/pkg/errors"
	"aipilot/pkg/utils/logger"

	"go.uber.org/zap"
)

// UploadTopic carries new pilot builds.
const UploadTopic = "arena.pilot.uploaded"

// UploadConsumer registers versions announced on the upload topic.
type UploadConsumer struct {
	consumer mq.Consumer
	registry *RegistryService
}

// NewUploadConsumer creates an UploadConsumer.
func NewUploadConsumer(consumer mq.Consumer, registry *RegistryService) *UploadConsumer {
	return &UploadConsumer{consumer: consumer, registry: registry}
}

// Subscribe registers the upload handler. The caller starts the consumer.
func (c *UploadConsumer) Subscribe(ctx context.Context, topic string, opts *mq.SubscribeOptions) error {
	if c == nil || c.consumer == nil {
		return errors.New("message queue is nil")
	}
	if topic == "" {
		topic = UploadTopic
	}
	return c.consumer.SubscribeWithOptions(ctx, topic, c.HandleMessage, opts)
}

// HandleMessage registers one upload event. Malformed or rejected events are
// committed without retry.
func (c *UploadConsumer) HandleMessage(ctx context.Context, message *mq.Message) error {
	if message == nil {
		return nil
	}
	var req RegisterRequest
	if err := json.Unmarshal(message.Body, &req); err != nil {
		logger.Warn(ctx, "parse upload event failed", zap.String("message_id", message.ID), zap.Error(err))
		return nil
	}
	res, err := c.registry.RegisterVersion(ctx, req)
	if err != nil {
		if isRejection(err) {
			logger.Warn(ctx, "upload event rejected", zap.String("name", req.Name), zap.Error(err))
			return nil
		}
		return err
	}
	logger.Info(ctx, "upload event registered",
		zap.String("name", res.Pilot.Name),
		zap.Int("version", res.Version.Version),
	)
	return nil
}

func isRejection(err error) bool {
	switch appErr.GetCode(err) {
	case appErr.InvalidParams, appErr.InvalidPilotName, appErr.RequiredFieldEmpty,
		appErr.InvalidArtifact, appErr.PilotOwnershipMismatch, appErr.ValidationFailed:
		return true
	default:
		return false
	}
}
