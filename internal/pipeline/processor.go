package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-paddock-push/pkg/push"
)

// BatchSender is satisfied by *Dispatcher.
type BatchSender interface {
	SendBatch(ctx context.Context, msg push.Message, topic string) (push.Result, error)
}

// NewProcessor adapts the dispatcher to the streaming pipeline.
// Store failures are returned so Pub/Sub redelivers; credential failures are
// logged and acknowledged because redelivery cannot fix configuration.
func NewProcessor(sender BatchSender, logger *slog.Logger) messagepipeline.StreamProcessor[push.Broadcast] {
	return func(ctx context.Context, original messagepipeline.Message, request *push.Broadcast) error {
		procLogger := logger.With(
			"pubsub_msg_id", original.ID,
			"topic", request.Topic,
		)

		result, err := sender.SendBatch(ctx, request.Message, request.Topic)
		if err != nil {
			if errors.Is(err, push.ErrStore) {
				procLogger.Error("Broadcast failed", "err", err)
				return err // Retryable
			}
			procLogger.Error("Broadcast completed without native delivery", "err", err)
		}

		procLogger.Info("Broadcast dispatched",
			"sent", result.Sent(),
			"native", result.Native,
			"web", result.Web,
			"failed", result.Failed,
		)
		return nil
	}
}
