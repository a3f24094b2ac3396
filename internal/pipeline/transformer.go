// --- File: internal/pipeline/transformer.go ---
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-paddock-push/pkg/push"
)

// BroadcastTransformer is a dataflow Transformer that unmarshals and validates
// a raw Pub/Sub payload into a push.Broadcast.
func BroadcastTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*push.Broadcast, bool, error) {
	var broadcast push.Broadcast

	if err := json.Unmarshal(msg.Payload, &broadcast); err != nil {
		// skip=true lets the StreamingService Nack the message towards the DLQ.
		return nil, true, fmt.Errorf("failed to unmarshal broadcast from message %s: %w", msg.ID, err)
	}
	if err := broadcast.Validate(); err != nil {
		return nil, true, fmt.Errorf("invalid broadcast in message %s: %w", msg.ID, err)
	}

	return &broadcast, false, nil
}
