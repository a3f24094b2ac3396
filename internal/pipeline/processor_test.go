package pipeline_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-paddock-push/internal/pipeline"
	"github.com/tinywideclouds/go-paddock-push/pkg/push"
)

type mockBatchSender struct {
	mock.Mock
}

func (m *mockBatchSender) SendBatch(ctx context.Context, msg push.Message, topic string) (push.Result, error) {
	args := m.Called(ctx, msg, topic)
	return args.Get(0).(push.Result), args.Error(1)
}

func TestProcessor(t *testing.T) {
	ctx := context.Background()
	request := &push.Broadcast{
		Message: push.Message{Title: "Hello", Body: "Collectors"},
		Topic:   "news",
	}
	original := messagepipeline.Message{MessageData: messagepipeline.MessageData{ID: "ps-1"}}

	t.Run("Routes the broadcast to the dispatcher", func(t *testing.T) {
		sender := new(mockBatchSender)
		sender.On("SendBatch", mock.Anything, request.Message, "news").Return(push.Result{Native: 2, Web: 1}, nil)

		err := pipeline.NewProcessor(sender, newTestLogger())(ctx, original, request)

		require.NoError(t, err)
		sender.AssertExpectations(t)
	})

	t.Run("Store failures are retried", func(t *testing.T) {
		sender := new(mockBatchSender)
		sender.On("SendBatch", mock.Anything, mock.Anything, mock.Anything).
			Return(push.Result{}, fmt.Errorf("%w: listing targets: boom", push.ErrStore))

		err := pipeline.NewProcessor(sender, newTestLogger())(ctx, original, request)

		require.ErrorIs(t, err, push.ErrStore)
	})

	t.Run("Credential failures are acknowledged", func(t *testing.T) {
		sender := new(mockBatchSender)
		sender.On("SendBatch", mock.Anything, mock.Anything, mock.Anything).
			Return(push.Result{Web: 3, Failed: 1}, push.ErrConfiguration)

		err := pipeline.NewProcessor(sender, newTestLogger())(ctx, original, request)

		assert.NoError(t, err)
	})
}
