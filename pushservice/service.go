package pushservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-paddock-push/internal/api"
	"github.com/tinywideclouds/go-paddock-push/internal/pipeline"
	"github.com/tinywideclouds/go-paddock-push/pkg/dispatch"
	"github.com/tinywideclouds/go-paddock-push/pkg/push"
	"github.com/tinywideclouds/go-paddock-push/pushservice/config"
)

// Sender runs one broadcast. *pipeline.Dispatcher satisfies it.
type Sender interface {
	SendBatch(ctx context.Context, msg push.Message, topic string) (push.Result, error)
}

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[push.Broadcast]
	logger          *slog.Logger
}

// New assembles the service. A nil consumer runs the HTTP surface only.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	sender Sender,
	targetStore dispatch.TargetStore,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Pipeline (optional Pub/Sub ingestion)
	var streamingService *messagepipeline.StreamingService[push.Broadcast]
	if consumer != nil {
		var err error
		streamingService, err = messagepipeline.NewStreamingService(
			messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
			consumer,
			pipeline.BroadcastTransformer,
			pipeline.NewProcessor(sender, logger),
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streaming service: %w", err)
		}
	}

	// 3. API
	pushAPI := api.NewPushAPI(sender, cfg.BroadcastCallers, logger)
	subscriptionAPI := api.NewSubscriptionAPI(targetStore, logger)

	// Register Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}
	preflight := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	// Broadcast
	handle("POST /send-push", pushAPI.SendPush)
	mux.Handle("OPTIONS /send-push", preflight)

	// Subscriptions
	handle("POST /api/v1/subscriptions/native", subscriptionAPI.RegisterNative)
	handle("POST /api/v1/subscriptions/web", subscriptionAPI.RegisterWeb)
	handle("POST /api/v1/unsubscribe", subscriptionAPI.Unsubscribe)
	mux.Handle("OPTIONS /api/v1/", preflight)

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	if w.pipelineService != nil {
		w.logger.Info("Broadcast ingestion pipeline starting...")
		if err := w.pipelineService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start processing service: %w", err)
		}
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if w.pipelineService != nil {
		if err := w.pipelineService.Stop(ctx); err != nil {
			w.logger.Error("Processing pipeline shutdown failed.", "err", err)
			finalErr = err
		}
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
