package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	firebase "firebase.google.com/go/v4"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/joho/godotenv"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-paddock-push/internal/credentials"
	"github.com/tinywideclouds/go-paddock-push/internal/pipeline"
	"github.com/tinywideclouds/go-paddock-push/internal/platform/apns"
	"github.com/tinywideclouds/go-paddock-push/internal/platform/fcm"
	"github.com/tinywideclouds/go-paddock-push/internal/platform/web"

	"github.com/tinywideclouds/go-paddock-push/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-paddock-push/internal/storage/firestore"
	pgStore "github.com/tinywideclouds/go-paddock-push/internal/storage/postgres"
	"github.com/tinywideclouds/go-paddock-push/pkg/dispatch"
	"github.com/tinywideclouds/go-paddock-push/pkg/push"

	"github.com/tinywideclouds/go-paddock-push/pushservice"
	"github.com/tinywideclouds/go-paddock-push/pushservice/config"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-paddock-push")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config mapping failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Stores ---
	var targetStore dispatch.TargetStore
	var notificationStore dispatch.NotificationStore

	switch cfg.Store.Backend {
	case config.StoreBackendFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("Firestore client failed", "err", err)
			os.Exit(1)
		}
		defer fsClient.Close()
		targetStore = fsStore.NewTargetStore(fsClient, logger)
		notificationStore = fsStore.NewNotificationStore(fsClient)
	default:
		db, err := pgStore.Connect(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			logger.Error("Postgres connection failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := pgStore.EnsureSchema(ctx, db); err != nil {
			logger.Error("Postgres schema failed", "err", err)
			os.Exit(1)
		}
		targetStore = pgStore.NewTargetStore(db, logger)
		notificationStore = pgStore.NewNotificationStore(db)
	}
	logger.Info("TargetStore initialized", "type", cfg.Store.Backend)

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		targetStore = cache.NewCachedTargetStore(targetStore, redisClient, cfg.Redis.TTL, logger)
		logger.Info("TargetStore upgraded", "type", "redis_cached_"+cfg.Store.Backend)
	}

	// --- Auth ---
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(cfg.IdentityServiceURL, middleware.RSA256, logger)
	if err != nil {
		logger.Error("JWT discovery failed", "identity_url", cfg.IdentityServiceURL, "err", err)
		os.Exit(1)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		logger.Error("Auth middleware failed", "err", err)
		os.Exit(1)
	}

	// --- Senders ---
	native := make(map[string]dispatch.NativeSender)

	// A. iOS (APNs). Registered even when secrets are missing so the batch
	// reports the configuration error instead of silently skipping devices.
	tokens := credentials.New(credentials.Config{
		KeyID:      cfg.APNs.KeyID,
		TeamID:     cfg.APNs.TeamID,
		PrivateKey: cfg.APNs.PrivateKey,
	}, logger)
	native[push.PlatformIOS] = apns.NewDispatcher(apns.Config{
		BundleID:   cfg.APNs.BundleID,
		Production: cfg.APNs.Production,
		Timeout:    cfg.Dispatch.SendTimeout,
	}, tokens, nil, logger)

	// B. Android (FCM)
	if cfg.FCM.Enabled {
		fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
		if err != nil {
			logger.Error("Failed to initialize Firebase App", "err", err)
			os.Exit(1)
		}
		fcmMessaging, err := fbApp.Messaging(ctx)
		if err != nil {
			logger.Error("Failed to create FCM messaging client", "err", err)
			os.Exit(1)
		}
		native[push.PlatformAndroid] = fcm.NewDispatcher(fcmMessaging, cfg.Dispatch.SendTimeout, logger)
	} else {
		logger.Warn("FCM disabled; Android targets will be skipped")
	}

	// C. Web (VAPID)
	var webSender dispatch.WebSender
	if cfg.Vapid.PrivateKey == "" || cfg.Vapid.PublicKey == "" {
		logger.Warn("VAPID keys missing in configuration. Web targets will be skipped.")
	} else {
		logger.Info("Web Dispatcher enabled", "public_key", cfg.Vapid.PublicKey)
		webSender = web.NewDispatcher(cfg.Vapid, cfg.Dispatch.SendTimeout, nil, logger)
	}

	dispatcher := pipeline.NewDispatcher(
		pipeline.DispatcherConfig{MaxConcurrency: cfg.Dispatch.MaxConcurrency},
		targetStore,
		notificationStore,
		native,
		webSender,
		logger,
	)

	// --- Consumer (optional) ---
	var consumer messagepipeline.MessageConsumer
	if cfg.SubscriptionID != "" {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("PubSub client failed", "err", err)
			os.Exit(1)
		}
		defer psClient.Close()

		consumer, err = newIngestionConsumer(ctx, cfg, psClient, logger)
		if err != nil {
			logger.Error("PubSub consumer failed", "err", err)
			os.Exit(1)
		}
	}

	service, err := pushservice.New(cfg, consumer, dispatcher, targetStore, authMiddleware, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting service...", "addr", cfg.ListenAddr)
		errCh <- service.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Service shutdown with error", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", "err", err)
		}
	}
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:                  sub,
		Topic:                 topicID,
		AckDeadlineSeconds:    30,
		EnableMessageOrdering: false,
	}
	if cfg.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
