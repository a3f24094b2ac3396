package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/tinywideclouds/go-paddock-push/pushservice/config"
	"github.com/tinywideclouds/go-paddock-push/pkg/push"
)

// messageTTL is how long the push service keeps an undelivered message (24h).
const messageTTL = 24 * 60 * 60

type Dispatcher struct {
	subscriber string
	privateKey string
	publicKey  string
	timeout    time.Duration
	logger     *slog.Logger
	httpClient webpush.HTTPClient
}

func NewDispatcher(cfg config.VapidConfig, timeout time.Duration, httpClient webpush.HTTPClient, logger *slog.Logger) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PublicKey,
		subscriber: cfg.SubscriberEmail,
		timeout:    timeout,
		logger:     logger.With("component", "WebPushDispatcher"),
		httpClient: httpClient,
	}
}

// Send delivers msg, serialised as JSON, to one browser subscription.
func (d *Dispatcher) Send(ctx context.Context, sub push.WebEndpoint, msg push.Message) push.Outcome {
	payloadBytes, err := json.Marshal(msg)
	if err != nil {
		d.logger.Error("Failed to marshal web push payload", "err", err)
		return push.TemporarilyFailed
	}

	s := &webpush.Subscription{
		Endpoint: sub.URL,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := webpush.SendNotificationWithContext(ctx, payloadBytes, s, &webpush.Options{
		Subscriber:      d.subscriber,
		VAPIDPublicKey:  d.publicKey,
		VAPIDPrivateKey: d.privateKey,
		TTL:             messageTTL,
		HTTPClient:      d.httpClient,
	})
	if err != nil {
		// Transport error (DNS, Timeout, key encryption) - Log and keep the subscription
		d.logger.Warn("WebPush transport error", "endpoint", sub.URL, "err", err)
		return push.TemporarilyFailed
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return push.Delivered
	case http.StatusGone, http.StatusNotFound:
		// 410 Gone / 404 Not Found -> subscription is dead, return for cleanup
		return push.PermanentlyInvalid
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		d.logger.Warn("WebPush rejected", "status", resp.StatusCode, "endpoint", sub.URL, "body", string(raw))
		return push.TemporarilyFailed
	}
}
