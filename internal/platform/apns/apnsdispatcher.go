// --- File: internal/platform/apns/apnsdispatcher.go ---
// Package apns provides the client for the Apple Push Notification Service.
package apns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"

	"github.com/tinywideclouds/go-paddock-push/pkg/push"
)

// TokenSource yields the bearer token for the provider API.
// *credentials.Manager satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPClient is the subset of *http.Client we use. This allows mocking for unit tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the delivery settings of the APNs dispatcher.
type Config struct {
	// BundleID is sent as apns-topic.
	BundleID string
	// Production selects api.push.apple.com over the sandbox host.
	Production bool
	// Host overrides the push host (tests).
	Host    string
	Timeout time.Duration
}

type Dispatcher struct {
	client  HTTPClient
	tokens  TokenSource
	host    string
	topic   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher creates an APNs dispatcher that signs requests with tokens from ts.
func NewDispatcher(cfg Config, ts TokenSource, client HTTPClient, logger *slog.Logger) *Dispatcher {
	host := cfg.Host
	if host == "" {
		host = apns2.HostDevelopment
		if cfg.Production {
			host = apns2.HostProduction
		}
	}
	if client == nil {
		client = &http.Client{Transport: &http.Transport{ForceAttemptHTTP2: true}}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Dispatcher{
		client:  client,
		tokens:  ts,
		host:    host,
		topic:   cfg.BundleID,
		timeout: timeout,
		logger:  logger.With("component", "APNSDispatcher"),
	}
}

// Ready signs (or reuses) the provider token. Errors here are fatal for the batch.
func (d *Dispatcher) Ready(ctx context.Context) error {
	if _, err := d.tokens.Token(ctx); err != nil {
		return fmt.Errorf("apns not ready: %w", err)
	}
	return nil
}

// Send delivers msg to one device.
// APNs HTTP/2 API is unary (one request per token); fan-out is the caller's job.
func (d *Dispatcher) Send(ctx context.Context, device push.NativeEndpoint, msg push.Message) push.Outcome {
	bearer, err := d.tokens.Token(ctx)
	if err != nil {
		d.logger.Error("APNs token unavailable", "err", err)
		return push.TemporarilyFailed
	}

	body, err := json.Marshal(buildPayload(msg))
	if err != nil {
		d.logger.Error("Failed to marshal APNs payload", "err", err)
		return push.TemporarilyFailed
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	endpoint := d.host + "/3/device/" + url.PathEscape(device.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("Failed to build APNs request", "err", err)
		return push.TemporarilyFailed
	}
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", d.topic)
	req.Header.Set("apns-push-type", string(apns2.PushTypeAlert))
	req.Header.Set("apns-priority", strconv.Itoa(apns2.PriorityHigh))
	req.Header.Set("apns-expiration", "0")
	req.Header.Set("content-type", "application/json")

	res, err := d.client.Do(req)
	if err != nil {
		// Network/Transport Failure (includes timeouts)
		d.logger.Warn("APNs transport failed", "token", device.Token, "err", err)
		return push.TemporarilyFailed
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return push.Delivered
	case http.StatusGone:
		d.logger.Info("APNs reports token unregistered", "token", device.Token)
		return push.PermanentlyInvalid
	default:
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		var apnsRes apns2.Response
		_ = json.Unmarshal(raw, &apnsRes)
		d.logger.Warn("APNs rejected notification",
			"status", res.StatusCode,
			"reason", apnsRes.Reason,
			"body", string(raw),
			"token", device.Token,
		)
		return push.TemporarilyFailed
	}
}

func buildPayload(msg push.Message) *payload.Payload {
	builder := payload.NewPayload().
		AlertTitle(msg.Title).
		AlertBody(msg.Body).
		Sound("default").
		Badge(1).
		MutableContent()

	if msg.Tag != "" {
		builder.ThreadID(msg.Tag)
	}
	if msg.URL != "" {
		builder.Custom("url", msg.URL)
	}
	if msg.ArticleID != "" {
		builder.Custom("articleId", msg.ArticleID)
	}
	if msg.Image != "" {
		builder.Custom("image", msg.Image)
	}
	return builder
}
