// --- File: internal/platform/fcm/fcmdispatcher.go ---
package fcm

import (
	"context"
	"log/slog"
	"time"

	"firebase.google.com/go/v4/messaging"

	"github.com/tinywideclouds/go-paddock-push/pkg/push"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

type Dispatcher struct {
	client  MessagingClient
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher accepts the concrete client but stores it as the interface.
// Note: *messaging.Client automatically satisfies this interface.
func NewDispatcher(client MessagingClient, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		client:  client,
		timeout: timeout,
		logger:  logger.With("component", "FCMDispatcher"),
	}
}

// Ready is a no-op: the Firebase SDK manages its own credentials.
func (d *Dispatcher) Ready(context.Context) error {
	return nil
}

// Send delivers msg to one Android device token.
func (d *Dispatcher) Send(ctx context.Context, device push.NativeEndpoint, msg push.Message) push.Outcome {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	_, err := d.client.Send(ctx, buildMessage(device.Token, msg))
	outcome := classify(err)
	switch outcome {
	case push.PermanentlyInvalid:
		d.logger.Info("FCM reports token invalid", "token", device.Token, "err", err)
	case push.TemporarilyFailed:
		d.logger.Warn("FCM send failed", "token", device.Token, "err", err)
	}
	return outcome
}

// tokenGone lists the FCM errors that prove a token is dead. INVALID_ARGUMENT
// is absent: FCM also returns it for a bad message, which says nothing about
// the token.
var tokenGone = []func(error) bool{
	messaging.IsUnregistered,
	messaging.IsSenderIDMismatch,
}

// classify maps the result of one FCM send to a delivery outcome.
func classify(err error) push.Outcome {
	if err == nil {
		return push.Delivered
	}
	for _, gone := range tokenGone {
		if gone(err) {
			return push.PermanentlyInvalid
		}
	}
	return push.TemporarilyFailed
}

func buildMessage(token string, msg push.Message) *messaging.Message {
	data := map[string]string{}
	if msg.URL != "" {
		data["url"] = msg.URL
	}
	if msg.ArticleID != "" {
		data["articleId"] = msg.ArticleID
	}

	return &messaging.Message{
		Token: token,
		Data:  data,
		Notification: &messaging.Notification{
			Title:    msg.Title,
			Body:     msg.Body,
			ImageURL: msg.Image,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Tag:   msg.Tag,
				Sound: "default",
			},
		},
	}
}
