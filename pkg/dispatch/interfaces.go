// --- File: pkg/dispatch/interfaces.go ---
package dispatch

import (
	"context"

	"github.com/tinywideclouds/go-paddock-push/pkg/push"
)

// NativeSender delivers to native device tokens of one platform (APNs, FCM).
type NativeSender interface {
	// Ready prepares the sender for a batch. A non-nil error disables this
	// sender for the whole batch (e.g. missing APNs credentials).
	Ready(ctx context.Context) error
	// Send delivers msg to a single device. Per-device errors are reported
	// through the Outcome, never returned.
	Send(ctx context.Context, device push.NativeEndpoint, msg push.Message) push.Outcome
}

// WebSender delivers to browser Web Push subscriptions.
type WebSender interface {
	Send(ctx context.Context, sub push.WebEndpoint, msg push.Message) push.Outcome
}

// TargetStore defines the contract for managing push targets.
type TargetStore interface {
	// List returns every target that matches topic (see push.Target.Matches).
	List(ctx context.Context, topic string) ([]push.Target, error)
	// Delete removes the targets with the given ids. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error
	// Save upserts a target keyed by its endpoint and returns the stored id.
	// An endpoint already held by another owner yields push.ErrEndpointTaken.
	Save(ctx context.Context, target push.Target) (string, error)
	// Remove deletes the target registered under endpoint if ownerID holds it.
	// Endpoints held by someone else are left untouched.
	Remove(ctx context.Context, ownerID string, endpoint push.Endpoint) error
}

// NotificationStore persists the in-app feed rows written alongside a push.
type NotificationStore interface {
	CreateInApp(ctx context.Context, notifications []push.InAppNotification) error
}
