// Package pipeline contains the broadcast dispatcher and the Pub/Sub stages that feed it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-paddock-push/pkg/dispatch"
	"github.com/tinywideclouds/go-paddock-push/pkg/push"
)

const defaultMaxConcurrency = 16

// DispatcherConfig tunes the fan-out.
type DispatcherConfig struct {
	// MaxConcurrency bounds the number of in-flight deliveries.
	MaxConcurrency int
}

// Dispatcher broadcasts one message to every matching target and cleans up
// the targets the push hosts report as dead.
type Dispatcher struct {
	store          dispatch.TargetStore
	notifications  dispatch.NotificationStore
	native         map[string]dispatch.NativeSender
	web            dispatch.WebSender
	maxConcurrency int
	now            func() time.Time
	logger         *slog.Logger
}

// NewDispatcher wires the dispatcher. native maps a platform tag (push.PlatformIOS,
// push.PlatformAndroid) to its sender; platforms without a sender are skipped.
// notifications and web may be nil.
func NewDispatcher(
	cfg DispatcherConfig,
	store dispatch.TargetStore,
	notifications dispatch.NotificationStore,
	native map[string]dispatch.NativeSender,
	web dispatch.WebSender,
	logger *slog.Logger,
) *Dispatcher {
	limit := cfg.MaxConcurrency
	if limit <= 0 {
		limit = defaultMaxConcurrency
	}
	return &Dispatcher{
		store:          store,
		notifications:  notifications,
		native:         native,
		web:            web,
		maxConcurrency: limit,
		now:            time.Now,
		logger:         logger.With("component", "Dispatcher"),
	}
}

// tally accumulates per-target outcomes and the post-batch side effects.
type tally struct {
	mu       sync.Mutex
	result   push.Result
	toDelete map[string]struct{}
}

func (t *tally) record(target push.Target, web bool, outcome push.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch outcome {
	case push.Delivered:
		if web {
			t.result.Web++
		} else {
			t.result.Native++
		}
	case push.PermanentlyInvalid:
		t.result.Failed++
		t.toDelete[target.ID] = struct{}{}
	default:
		t.result.Failed++
	}
}

// SendBatch delivers msg to every target subscribed to topic (all targets when
// topic is empty). Per-target failures are reported in the Result. The returned
// error is non-nil when the target list could not be loaded, or when a native
// sender could not be prepared (e.g. missing APNs credentials); in the latter
// case the other channels are still delivered and the Result is populated.
func (d *Dispatcher) SendBatch(ctx context.Context, msg push.Message, topic string) (push.Result, error) {
	batchLogger := d.logger.With("topic", topic)

	targets, err := d.store.List(ctx, topic)
	if err != nil {
		return push.Result{}, fmt.Errorf("%w: listing targets: %w", push.ErrStore, err)
	}
	if len(targets) == 0 {
		batchLogger.Info("No push targets matched; nothing to send.")
		return push.Result{}, nil
	}

	t := &tally{toDelete: make(map[string]struct{})}
	toNotify := make(map[string]struct{})
	readiness := make(map[string]error)
	var fatal error

	g := new(errgroup.Group)
	g.SetLimit(d.maxConcurrency)

	for _, target := range targets {
		if target.OwnerID != "" {
			toNotify[target.OwnerID] = struct{}{}
		}

		switch ep := target.Endpoint.(type) {
		case push.InvalidEndpoint:
			batchLogger.Warn("Purging target with unparsable endpoint", "target_id", target.ID, "reason", ep.Reason)
			t.record(target, false, push.PermanentlyInvalid)

		case push.NativeEndpoint:
			sender, ok := d.native[ep.Platform]
			if !ok {
				batchLogger.Warn("No sender for native platform; skipping target", "platform", ep.Platform, "target_id", target.ID)
				t.mu.Lock()
				t.result.Skipped++
				t.mu.Unlock()
				continue
			}
			readyErr, checked := readiness[ep.Platform]
			if !checked {
				readyErr = sender.Ready(ctx)
				readiness[ep.Platform] = readyErr
				if readyErr != nil {
					batchLogger.Error("Native sender unavailable for this batch", "platform", ep.Platform, "err", readyErr)
					fatal = errors.Join(fatal, readyErr)
				}
			}
			if readyErr != nil {
				t.record(target, false, push.TemporarilyFailed)
				continue
			}
			g.Go(func() error {
				t.record(target, false, sender.Send(ctx, ep, msg))
				return nil
			})

		case push.WebEndpoint:
			if d.web == nil {
				batchLogger.Warn("Web push disabled; skipping target", "target_id", target.ID)
				t.mu.Lock()
				t.result.Skipped++
				t.mu.Unlock()
				continue
			}
			g.Go(func() error {
				t.record(target, true, d.web.Send(ctx, ep, msg))
				return nil
			})

		default:
			batchLogger.Warn("Unknown endpoint type; skipping target", "target_id", target.ID)
		}
	}

	_ = g.Wait()

	result := t.result
	result.Deleted = d.purge(ctx, batchLogger, t.toDelete)
	d.notify(ctx, batchLogger, msg, toNotify)

	batchLogger.Info("Broadcast complete",
		"targets", len(targets),
		"native", result.Native,
		"web", result.Web,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"deleted", len(result.Deleted),
	)
	return result, fatal
}

// purge deletes dead targets in one call. Failures are logged only.
func (d *Dispatcher) purge(ctx context.Context, logger *slog.Logger, toDelete map[string]struct{}) []string {
	if len(toDelete) == 0 {
		return nil
	}
	ids := make([]string, 0, len(toDelete))
	for id := range toDelete {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	logger.Info("Cleaning up invalid push targets", "count", len(ids))
	if err := d.store.Delete(ctx, ids); err != nil {
		logger.Warn("Failed to delete invalid push targets", "count", len(ids), "err", err)
	}
	return ids
}

// notify writes one in-app notification per owner. Failures are logged only.
func (d *Dispatcher) notify(ctx context.Context, logger *slog.Logger, msg push.Message, owners map[string]struct{}) {
	if d.notifications == nil || len(owners) == 0 {
		return
	}
	userIDs := make([]string, 0, len(owners))
	for id := range owners {
		userIDs = append(userIDs, id)
	}
	slices.Sort(userIDs)

	createdAt := d.now().UTC()
	rows := make([]push.InAppNotification, 0, len(userIDs))
	for _, userID := range userIDs {
		rows = append(rows, push.InAppNotification{
			UserID:    userID,
			Title:     msg.Title,
			Body:      msg.Body,
			Image:     msg.Image,
			URL:       msg.URL,
			ArticleID: msg.ArticleID,
			CreatedAt: createdAt,
		})
	}

	if err := d.notifications.CreateInApp(ctx, rows); err != nil {
		logger.Warn("Failed to write in-app notifications", "count", len(rows), "err", err)
	}
}
