package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-paddock-push/internal/pipeline"
	"github.com/tinywideclouds/go-paddock-push/pkg/dispatch"
	"github.com/tinywideclouds/go-paddock-push/pkg/push"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Fakes ---

// memStore is an in-memory TargetStore.
type memStore struct {
	mu        sync.Mutex
	targets   []push.Target
	deleteErr error
	deletes   [][]string
}

func (s *memStore) List(_ context.Context, topic string) ([]push.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []push.Target
	for _, t := range s.targets {
		if t.Matches(topic) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, ids)
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.targets = slices.DeleteFunc(s.targets, func(t push.Target) bool {
		return slices.Contains(ids, t.ID)
	})
	return nil
}

func (s *memStore) Save(_ context.Context, t push.Target) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, t)
	return t.ID, nil
}

func (s *memStore) Remove(context.Context, string, push.Endpoint) error { return nil }

func (s *memStore) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, t := range s.targets {
		ids = append(ids, t.ID)
	}
	return ids
}

type fakeNativeSender struct {
	mu         sync.Mutex
	outcomes   map[string]push.Outcome // by device token, default Delivered
	readyErr   error
	readyCalls int
	calls      []string
}

func (f *fakeNativeSender) Ready(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyCalls++
	return f.readyErr
}

func (f *fakeNativeSender) Send(_ context.Context, device push.NativeEndpoint, _ push.Message) push.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, device.Token)
	if o, ok := f.outcomes[device.Token]; ok {
		return o
	}
	return push.Delivered
}

func (f *fakeNativeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeWebSender struct {
	mu       sync.Mutex
	outcomes map[string]push.Outcome // by URL, default Delivered
	calls    []string
}

func (f *fakeWebSender) Send(_ context.Context, sub push.WebEndpoint, _ push.Message) push.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sub.URL)
	if o, ok := f.outcomes[sub.URL]; ok {
		return o
	}
	return push.Delivered
}

func (f *fakeWebSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type mockNotificationStore struct {
	mock.Mock
}

func (m *mockNotificationStore) CreateInApp(ctx context.Context, rows []push.InAppNotification) error {
	return m.Called(ctx, rows).Error(0)
}

type failingStore struct {
	memStore
}

func (s *failingStore) List(context.Context, string) ([]push.Target, error) {
	return nil, errors.New("connection refused")
}

// --- Helpers ---

func ios(id, token string, topics ...string) push.Target {
	return push.Target{ID: id, Topics: topics, Endpoint: push.NativeEndpoint{Platform: push.PlatformIOS, Token: token}}
}

func webTarget(id, url string, topics ...string) push.Target {
	return push.Target{ID: id, Topics: topics, Endpoint: push.WebEndpoint{URL: url, P256dh: "p", Auth: "a"}}
}

var testMessage = push.Message{Title: "New casting", Body: "Porsche 911 GT3 RS announced", ArticleID: "a-1"}

// --- Tests ---

func TestDispatcher_SendBatch(t *testing.T) {
	ctx := context.Background()

	newDispatcher := func(store dispatch.TargetStore, notes dispatch.NotificationStore, apns *fakeNativeSender, web *fakeWebSender) *pipeline.Dispatcher {
		return pipeline.NewDispatcher(
			pipeline.DispatcherConfig{MaxConcurrency: 4},
			store,
			notes,
			map[string]dispatch.NativeSender{push.PlatformIOS: apns},
			web,
			newTestLogger(),
		)
	}

	t.Run("No targets - zero result without outbound calls", func(t *testing.T) {
		store := &memStore{}
		apns, web := &fakeNativeSender{}, &fakeWebSender{}

		result, err := newDispatcher(store, nil, apns, web).SendBatch(ctx, testMessage, "")

		require.NoError(t, err)
		assert.Equal(t, push.Result{}, result)
		assert.Zero(t, result.Sent())
		assert.Zero(t, apns.callCount())
		assert.Zero(t, apns.readyCalls)
		assert.Zero(t, web.callCount())
		assert.Empty(t, store.deletes)
	})

	t.Run("All native delivered - no deletions", func(t *testing.T) {
		store := &memStore{targets: []push.Target{ios("1", "t1"), ios("2", "t2"), ios("3", "t3")}}
		apns, web := &fakeNativeSender{}, &fakeWebSender{}

		result, err := newDispatcher(store, nil, apns, web).SendBatch(ctx, testMessage, "")

		require.NoError(t, err)
		assert.Equal(t, 3, result.Native)
		assert.Zero(t, result.Failed)
		assert.Empty(t, result.Deleted)
		assert.Empty(t, store.deletes)
		assert.Equal(t, 1, apns.readyCalls, "the sender is prepared once per batch")
	})

	t.Run("Native 410 - target purged from the store", func(t *testing.T) {
		store := &memStore{targets: []push.Target{ios("keep", "good"), ios("gone", "dead")}}
		apns := &fakeNativeSender{outcomes: map[string]push.Outcome{"dead": push.PermanentlyInvalid}}

		result, err := newDispatcher(store, nil, apns, &fakeWebSender{}).SendBatch(ctx, testMessage, "")

		require.NoError(t, err)
		assert.Equal(t, 1, result.Native)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, []string{"gone"}, result.Deleted)
		assert.Equal(t, []string{"keep"}, store.ids())
	})

	t.Run("Native 500 - target kept and counted failed", func(t *testing.T) {
		store := &memStore{targets: []push.Target{ios("flaky", "busy")}}
		apns := &fakeNativeSender{outcomes: map[string]push.Outcome{"busy": push.TemporarilyFailed}}

		result, err := newDispatcher(store, nil, apns, &fakeWebSender{}).SendBatch(ctx, testMessage, "")

		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
		assert.Empty(t, result.Deleted)
		assert.Equal(t, []string{"flaky"}, store.ids())
	})

	t.Run("Malformed native endpoint - purged without a send", func(t *testing.T) {
		endpoint, parseErr := push.ParseEndpoint("native://ios", "", "")
		require.Error(t, parseErr)
		store := &memStore{targets: []push.Target{{ID: "broken", Endpoint: endpoint}}}
		apns := &fakeNativeSender{}

		result, err := newDispatcher(store, nil, apns, &fakeWebSender{}).SendBatch(ctx, testMessage, "")

		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, []string{"broken"}, result.Deleted)
		assert.Zero(t, apns.callCount())
		assert.Empty(t, store.ids())
	})

	t.Run("Mixed batch aggregates per channel", func(t *testing.T) {
		store := &memStore{targets: []push.Target{
			ios("n1", "t1"), ios("n2", "t2"), ios("n3", "dead"),
			webTarget("w1", "https://push.example/1"), webTarget("w2", "https://push.example/2"),
		}}
		apns := &fakeNativeSender{outcomes: map[string]push.Outcome{"dead": push.PermanentlyInvalid}}
		web := &fakeWebSender{}

		result, err := newDispatcher(store, nil, apns, web).SendBatch(ctx, testMessage, "")

		require.NoError(t, err)
		assert.Equal(t, 2, result.Native)
		assert.Equal(t, 2, result.Web)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, 4, result.Sent())
		assert.Equal(t, []string{"n3"}, result.Deleted)
	})

	t.Run("Web 404 purged, web 500 kept", func(t *testing.T) {
		store := &memStore{targets: []push.Target{
			webTarget("dead", "https://push.example/dead"),
			webTarget("busy", "https://push.example/busy"),
		}}
		web := &fakeWebSender{outcomes: map[string]push.Outcome{
			"https://push.example/dead": push.PermanentlyInvalid,
			"https://push.example/busy": push.TemporarilyFailed,
		}}

		result, err := newDispatcher(store, nil, &fakeNativeSender{}, web).SendBatch(ctx, testMessage, "")

		require.NoError(t, err)
		assert.Equal(t, 2, result.Failed)
		assert.Equal(t, []string{"busy"}, store.ids())
	})

	t.Run("Topic filtering", func(t *testing.T) {
		store := &memStore{targets: []push.Target{ios("news-only", "t-news", "news")}}

		apns := &fakeNativeSender{}
		result, err := newDispatcher(store, nil, apns, &fakeWebSender{}).SendBatch(ctx, testMessage, "launches")
		require.NoError(t, err)
		assert.Zero(t, result.Native)
		assert.Zero(t, apns.callCount())

		for _, topic := range []string{"", "news"} {
			apns := &fakeNativeSender{}
			result, err := newDispatcher(store, nil, apns, &fakeWebSender{}).SendBatch(ctx, testMessage, topic)
			require.NoError(t, err)
			assert.Equal(t, 1, result.Native, "topic %q", topic)
		}
	})

	t.Run("APNs not configured - web still delivered, error returned", func(t *testing.T) {
		store := &memStore{targets: []push.Target{ios("n1", "t1"), ios("n2", "t2"), webTarget("w1", "https://push.example/1")}}
		apns := &fakeNativeSender{readyErr: push.ErrConfiguration}
		web := &fakeWebSender{}

		result, err := newDispatcher(store, nil, apns, web).SendBatch(ctx, testMessage, "")

		require.ErrorIs(t, err, push.ErrConfiguration)
		assert.Equal(t, 1, result.Web)
		assert.Equal(t, 2, result.Failed)
		assert.Empty(t, result.Deleted, "credential failures never purge targets")
		assert.Zero(t, apns.callCount())
		assert.Equal(t, 1, apns.readyCalls)
	})

	t.Run("Native platform without a sender is skipped", func(t *testing.T) {
		android := push.Target{ID: "a1", Endpoint: push.NativeEndpoint{Platform: push.PlatformAndroid, Token: "fcm"}}
		store := &memStore{targets: []push.Target{android, ios("n1", "t1")}}

		result, err := newDispatcher(store, nil, &fakeNativeSender{}, &fakeWebSender{}).SendBatch(ctx, testMessage, "")

		require.NoError(t, err)
		assert.Equal(t, 1, result.Native)
		assert.Equal(t, 1, result.Skipped)
		assert.Zero(t, result.Failed)
		assert.Equal(t, []string{"a1", "n1"}, store.ids())
	})

	t.Run("Android routes to its own sender", func(t *testing.T) {
		android := push.Target{ID: "a1", Endpoint: push.NativeEndpoint{Platform: push.PlatformAndroid, Token: "fcm-token"}}
		store := &memStore{targets: []push.Target{android}}
		fcm := &fakeNativeSender{}

		d := pipeline.NewDispatcher(pipeline.DispatcherConfig{}, store, nil,
			map[string]dispatch.NativeSender{push.PlatformIOS: &fakeNativeSender{}, push.PlatformAndroid: fcm},
			nil, newTestLogger())
		result, err := d.SendBatch(ctx, testMessage, "")

		require.NoError(t, err)
		assert.Equal(t, 1, result.Native)
		assert.Equal(t, []string{"fcm-token"}, fcm.calls)
	})

	t.Run("Delete failure does not change counts", func(t *testing.T) {
		store := &memStore{targets: []push.Target{ios("gone", "dead")}, deleteErr: errors.New("db down")}
		apns := &fakeNativeSender{outcomes: map[string]push.Outcome{"dead": push.PermanentlyInvalid}}

		result, err := newDispatcher(store, nil, apns, &fakeWebSender{}).SendBatch(ctx, testMessage, "")

		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, []string{"gone"}, result.Deleted)
		assert.Len(t, store.deletes, 1)
	})

	t.Run("One in-app notification per distinct owner", func(t *testing.T) {
		a := ios("1", "t1")
		a.OwnerID = "user-a"
		b := webTarget("2", "https://push.example/2")
		b.OwnerID = "user-a"
		c := ios("3", "t3")
		c.OwnerID = "user-b"
		anonymous := ios("4", "t4")
		store := &memStore{targets: []push.Target{a, b, c, anonymous}}

		notes := new(mockNotificationStore)
		notes.On("CreateInApp", mock.Anything, mock.MatchedBy(func(rows []push.InAppNotification) bool {
			if len(rows) != 2 {
				return false
			}
			return rows[0].UserID == "user-a" && rows[1].UserID == "user-b" &&
				rows[0].Title == testMessage.Title && rows[0].ArticleID == "a-1"
		})).Return(nil).Once()

		result, err := newDispatcher(store, notes, &fakeNativeSender{}, &fakeWebSender{}).SendBatch(ctx, testMessage, "")

		require.NoError(t, err)
		assert.Equal(t, 4, result.Sent())
		notes.AssertExpectations(t)
	})

	t.Run("Notification store failure does not abort delivery", func(t *testing.T) {
		owned := ios("1", "t1")
		owned.OwnerID = "user-a"
		store := &memStore{targets: []push.Target{owned}}

		notes := new(mockNotificationStore)
		notes.On("CreateInApp", mock.Anything, mock.Anything).Return(errors.New("insert failed"))

		result, err := newDispatcher(store, notes, &fakeNativeSender{}, &fakeWebSender{}).SendBatch(ctx, testMessage, "")

		require.NoError(t, err)
		assert.Equal(t, 1, result.Native)
	})

	t.Run("Store list failure is fatal", func(t *testing.T) {
		apns := &fakeNativeSender{}
		_, err := newDispatcher(&failingStore{}, nil, apns, &fakeWebSender{}).SendBatch(ctx, testMessage, "")

		require.ErrorIs(t, err, push.ErrStore)
		assert.Zero(t, apns.callCount())
	})

	t.Run("Sending twice makes two delivery attempts", func(t *testing.T) {
		store := &memStore{targets: []push.Target{ios("1", "t1")}}
		apns := &fakeNativeSender{}
		d := newDispatcher(store, nil, apns, &fakeWebSender{})

		_, err := d.SendBatch(ctx, testMessage, "")
		require.NoError(t, err)
		_, err = d.SendBatch(ctx, testMessage, "")
		require.NoError(t, err)

		assert.Equal(t, []string{"t1", "t1"}, apns.calls)
	})
}
