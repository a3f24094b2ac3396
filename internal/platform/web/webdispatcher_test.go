package web_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-paddock-push/internal/platform/web"
	"github.com/tinywideclouds/go-paddock-push/pkg/push"
	"github.com/tinywideclouds/go-paddock-push/pushservice/config"
)

// newBrowserKeys returns a p256dh/auth pair like a browser would produce.
func newBrowserKeys(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		base64.RawURLEncoding.EncodeToString(auth)
}

func newDispatcher(t *testing.T, client *http.Client, timeout time.Duration) *web.Dispatcher {
	t.Helper()
	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	return web.NewDispatcher(config.VapidConfig{
		PrivateKey:      privateKey,
		PublicKey:       publicKey,
		SubscriberEmail: "mailto:push@paddock.app",
	}, timeout, client, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDispatcher_Send(t *testing.T) {
	// Simulates Google/Mozilla push servers
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "86400", r.Header.Get("TTL"))

		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/created":
			w.WriteHeader(http.StatusCreated)
		case "/expired":
			w.WriteHeader(http.StatusGone)
		case "/error":
			w.WriteHeader(http.StatusInternalServerError)
		case "/throttled":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer mockServer.Close()

	dispatcher := newDispatcher(t, mockServer.Client(), 0)
	msg := push.Message{Title: "Price alert", Body: "Your '67 Camaro is listed", URL: "/market/123"}
	ctx := context.Background()

	testCases := []struct {
		path     string
		expected push.Outcome
	}{
		{path: "/ok", expected: push.Delivered},
		{path: "/created", expected: push.Delivered},
		{path: "/expired", expected: push.PermanentlyInvalid},
		{path: "/missing", expected: push.PermanentlyInvalid},
		{path: "/error", expected: push.TemporarilyFailed},
		{path: "/throttled", expected: push.TemporarilyFailed},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			p256dh, auth := newBrowserKeys(t)
			sub := push.WebEndpoint{URL: mockServer.URL + tc.path, P256dh: p256dh, Auth: auth}
			assert.Equal(t, tc.expected, dispatcher.Send(ctx, sub, msg))
		})
	}
}

func TestDispatcher_Send_Timeout(t *testing.T) {
	release := make(chan struct{})
	slowServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slowServer.Close()
	defer close(release)

	dispatcher := newDispatcher(t, slowServer.Client(), 50*time.Millisecond)
	p256dh, auth := newBrowserKeys(t)

	outcome := dispatcher.Send(context.Background(), push.WebEndpoint{URL: slowServer.URL + "/slow", P256dh: p256dh, Auth: auth}, push.Message{Title: "t", Body: "b"})
	assert.Equal(t, push.TemporarilyFailed, outcome)
}
