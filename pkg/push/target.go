// Package push contains the domain models shared by the dispatcher, the protocol
// adapters and the target stores.
package push

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Native platform tags as they appear in the persisted endpoint string.
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
)

const nativeScheme = "native://"

// Endpoint is the destination of a Target. It is one of NativeEndpoint,
// WebEndpoint or InvalidEndpoint.
type Endpoint interface {
	isEndpoint()
}

// NativeEndpoint is a device token registered by a native app.
type NativeEndpoint struct {
	Platform string
	Token    string
}

// WebEndpoint is a browser Web Push subscription.
type WebEndpoint struct {
	URL    string
	P256dh string
	Auth   string
}

// InvalidEndpoint is a stored endpoint that could not be parsed.
// Targets carrying one are never delivered to; the dispatcher purges them.
type InvalidEndpoint struct {
	Raw    string
	Reason string
}

func (NativeEndpoint) isEndpoint()  {}
func (WebEndpoint) isEndpoint()     {}
func (InvalidEndpoint) isEndpoint() {}

// Target is one stored push destination.
type Target struct {
	ID        string
	OwnerID   string
	Topics    []string
	Endpoint  Endpoint
	UpdatedAt time.Time
}

// Matches reports whether the target should receive a broadcast for topic.
// An empty topic selects every target; a target without topics receives everything.
func (t Target) Matches(topic string) bool {
	if topic == "" || len(t.Topics) == 0 {
		return true
	}
	return slices.Contains(t.Topics, topic)
}

// ParseEndpoint converts the persisted endpoint columns into an Endpoint.
// A "native://<platform>/<token>" string yields a NativeEndpoint, an http(s) URL
// yields a WebEndpoint. Anything else is returned as an InvalidEndpoint together
// with an error wrapping ErrInvalidEndpoint.
func ParseEndpoint(raw, p256dh, auth string) (Endpoint, error) {
	if rest, ok := strings.CutPrefix(raw, nativeScheme); ok {
		platform, token, found := strings.Cut(rest, "/")
		if !found || platform == "" || token == "" || strings.Contains(token, "/") {
			return invalid(raw, "malformed native endpoint")
		}
		return NativeEndpoint{Platform: strings.ToLower(platform), Token: token}, nil
	}

	if strings.HasPrefix(raw, "https://") || strings.HasPrefix(raw, "http://") {
		if p256dh == "" || auth == "" {
			return invalid(raw, "web endpoint without subscription keys")
		}
		return WebEndpoint{URL: raw, P256dh: p256dh, Auth: auth}, nil
	}

	return invalid(raw, "unrecognised endpoint scheme")
}

// FormatEndpoint is the inverse of ParseEndpoint: it returns the endpoint
// column plus the two key columns.
func FormatEndpoint(e Endpoint) (raw, p256dh, auth string) {
	switch v := e.(type) {
	case NativeEndpoint:
		return nativeScheme + v.Platform + "/" + v.Token, "", ""
	case WebEndpoint:
		return v.URL, v.P256dh, v.Auth
	case InvalidEndpoint:
		return v.Raw, "", ""
	default:
		return "", "", ""
	}
}

func invalid(raw, reason string) (Endpoint, error) {
	return InvalidEndpoint{Raw: raw, Reason: reason}, fmt.Errorf("%w: %s", ErrInvalidEndpoint, reason)
}
