package push

import (
	"errors"
	"strings"
	"time"
)

// Message is the payload of one broadcast.
type Message struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Image     string `json:"image,omitempty"`
	URL       string `json:"url,omitempty"`
	ArticleID string `json:"articleId,omitempty"`
	Tag       string `json:"tag,omitempty"`
}

// Validate checks that the message can be shown on a device.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Title) == "" {
		return errors.New("title is required")
	}
	if strings.TrimSpace(m.Body) == "" {
		return errors.New("body is required")
	}
	return nil
}

// Broadcast is a request to send Message to every target subscribed to Topic.
// It is the wire shape of both POST /send-push and the Pub/Sub broadcast topic.
type Broadcast struct {
	Message
	Topic string `json:"topic,omitempty"`
}

// Outcome is the result of a single delivery attempt.
type Outcome int

const (
	Delivered Outcome = iota
	// TemporarilyFailed targets are kept for future batches.
	TemporarilyFailed
	// PermanentlyInvalid targets are deleted after the batch.
	PermanentlyInvalid
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case TemporarilyFailed:
		return "temporarily_failed"
	case PermanentlyInvalid:
		return "permanently_invalid"
	default:
		return "unknown"
	}
}

// Result summarises one SendBatch call.
type Result struct {
	Native  int
	Web     int
	Failed  int
	Skipped int
	Deleted []string
}

// Sent is the number of deliveries across both channels.
func (r Result) Sent() int {
	return r.Native + r.Web
}

// InAppNotification is the feed row written for each owner reached by a batch.
type InAppNotification struct {
	UserID    string
	Title     string
	Body      string
	Image     string
	URL       string
	ArticleID string
	CreatedAt time.Time
}
