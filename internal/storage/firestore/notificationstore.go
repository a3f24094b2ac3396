package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/tinywideclouds/go-paddock-push/pkg/push"
)

// NotificationStore writes in-app notifications to users/{userID}/notifications.
type NotificationStore struct {
	client *firestore.Client
}

func NewNotificationStore(client *firestore.Client) *NotificationStore {
	return &NotificationStore{client: client}
}

type notificationRecord struct {
	Title     string    `firestore:"title"`
	Body      string    `firestore:"body"`
	Image     string    `firestore:"image,omitempty"`
	URL       string    `firestore:"url,omitempty"`
	ArticleID string    `firestore:"article_id,omitempty"`
	IsRead    bool      `firestore:"is_read"`
	CreatedAt time.Time `firestore:"created_at"`
}

func (s *NotificationStore) CreateInApp(ctx context.Context, notifications []push.InAppNotification) error {
	if len(notifications) == 0 {
		return nil
	}

	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(notifications))
	var errs []error
	for _, n := range notifications {
		ref := s.client.Collection("users").Doc(n.UserID).Collection("notifications").NewDoc()
		job, err := bw.Create(ref, notificationRecord{
			Title:     n.Title,
			Body:      n.Body,
			Image:     n.Image,
			URL:       n.URL,
			ArticleID: n.ArticleID,
			CreatedAt: n.CreatedAt,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue notification for %s: %w", n.UserID, err))
			continue
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
