package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tinywideclouds/go-paddock-push/pkg/push"
)

// NotificationStore implements dispatch.NotificationStore on the notifications table.
type NotificationStore struct {
	db *sqlx.DB
}

func NewNotificationStore(db *sqlx.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

type notificationRow struct {
	UserID    string         `db:"user_id"`
	Title     string         `db:"title"`
	Body      string         `db:"body"`
	Image     sql.NullString `db:"image"`
	URL       sql.NullString `db:"url"`
	ArticleID sql.NullString `db:"article_id"`
	CreatedAt time.Time      `db:"created_at"`
}

// CreateInApp inserts all rows in a single multi-row INSERT.
func (s *NotificationStore) CreateInApp(ctx context.Context, notifications []push.InAppNotification) error {
	if len(notifications) == 0 {
		return nil
	}

	rows := make([]notificationRow, 0, len(notifications))
	for _, n := range notifications {
		rows = append(rows, notificationRow{
			UserID:    n.UserID,
			Title:     n.Title,
			Body:      n.Body,
			Image:     nullString(n.Image),
			URL:       nullString(n.URL),
			ArticleID: nullString(n.ArticleID),
			CreatedAt: n.CreatedAt,
		})
	}

	query := `
		INSERT INTO notifications (user_id, title, body, image, url, article_id, created_at)
		VALUES (:user_id, :title, :body, :image, :url, :article_id, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, query, rows); err != nil {
		return fmt.Errorf("insert notifications: %w", err)
	}
	return nil
}
