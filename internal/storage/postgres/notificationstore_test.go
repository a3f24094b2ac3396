package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-paddock-push/internal/storage/postgres"
	"github.com/tinywideclouds/go-paddock-push/pkg/push"
)

func TestNotificationStore_CreateInApp(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Inserts every row in one statement", func(t *testing.T) {
		db, mock := newMockDB(t)
		store := postgres.NewNotificationStore(db)
		rows := []push.InAppNotification{
			{UserID: "u1", Title: "T", Body: "B", URL: "/a/1", CreatedAt: now},
			{UserID: "u2", Title: "T", Body: "B", ArticleID: "42", CreatedAt: now},
		}
		mock.ExpectExec(`INSERT INTO notifications`).
			WithArgs(
				"u1", "T", "B", sql.NullString{}, sql.NullString{String: "/a/1", Valid: true}, sql.NullString{}, now,
				"u2", "T", "B", sql.NullString{}, sql.NullString{}, sql.NullString{String: "42", Valid: true}, now,
			).
			WillReturnResult(sqlmock.NewResult(0, 2))

		require.NoError(t, store.CreateInApp(ctx, rows))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Empty input touches nothing", func(t *testing.T) {
		db, mock := newMockDB(t)
		store := postgres.NewNotificationStore(db)

		require.NoError(t, store.CreateInApp(ctx, nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Insert failure is returned", func(t *testing.T) {
		db, mock := newMockDB(t)
		store := postgres.NewNotificationStore(db)
		mock.ExpectExec(`INSERT INTO notifications`).WillReturnError(errors.New("disk full"))

		err := store.CreateInApp(ctx, []push.InAppNotification{{UserID: "u1", Title: "T", Body: "B", CreatedAt: now}})
		require.Error(t, err)
	})
}
