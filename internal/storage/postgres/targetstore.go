package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tinywideclouds/go-paddock-push/pkg/push"
)

// TargetStore implements dispatch.TargetStore on the push_subscriptions table.
type TargetStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewTargetStore(db *sqlx.DB, logger *slog.Logger) *TargetStore {
	return &TargetStore{db: db, logger: logger.With("component", "PostgresTargetStore")}
}

type targetRow struct {
	ID        string         `db:"id"`
	UserID    sql.NullString `db:"user_id"`
	Endpoint  string         `db:"endpoint"`
	P256dh    sql.NullString `db:"p256dh"`
	Auth      sql.NullString `db:"auth"`
	Topics    pq.StringArray `db:"topics"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// List returns the targets subscribed to topic, or every target for an empty topic.
// Rows without topics receive every broadcast.
func (s *TargetStore) List(ctx context.Context, topic string) ([]push.Target, error) {
	query := `
		SELECT id, user_id, endpoint, p256dh, auth, topics, updated_at
		FROM push_subscriptions
		WHERE $1 = '' OR $1 = ANY(topics) OR topics IS NULL OR cardinality(topics) = 0
	`
	var rows []targetRow
	if err := s.db.SelectContext(ctx, &rows, query, topic); err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}

	targets := make([]push.Target, 0, len(rows))
	for _, row := range rows {
		endpoint, err := push.ParseEndpoint(row.Endpoint, row.P256dh.String, row.Auth.String)
		if err != nil {
			s.logger.Warn("Stored endpoint is unparsable", "target_id", row.ID, "err", err)
		}
		targets = append(targets, push.Target{
			ID:        row.ID,
			OwnerID:   row.UserID.String,
			Topics:    []string(row.Topics),
			Endpoint:  endpoint,
			UpdatedAt: row.UpdatedAt,
		})
	}
	return targets, nil
}

// Delete removes the targets with the given ids in one statement.
func (s *TargetStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `DELETE FROM push_subscriptions WHERE id = ANY($1)`
	if _, err := s.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("delete push subscriptions: %w", err)
	}
	return nil
}

// Save creates or updates a target. The endpoint is the natural key; an
// existing row keeps its id. A row owned by someone else is never updated.
func (s *TargetStore) Save(ctx context.Context, target push.Target) (string, error) {
	raw, p256dh, auth := push.FormatEndpoint(target.Endpoint)
	id := target.ID
	if id == "" {
		id = uuid.NewString()
	}
	topics := pq.StringArray(target.Topics)
	if topics == nil {
		topics = pq.StringArray{}
	}

	query := `
		INSERT INTO push_subscriptions (id, user_id, endpoint, p256dh, auth, topics, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (endpoint) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			topics = EXCLUDED.topics,
			updated_at = NOW()
		WHERE push_subscriptions.user_id IS NULL OR push_subscriptions.user_id = EXCLUDED.user_id
		RETURNING id
	`
	var storedID string
	err := s.db.QueryRowxContext(ctx, query,
		id, nullString(target.OwnerID), raw, nullString(p256dh), nullString(auth), topics,
	).Scan(&storedID)
	if errors.Is(err, sql.ErrNoRows) {
		// The conflict guard rejected the update.
		return "", fmt.Errorf("upsert push subscription: %w", push.ErrEndpointTaken)
	}
	if err != nil {
		return "", fmt.Errorf("upsert push subscription: %w", err)
	}
	return storedID, nil
}

// Remove deletes the target registered under endpoint when ownerID holds it.
func (s *TargetStore) Remove(ctx context.Context, ownerID string, endpoint push.Endpoint) error {
	raw, _, _ := push.FormatEndpoint(endpoint)
	query := `DELETE FROM push_subscriptions WHERE endpoint = $1 AND user_id = $2`
	res, err := s.db.ExecContext(ctx, query, raw, ownerID)
	if err != nil {
		return fmt.Errorf("remove push subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("Nothing to remove for caller", "user", ownerID)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
