package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-paddock-push/pkg/push"
)

const subscriptionsCollection = "push_subscriptions"

// TargetStore implements dispatch.TargetStore using Google Cloud Firestore.
type TargetStore struct {
	client *firestore.Client
	logger *slog.Logger
}

func NewTargetStore(client *firestore.Client, logger *slog.Logger) *TargetStore {
	return &TargetStore{client: client, logger: logger.With("component", "FirestoreTargetStore")}
}

// subscriptionRecord is the stored document shape.
// Native endpoints leave the key fields empty.
type subscriptionRecord struct {
	UserID    string    `firestore:"user_id,omitempty"`
	Endpoint  string    `firestore:"endpoint"`
	P256dh    string    `firestore:"p256dh,omitempty"`
	Auth      string    `firestore:"auth,omitempty"`
	Topics    []string  `firestore:"topics"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// List returns targets subscribed to topic plus targets with no topics.
// An empty topic returns every target.
func (s *TargetStore) List(ctx context.Context, topic string) ([]push.Target, error) {
	query := s.collection().Query
	if topic != "" {
		query = query.WhereEntity(firestore.OrFilter{
			Filters: []firestore.EntityFilter{
				firestore.PropertyFilter{Path: "topics", Operator: "array-contains", Value: topic},
				firestore.PropertyFilter{Path: "topics", Operator: "==", Value: []string{}},
			},
		})
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	targets := make([]push.Target, 0)
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var record subscriptionRecord
		if err := doc.DataTo(&record); err != nil {
			s.logger.Warn("Skipping corrupt subscription document", "doc_id", doc.Ref.ID, "err", err)
			continue
		}

		endpoint, err := push.ParseEndpoint(record.Endpoint, record.P256dh, record.Auth)
		if err != nil {
			s.logger.Warn("Stored endpoint is unparsable", "target_id", doc.Ref.ID, "err", err)
		}
		targets = append(targets, push.Target{
			ID:        doc.Ref.ID,
			OwnerID:   record.UserID,
			Topics:    record.Topics,
			Endpoint:  endpoint,
			UpdatedAt: record.UpdatedAt,
		})
	}
	return targets, nil
}

// Delete removes the given documents through a single BulkWriter.
func (s *TargetStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(ids))
	var errs []error
	for _, id := range ids {
		job, err := bw.Delete(s.collection().Doc(id))
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue delete %s: %w", id, err))
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

// Save writes the target under the hash of its endpoint so re-registration
// overwrites instead of duplicating. A document held by another owner is
// left untouched and push.ErrEndpointTaken is returned.
func (s *TargetStore) Save(ctx context.Context, target push.Target) (string, error) {
	raw, p256dh, auth := push.FormatEndpoint(target.Endpoint)
	ref := s.collection().Doc(hashEndpoint(raw))

	topics := target.Topics
	if topics == nil {
		topics = []string{}
	}
	record := subscriptionRecord{
		UserID:    target.OwnerID,
		Endpoint:  raw,
		P256dh:    p256dh,
		Auth:      auth,
		Topics:    topics,
		UpdatedAt: time.Now().UTC(),
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		owner, err := ownerOf(tx, ref)
		if err != nil {
			return err
		}
		if owner != "" && owner != target.OwnerID {
			return push.ErrEndpointTaken
		}
		return tx.Set(ref, record)
	})
	if err != nil {
		return "", fmt.Errorf("save subscription: %w", err)
	}
	return ref.ID, nil
}

// Remove deletes the document for endpoint if ownerID holds it.
func (s *TargetStore) Remove(ctx context.Context, ownerID string, endpoint push.Endpoint) error {
	raw, _, _ := push.FormatEndpoint(endpoint)
	ref := s.collection().Doc(hashEndpoint(raw))

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		owner, err := ownerOf(tx, ref)
		if err != nil {
			return err
		}
		if owner != ownerID {
			s.logger.Debug("Nothing to remove for caller", "user", ownerID)
			return nil
		}
		return tx.Delete(ref)
	})
	if err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}
	return nil
}

// ownerOf reads the owner of ref inside tx. A missing document has no owner.
func ownerOf(tx *firestore.Transaction, ref *firestore.DocumentRef) (string, error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var record subscriptionRecord
	if err := snap.DataTo(&record); err != nil {
		return "", err
	}
	return record.UserID, nil
}

func (s *TargetStore) collection() *firestore.CollectionRef {
	return s.client.Collection(subscriptionsCollection)
}

func hashEndpoint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
