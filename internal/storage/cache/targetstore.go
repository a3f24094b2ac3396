package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-paddock-push/pkg/dispatch"
	"github.com/tinywideclouds/go-paddock-push/pkg/push"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or a specific error if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Incr atomically increments an integer key, creating it at 1.
	Incr(ctx context.Context, key string) error
}

const generationKey = "paddock:targets:gen"

// CachedTargetStore is a Decorator that adds Read-Aside caching to any TargetStore.
//
// Listings are cached per topic under a generation number. Any write bumps the
// generation, which orphans every cached listing at once; orphans expire by TTL.
// A failed bump is logged and never fails a write that the store accepted.
type CachedTargetStore struct {
	realStore dispatch.TargetStore
	cache     CacheClient
	ttl       time.Duration
	logger    *slog.Logger
}

func NewCachedTargetStore(realStore dispatch.TargetStore, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedTargetStore {
	return &CachedTargetStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "CachedTargetStore"),
	}
}

// cachedTarget is the JSON form of a push.Target. The endpoint is stored in
// its raw form and parsed again on the way out.
type cachedTarget struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId,omitempty"`
	Topics    []string  `json:"topics,omitempty"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh,omitempty"`
	Auth      string    `json:"auth,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// --- READ PATH (Read-Aside) ---

func (s *CachedTargetStore) List(ctx context.Context, topic string) ([]push.Target, error) {
	key := s.listKey(ctx, topic)

	var cached []cachedTarget
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return fromCache(cached), nil
	}

	fresh, err := s.realStore.List(ctx, topic)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization; a Redis outage just means we serve from the DB.
	_ = s.cache.Set(ctx, key, toCache(fresh), s.ttl)

	return fresh, nil
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedTargetStore) Delete(ctx context.Context, ids []string) error {
	if err := s.realStore.Delete(ctx, ids); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *CachedTargetStore) Save(ctx context.Context, target push.Target) (string, error) {
	id, err := s.realStore.Save(ctx, target)
	if err != nil {
		return "", err
	}
	s.invalidate(ctx)
	return id, nil
}

func (s *CachedTargetStore) Remove(ctx context.Context, ownerID string, endpoint push.Endpoint) error {
	if err := s.realStore.Remove(ctx, ownerID, endpoint); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// --- Helpers ---

// invalidate bumps the generation. On failure cached listings stay stale
// until their TTL runs out.
func (s *CachedTargetStore) invalidate(ctx context.Context) {
	if err := s.cache.Incr(ctx, generationKey); err != nil {
		s.logger.Warn("Target cache invalidation failed", "err", err, "ttl", s.ttl)
	}
}

func (s *CachedTargetStore) listKey(ctx context.Context, topic string) string {
	var generation int64
	// A missing counter reads as generation zero.
	_ = s.cache.Get(ctx, generationKey, &generation)
	if topic == "" {
		topic = "*"
	}
	return fmt.Sprintf("paddock:targets:%d:%s", generation, topic)
}

func toCache(targets []push.Target) []cachedTarget {
	out := make([]cachedTarget, 0, len(targets))
	for _, t := range targets {
		raw, p256dh, auth := push.FormatEndpoint(t.Endpoint)
		out = append(out, cachedTarget{
			ID:        t.ID,
			OwnerID:   t.OwnerID,
			Topics:    t.Topics,
			Endpoint:  raw,
			P256dh:    p256dh,
			Auth:      auth,
			UpdatedAt: t.UpdatedAt,
		})
	}
	return out
}

func fromCache(cached []cachedTarget) []push.Target {
	out := make([]push.Target, 0, len(cached))
	for _, c := range cached {
		// Unparsable endpoints come back as InvalidEndpoint, same as from the store.
		endpoint, _ := push.ParseEndpoint(c.Endpoint, c.P256dh, c.Auth)
		out = append(out, push.Target{
			ID:        c.ID,
			OwnerID:   c.OwnerID,
			Topics:    c.Topics,
			Endpoint:  endpoint,
			UpdatedAt: c.UpdatedAt,
		})
	}
	return out
}
