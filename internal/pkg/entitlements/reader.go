package entitlements

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/PropDocs/app/models"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	cacheKeyPrefix  = "entitlement:"
	DefaultCacheTTL = 5 * time.Minute
)

// Reader is the only contract the rest of the application uses to ask what a
// user is allowed to do.
type Reader interface {
	Get(ctx context.Context, userID uint) (Snapshot, error)
}

// Store loads the entitlement row for a user; gorm.ErrRecordNotFound means none yet.
type Store interface {
	GetEntitlement(ctx context.Context, userID uint) (*models.Entitlement, error)
}

// CachedReader serves snapshots from Redis and falls back to the store. Cache
// failures never fail a read.
type CachedReader struct {
	store Store
	rdb   *redis.Client
	ttl   time.Duration
}

// NewReader creates a reader. rdb may be nil to disable caching.
func NewReader(store Store, rdb *redis.Client, ttl time.Duration) *CachedReader {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedReader{store: store, rdb: rdb, ttl: ttl}
}

func cacheKey(userID uint) string {
	return fmt.Sprintf("%s%d", cacheKeyPrefix, userID)
}

// Get returns the user's current entitlement snapshot.
func (r *CachedReader) Get(ctx context.Context, userID uint) (Snapshot, error) {
	if r.rdb != nil {
		raw, err := r.rdb.Get(ctx, cacheKey(userID)).Bytes()
		if err == nil {
			var snap Snapshot
			if uerr := json.Unmarshal(raw, &snap); uerr == nil {
				return snap, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			log.Warnf("[Entitlements] cache read failed for user %d: %v", userID, err)
		}
	}

	ent, err := r.store.GetEntitlement(ctx, userID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		ent = nil
	}
	snap := SnapshotOf(userID, ent)

	ttl := r.ttlFor(snap)
	if r.rdb != nil && ttl > 0 {
		if data, merr := json.Marshal(snap); merr == nil {
			if serr := r.rdb.Set(ctx, cacheKey(userID), data, ttl).Err(); serr != nil {
				log.Warnf("[Entitlements] cache write failed for user %d: %v", userID, serr)
			}
		}
	}
	return snap, nil
}

// ttlFor keeps a running redemption grant from outliving its period in cache.
func (r *CachedReader) ttlFor(snap Snapshot) time.Duration {
	if snap.Source != models.EntitlementSourceRedemption || snap.PeriodEnd == nil || !snap.IsActive() {
		return r.ttl
	}
	if left := time.Until(*snap.PeriodEnd); left < r.ttl {
		return left
	}
	return r.ttl
}

// Invalidate drops the cached snapshot so the next read hits the store.
func (r *CachedReader) Invalidate(ctx context.Context, userID uint) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Del(ctx, cacheKey(userID)).Err()
}

// GormStore reads entitlements straight from the database.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) GetEntitlement(ctx context.Context, userID uint) (*models.Entitlement, error) {
	var e models.Entitlement
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}
