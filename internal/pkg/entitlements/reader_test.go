package entitlements

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PropDocs/app/models"
	"github.com/ManuelReschke/PropDocs/internal/pkg/testredis"
)

const isolatedEntitlementsTestRedisDB = 12

type memStore struct {
	mu    sync.Mutex
	rows  map[uint]*models.Entitlement
	reads int
	err   error
}

func (s *memStore) GetEntitlement(_ context.Context, userID uint) (*models.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.err != nil {
		return nil, s.err
	}
	e, ok := s.rows[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) set(e models.Entitlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[e.UserID] = &e
}

func newMemStore() *memStore {
	return &memStore{rows: map[uint]*models.Entitlement{}}
}

func TestReaderWithoutCache(t *testing.T) {
	store := newMemStore()
	r := NewReader(store, nil, 0)
	ctx := context.Background()

	snap, err := r.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PlanFree, snap.Plan)
	assert.Equal(t, models.EntitlementStatusInactive, snap.Status)

	store.set(models.Entitlement{UserID: 1, Plan: models.PlanStandard, Status: models.EntitlementStatusActive})
	snap, err = r.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PlanStandard, snap.Plan)
	assert.Equal(t, 2, store.reads)

	assert.NoError(t, r.Invalidate(ctx, 1))
	assert.Equal(t, DefaultCacheTTL, r.ttl)
}

func TestReaderPropagatesStoreErrors(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection refused")

	_, err := NewReader(store, nil, time.Minute).Get(context.Background(), 1)
	assert.ErrorContains(t, err, "connection refused")
}

func TestReaderCachesUntilInvalidated(t *testing.T) {
	client := testredis.NewIsolatedClient(t, isolatedEntitlementsTestRedisDB)
	store := newMemStore()
	store.set(models.Entitlement{UserID: 3, Plan: models.PlanStandard, Status: models.EntitlementStatusActive})
	r := NewReader(store, client, time.Minute)
	ctx := context.Background()

	snap, err := r.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, PlanStandard, snap.Plan)

	store.set(models.Entitlement{UserID: 3, Plan: models.PlanPremium, Status: models.EntitlementStatusActive})
	snap, err = r.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, PlanStandard, snap.Plan, "served from cache")
	assert.Equal(t, 1, store.reads)

	require.NoError(t, r.Invalidate(ctx, 3))
	snap, err = r.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, PlanPremium, snap.Plan)
	assert.Equal(t, 2, store.reads)

	ttl, err := client.TTL(ctx, cacheKey(3)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestReaderCapsCacheAtGrantEnd(t *testing.T) {
	client := testredis.NewIsolatedClient(t, isolatedEntitlementsTestRedisDB)
	store := newMemStore()
	end := time.Now().Add(20 * time.Second)
	store.set(models.Entitlement{
		UserID: 4, Plan: models.PlanPremium, Status: models.EntitlementStatusActive,
		CurrentPeriodEnd: &end, Source: models.EntitlementSourceRedemption,
	})
	r := NewReader(store, client, time.Hour)
	ctx := context.Background()

	snap, err := r.Get(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, PlanPremium, snap.EffectivePlan())

	ttl, err := client.TTL(ctx, cacheKey(4)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 20*time.Second)
}

func TestReaderDoesNotCacheLapsedGrantAsActive(t *testing.T) {
	store := newMemStore()
	end := time.Now().Add(-time.Minute)
	store.set(models.Entitlement{
		UserID: 5, Plan: models.PlanPremium, Status: models.EntitlementStatusActive,
		CurrentPeriodEnd: &end, Source: models.EntitlementSourceRedemption,
	})
	r := NewReader(store, nil, 0)

	snap, err := r.Get(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, models.EntitlementStatusCanceled, snap.Status)
	assert.Equal(t, PlanFree, snap.EffectivePlan())
}
