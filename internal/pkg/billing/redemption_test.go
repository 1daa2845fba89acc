package billing_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/PropDocs/app/models"
	"github.com/ManuelReschke/PropDocs/internal/pkg/billing"
	"github.com/ManuelReschke/PropDocs/internal/pkg/entitlements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedeemConcurrentAttemptsOnSingleUseCode(t *testing.T) {
	f := newFixture(t)
	f.repo.AddCode(models.RedemptionCode{Code: "LAUNCH", Plan: models.PlanPremium, DurationDays: 30, MaxUses: 1, IsActive: true})

	const attempts = 10
	users := make([]uint, attempts)
	for i := range users {
		users[i] = f.repo.AddUser(fmt.Sprintf("user%d@example.com", i)).ID
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
		other     []error
	)
	wg.Add(attempts)
	for _, id := range users {
		go func(userID uint) {
			defer wg.Done()
			_, err := f.svc.Redeem(context.Background(), userID, "launch")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, billing.ErrRedemptionConflict):
				conflicts++
			default:
				other = append(other, err)
			}
		}(id)
	}
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, conflicts)
	assert.Equal(t, 1, f.repo.Code("LAUNCH").TimesRedeemed)
}

func TestRedeemExhaustedCodeIsAConflict(t *testing.T) {
	f := newFixture(t)
	u := f.repo.AddUser("late@example.com")
	f.repo.AddCode(models.RedemptionCode{Code: "GONE", Plan: models.PlanStandard, MaxUses: 1, TimesRedeemed: 1, IsActive: true})

	_, err := f.svc.Redeem(context.Background(), u.ID, "GONE")
	assert.ErrorIs(t, err, billing.ErrCodeExhausted)
	assert.ErrorIs(t, err, billing.ErrRedemptionConflict)
}

func TestRedeemKeepsCodeUseWhenGrantCannotBeStored(t *testing.T) {
	f := newFixture(t)
	u := f.repo.AddUser("owner@example.com")
	f.repo.AddCode(models.RedemptionCode{Code: "ONCE", Plan: models.PlanPremium, DurationDays: 30, MaxUses: 1, IsActive: true})

	f.repo.UpsertEntitlementErr = errors.New("deadlock")
	_, err := f.svc.Redeem(context.Background(), u.ID, "ONCE")
	require.Error(t, err)
	assert.Equal(t, 0, f.repo.Code("ONCE").TimesRedeemed, "use rolled back with the grant")
	assert.Nil(t, f.repo.Entitlement(u.ID))

	f.repo.UpsertEntitlementErr = nil
	snap, err := f.svc.Redeem(context.Background(), u.ID, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanPremium, snap.Plan)
	assert.Equal(t, 1, f.repo.Code("ONCE").TimesRedeemed)
	assert.Equal(t, string(entitlements.PlanPremium), f.repo.Quota(u.ID).Plan)
}

func TestRedeemStoresGrantWhenPropagationFails(t *testing.T) {
	f := newFixture(t)
	u := f.repo.AddUser("owner@example.com")
	f.repo.AddCode(models.RedemptionCode{Code: "ONCE", Plan: models.PlanStandard, DurationDays: 30, MaxUses: 1, IsActive: true})
	f.repo.UpsertUserQuotaErr = errors.New("quota table locked")

	snap, err := f.svc.Redeem(context.Background(), u.ID, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanStandard, snap.Plan)
	require.NotNil(t, f.repo.Entitlement(u.ID))
	assert.Equal(t, models.EntitlementSourceRedemption, f.repo.Entitlement(u.ID).Source)
}

func TestExpireGrantsAfterPeriodEnds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.repo.AddUser("owner@example.com")
	f.repo.AddCode(models.RedemptionCode{Code: "TRIAL", Plan: models.PlanPremium, DurationDays: 14, MaxUses: 1, IsActive: true})

	_, err := f.svc.Redeem(ctx, u.ID, "TRIAL")
	require.NoError(t, err)
	assert.Equal(t, string(entitlements.PlanPremium), f.repo.Quota(u.ID).Plan)

	n, err := f.svc.ExpireGrants(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "grant still running")

	f.now = f.now.AddDate(0, 0, 15)
	f.cache.Users = nil

	stored := f.repo.Entitlement(u.ID)
	lapsed := entitlements.SnapshotAt(u.ID, stored, f.now)
	assert.Equal(t, entitlements.PlanFree, lapsed.EffectivePlan(), "reads as free before the sweep runs")

	n, err = f.svc.ExpireGrants(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e := f.repo.Entitlement(u.ID)
	assert.Equal(t, models.EntitlementStatusCanceled, e.Status)
	assert.Equal(t, "expired:code:TRIAL", e.SourceEventID)
	assert.Equal(t, string(entitlements.PlanFree), f.repo.Quota(u.ID).Plan)
	assert.Equal(t, entitlements.QuotasFor(entitlements.PlanFree).MaxProperties, f.repo.Quota(u.ID).MaxProperties)
	assert.Equal(t, string(entitlements.PlanFree), f.repo.Settings(u.ID).Plan)
	assert.False(t, f.repo.Settings(u.ID).IsPaying)
	assert.Equal(t, []uint{u.ID}, f.cache.Users)
	assert.Empty(t, f.jobs.Resyncs, "no provider customer to resync")

	n, err = f.svc.ExpireGrants(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpireGrantsQueuesResyncForCustomers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.linkedUser("payer@example.com", "cus_1")
	f.provider.SetSubscriptions("cus_1", f.sub("sub_1", "active", "price_std", f.now.AddDate(0, -1, 0)))
	f.repo.AddCode(models.RedemptionCode{Code: "UPGRADE", Plan: models.PlanPremium, DurationDays: 7, MaxUses: 1, IsActive: true})

	_, err := f.svc.Redeem(ctx, u.ID, "UPGRADE")
	require.NoError(t, err)

	f.now = f.now.AddDate(0, 0, 8)
	n, err := f.svc.ExpireGrants(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint{u.ID}, f.jobs.Resyncs)

	snap, err := f.svc.Resync(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanStandard, snap.EffectivePlan())
}

func TestExpireGrantsLeavesRenewedGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.repo.AddUser("owner@example.com")
	f.repo.AddCode(models.RedemptionCode{Code: "FIRST", Plan: models.PlanStandard, DurationDays: 5, MaxUses: 1, IsActive: true})
	f.repo.AddCode(models.RedemptionCode{Code: "SECOND", Plan: models.PlanStandard, DurationDays: 5, MaxUses: 1, IsActive: true})

	_, err := f.svc.Redeem(ctx, u.ID, "FIRST")
	require.NoError(t, err)
	f.now = f.now.AddDate(0, 0, 6)
	_, err = f.svc.Redeem(ctx, u.ID, "SECOND")
	require.NoError(t, err)

	n, err := f.svc.ExpireGrants(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.EntitlementStatusActive, f.repo.Entitlement(u.ID).Status)
}

func TestRedeemGrantsPlan(t *testing.T) {
	f := newFixture(t)
	u := f.repo.AddUser("owner@example.com")
	f.repo.AddCode(models.RedemptionCode{Code: "SPRING", Plan: models.PlanStandard, DurationDays: 14, MaxUses: 5, IsActive: true})

	snap, err := f.svc.Redeem(context.Background(), u.ID, " spring ")
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanStandard, snap.Plan)
	assert.Equal(t, models.EntitlementStatusActive, snap.Status)
	require.NotNil(t, snap.PeriodEnd)
	assert.True(t, snap.PeriodEnd.Equal(f.now.AddDate(0, 0, 14)))
	assert.Equal(t, models.EntitlementSourceRedemption, snap.Source)

	_, err = f.svc.Redeem(context.Background(), u.ID, "SPRING")
	assert.ErrorIs(t, err, billing.ErrAlreadyRedeemed)
	assert.Equal(t, 1, f.repo.Code("SPRING").TimesRedeemed)
}

func TestRedeemExtendsRunningGrant(t *testing.T) {
	f := newFixture(t)
	u := f.repo.AddUser("owner@example.com")
	f.repo.AddCode(models.RedemptionCode{Code: "A", Plan: models.PlanStandard, DurationDays: 10, MaxUses: 1, IsActive: true})
	f.repo.AddCode(models.RedemptionCode{Code: "B", Plan: models.PlanStandard, DurationDays: 10, MaxUses: 1, IsActive: true})

	_, err := f.svc.Redeem(context.Background(), u.ID, "A")
	require.NoError(t, err)
	snap, err := f.svc.Redeem(context.Background(), u.ID, "B")
	require.NoError(t, err)
	require.NotNil(t, snap.PeriodEnd)
	assert.True(t, snap.PeriodEnd.Equal(f.now.AddDate(0, 0, 20)))
}

func TestRedeemRejectsUnusableCodes(t *testing.T) {
	f := newFixture(t)
	u := f.repo.AddUser("owner@example.com")
	past := f.now.AddDate(0, 0, -1)
	f.repo.AddCode(models.RedemptionCode{Code: "OFF", Plan: models.PlanStandard, MaxUses: 1, IsActive: false})
	f.repo.AddCode(models.RedemptionCode{Code: "OLD", Plan: models.PlanStandard, MaxUses: 1, IsActive: true, ExpiresAt: &past})
	f.repo.AddCode(models.RedemptionCode{Code: "USED", Plan: models.PlanStandard, MaxUses: 2, TimesRedeemed: 2, IsActive: true})

	tests := map[string]error{
		"NOPE": billing.ErrCodeNotFound,
		"OFF":  billing.ErrCodeInactive,
		"OLD":  billing.ErrCodeExpired,
		"USED": billing.ErrCodeExhausted,
		"":     billing.ErrCodeNotFound,
	}
	for code, want := range tests {
		_, err := f.svc.Redeem(context.Background(), u.ID, code)
		assert.ErrorIs(t, err, want, code)
	}
	assert.Nil(t, f.repo.Entitlement(u.ID))
}

func TestRedeemDoesNotConsumeCodeCoveredByPaidPlan(t *testing.T) {
	f := newFixture(t)
	u := f.repo.AddUser("owner@example.com")
	f.repo.SetEntitlement(models.Entitlement{
		UserID: u.ID, Plan: models.PlanPremium, Status: models.EntitlementStatusActive, Source: models.EntitlementSourceEvent,
	})
	f.repo.AddCode(models.RedemptionCode{Code: "STD", Plan: models.PlanStandard, DurationDays: 30, MaxUses: 1, IsActive: true})

	snap, err := f.svc.Redeem(context.Background(), u.ID, "STD")
	assert.ErrorIs(t, err, billing.ErrAlreadyEntitled)
	assert.Equal(t, entitlements.PlanPremium, snap.Plan)
	assert.Equal(t, 0, f.repo.Code("STD").TimesRedeemed)
}

func TestCreateCodesIssuesRedeemableCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	codes, err := f.svc.CreateCodes(ctx, billing.CodeBatch{Plan: "Premium", DurationDays: 14, MaxUses: 3, Count: 5, Prefix: "spring"})
	require.NoError(t, err)
	require.Len(t, codes, 5)

	seen := map[string]bool{}
	for _, c := range codes {
		assert.Regexp(t, `^SPRING-[2-9A-Z]{4}-[2-9A-Z]{4}$`, c.Code)
		assert.Equal(t, models.PlanPremium, c.Plan)
		assert.Equal(t, 14, c.DurationDays)
		assert.Equal(t, 3, c.MaxUses)
		assert.True(t, c.IsActive)
		assert.False(t, seen[c.Code])
		seen[c.Code] = true
		require.NotNil(t, f.repo.Code(c.Code))
	}

	user := f.repo.AddUser("promo@example.com")
	snap, err := f.svc.Redeem(ctx, user.ID, codes[0].Code)
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanPremium, snap.Plan)
}

func TestCreateCodesDefaults(t *testing.T) {
	f := newFixture(t)

	codes, err := f.svc.CreateCodes(context.Background(), billing.CodeBatch{Plan: models.PlanStandard, Count: 1})
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, 30, codes[0].DurationDays)
	assert.Equal(t, 1, codes[0].MaxUses)
	assert.Regexp(t, `^[2-9A-Z]{4}-[2-9A-Z]{4}$`, codes[0].Code)
}

func TestCreateCodesRejectsInvalidBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := f.now.Add(-time.Hour)

	cases := map[string]billing.CodeBatch{
		"free plan":   {Plan: models.PlanFree, Count: 1},
		"zero count":  {Plan: models.PlanPremium, Count: 0},
		"huge count":  {Plan: models.PlanPremium, Count: 10000},
		"past expiry": {Plan: models.PlanPremium, Count: 1, ExpiresAt: &past},
		"long prefix": {Plan: models.PlanPremium, Count: 1, Prefix: strings.Repeat("A", 40)},
	}
	for name, batch := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateCodes(ctx, batch)
			assert.ErrorIs(t, err, billing.ErrInvalidCodeBatch)
		})
	}
}
