package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuelReschke/PropDocs/app/models"
	"github.com/ManuelReschke/PropDocs/internal/pkg/entitlements"
	"github.com/gofiber/fiber/v2/log"
)

// ApplyResult reports what the store writer did.
type ApplyResult struct {
	Entitlement *models.Entitlement
	// Skipped is set when an unexpired redemption grant was kept instead of
	// the requested write.
	Skipped           bool
	PropagationErrors []error

	at time.Time
}

// Snapshot returns the read projection of the stored entitlement.
func (r *ApplyResult) Snapshot(userID uint) entitlements.Snapshot {
	if r == nil {
		return entitlements.SnapshotOf(userID, nil)
	}
	if r.at.IsZero() {
		return entitlements.SnapshotOf(userID, r.Entitlement)
	}
	return entitlements.SnapshotAt(userID, r.Entitlement, r.at)
}

// Apply upserts the user's entitlement and then propagates it to the
// dependent read models. Only the upsert can fail the call; propagation
// failures are logged and reported in the result.
func (s *Service) Apply(ctx context.Context, w Write) (*ApplyResult, error) {
	if w.UserID == 0 {
		return nil, fmt.Errorf("apply entitlement: user id is required")
	}
	w.Plan = normalizePlan(w.Plan)
	if !isKnownEntitlementStatus(w.Status) {
		return nil, fmt.Errorf("apply entitlement: unknown status %q", w.Status)
	}

	if w.Source != models.EntitlementSourceRedemption {
		existing, err := s.getEntitlement(ctx, w.UserID)
		if err != nil {
			return nil, fmt.Errorf("apply entitlement: load user %d: %w", w.UserID, err)
		}
		if s.redemptionOutranks(existing, w) {
			log.Infof("[Billing] User %d keeps redemption grant %s/%s until %s, %s write %s/%s skipped",
				w.UserID, existing.Plan, existing.Status, existing.CurrentPeriodEnd.Format("2006-01-02"), w.Source, w.Plan, w.Status)
			return &ApplyResult{Entitlement: existing, Skipped: true, at: s.now()}, nil
		}
	}

	e := &models.Entitlement{
		UserID:                 w.UserID,
		Plan:                   w.Plan,
		Status:                 w.Status,
		CurrentPeriodEnd:       w.PeriodEnd,
		Source:                 w.Source,
		SourceEventID:          w.SourceID,
		ProviderCustomerID:     w.CustomerID,
		ProviderSubscriptionID: w.SubscriptionID,
	}
	if err := s.repo.UpsertEntitlement(ctx, e); err != nil {
		return nil, fmt.Errorf("apply entitlement: upsert user %d: %w", w.UserID, err)
	}
	log.Infof("[Billing] Entitlement user=%d plan=%s status=%s source=%s ref=%s", e.UserID, e.Plan, e.Status, e.Source, e.SourceEventID)

	result := &ApplyResult{Entitlement: e, at: s.now()}
	result.PropagationErrors = s.propagate(ctx, e)
	return result, nil
}

// redemptionOutranks reports whether an unexpired redemption grant should be
// kept over w: w would end paid access or lower the plan.
func (s *Service) redemptionOutranks(existing *models.Entitlement, w Write) bool {
	if existing == nil || existing.Source != models.EntitlementSourceRedemption || !existing.IsEntitling() {
		return false
	}
	if existing.CurrentPeriodEnd == nil || !existing.CurrentPeriodEnd.After(s.now()) {
		return false
	}
	if !isEntitlingStatus(w.Status) || w.Plan == models.PlanFree {
		return true
	}
	return planRank(w.Plan) < planRank(existing.Plan)
}

// propagate copies the effective plan into user settings, quotas and the
// read cache.
func (s *Service) propagate(ctx context.Context, e *models.Entitlement) []error {
	var errs []error
	snap := entitlements.SnapshotAt(e.UserID, e, s.now())
	plan := snap.EffectivePlan()

	if err := s.repo.SaveUserPlan(ctx, e.UserID, string(plan), plan != entitlements.PlanFree); err != nil {
		log.Warnf("[Billing] Propagate user settings for user %d: %v", e.UserID, err)
		errs = append(errs, fmt.Errorf("user settings: %w", err))
	}

	q := entitlements.QuotasFor(plan)
	if err := s.repo.UpsertUserQuota(ctx, &models.UserQuota{
		UserID:                  e.UserID,
		Plan:                    string(plan),
		MaxProperties:           q.MaxProperties,
		MaxStorageMB:            q.MaxStorageMB,
		MaxDocumentsPerProperty: q.MaxDocumentsPerProperty,
	}); err != nil {
		log.Warnf("[Billing] Propagate quota for user %d: %v", e.UserID, err)
		errs = append(errs, fmt.Errorf("user quota: %w", err))
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, e.UserID); err != nil {
			log.Warnf("[Billing] Invalidate cached entitlement for user %d: %v", e.UserID, err)
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	return errs
}
