package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/PropDocs/app/models"
	"github.com/ManuelReschke/PropDocs/internal/pkg/codegen"
	"github.com/ManuelReschke/PropDocs/internal/pkg/entitlements"
	"github.com/gofiber/fiber/v2/log"
)

// Redeem consumes one use of a code for the user and grants its plan for the
// code's duration. Losing the race for the last use of a code yields an error
// matching ErrRedemptionConflict. The use and the grant commit together; quota
// and cache propagation follow on a best-effort basis.
func (s *Service) Redeem(ctx context.Context, userID uint, code string) (entitlements.Snapshot, error) {
	empty := entitlements.SnapshotOf(userID, nil)
	code = normalizeCode(code)
	if userID == 0 || code == "" {
		return empty, ErrCodeNotFound
	}

	rc, err := s.repo.GetRedemptionCode(ctx, code)
	if err != nil {
		if isNotFound(err) {
			return empty, ErrCodeNotFound
		}
		return empty, err
	}
	now := s.now()
	switch {
	case !rc.IsActive:
		return empty, ErrCodeInactive
	case rc.IsExpired(now):
		return empty, ErrCodeExpired
	case rc.TimesRedeemed >= rc.MaxUses:
		return empty, ErrCodeExhausted
	}

	plan := normalizePlan(rc.Plan)
	existing, err := s.getEntitlement(ctx, userID)
	if err != nil {
		return empty, err
	}
	if existing.IsEntitling() && existing.Source != models.EntitlementSourceRedemption &&
		planRank(existing.Plan) >= planRank(plan) {
		return entitlements.SnapshotAt(userID, existing, now), ErrAlreadyEntitled
	}

	start := now
	if existing != nil && existing.Source == models.EntitlementSourceRedemption && existing.Plan == plan &&
		existing.IsEntitling() && existing.CurrentPeriodEnd != nil && existing.CurrentPeriodEnd.After(now) {
		start = *existing.CurrentPeriodEnd
	}
	days := rc.DurationDays
	if days <= 0 {
		days = 30
	}
	end := start.Add(time.Duration(days) * 24 * time.Hour)

	grant := &models.Entitlement{
		UserID:           userID,
		Plan:             plan,
		Status:           models.EntitlementStatusActive,
		CurrentPeriodEnd: &end,
		Source:           models.EntitlementSourceRedemption,
		SourceEventID:    "code:" + rc.Code,
	}
	if err := s.repo.RedeemCode(ctx, rc.ID, rc.TimesRedeemed, grant, now); err != nil {
		if errors.Is(err, ErrRedemptionConflict) {
			log.Infof("[Redemption] Code %s: concurrent redemption by user %d lost the race", rc.Code, userID)
		} else if !errors.Is(err, ErrAlreadyRedeemed) {
			log.Errorf("[Redemption] Code %s for user %d rolled back: %v", rc.Code, userID, err)
		}
		return empty, err
	}
	log.Infof("[Redemption] User %d redeemed %s: %s until %s", userID, rc.Code, plan, end.Format(time.RFC3339))

	s.propagate(ctx, grant)
	return entitlements.SnapshotAt(userID, grant, now), nil
}

const lapsedGrantBatch = 200

// ExpireGrants cancels redemption grants whose period has ended and
// propagates the free plan to the user's settings, quota and cache. Users with
// a linked provider customer get a resync queued so that a subscription the
// grant was covering takes over. It returns how many grants were expired.
func (s *Service) ExpireGrants(ctx context.Context) (int, error) {
	grants, err := s.repo.ListLapsedGrants(ctx, s.now(), lapsedGrantBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range grants {
		g := grants[i]
		ref := "expired:" + g.SourceEventID
		ok, err := s.repo.ExpireGrant(ctx, g.UserID, *g.CurrentPeriodEnd, ref)
		if err != nil {
			return expired, fmt.Errorf("expire grant of user %d: %w", g.UserID, err)
		}
		if !ok {
			continue
		}
		expired++
		g.Status = models.EntitlementStatusCanceled
		g.SourceEventID = ref
		log.Infof("[Redemption] Grant %s/%s of user %d ended %s", g.Plan, ref, g.UserID, g.CurrentPeriodEnd.Format(time.RFC3339))
		s.propagate(ctx, &g)
		s.resyncAfterGrant(ctx, g.UserID)
	}
	return expired, nil
}

func (s *Service) resyncAfterGrant(ctx context.Context, userID uint) {
	if s.jobs == nil {
		return
	}
	customerIDs, err := s.customersOf(ctx, userID)
	if err != nil {
		log.Warnf("[Redemption] User %d: customer lookup after grant expiry failed: %v", userID, err)
		return
	}
	if len(customerIDs) == 0 {
		return
	}
	if err := s.jobs.EnqueueResync(ctx, userID, "grant-expired"); err != nil {
		log.Warnf("[Redemption] User %d: queue resync after grant expiry: %v", userID, err)
	}
}

// CodeBatch describes a set of redemption codes to issue.
type CodeBatch struct {
	Plan         string
	DurationDays int
	MaxUses      int
	Count        int
	Prefix       string
	ExpiresAt    *time.Time
}

const (
	maxCodeBatch    = 500
	maxCodePrefix   = 32
	codeGroups      = 2
	codeGroupLen    = 4
	codeInsertTries = 5
)

// CreateCodes issues Count fresh codes for a paid plan. A generated string that
// collides with an existing code is regenerated.
func (s *Service) CreateCodes(ctx context.Context, batch CodeBatch) ([]models.RedemptionCode, error) {
	plan := normalizePlan(batch.Plan)
	if plan == models.PlanFree {
		return nil, fmt.Errorf("%w: plan %q is not a paid plan", ErrInvalidCodeBatch, batch.Plan)
	}
	if batch.Count <= 0 || batch.Count > maxCodeBatch {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidCodeBatch, maxCodeBatch)
	}
	if len(batch.Prefix) > maxCodePrefix {
		return nil, fmt.Errorf("%w: prefix longer than %d characters", ErrInvalidCodeBatch, maxCodePrefix)
	}
	if batch.DurationDays <= 0 {
		batch.DurationDays = 30
	}
	if batch.MaxUses <= 0 {
		batch.MaxUses = 1
	}
	if batch.ExpiresAt != nil && !batch.ExpiresAt.After(s.now()) {
		return nil, fmt.Errorf("%w: expiry is in the past", ErrInvalidCodeBatch)
	}

	codes := make([]models.RedemptionCode, 0, batch.Count)
	for len(codes) < batch.Count {
		rc, err := s.createCode(ctx, plan, batch)
		if err != nil {
			return codes, err
		}
		codes = append(codes, *rc)
	}
	log.Infof("[Redemption] Issued %d %s code(s) for %d day(s), %d use(s) each", len(codes), plan, batch.DurationDays, batch.MaxUses)
	return codes, nil
}

func (s *Service) createCode(ctx context.Context, plan string, batch CodeBatch) (*models.RedemptionCode, error) {
	for i := 0; i < codeInsertTries; i++ {
		code, err := codegen.GenerateGrouped(batch.Prefix, codeGroups, codeGroupLen)
		if err != nil {
			return nil, err
		}
		rc := &models.RedemptionCode{
			Code:         normalizeCode(code),
			Plan:         plan,
			DurationDays: batch.DurationDays,
			MaxUses:      batch.MaxUses,
			ExpiresAt:    batch.ExpiresAt,
			IsActive:     true,
		}
		created, err := s.repo.CreateRedemptionCodeIfNotExists(ctx, rc)
		if err != nil {
			return nil, err
		}
		if created {
			return rc, nil
		}
		log.Warnf("[Redemption] Generated code %s already exists, regenerating", rc.Code)
	}
	return nil, fmt.Errorf("billing: could not generate a unique code after %d attempts", codeInsertTries)
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
