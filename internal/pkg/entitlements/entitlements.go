package entitlements

import (
	"strings"
	"time"

	"github.com/ManuelReschke/PropDocs/app/models"
)

type Plan string

const (
	PlanFree     Plan = models.PlanFree
	PlanStandard Plan = models.PlanStandard
	PlanPremium  Plan = models.PlanPremium
)

// NormalizePlan maps arbitrary input to a known plan, defaulting to free.
func NormalizePlan(plan string) Plan {
	switch Plan(strings.ToLower(strings.TrimSpace(plan))) {
	case PlanPremium:
		return PlanPremium
	case PlanStandard:
		return PlanStandard
	default:
		return PlanFree
	}
}

// Rank orders plans; higher is better.
func Rank(plan Plan) int {
	switch plan {
	case PlanPremium:
		return 2
	case PlanStandard:
		return 1
	default:
		return 0
	}
}

// Quotas are the per-plan limits enforced by the property and document modules.
type Quotas struct {
	MaxProperties           int `json:"max_properties"`
	MaxStorageMB            int `json:"max_storage_mb"`
	MaxDocumentsPerProperty int `json:"max_documents_per_property"`
}

// QuotasFor returns the limits for a plan.
func QuotasFor(plan Plan) Quotas {
	switch plan {
	case PlanPremium:
		return Quotas{MaxProperties: 50, MaxStorageMB: 50 * 1024, MaxDocumentsPerProperty: 1000}
	case PlanStandard:
		return Quotas{MaxProperties: 5, MaxStorageMB: 5 * 1024, MaxDocumentsPerProperty: 200}
	default:
		return Quotas{MaxProperties: 1, MaxStorageMB: 250, MaxDocumentsPerProperty: 25}
	}
}

// Snapshot is the read-only view of a user's entitlement handed to the rest
// of the application and to API clients.
type Snapshot struct {
	UserID    uint       `json:"user_id"`
	Plan      Plan       `json:"plan"`
	Status    string     `json:"status"`
	PeriodEnd *time.Time `json:"period_end,omitempty"`
	Source    string     `json:"source,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// SnapshotOf converts a stored entitlement as of now.
func SnapshotOf(userID uint, e *models.Entitlement) Snapshot {
	return SnapshotAt(userID, e, time.Now())
}

// SnapshotAt converts a stored entitlement as of the given time. A missing row
// is a free, inactive user. A redemption grant past its period end reads as
// canceled even before the expiry sweep has rewritten the row.
func SnapshotAt(userID uint, e *models.Entitlement, now time.Time) Snapshot {
	if e == nil {
		return Snapshot{UserID: userID, Plan: PlanFree, Status: models.EntitlementStatusInactive}
	}
	status := e.Status
	if e.IsEntitling() && e.GrantLapsed(now) {
		status = models.EntitlementStatusCanceled
	}
	return Snapshot{
		UserID:    e.UserID,
		Plan:      NormalizePlan(e.Plan),
		Status:    status,
		PeriodEnd: e.CurrentPeriodEnd,
		Source:    e.Source,
		UpdatedAt: e.UpdatedAt,
	}
}

// IsActive reports whether checkout can be considered complete.
func (s Snapshot) IsActive() bool {
	return s.Status == models.EntitlementStatusActive || s.Status == models.EntitlementStatusTrialing
}

// EffectivePlan is the plan whose quotas apply right now. past_due keeps paid
// features during the provider's dunning window.
func (s Snapshot) EffectivePlan() Plan {
	switch s.Status {
	case models.EntitlementStatusActive, models.EntitlementStatusTrialing, models.EntitlementStatusPastDue:
		return s.Plan
	default:
		return PlanFree
	}
}
