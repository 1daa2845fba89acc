package billing

import (
	"sort"

	"github.com/ManuelReschke/PropDocs/app/models"
)

// Resolve computes the single canonical entitlement for one customer from
// its complete, current subscription list. It has no side effects and is safe
// for concurrent use. An unmappable price degrades to the lowest paid plan and
// is reported through Resolution.Unmapped rather than an error.
func Resolve(subs []Subscription, plans PlanMapper) Resolution {
	if len(subs) == 0 {
		return Resolution{Plan: models.PlanFree, Status: models.EntitlementStatusInactive}
	}

	candidates := make([]Subscription, len(subs))
	copy(candidates, subs)
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := statusPriority(candidates[i].Status), statusPriority(candidates[j].Status)
		if pi != pj {
			return pi > pj
		}
		if !candidates[i].Created.Equal(candidates[j].Created) {
			return candidates[i].Created.After(candidates[j].Created)
		}
		return candidates[i].ID > candidates[j].ID
	})
	best := candidates[0]

	res := Resolution{
		Status:         entitlementStatus(best.Status),
		PeriodEnd:      best.CurrentPeriodEnd,
		SubscriptionID: best.ID,
		CustomerID:     best.CustomerID,
		PriceID:        best.PriceID,
	}

	plan := ""
	if plans != nil {
		if p, err := plans.PlanForPrice(best.PriceID); err == nil {
			plan = p
		}
	}
	if plan == "" {
		plan = models.PlanStandard
		res.Unmapped = true
	}
	res.Plan = plan
	return res
}
