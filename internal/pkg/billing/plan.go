package billing

import (
	"fmt"
	"strings"

	"github.com/ManuelReschke/PropDocs/app/models"
	"github.com/ManuelReschke/PropDocs/internal/pkg/entitlements"
)

// PlanMapper maps a provider price to an internal plan.
type PlanMapper interface {
	PlanForPrice(priceID string) (string, error)
}

// PlanTable is the explicit price -> plan configuration. Plans are never
// inferred from amounts or product names.
type PlanTable struct {
	prices map[string]string
}

// NewPlanTable builds a table from price -> plan pairs. Unknown plan names are rejected.
func NewPlanTable(pairs map[string]string) (*PlanTable, error) {
	t := &PlanTable{prices: make(map[string]string, len(pairs))}
	for price, plan := range pairs {
		if err := t.Set(price, plan); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// ParsePlanTable parses "price_a=standard,price_b=premium".
func ParsePlanTable(raw string) (*PlanTable, error) {
	pairs := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		price, plan, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid price mapping %q, expected price=plan", part)
		}
		pairs[strings.TrimSpace(price)] = strings.TrimSpace(plan)
	}
	return NewPlanTable(pairs)
}

// Set adds or replaces one mapping.
func (t *PlanTable) Set(priceID, plan string) error {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return fmt.Errorf("empty price id")
	}
	p := strings.ToLower(strings.TrimSpace(plan))
	if p != models.PlanStandard && p != models.PlanPremium {
		return fmt.Errorf("price %s maps to unknown paid plan %q", priceID, plan)
	}
	t.prices[priceID] = p
	return nil
}

// Merge copies active DB mappings for the given provider over the table.
func (t *PlanTable) Merge(provider string, mappings []models.BillingPlanMapping) error {
	for _, m := range mappings {
		if !m.IsActive || !strings.EqualFold(m.Provider, provider) {
			continue
		}
		if err := t.Set(m.ProviderPlanRef, m.InternalPlan); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of configured prices.
func (t *PlanTable) Len() int {
	return len(t.prices)
}

func (t *PlanTable) PlanForPrice(priceID string) (string, error) {
	if plan, ok := t.prices[strings.TrimSpace(priceID)]; ok {
		return plan, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnmappablePrice, priceID)
}

func normalizePlan(plan string) string {
	return string(entitlements.NormalizePlan(plan))
}

func planRank(plan string) int {
	return entitlements.Rank(entitlements.NormalizePlan(plan))
}

func normalizeInterval(interval string) string {
	i := strings.ToLower(strings.TrimSpace(interval))
	switch i {
	case models.BillingIntervalMonth, models.BillingIntervalYear:
		return i
	default:
		return models.BillingIntervalUnknown
	}
}

// statusPriority ranks provider statuses: active > trialing > past_due >
// incomplete > everything else.
func statusPriority(status string) int {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case SubscriptionStatusActive:
		return 4
	case SubscriptionStatusTrialing:
		return 3
	case SubscriptionStatusPastDue:
		return 2
	case SubscriptionStatusIncomplete:
		return 1
	default:
		return 0
	}
}

// entitlementStatus maps a provider subscription status onto the
// entitlement status enum.
func entitlementStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case SubscriptionStatusActive:
		return models.EntitlementStatusActive
	case SubscriptionStatusTrialing:
		return models.EntitlementStatusTrialing
	case SubscriptionStatusPastDue:
		return models.EntitlementStatusPastDue
	case SubscriptionStatusIncomplete:
		return models.EntitlementStatusInactive
	default:
		return models.EntitlementStatusCanceled
	}
}

func isKnownEntitlementStatus(status string) bool {
	switch status {
	case models.EntitlementStatusInactive, models.EntitlementStatusActive, models.EntitlementStatusTrialing,
		models.EntitlementStatusPastDue, models.EntitlementStatusCanceled:
		return true
	default:
		return false
	}
}

func isEntitlingStatus(status string) bool {
	switch status {
	case models.EntitlementStatusActive, models.EntitlementStatusTrialing, models.EntitlementStatusPastDue:
		return true
	default:
		return false
	}
}
