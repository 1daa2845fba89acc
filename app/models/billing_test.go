package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEntitlementIsEntitling(t *testing.T) {
	var missing *Entitlement
	assert.False(t, missing.IsEntitling())

	tests := []struct {
		plan, status string
		want         bool
	}{
		{PlanPremium, EntitlementStatusActive, true},
		{PlanStandard, EntitlementStatusTrialing, true},
		{PlanStandard, EntitlementStatusPastDue, true},
		{PlanStandard, EntitlementStatusCanceled, false},
		{PlanFree, EntitlementStatusActive, false},
	}
	for _, tt := range tests {
		e := &Entitlement{Plan: tt.plan, Status: tt.status}
		assert.Equal(t, tt.want, e.IsEntitling(), "%s/%s", tt.plan, tt.status)
	}
}

func TestRedemptionCodeIsExpired(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, (&RedemptionCode{}).IsExpired(now))

	later := now.Add(time.Hour)
	assert.False(t, (&RedemptionCode{ExpiresAt: &later}).IsExpired(now))
	assert.True(t, (&RedemptionCode{ExpiresAt: &now}).IsExpired(now))
}

func TestEntitlementGrantLapsed(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	var missing *Entitlement
	assert.False(t, missing.GrantLapsed(now))

	grant := &Entitlement{Source: EntitlementSourceRedemption, CurrentPeriodEnd: &now}
	assert.True(t, grant.GrantLapsed(now))
	assert.False(t, grant.GrantLapsed(now.Add(-time.Second)))

	sub := &Entitlement{Source: EntitlementSourceEvent, CurrentPeriodEnd: &now}
	assert.False(t, sub.GrantLapsed(now.Add(time.Hour)))
	assert.False(t, (&Entitlement{Source: EntitlementSourceRedemption}).GrantLapsed(now))
}

func TestWebhookEventIsStuck(t *testing.T) {
	assert.True(t, (&BillingWebhookEvent{Outcome: LedgerOutcomeReceived}).IsStuck())
	assert.True(t, (&BillingWebhookEvent{Outcome: LedgerOutcomeError}).IsStuck())
	assert.False(t, (&BillingWebhookEvent{Outcome: LedgerOutcomeProcessed}).IsStuck())
	assert.False(t, (&BillingWebhookEvent{Outcome: LedgerOutcomeUnhandled}).IsStuck())
}
