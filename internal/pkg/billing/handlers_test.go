package billing_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/ManuelReschke/PropDocs/app/models"
	"github.com/ManuelReschke/PropDocs/internal/pkg/billing"
	"github.com/ManuelReschke/PropDocs/internal/pkg/billing/billingtest"
	"github.com/ManuelReschke/PropDocs/internal/pkg/entitlements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCoversLifecycleEvents(t *testing.T) {
	f := newFixture(t)
	for _, typ := range []string{
		billing.EventSubscriptionCreated,
		billing.EventSubscriptionUpdated,
		billing.EventSubscriptionDeleted,
		billing.EventInvoicePaid,
		billing.EventInvoicePaymentFailed,
		billing.EventCheckoutSessionCompleted,
		billing.EventPaymentIntentSucceeded,
	} {
		_, ok := f.svc.Registry().Lookup(typ)
		assert.True(t, ok, typ)
	}
	_, ok := f.svc.Registry().Lookup("charge.dispute.created")
	assert.False(t, ok)
}

func TestLateStaleEventDoesNotRegressEntitlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.linkedUser("owner@example.com", "cus_1")

	// Current truth: upgraded to premium; the old standard trial is gone.
	f.provider.SetSubscriptions("cus_1",
		f.sub("sub_old", "canceled", "price_std", f.now.Add(-48*time.Hour)),
		f.sub("sub_new", "active", "price_pro", f.now.Add(-time.Hour)),
	)

	_, err := f.svc.HandleEvent(ctx, billingtest.NewEvent("evt_2", billing.EventSubscriptionUpdated,
		billingtest.SubscriptionObject("sub_new", "cus_1", "active", "price_pro", f.now.AddDate(0, 1, 0))))
	require.NoError(t, err)

	// Delivered late, describes an older state.
	_, err = f.svc.HandleEvent(ctx, billingtest.NewEvent("evt_1", billing.EventSubscriptionUpdated,
		billingtest.SubscriptionObject("sub_old", "cus_1", "trialing", "price_std", f.now.AddDate(0, 0, 7))))
	require.NoError(t, err)

	e := f.repo.Entitlement(u.ID)
	require.NotNil(t, e)
	assert.Equal(t, models.PlanPremium, e.Plan)
	assert.Equal(t, models.EntitlementStatusActive, e.Status)
	assert.Equal(t, "sub_new", e.ProviderSubscriptionID)
}

func TestPaymentFailedNeverReactivatesCanceled(t *testing.T) {
	f := newFixture(t)
	u := f.linkedUser("owner@example.com", "cus_1")
	f.repo.SetEntitlement(models.Entitlement{
		UserID: u.ID, Plan: models.PlanPremium, Status: models.EntitlementStatusCanceled,
		Source: models.EntitlementSourceEvent, ProviderSubscriptionID: "sub_1",
	})

	res, err := f.svc.HandleEvent(context.Background(), billingtest.NewEvent("evt_fail", billing.EventInvoicePaymentFailed,
		billingtest.InvoiceObject("in_1", "cus_1", "sub_1")))
	require.NoError(t, err)
	assert.Equal(t, models.LedgerOutcomeProcessed, res.Outcome)

	assert.Equal(t, models.EntitlementStatusCanceled, f.repo.Entitlement(u.ID).Status)
	assert.Equal(t, 0, f.repo.EntitlementWrites)
}

func TestPaymentFailedThenInvoicePaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.linkedUser("owner@example.com", "cus_1")
	end := f.now.AddDate(0, 1, 0)
	f.repo.SetEntitlement(models.Entitlement{
		UserID: u.ID, Plan: models.PlanStandard, Status: models.EntitlementStatusActive, CurrentPeriodEnd: &end,
		Source: models.EntitlementSourceEvent, ProviderSubscriptionID: "sub_1",
	})

	_, err := f.svc.HandleEvent(ctx, billingtest.NewEvent("evt_fail", billing.EventInvoicePaymentFailed,
		billingtest.InvoiceObject("in_1", "cus_1", "sub_1")))
	require.NoError(t, err)
	e := f.repo.Entitlement(u.ID)
	assert.Equal(t, models.EntitlementStatusPastDue, e.Status)
	assert.Equal(t, models.PlanStandard, e.Plan)

	// Invoice for another subscription is ignored.
	_, err = f.svc.HandleEvent(ctx, billingtest.NewEvent("evt_other", billing.EventInvoicePaid,
		billingtest.InvoiceObject("in_2", "cus_1", "sub_other")))
	require.NoError(t, err)
	assert.Equal(t, models.EntitlementStatusPastDue, f.repo.Entitlement(u.ID).Status)

	_, err = f.svc.HandleEvent(ctx, billingtest.NewEvent("evt_paid", billing.EventInvoicePaid,
		billingtest.InvoiceObject("in_1", "cus_1", "sub_1")))
	require.NoError(t, err)
	e = f.repo.Entitlement(u.ID)
	assert.Equal(t, models.EntitlementStatusActive, e.Status)
	assert.Equal(t, models.PlanStandard, e.Plan)
	require.NotNil(t, e.CurrentPeriodEnd)
	assert.True(t, e.CurrentPeriodEnd.Equal(end))
	assert.Equal(t, 0, f.provider.Calls(), "invoice events never fetch subscriptions")
}

func TestInvoicePaidWithoutEntitlementIsNoop(t *testing.T) {
	f := newFixture(t)
	u := f.linkedUser("owner@example.com", "cus_1")
	_, err := f.svc.HandleEvent(context.Background(), billingtest.NewEvent("evt_paid", billing.EventInvoicePaid,
		billingtest.InvoiceObject("in_1", "cus_1", "sub_1")))
	require.NoError(t, err)
	assert.Nil(t, f.repo.Entitlement(u.ID))
}

func TestSubscriptionDeletedShortcut(t *testing.T) {
	f := newFixture(t)
	u := f.linkedUser("owner@example.com", "cus_1")
	end := f.now.AddDate(0, 0, 10)
	f.repo.SetEntitlement(models.Entitlement{
		UserID: u.ID, Plan: models.PlanPremium, Status: models.EntitlementStatusActive, CurrentPeriodEnd: &end,
		Source: models.EntitlementSourceEvent, ProviderSubscriptionID: "sub_1",
	})

	_, err := f.svc.HandleEvent(context.Background(), billingtest.NewEvent("evt_del", billing.EventSubscriptionDeleted,
		billingtest.SubscriptionObject("sub_1", "cus_1", "canceled", "price_std", f.now)))
	require.NoError(t, err)

	e := f.repo.Entitlement(u.ID)
	assert.Equal(t, models.PlanPremium, e.Plan, "previous plan is kept")
	assert.Equal(t, models.EntitlementStatusCanceled, e.Status)
	require.NotNil(t, e.CurrentPeriodEnd)
	assert.True(t, e.CurrentPeriodEnd.Equal(end))
	assert.Equal(t, 0, f.provider.Calls())
}

func TestDeletingReplacedSubscriptionReResolves(t *testing.T) {
	f := newFixture(t)
	u := f.linkedUser("owner@example.com", "cus_1")
	f.repo.SetEntitlement(models.Entitlement{
		UserID: u.ID, Plan: models.PlanPremium, Status: models.EntitlementStatusActive,
		Source: models.EntitlementSourceEvent, ProviderSubscriptionID: "sub_new",
	})
	f.provider.SetSubscriptions("cus_1", f.sub("sub_new", "active", "price_pro", f.now))

	_, err := f.svc.HandleEvent(context.Background(), billingtest.NewEvent("evt_del", billing.EventSubscriptionDeleted,
		billingtest.SubscriptionObject("sub_old", "cus_1", "canceled", "price_std", f.now)))
	require.NoError(t, err)

	e := f.repo.Entitlement(u.ID)
	assert.Equal(t, models.EntitlementStatusActive, e.Status)
	assert.Equal(t, models.PlanPremium, e.Plan)
	assert.Equal(t, 1, f.provider.Calls())
}

func TestCheckoutCompletedProvisionsUserOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.AddCustomer("cus_9", "new.buyer@example.com")
	f.provider.SetSubscriptions("cus_9", f.sub("sub_9", "active", "price_std", f.now))

	_, err := f.svc.HandleEvent(ctx, billingtest.NewEvent("evt_co_1", billing.EventCheckoutSessionCompleted,
		billingtest.CheckoutObject("cs_1", "cus_9", "New.Buyer@example.com", "")))
	require.NoError(t, err)
	_, err = f.svc.HandleEvent(ctx, billingtest.NewEvent("evt_co_2", billing.EventCheckoutSessionCompleted,
		billingtest.CheckoutObject("cs_2", "cus_9", "new.buyer@example.com", "")))
	require.NoError(t, err)

	users := f.repo.Users()
	require.Len(t, users, 1)
	assert.Equal(t, "new.buyer@example.com", users[0].Email)
	assert.True(t, users[0].Provisioned)

	e := f.repo.Entitlement(users[0].ID)
	require.NotNil(t, e)
	assert.Equal(t, models.EntitlementStatusActive, e.Status)
	assert.Equal(t, models.PlanStandard, e.Plan)
	assert.Equal(t, "cus_9", e.ProviderCustomerID)
}

func TestCheckoutCompletedUsesClientReference(t *testing.T) {
	f := newFixture(t)
	u := f.repo.AddUser("owner@example.com")
	f.provider.SetSubscriptions("cus_2", f.sub("sub_2", "trialing", "price_pro", f.now))

	_, err := f.svc.HandleEvent(context.Background(), billingtest.NewEvent("evt_co", billing.EventCheckoutSessionCompleted,
		billingtest.CheckoutObject("cs_1", "cus_2", "someone.else@example.com", strconv.Itoa(int(u.ID)))))
	require.NoError(t, err)

	require.Len(t, f.repo.Users(), 1)
	e := f.repo.Entitlement(u.ID)
	require.NotNil(t, e)
	assert.Equal(t, models.EntitlementStatusTrialing, e.Status)
	assert.Equal(t, models.PlanPremium, e.Plan)
}

func TestEventForUnknownCustomerIsProcessedWithoutWrite(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.HandleEvent(context.Background(), billingtest.NewEvent("evt_x", billing.EventSubscriptionUpdated,
		billingtest.SubscriptionObject("sub_x", "cus_nobody", "active", "price_std", f.now)))
	require.NoError(t, err)
	assert.Equal(t, models.LedgerOutcomeProcessed, res.Outcome)
	assert.Equal(t, 0, f.repo.EntitlementWrites)
}

func TestCustomerFoundByProviderEmailIsLinked(t *testing.T) {
	f := newFixture(t)
	u := f.repo.AddUser("owner@example.com")
	f.provider.AddCustomer("cus_3", "owner@example.com")
	f.provider.SetSubscriptions("cus_3", f.sub("sub_3", "active", "price_std", f.now))

	_, err := f.svc.HandleEvent(context.Background(), billingtest.NewEvent("evt_3", billing.EventSubscriptionCreated,
		billingtest.SubscriptionObject("sub_3", "cus_3", "active", "price_std", f.now)))
	require.NoError(t, err)

	assert.Equal(t, models.EntitlementStatusActive, f.repo.Entitlement(u.ID).Status)
	accounts, err := f.repo.ListBillingAccountsByUser(context.Background(), u.ID, models.BillingProviderStripe)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "cus_3", accounts[0].ProviderAccountID)
}

func TestPaymentConfirmedQueuesReceiptOnly(t *testing.T) {
	f := newFixture(t)
	u := f.linkedUser("owner@example.com", "cus_1")

	_, err := f.svc.HandleEvent(context.Background(), billingtest.NewEvent("evt_pi", billing.EventPaymentIntentSucceeded,
		map[string]interface{}{
			"id": "pi_1", "customer": "cus_1", "amount": 900, "amount_received": 900,
			"currency": "eur", "receipt_email": "owner@example.com",
		}))
	require.NoError(t, err)

	require.Len(t, f.jobs.Receipts, 1)
	r := f.jobs.Receipts[0]
	assert.Equal(t, u.ID, r.UserID)
	assert.Equal(t, int64(900), r.AmountCents)
	assert.Equal(t, "EUR", r.Currency)
	assert.Equal(t, "evt_pi", r.EventID)
	assert.Nil(t, f.repo.Entitlement(u.ID))
}

func TestLateEventOnOldCustomerDoesNotOverrideNewCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.linkedUser("owner@example.com", "cus_a")
	f.provider.SetSubscriptions("cus_a", f.sub("sub_a", "canceled", "price_std", f.now.Add(-time.Hour)))
	f.provider.AddCustomer("cus_b", "owner@example.com")
	f.provider.SetSubscriptions("cus_b", f.sub("sub_b", "active", "price_pro", f.now))

	_, err := f.svc.HandleEvent(ctx, billingtest.NewEvent("evt_checkout", billing.EventCheckoutSessionCompleted,
		billingtest.CheckoutObject("cs_b", "cus_b", "owner@example.com", "")))
	require.NoError(t, err)
	e := f.repo.Entitlement(u.ID)
	require.NotNil(t, e)
	assert.Equal(t, models.PlanPremium, e.Plan)
	assert.Equal(t, "sub_b", e.ProviderSubscriptionID)

	accounts, err := f.repo.ListBillingAccountsByUser(ctx, u.ID, models.BillingProviderStripe)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)

	_, err = f.svc.HandleEvent(ctx, billingtest.NewEvent("evt_late", billing.EventSubscriptionUpdated,
		billingtest.SubscriptionObject("sub_a", "cus_a", "canceled", "price_std", f.now)))
	require.NoError(t, err)
	e = f.repo.Entitlement(u.ID)
	assert.Equal(t, models.PlanPremium, e.Plan)
	assert.Equal(t, models.EntitlementStatusActive, e.Status)
	assert.Equal(t, "sub_b", e.ProviderSubscriptionID)

	_, err = f.svc.HandleEvent(ctx, billingtest.NewEvent("evt_deleted", billing.EventSubscriptionDeleted,
		billingtest.SubscriptionObject("sub_a", "cus_a", "canceled", "price_std", f.now)))
	require.NoError(t, err)
	assert.Equal(t, models.EntitlementStatusActive, f.repo.Entitlement(u.ID).Status)

	snap, err := f.svc.Resync(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanPremium, snap.Plan)
	assert.Equal(t, models.EntitlementStatusActive, snap.Status)
}

func TestCheckoutDoesNotLinkCustomerOwnedByAnotherUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.linkedUser("owner@example.com", "cus_owned")
	f.provider.SetSubscriptions("cus_owned", f.sub("sub_o", "active", "price_pro", f.now))
	other := f.repo.AddUser("other@example.com")

	_, err := f.svc.HandleEvent(ctx, billingtest.NewEvent("evt_ref", billing.EventCheckoutSessionCompleted,
		billingtest.CheckoutObject("cs_x", "cus_owned", "other@example.com", strconv.Itoa(int(other.ID)))))
	require.NoError(t, err)

	accounts, err := f.repo.ListBillingAccountsByUser(ctx, other.ID, models.BillingProviderStripe)
	require.NoError(t, err)
	assert.Empty(t, accounts)
	if e := f.repo.Entitlement(other.ID); e != nil {
		assert.NotEqual(t, models.PlanPremium, e.Plan)
	}
	account, err := f.repo.GetBillingAccountByProviderAccountID(ctx, models.BillingProviderStripe, "cus_owned")
	require.NoError(t, err)
	assert.Equal(t, owner.ID, account.UserID)
}
