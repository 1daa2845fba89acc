package billing_test

import (
	"testing"
	"time"

	"github.com/ManuelReschke/PropDocs/app/models"
	"github.com/ManuelReschke/PropDocs/internal/pkg/billing"
	"github.com/ManuelReschke/PropDocs/internal/pkg/billing/billingtest"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test_secret"

type fixture struct {
	repo     *billingtest.Repository
	provider *billingtest.Provider
	jobs     *billingtest.Jobs
	cache    *billingtest.Invalidator
	svc      *billing.Service
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	plans, err := billing.NewPlanTable(map[string]string{
		"price_std": models.PlanStandard,
		"price_pro": models.PlanPremium,
	})
	require.NoError(t, err)

	f := &fixture{
		repo:     billingtest.NewRepository(),
		provider: billingtest.NewProvider(),
		jobs:     &billingtest.Jobs{},
		cache:    &billingtest.Invalidator{},
		now:      time.Now().UTC().Truncate(time.Second),
	}
	f.svc = billing.NewService(f.repo,
		billing.WithProvider(f.provider),
		billing.WithPlans(plans),
		billing.WithJobs(f.jobs),
		billing.WithInvalidator(f.cache),
		billing.WithClock(func() time.Time { return f.now }),
		billing.WithConfig(billing.Config{
			Provider:        models.BillingProviderStripe,
			WebhookSecret:   testSecret,
			ProviderTimeout: time.Second,
			StuckAfter:      15 * time.Minute,
		}),
	)
	return f
}

// linkedUser creates a user linked to customerID.
func (f *fixture) linkedUser(email, customerID string) *models.User {
	u := f.repo.AddUser(email)
	f.repo.AddAccount(u.ID, customerID)
	f.provider.AddCustomer(customerID, email)
	return u
}

func (f *fixture) sub(id, status, price string, created time.Time) billing.Subscription {
	end := f.now.AddDate(0, 1, 0)
	return billing.Subscription{ID: id, Status: status, PriceID: price, Created: created, CurrentPeriodEnd: &end}
}

func (f *fixture) signed(id, eventType string, object interface{}) ([]byte, string) {
	payload := billingtest.EventPayload(id, eventType, object)
	return payload, billingtest.Sign(payload, testSecret, time.Now())
}
