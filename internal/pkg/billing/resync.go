package billing

import (
	"context"
	"fmt"

	"github.com/ManuelReschke/PropDocs/app/models"
	"github.com/ManuelReschke/PropDocs/internal/pkg/entitlements"
	"github.com/gofiber/fiber/v2/log"
)

// Resync re-derives a user's entitlement straight from the provider,
// bypassing the event path. It is idempotent; the only side effects are the
// store writer's upsert and linking a customer found by email.
func (s *Service) Resync(ctx context.Context, userID uint) (entitlements.Snapshot, error) {
	empty := entitlements.SnapshotOf(userID, nil)
	if s.provider == nil {
		return empty, ErrProviderNotConfigured
	}

	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return empty, ErrUserNotFound
		}
		return empty, err
	}

	customerIDs, err := s.customersForUser(ctx, user)
	if err != nil {
		log.Warnf("[Resync] User %d: customer lookup failed: %v", userID, err)
		return empty, err
	}

	runID := "resync:" + s.newRunID()
	if len(customerIDs) == 0 {
		log.Infof("[Resync] User %d has no billing relationship, confirming inactive", userID)
		res, err := s.Apply(ctx, Write{
			UserID:   userID,
			Plan:     models.PlanFree,
			Status:   models.EntitlementStatusInactive,
			Source:   models.EntitlementSourceResync,
			SourceID: runID,
		})
		if err != nil {
			return empty, err
		}
		return res.Snapshot(userID), nil
	}

	res, err := s.reconcile(ctx, userID, customerIDs, models.EntitlementSourceResync, runID)
	if err != nil {
		log.Warnf("[Resync] User %d: %v", userID, err)
		return empty, err
	}
	return res.Snapshot(userID), nil
}

// customersForUser links every provider customer registered with the user's
// email, then returns all customers the user owns.
func (s *Service) customersForUser(ctx context.Context, user *models.User) ([]string, error) {
	pctx, cancel := s.providerContext(ctx)
	defer cancel()
	customers, err := s.provider.FindCustomersByEmail(pctx, user.Email)
	if err != nil {
		return nil, err
	}
	for _, c := range customers {
		if c.ID == "" {
			continue
		}
		if err := s.linkAccount(ctx, user.ID, c.ID, user.Email); err != nil {
			return nil, fmt.Errorf("link customer %s: %w", c.ID, err)
		}
	}
	return s.customersOf(ctx, user.ID)
}

// reconcile fetches every subscription of the given customers, resolves them
// and writes the result.
func (s *Service) reconcile(ctx context.Context, userID uint, customerIDs []string, source, sourceID string) (*ApplyResult, error) {
	if s.provider == nil {
		return nil, ErrProviderNotConfigured
	}

	var subs []Subscription
	for _, customerID := range customerIDs {
		list, err := s.listSubscriptions(ctx, customerID)
		if err != nil {
			return nil, err
		}
		subs = append(subs, list...)
	}

	res := Resolve(subs, s.plans)
	if res.Unmapped {
		s.warnUnmapped(ctx, userID, subs, res)
	}

	customerID := res.CustomerID
	if customerID == "" && len(customerIDs) > 0 {
		customerID = customerIDs[0]
	}
	return s.Apply(ctx, Write{
		UserID:         userID,
		Plan:           res.Plan,
		Status:         res.Status,
		PeriodEnd:      res.PeriodEnd,
		Source:         source,
		SourceID:       sourceID,
		CustomerID:     customerID,
		SubscriptionID: res.SubscriptionID,
	})
}

func (s *Service) listSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	pctx, cancel := s.providerContext(ctx)
	defer cancel()
	subs, err := s.provider.ListSubscriptions(pctx, customerID)
	if err != nil {
		if IsTransient(err) {
			return nil, err
		}
		return nil, &TransientProviderError{Op: "list subscriptions", Err: err}
	}
	return subs, nil
}

// warnUnmapped logs an unmapped price with its product name when the
// provider can tell us one.
func (s *Service) warnUnmapped(ctx context.Context, userID uint, subs []Subscription, res Resolution) {
	name := ""
	for _, sub := range subs {
		if sub.ID != res.SubscriptionID {
			continue
		}
		name = sub.ProductName
		if name == "" && sub.ProductID != "" {
			pctx, cancel := s.providerContext(ctx)
			if p, err := s.provider.GetProduct(pctx, sub.ProductID); err == nil && p != nil {
				name = p.Name
			}
			cancel()
		}
		break
	}
	log.Warnf("[Billing] User %d: %v (price %s, product %q), defaulting to %s",
		userID, ErrUnmappablePrice, res.PriceID, name, res.Plan)
}

// ResyncAll queues a resync job for every user with a billing account and
// returns how many were queued.
func (s *Service) ResyncAll(ctx context.Context) (int, error) {
	if s.jobs == nil {
		return 0, ErrJobQueueNotConfigured
	}
	ids, err := s.repo.ListBillingAccountUserIDs(ctx, s.cfg.Provider)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, id := range ids {
		if err := s.jobs.EnqueueResync(ctx, id, "resync-all"); err != nil {
			return queued, fmt.Errorf("enqueue resync for user %d: %w", id, err)
		}
		queued++
	}
	log.Infof("[Resync] Queued %d resync jobs", queued)
	return queued, nil
}
