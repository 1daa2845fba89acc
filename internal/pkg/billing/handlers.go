package billing

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ManuelReschke/PropDocs/app/models"
	"github.com/gofiber/fiber/v2/log"
)

// HandlerFunc handles one verified event. It is called at most once per event
// id by the ledger gate, except for explicit replays.
type HandlerFunc func(ctx context.Context, evt *Event) error

// Registry maps event types to handlers.
type Registry struct {
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]HandlerFunc{}}
}

func (r *Registry) Register(eventType string, h HandlerFunc) {
	r.handlers[eventType] = h
}

func (r *Registry) Lookup(eventType string) (HandlerFunc, bool) {
	h, ok := r.handlers[eventType]
	return h, ok
}

// Types lists the registered event types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *Service) defaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range []string{
		EventSubscriptionCreated,
		EventSubscriptionUpdated,
		EventSubscriptionPaused,
		EventSubscriptionResumed,
		EventSubscriptionTrialWillEnd,
	} {
		r.Register(t, s.handleSubscriptionUpserted)
	}
	r.Register(EventSubscriptionDeleted, s.handleSubscriptionDeleted)
	r.Register(EventInvoicePaid, s.handleInvoicePaid)
	r.Register(EventInvoicePaymentSucceeded, s.handleInvoicePaid)
	r.Register(EventInvoicePaymentFailed, s.handleInvoicePaymentFailed)
	r.Register(EventCheckoutSessionCompleted, s.handleCheckoutCompleted)
	r.Register(EventPaymentIntentSucceeded, s.handlePaymentConfirmed)
	return r
}

// handleSubscriptionUpserted uses the event only as a trigger: the customer's
// current subscription list is fetched and resolved, so a late or stale
// delivery cannot regress the entitlement.
func (s *Service) handleSubscriptionUpserted(ctx context.Context, evt *Event) error {
	var obj subscriptionObject
	if err := decodeObject(evt, &obj); err != nil {
		return err
	}
	customerID := obj.Customer.String()
	userID, err := s.userForCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	if userID == 0 {
		log.Warnf("[Billing] %s %s: no local user for customer %s", evt.Type, evt.ID, customerID)
		return nil
	}
	return s.reconcileUser(ctx, userID, evt.ID)
}

// reconcileUser resolves over every customer of the user, not only the one the
// event names. The caller has linked that customer already.
func (s *Service) reconcileUser(ctx context.Context, userID uint, eventID string) error {
	customerIDs, err := s.customersOf(ctx, userID)
	if err != nil {
		return err
	}
	_, err = s.reconcile(ctx, userID, customerIDs, models.EntitlementSourceEvent, eventID)
	return err
}

// handleSubscriptionDeleted trusts the terminal state in the payload when the
// deleted subscription is the one the entitlement was derived from.
// Otherwise it re-resolves from the provider.
func (s *Service) handleSubscriptionDeleted(ctx context.Context, evt *Event) error {
	var obj subscriptionObject
	if err := decodeObject(evt, &obj); err != nil {
		return err
	}
	sub := obj.toSubscription()
	userID, err := s.userForCustomer(ctx, sub.CustomerID)
	if err != nil {
		return err
	}
	if userID == 0 {
		log.Warnf("[Billing] %s %s: no local user for customer %s", evt.Type, evt.ID, sub.CustomerID)
		return nil
	}

	existing, err := s.getEntitlement(ctx, userID)
	if err != nil {
		return err
	}
	customerIDs, err := s.customersOf(ctx, userID)
	if err != nil {
		return err
	}

	w := Write{
		UserID:         userID,
		Status:         models.EntitlementStatusCanceled,
		Source:         models.EntitlementSourceEvent,
		SourceID:       evt.ID,
		CustomerID:     sub.CustomerID,
		SubscriptionID: sub.ID,
	}
	switch {
	case len(customerIDs) > 1:
		log.Infof("[Billing] %s %s: user %d has %d customers, re-resolving", evt.Type, evt.ID, userID, len(customerIDs))
		_, err := s.reconcile(ctx, userID, customerIDs, models.EntitlementSourceEvent, evt.ID)
		return err
	case existing == nil:
		plan, perr := s.plans.PlanForPrice(sub.PriceID)
		if perr != nil {
			log.Warnf("[Billing] %s %s: %v, using %s", evt.Type, evt.ID, perr, models.PlanStandard)
			plan = models.PlanStandard
		}
		w.Plan = plan
		w.PeriodEnd = sub.CurrentPeriodEnd
	case existing.ProviderSubscriptionID == "" || existing.ProviderSubscriptionID == sub.ID:
		w.Plan = existing.Plan
		w.PeriodEnd = existing.CurrentPeriodEnd
	default:
		log.Infof("[Billing] %s %s: deleted %s is not the resolved subscription %s, re-resolving",
			evt.Type, evt.ID, sub.ID, existing.ProviderSubscriptionID)
		_, err := s.reconcile(ctx, userID, customerIDs, models.EntitlementSourceEvent, evt.ID)
		return err
	}

	_, err = s.Apply(ctx, w)
	return err
}

// handleInvoicePaid only lifts past_due back to active. Plan is decided by
// subscription events.
func (s *Service) handleInvoicePaid(ctx context.Context, evt *Event) error {
	var obj invoiceObject
	if err := decodeObject(evt, &obj); err != nil {
		return err
	}
	existing, userID, err := s.entitlementForInvoice(ctx, evt, obj)
	if err != nil || existing == nil {
		return err
	}
	if existing.Status != models.EntitlementStatusPastDue {
		return nil
	}

	_, err = s.Apply(ctx, Write{
		UserID:         userID,
		Plan:           existing.Plan,
		Status:         models.EntitlementStatusActive,
		PeriodEnd:      existing.CurrentPeriodEnd,
		Source:         models.EntitlementSourceEvent,
		SourceID:       evt.ID,
		CustomerID:     existing.ProviderCustomerID,
		SubscriptionID: existing.ProviderSubscriptionID,
	})
	return err
}

// handleInvoicePaymentFailed moves active or trialing to past_due. A canceled
// entitlement stays canceled, and one that never entitled is not promoted.
func (s *Service) handleInvoicePaymentFailed(ctx context.Context, evt *Event) error {
	var obj invoiceObject
	if err := decodeObject(evt, &obj); err != nil {
		return err
	}
	existing, userID, err := s.entitlementForInvoice(ctx, evt, obj)
	if err != nil || existing == nil {
		return err
	}
	switch existing.Status {
	case models.EntitlementStatusActive, models.EntitlementStatusTrialing:
	default:
		log.Infof("[Billing] %s %s: entitlement of user %d is %s, leaving unchanged", evt.Type, evt.ID, userID, existing.Status)
		return nil
	}

	_, err = s.Apply(ctx, Write{
		UserID:         userID,
		Plan:           existing.Plan,
		Status:         models.EntitlementStatusPastDue,
		PeriodEnd:      existing.CurrentPeriodEnd,
		Source:         models.EntitlementSourceEvent,
		SourceID:       evt.ID,
		CustomerID:     existing.ProviderCustomerID,
		SubscriptionID: existing.ProviderSubscriptionID,
	})
	return err
}

// entitlementForInvoice returns the entitlement an invoice applies to, or nil
// when there is none or the invoice belongs to a different subscription.
func (s *Service) entitlementForInvoice(ctx context.Context, evt *Event, obj invoiceObject) (*models.Entitlement, uint, error) {
	userID, err := s.userForCustomer(ctx, obj.Customer.String())
	if err != nil {
		return nil, 0, err
	}
	if userID == 0 {
		log.Warnf("[Billing] %s %s: no local user for customer %s", evt.Type, evt.ID, obj.Customer)
		return nil, 0, nil
	}
	existing, err := s.getEntitlement(ctx, userID)
	if err != nil || existing == nil {
		return nil, userID, err
	}
	subID := obj.subscriptionID()
	if subID != "" && existing.ProviderSubscriptionID != "" && subID != existing.ProviderSubscriptionID {
		log.Infof("[Billing] %s %s: invoice for %s, entitlement tracks %s, ignoring", evt.Type, evt.ID, subID, existing.ProviderSubscriptionID)
		return nil, userID, nil
	}
	return existing, userID, nil
}

// handleCheckoutCompleted makes sure a local user exists for the payer, links
// the provider customer and resolves from current provider truth.
func (s *Service) handleCheckoutCompleted(ctx context.Context, evt *Event) error {
	var obj checkoutSessionObject
	if err := decodeObject(evt, &obj); err != nil {
		return err
	}
	customerID := obj.Customer.String()

	user, err := s.checkoutUser(ctx, obj)
	if err != nil {
		return err
	}
	if user == nil {
		log.Warnf("[Billing] %s %s: session %s has no usable payer identity", evt.Type, evt.ID, obj.ID)
		return nil
	}
	if customerID == "" {
		log.Infof("[Billing] %s %s: session %s has no customer, nothing to reconcile", evt.Type, evt.ID, obj.ID)
		return nil
	}
	if err := s.linkAccount(ctx, user.ID, customerID, user.Email); err != nil {
		return fmt.Errorf("link customer %s to user %d: %w", customerID, user.ID, err)
	}

	return s.reconcileUser(ctx, user.ID, evt.ID)
}

func (s *Service) checkoutUser(ctx context.Context, obj checkoutSessionObject) (*models.User, error) {
	if ref := strings.TrimSpace(obj.ClientReferenceID); ref != "" {
		if id, err := strconv.ParseUint(ref, 10, 64); err == nil && id > 0 {
			user, err := s.repo.GetUserByID(ctx, uint(id))
			if err == nil {
				return user, nil
			}
			if !isNotFound(err) {
				return nil, err
			}
			log.Warnf("[Billing] Checkout %s references unknown user %s", obj.ID, ref)
		}
	}

	customerID := obj.Customer.String()
	if customerID != "" {
		account, err := s.repo.GetBillingAccountByProviderAccountID(ctx, s.cfg.Provider, customerID)
		if err == nil {
			return s.repo.GetUserByID(ctx, account.UserID)
		}
		if !isNotFound(err) {
			return nil, err
		}
	}

	email := obj.email()
	if email == "" && customerID != "" && s.provider != nil {
		pctx, cancel := s.providerContext(ctx)
		cust, err := s.provider.GetCustomer(pctx, customerID)
		cancel()
		if err != nil {
			return nil, err
		}
		if cust != nil {
			email = normalizeEmail(cust.Email)
		}
	}
	if email == "" {
		return nil, nil
	}
	return s.provisionUser(ctx, email)
}

// provisionUser returns the user for email, creating one when the payer has
// no account yet. Concurrent calls for one email end with a single row.
func (s *Service) provisionUser(ctx context.Context, email string) (*models.User, error) {
	user, err := s.repo.GetUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	candidate, err := models.NewProvisionedUser(email)
	if err != nil {
		return nil, &PermanentError{Err: err}
	}
	created, user, err := s.repo.CreateUserIfNotExists(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("provision user: %w", err)
	}
	if created {
		log.Infof("[Billing] Provisioned user %d for %s", user.ID, email)
	}
	return user, nil
}

// handlePaymentConfirmed queues a receipt. It never touches the entitlement.
func (s *Service) handlePaymentConfirmed(ctx context.Context, evt *Event) error {
	if s.jobs == nil {
		return nil
	}
	var obj paymentIntentObject
	if err := decodeObject(evt, &obj); err != nil {
		return err
	}

	req := ReceiptRequest{
		Email:           normalizeEmail(obj.ReceiptEmail),
		PaymentIntentID: obj.ID,
		AmountCents:     obj.AmountReceived,
		Currency:        strings.ToUpper(obj.Currency),
		EventID:         evt.ID,
	}
	if req.AmountCents == 0 {
		req.AmountCents = obj.Amount
	}
	if customerID := obj.Customer.String(); customerID != "" {
		account, err := s.repo.GetBillingAccountByProviderAccountID(ctx, s.cfg.Provider, customerID)
		if err == nil {
			req.UserID = account.UserID
			if req.Email == "" {
				req.Email = account.Email
			}
		}
	}
	if req.Email == "" {
		log.Infof("[Billing] %s %s: no receipt address, skipping receipt", evt.Type, evt.ID)
		return nil
	}

	if err := s.jobs.EnqueueReceipt(ctx, req); err != nil {
		log.Warnf("[Billing] %s %s: failed to enqueue receipt: %v", evt.Type, evt.ID, err)
	}
	return nil
}
