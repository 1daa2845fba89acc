// Package billingtest provides in-memory fakes of the billing collaborators
// for tests in other packages.
package billingtest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ManuelReschke/PropDocs/app/models"
	"github.com/ManuelReschke/PropDocs/internal/pkg/billing"
	"gorm.io/gorm"
)

// Repository is an in-memory billing.Repository. Uniqueness rules of the real
// schema are enforced under a single mutex.
type Repository struct {
	mu sync.Mutex

	nextID       uint
	events       map[string]*models.BillingWebhookEvent
	entitlements map[uint]*models.Entitlement
	settings     map[uint]*models.UserSettings
	quotas       map[uint]*models.UserQuota
	accounts     []*models.BillingAccount
	mappings     []models.BillingPlanMapping
	users        map[uint]*models.User
	codes        map[string]*models.RedemptionCode
	redemptions  map[[2]uint]models.Redemption

	// EntitlementWrites counts successful entitlement upserts.
	EntitlementWrites int

	// Injected failures.
	UpsertEntitlementErr error
	SaveUserPlanErr      error
	UpsertUserQuotaErr   error
}

func NewRepository() *Repository {
	return &Repository{
		events:       map[string]*models.BillingWebhookEvent{},
		entitlements: map[uint]*models.Entitlement{},
		settings:     map[uint]*models.UserSettings{},
		quotas:       map[uint]*models.UserQuota{},
		users:        map[uint]*models.User{},
		codes:        map[string]*models.RedemptionCode{},
		redemptions:  map[[2]uint]models.Redemption{},
	}
}

var _ billing.Repository = (*Repository)(nil)

func (r *Repository) id() uint {
	r.nextID++
	return r.nextID
}

func eventKey(provider, id string) string { return provider + "|" + id }

// AddUser stores a user and returns it with its id set.
func (r *Repository) AddUser(email string) *models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := &models.User{Name: strings.Split(email, "@")[0], Email: strings.ToLower(email), Role: models.ROLE_USER, Status: models.STATUS_ACTIVE}
	u.ID = r.id()
	r.users[u.ID] = u
	cp := *u
	return &cp
}

// AddAccount links a user to a provider customer.
func (r *Repository) AddAccount(userID uint, customerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts = append(r.accounts, &models.BillingAccount{
		ID: r.id(), UserID: userID, Provider: models.BillingProviderStripe, ProviderAccountID: customerID,
	})
}

// AddCode stores a redemption code.
func (r *Repository) AddCode(c models.RedemptionCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.ID = r.id()
	r.codes[c.Code] = &c
}

// AddPlanMapping stores a price mapping row.
func (r *Repository) AddPlanMapping(m models.BillingPlanMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.ID = r.id()
	r.mappings = append(r.mappings, m)
}

// SetEntitlement seeds a user's entitlement row.
func (r *Repository) SetEntitlement(e models.Entitlement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = r.id()
	e.UpdatedAt = time.Now()
	r.entitlements[e.UserID] = &e
}

// Entitlement returns a copy of the stored row, or nil.
func (r *Repository) Entitlement(userID uint) *models.Entitlement {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entitlements[userID]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// Event returns a copy of the ledger entry, or nil.
func (r *Repository) Event(eventID string) *models.BillingWebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[eventKey(models.BillingProviderStripe, eventID)]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// EventCount returns the number of ledger rows.
func (r *Repository) EventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Settings returns a copy of the user's settings, or nil.
func (r *Repository) Settings(userID uint) *models.UserSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settings[userID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// Quota returns a copy of the user's quota row, or nil.
func (r *Repository) Quota(userID uint) *models.UserQuota {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotas[userID]
	if !ok {
		return nil
	}
	cp := *q
	return &cp
}

// Code returns a copy of the code row, or nil.
func (r *Repository) Code(code string) *models.RedemptionCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.codes[code]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// Users returns copies of all users.
func (r *Repository) Users() []models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, *u)
	}
	return out
}

func (r *Repository) CreateWebhookEventIfNotExists(_ context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := eventKey(event.Provider, event.ProviderEventID)
	if existing, ok := r.events[key]; ok {
		cp := *existing
		return false, &cp, nil
	}
	stored := *event
	stored.ID = r.id()
	r.events[key] = &stored
	cp := stored
	return true, &cp, nil
}

func (r *Repository) findEvent(id uint) *models.BillingWebhookEvent {
	for _, e := range r.events {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (r *Repository) IncrementDuplicateCount(_ context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.findEvent(id); e != nil {
		e.DuplicateCount++
	}
	return nil
}

func (r *Repository) ClaimRetryableWebhookEvent(_ context.Context, id uint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.findEvent(id)
	if e == nil || e.Outcome != models.LedgerOutcomeError || !e.Retryable {
		return false, nil
	}
	e.Outcome = models.LedgerOutcomeReceived
	e.Retryable = false
	return true, nil
}

func (r *Repository) MarkWebhookProcessed(_ context.Context, id uint, outcome, processingError string, retryable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.findEvent(id)
	if e == nil {
		return gorm.ErrRecordNotFound
	}
	now := time.Now()
	e.ProcessedAt = &now
	e.Outcome = outcome
	e.ProcessingError = processingError
	e.Retryable = retryable
	return nil
}

func (r *Repository) GetWebhookEventByProviderID(_ context.Context, provider, providerEventID string) (*models.BillingWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[eventKey(provider, providerEventID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *Repository) ListStuckWebhookEvents(_ context.Context, receivedBefore time.Time, limit int) ([]models.BillingWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.BillingWebhookEvent
	for _, e := range r.events {
		if e.IsStuck() && e.ReceivedAt.Before(receivedBefore) {
			out = append(out, *e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *Repository) IncrementReplayCount(_ context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.findEvent(id); e != nil {
		e.ReplayCount++
	}
	return nil
}

func (r *Repository) GetEntitlement(_ context.Context, userID uint) (*models.Entitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entitlements[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *Repository) UpsertEntitlement(_ context.Context, e *models.Entitlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.UpsertEntitlementErr != nil {
		return r.UpsertEntitlementErr
	}
	r.storeEntitlement(e)
	return nil
}

// storeEntitlement upserts e and copies the stored row back. Callers hold mu.
func (r *Repository) storeEntitlement(e *models.Entitlement) {
	stored := *e
	if existing, ok := r.entitlements[e.UserID]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.ID = r.id()
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = time.Now()
	r.entitlements[e.UserID] = &stored
	r.EntitlementWrites++
	*e = stored
}

func (r *Repository) SaveUserPlan(_ context.Context, userID uint, plan string, isPaying bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SaveUserPlanErr != nil {
		return r.SaveUserPlanErr
	}
	s, ok := r.settings[userID]
	if !ok {
		s = &models.UserSettings{ID: r.id(), UserID: userID}
		r.settings[userID] = s
	}
	s.Plan = plan
	s.IsPaying = isPaying
	return nil
}

func (r *Repository) UpsertUserQuota(_ context.Context, q *models.UserQuota) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.UpsertUserQuotaErr != nil {
		return r.UpsertUserQuotaErr
	}
	cp := *q
	r.quotas[q.UserID] = &cp
	return nil
}

func (r *Repository) GetBillingAccountByProviderAccountID(_ context.Context, provider, providerAccountID string) (*models.BillingAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.Provider == provider && a.ProviderAccountID == providerAccountID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *Repository) ListBillingAccountsByUser(_ context.Context, userID uint, provider string) ([]models.BillingAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.BillingAccount
	for _, a := range r.accounts {
		if a.Provider == provider && a.UserID == userID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *Repository) UpsertBillingAccount(_ context.Context, account *models.BillingAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.Provider == account.Provider && a.ProviderAccountID == account.ProviderAccountID {
			a.UserID = account.UserID
			a.Email = account.Email
			*account = *a
			return nil
		}
	}
	stored := *account
	stored.ID = r.id()
	r.accounts = append(r.accounts, &stored)
	*account = stored
	return nil
}

func (r *Repository) ListBillingAccountUserIDs(_ context.Context, provider string) ([]uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[uint]bool{}
	var ids []uint
	for _, a := range r.accounts {
		if a.Provider == provider && !seen[a.UserID] {
			seen[a.UserID] = true
			ids = append(ids, a.UserID)
		}
	}
	return ids, nil
}

func (r *Repository) ListActivePlanMappings(_ context.Context, provider string) ([]models.BillingPlanMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.BillingPlanMapping
	for _, m := range r.mappings {
		if m.Provider == provider && m.IsActive {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *Repository) GetUserByID(_ context.Context, id uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *Repository) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range r.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *Repository) CreateUserIfNotExists(_ context.Context, user *models.User) (bool, *models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == user.Email {
			cp := *u
			return false, &cp, nil
		}
	}
	stored := *user
	stored.ID = r.id()
	r.users[stored.ID] = &stored
	cp := stored
	return true, &cp, nil
}

func (r *Repository) GetRedemptionCode(_ context.Context, code string) (*models.RedemptionCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.codes[code]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *Repository) CreateRedemptionCodeIfNotExists(_ context.Context, code *models.RedemptionCode) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codes[code.Code]; ok {
		return false, nil
	}
	code.ID = r.id()
	stored := *code
	r.codes[code.Code] = &stored
	return true, nil
}

// RedeemCode mirrors the conditional UPDATE, unique insert and entitlement
// upsert of the SQL implementation. Nothing is stored unless all three succeed.
func (r *Repository) RedeemCode(_ context.Context, codeID uint, expectedTimesRedeemed int, grant *models.Entitlement, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c *models.RedemptionCode
	for _, rc := range r.codes {
		if rc.ID == codeID {
			c = rc
			break
		}
	}
	if c == nil || !c.IsActive || c.TimesRedeemed != expectedTimesRedeemed || c.TimesRedeemed >= c.MaxUses {
		return billing.ErrRedemptionConflict
	}
	key := [2]uint{codeID, grant.UserID}
	if _, ok := r.redemptions[key]; ok {
		return billing.ErrAlreadyRedeemed
	}
	if r.UpsertEntitlementErr != nil {
		return r.UpsertEntitlementErr
	}
	c.TimesRedeemed++
	r.redemptions[key] = models.Redemption{ID: r.id(), CodeID: codeID, UserID: grant.UserID, RedeemedAt: at}
	r.storeEntitlement(grant)
	return nil
}

func (r *Repository) ExpireGrant(_ context.Context, userID uint, periodEnd time.Time, sourceEventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entitlements[userID]
	if !ok || !isLapsedCandidate(e) || !e.CurrentPeriodEnd.Equal(periodEnd) {
		return false, nil
	}
	e.Status = models.EntitlementStatusCanceled
	e.SourceEventID = sourceEventID
	e.UpdatedAt = time.Now()
	r.EntitlementWrites++
	return true, nil
}

func (r *Repository) ListLapsedGrants(_ context.Context, now time.Time, limit int) ([]models.Entitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Entitlement
	for _, e := range r.entitlements {
		if isLapsedCandidate(e) && !e.CurrentPeriodEnd.After(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrentPeriodEnd.Before(*out[j].CurrentPeriodEnd) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func isLapsedCandidate(e *models.Entitlement) bool {
	if e.Source != models.EntitlementSourceRedemption || e.CurrentPeriodEnd == nil {
		return false
	}
	switch e.Status {
	case models.EntitlementStatusActive, models.EntitlementStatusTrialing, models.EntitlementStatusPastDue:
		return true
	}
	return false
}
