package billing

import (
	"context"
	"strings"
	"time"

	"github.com/ManuelReschke/PropDocs/app/models"
	"github.com/ManuelReschke/PropDocs/internal/pkg/env"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultProviderTimeout = 10 * time.Second
	defaultStuckAfter      = 15 * time.Minute
	defaultGrantSweep      = 10 * time.Minute
)

// Config holds the billing settings read from the environment.
type Config struct {
	Provider        string
	WebhookSecret   string
	SecretKey       string
	ProviderTimeout time.Duration
	PricePlans      string
	StuckAfter      time.Duration
	// GrantSweepEvery is how often lapsed redemption grants are expired.
	GrantSweepEvery time.Duration
}

// ConfigFromEnv reads STRIPE_* and BILLING_* keys.
func ConfigFromEnv() Config {
	return Config{
		Provider:        models.BillingProviderStripe,
		WebhookSecret:   env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		SecretKey:       env.GetEnv("STRIPE_SECRET_KEY", ""),
		ProviderTimeout: env.GetEnvDuration("BILLING_PROVIDER_TIMEOUT", defaultProviderTimeout),
		PricePlans:      env.GetEnv("BILLING_PRICE_PLANS", ""),
		StuckAfter:      env.GetEnvDuration("BILLING_STUCK_AFTER", defaultStuckAfter),
		GrantSweepEvery: env.GetEnvDuration("BILLING_GRANT_SWEEP_INTERVAL", defaultGrantSweep),
	}
}

// Invalidator drops cached copies of a user's entitlement.
type Invalidator interface {
	Invalidate(ctx context.Context, userID uint) error
}

// OutcomeRecorder counts webhook deliveries by event type and outcome.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, eventType, outcome string) error
}

// JobEnqueuer hands work to the background queue.
type JobEnqueuer interface {
	EnqueueReceipt(ctx context.Context, req ReceiptRequest) error
	EnqueueResync(ctx context.Context, userID uint, reason string) error
}

// Service reconciles local entitlements with the payment provider.
type Service struct {
	repo     Repository
	provider Provider
	plans    PlanMapper
	cache    Invalidator
	jobs     JobEnqueuer
	metrics  OutcomeRecorder
	cfg      Config
	registry *Registry
	now      func() time.Time
	newRunID func() string
}

// Option configures a Service.
type Option func(*Service)

func WithProvider(p Provider) Option { return func(s *Service) { s.provider = p } }

func WithPlans(m PlanMapper) Option { return func(s *Service) { s.plans = m } }

func WithInvalidator(i Invalidator) Option { return func(s *Service) { s.cache = i } }

func WithJobs(j JobEnqueuer) Option { return func(s *Service) { s.jobs = j } }

func WithRecorder(r OutcomeRecorder) Option { return func(s *Service) { s.metrics = r } }

func WithConfig(cfg Config) Option { return func(s *Service) { s.cfg = cfg } }

// WithClock overrides time.Now, used by tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo: repo,
		cfg: Config{
			Provider:        models.BillingProviderStripe,
			ProviderTimeout: defaultProviderTimeout,
			StuckAfter:      defaultStuckAfter,
			GrantSweepEvery: defaultGrantSweep,
		},
		now:      time.Now,
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.plans == nil {
		s.plans = &PlanTable{prices: map[string]string{}}
	}
	if s.cfg.Provider == "" {
		s.cfg.Provider = models.BillingProviderStripe
	}
	if s.cfg.ProviderTimeout <= 0 {
		s.cfg.ProviderTimeout = defaultProviderTimeout
	}
	s.registry = s.defaultRegistry()
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, opts ...Option) *Service {
	return NewService(NewRepository(db), opts...)
}

// Registry exposes the event type routing table.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Config returns the active configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// LoadPlanTable builds the price table from the env defaults and overlays the
// active rows of billing_plan_mappings.
func LoadPlanTable(ctx context.Context, repo Repository, cfg Config) (*PlanTable, error) {
	table, err := ParsePlanTable(cfg.PricePlans)
	if err != nil {
		return nil, err
	}
	mappings, err := repo.ListActivePlanMappings(ctx, cfg.Provider)
	if err != nil {
		return nil, err
	}
	if err := table.Merge(cfg.Provider, mappings); err != nil {
		return nil, err
	}
	if table.Len() == 0 {
		log.Warnf("[Billing] No price mappings configured; every paid subscription resolves to %s", models.PlanStandard)
	}
	return table, nil
}

func (s *Service) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.ProviderTimeout)
}

// getEntitlement returns nil without error when the user has no row yet.
func (s *Service) getEntitlement(ctx context.Context, userID uint) (*models.Entitlement, error) {
	e, err := s.repo.GetEntitlement(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// linkAccount records the provider customer for a user. A user may own
// several customers; a customer already owned by another user is left alone.
func (s *Service) linkAccount(ctx context.Context, userID uint, customerID, email string) error {
	customerID = strings.TrimSpace(customerID)
	if userID == 0 || customerID == "" {
		return nil
	}
	existing, err := s.repo.GetBillingAccountByProviderAccountID(ctx, s.cfg.Provider, customerID)
	if err == nil {
		if existing.UserID != userID {
			log.Warnf("[Billing] Customer %s belongs to user %d, not linking it to user %d", customerID, existing.UserID, userID)
		}
		return nil
	}
	if !isNotFound(err) {
		return err
	}
	return s.repo.UpsertBillingAccount(ctx, &models.BillingAccount{
		UserID:            userID,
		Provider:          s.cfg.Provider,
		ProviderAccountID: customerID,
		Email:             normalizeEmail(email),
	})
}

// customersOf returns every customer linked to the user. Resolution always
// runs over all of them so that the order in which events for different
// customers arrive cannot change the result.
func (s *Service) customersOf(ctx context.Context, userID uint) ([]string, error) {
	accounts, err := s.repo.ListBillingAccountsByUser(ctx, userID, s.cfg.Provider)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ProviderAccountID)
	}
	return ids, nil
}

// userForCustomer maps a provider customer to a local user id. Zero means no
// local user could be found.
func (s *Service) userForCustomer(ctx context.Context, customerID string) (uint, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return 0, nil
	}
	account, err := s.repo.GetBillingAccountByProviderAccountID(ctx, s.cfg.Provider, customerID)
	if err == nil {
		return account.UserID, nil
	}
	if !isNotFound(err) {
		return 0, err
	}
	if s.provider == nil {
		return 0, nil
	}

	pctx, cancel := s.providerContext(ctx)
	defer cancel()
	cust, err := s.provider.GetCustomer(pctx, customerID)
	if err != nil {
		return 0, err
	}
	if cust == nil || cust.Email == "" {
		return 0, nil
	}
	user, err := s.repo.GetUserByEmail(ctx, cust.Email)
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	if err := s.linkAccount(ctx, user.ID, customerID, cust.Email); err != nil {
		return 0, err
	}
	return user.ID, nil
}
