package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ManuelReschke/PropDocs/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	IncrementDuplicateCount(ctx context.Context, id uint) error
	ClaimRetryableWebhookEvent(ctx context.Context, id uint) (bool, error)
	MarkWebhookProcessed(ctx context.Context, id uint, outcome, processingError string, retryable bool) error
	GetWebhookEventByProviderID(ctx context.Context, provider, providerEventID string) (*models.BillingWebhookEvent, error)
	ListStuckWebhookEvents(ctx context.Context, receivedBefore time.Time, limit int) ([]models.BillingWebhookEvent, error)
	IncrementReplayCount(ctx context.Context, id uint) error

	GetEntitlement(ctx context.Context, userID uint) (*models.Entitlement, error)
	UpsertEntitlement(ctx context.Context, e *models.Entitlement) error
	SaveUserPlan(ctx context.Context, userID uint, plan string, isPaying bool) error
	UpsertUserQuota(ctx context.Context, q *models.UserQuota) error

	GetBillingAccountByProviderAccountID(ctx context.Context, provider, providerAccountID string) (*models.BillingAccount, error)
	ListBillingAccountsByUser(ctx context.Context, userID uint, provider string) ([]models.BillingAccount, error)
	UpsertBillingAccount(ctx context.Context, account *models.BillingAccount) error
	ListBillingAccountUserIDs(ctx context.Context, provider string) ([]uint, error)
	ListActivePlanMappings(ctx context.Context, provider string) ([]models.BillingPlanMapping, error)

	GetUserByID(ctx context.Context, id uint) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUserIfNotExists(ctx context.Context, user *models.User) (bool, *models.User, error)

	GetRedemptionCode(ctx context.Context, code string) (*models.RedemptionCode, error)
	CreateRedemptionCodeIfNotExists(ctx context.Context, code *models.RedemptionCode) (bool, error)
	RedeemCode(ctx context.Context, codeID uint, expectedTimesRedeemed int, grant *models.Entitlement, at time.Time) error
	ExpireGrant(ctx context.Context, userID uint, periodEnd time.Time, sourceEventID string) (bool, error)
	ListLapsedGrants(ctx context.Context, now time.Time, limit int) ([]models.Entitlement, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// CreateWebhookEventIfNotExists inserts the ledger row unless the provider
// event id is already known. The unique index decides; the boolean is true
// only for the caller whose INSERT actually created the row.
func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) IncrementDuplicateCount(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).
		UpdateColumn("duplicate_count", gorm.Expr("duplicate_count + ?", 1)).Error
}

// ClaimRetryableWebhookEvent moves a retryable error entry back to received.
// The conditional UPDATE lets exactly one concurrent redelivery win.
func (r *gormRepository) ClaimRetryableWebhookEvent(ctx context.Context, id uint) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).
		Where("id = ? AND outcome = ? AND retryable = ?", id, models.LedgerOutcomeError, true).
		Updates(map[string]interface{}{
			"outcome":    models.LedgerOutcomeReceived,
			"retryable":  false,
			"updated_at": time.Now(),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, outcome, processingError string, retryable bool) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"outcome":          outcome,
		"processing_error": processingError,
		"retryable":        retryable,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) GetWebhookEventByProviderID(ctx context.Context, provider, providerEventID string) (*models.BillingWebhookEvent, error) {
	var e models.BillingWebhookEvent
	err := r.db.WithContext(ctx).Where("provider = ? AND provider_event_id = ?", provider, providerEventID).First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *gormRepository) ListStuckWebhookEvents(ctx context.Context, receivedBefore time.Time, limit int) ([]models.BillingWebhookEvent, error) {
	var events []models.BillingWebhookEvent
	err := r.db.WithContext(ctx).
		Where("outcome IN ? AND received_at < ?", []string{models.LedgerOutcomeReceived, models.LedgerOutcomeError}, receivedBefore).
		Order("received_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *gormRepository) IncrementReplayCount(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).
		UpdateColumn("replay_count", gorm.Expr("replay_count + ?", 1)).Error
}

func (r *gormRepository) GetEntitlement(ctx context.Context, userID uint) (*models.Entitlement, error) {
	var e models.Entitlement
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertEntitlement writes the single row for e.UserID.
func (r *gormRepository) UpsertEntitlement(ctx context.Context, e *models.Entitlement) error {
	return upsertEntitlement(r.db.WithContext(ctx), e)
}

func upsertEntitlement(db *gorm.DB, e *models.Entitlement) error {
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan",
			"status",
			"current_period_end",
			"source",
			"source_event_id",
			"provider_customer_id",
			"provider_subscription_id",
			"updated_at",
		}),
	}).Create(e).Error; err != nil {
		return err
	}
	return db.Where("user_id = ?", e.UserID).First(e).Error
}

func (r *gormRepository) SaveUserPlan(ctx context.Context, userID uint, plan string, isPaying bool) error {
	us, err := models.GetOrCreateUserSettings(r.db.WithContext(ctx), userID)
	if err != nil {
		return err
	}
	if us.Plan == plan && us.IsPaying == isPaying {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.UserSettings{}).Where("id = ?", us.ID).
		Updates(map[string]interface{}{"plan": plan, "is_paying": isPaying}).Error
}

func (r *gormRepository) UpsertUserQuota(ctx context.Context, q *models.UserQuota) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan",
			"max_properties",
			"max_storage_mb",
			"max_documents_per_property",
			"updated_at",
		}),
	}).Create(q).Error
}

func (r *gormRepository) GetBillingAccountByProviderAccountID(ctx context.Context, provider, providerAccountID string) (*models.BillingAccount, error) {
	var account models.BillingAccount
	err := r.db.WithContext(ctx).Where("provider = ? AND provider_account_id = ?", provider, providerAccountID).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *gormRepository) ListBillingAccountsByUser(ctx context.Context, userID uint, provider string) ([]models.BillingAccount, error) {
	var accounts []models.BillingAccount
	err := r.db.WithContext(ctx).Where("user_id = ? AND provider = ?", userID, provider).Order("id ASC").Find(&accounts).Error
	return accounts, err
}

func (r *gormRepository) UpsertBillingAccount(ctx context.Context, account *models.BillingAccount) error {
	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_account_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"email",
			"updated_at",
		}),
	}).Create(account).Error; err != nil {
		return err
	}

	return db.Where("provider = ? AND provider_account_id = ?", account.Provider, account.ProviderAccountID).
		First(account).Error
}

func (r *gormRepository) ListBillingAccountUserIDs(ctx context.Context, provider string) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.BillingAccount{}).
		Where("provider = ?", provider).
		Distinct().
		Pluck("user_id", &ids).Error
	return ids, err
}

func (r *gormRepository) ListActivePlanMappings(ctx context.Context, provider string) ([]models.BillingPlanMapping, error) {
	var mappings []models.BillingPlanMapping
	err := r.db.WithContext(ctx).Where("provider = ? AND is_active = ?", provider, true).Find(&mappings).Error
	return mappings, err
}

func (r *gormRepository) GetUserByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateUserIfNotExists provisions a user keyed by email. Two concurrent
// checkouts for the same email end with one row; both callers get it back.
func (r *gormRepository) CreateUserIfNotExists(ctx context.Context, user *models.User) (bool, *models.User, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoNothing: true,
	}).Create(user)
	if tx.Error != nil {
		return false, nil, tx.Error
	}
	var stored models.User
	if err := db.Where("email = ?", user.Email).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return tx.RowsAffected > 0, &stored, nil
}

func (r *gormRepository) GetRedemptionCode(ctx context.Context, code string) (*models.RedemptionCode, error) {
	var c models.RedemptionCode
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateRedemptionCodeIfNotExists inserts a code row. It returns false when
// the code string is already taken.
func (r *gormRepository) CreateRedemptionCodeIfNotExists(ctx context.Context, code *models.RedemptionCode) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(code)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// RedeemCode consumes one use of a code and stores grant as the user's
// entitlement. The increment is a compare-and-swap on the times_redeemed value
// the caller observed, guarded by max_uses; the redemption row's unique
// (code_id, user_id) index stops one user from consuming the same code twice.
// All three writes share one transaction, so a spent use always has its grant.
func (r *gormRepository) RedeemCode(ctx context.Context, codeID uint, expectedTimesRedeemed int, grant *models.Entitlement, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.RedemptionCode{}).
			Where("id = ? AND times_redeemed = ? AND times_redeemed < max_uses AND is_active = ?", codeID, expectedTimesRedeemed, true).
			UpdateColumn("times_redeemed", gorm.Expr("times_redeemed + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRedemptionConflict
		}

		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Redemption{
			CodeID:     codeID,
			UserID:     grant.UserID,
			RedeemedAt: at,
		})
		if ins.Error != nil {
			return ins.Error
		}
		if ins.RowsAffected == 0 {
			return ErrAlreadyRedeemed
		}
		return upsertEntitlement(tx, grant)
	})
}

// ExpireGrant cancels the user's redemption grant if it is still the one that
// ends at periodEnd and still entitling. It returns false when a newer write
// replaced it first.
func (r *gormRepository) ExpireGrant(ctx context.Context, userID uint, periodEnd time.Time, sourceEventID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Entitlement{}).
		Where("user_id = ? AND source = ? AND current_period_end = ? AND status IN ?",
			userID, models.EntitlementSourceRedemption, periodEnd, entitlingStatuses).
		Updates(map[string]interface{}{
			"status":          models.EntitlementStatusCanceled,
			"source_event_id": sourceEventID,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListLapsedGrants returns redemption grants still marked entitling whose
// period ended at or before now, oldest first.
func (r *gormRepository) ListLapsedGrants(ctx context.Context, now time.Time, limit int) ([]models.Entitlement, error) {
	var out []models.Entitlement
	err := r.db.WithContext(ctx).
		Where("source = ? AND status IN ? AND current_period_end <= ?", models.EntitlementSourceRedemption, entitlingStatuses, now).
		Order("current_period_end ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

var entitlingStatuses = []string{
	models.EntitlementStatusActive,
	models.EntitlementStatusTrialing,
	models.EntitlementStatusPastDue,
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
