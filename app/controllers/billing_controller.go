package controllers

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PropDocs/internal/pkg/billing"
	"github.com/ManuelReschke/PropDocs/internal/pkg/entitlements"
	"github.com/ManuelReschke/PropDocs/internal/pkg/usercontext"
)

// BillingService is the part of the billing engine the public API uses.
type BillingService interface {
	ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) (*billing.WebhookResult, error)
	Resync(ctx context.Context, userID uint) (entitlements.Snapshot, error)
	Redeem(ctx context.Context, userID uint, code string) (entitlements.Snapshot, error)
}

// BillingController serves the webhook receiver and the client billing endpoints.
type BillingController struct {
	svc      BillingService
	reader   entitlements.Reader
	validate *validator.Validate
}

// NewBillingController creates a new billing controller
func NewBillingController(svc BillingService, reader entitlements.Reader) *BillingController {
	return &BillingController{
		svc:      svc,
		reader:   reader,
		validate: validator.New(),
	}
}

// HandleWebhook receives provider events. The body is verified byte for byte,
// so it is read raw and never parsed before the signature check.
func (bc *BillingController) HandleWebhook(c *fiber.Ctx) error {
	payload := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get(billing.SignatureHeader)

	result, err := bc.svc.ProcessWebhook(c.UserContext(), payload, signature)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrWebhookSecretNotConfigured):
			log.Errorf("[Billing] Webhook rejected: %v. Set STRIPE_WEBHOOK_SECRET", err)
			return jsonError(c, fiber.StatusBadRequest, "invalid_signature", "webhook verification failed")
		case errors.Is(err, billing.ErrMissingSignature), billing.IsAuthenticityError(err):
			log.Warnf("[Billing] Webhook rejected: %v", err)
			return jsonError(c, fiber.StatusBadRequest, "invalid_signature", "webhook verification failed")
		}
		log.Errorf("[Billing] Webhook processing failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "event processing failed")
	}

	return c.JSON(result)
}

// HandleGetEntitlement returns the caller's current entitlement.
func (bc *BillingController) HandleGetEntitlement(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	snap, err := bc.reader.Get(c.UserContext(), userID)
	if err != nil {
		log.Errorf("[Billing] Entitlement read for user %d failed: %v", userID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to load entitlement")
	}
	return c.JSON(snap)
}

type resyncRequest struct {
	UserID uint `json:"user_id"`
}

// HandleResync re-derives the entitlement from the provider. Admins may name
// another user in the body.
func (bc *BillingController) HandleResync(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	target := userCtx.UserID

	if len(c.Body()) > 0 {
		var req resyncRequest
		if err := c.BodyParser(&req); err != nil {
			return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid request body")
		}
		if req.UserID != 0 && req.UserID != userCtx.UserID {
			if !userCtx.IsAdmin {
				return jsonError(c, fiber.StatusForbidden, "forbidden", "only admins can resync other users")
			}
			target = req.UserID
		}
	}

	snap, err := bc.svc.Resync(c.UserContext(), target)
	if err != nil {
		return resyncError(c, target, err)
	}
	return c.JSON(snap)
}

func resyncError(c *fiber.Ctx, userID uint, err error) error {
	switch {
	case errors.Is(err, billing.ErrProviderNotConfigured):
		return jsonError(c, fiber.StatusServiceUnavailable, "billing_unavailable", "billing provider is not configured")
	case errors.Is(err, billing.ErrUserNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", "user not found")
	case billing.IsTransient(err):
		log.Warnf("[Billing] Resync for user %d failed: %v", userID, err)
		return jsonError(c, fiber.StatusBadGateway, "provider_unavailable", "payment provider unreachable, try again")
	}
	log.Errorf("[Billing] Resync for user %d failed: %v", userID, err)
	return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "resync failed")
}

type redeemRequest struct {
	Code string `json:"code" validate:"required,min=4,max=64"`
}

// HandleRedeem applies a redemption code to the caller.
func (bc *BillingController) HandleRedeem(c *fiber.Ctx) error {
	var req redeemRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid request body")
	}
	if err := bc.validate.Struct(req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "validation_failed", "code is required")
	}

	userID := usercontext.GetUserID(c)
	snap, err := bc.svc.Redeem(c.UserContext(), userID, req.Code)
	if err != nil {
		status, code, message := redeemErrorStatus(err)
		if status >= fiber.StatusInternalServerError {
			log.Errorf("[Billing] Redemption for user %d failed: %v", userID, err)
		}
		return jsonError(c, status, code, message)
	}
	return c.JSON(snap)
}

func redeemErrorStatus(err error) (int, string, string) {
	switch {
	// exhausted also matches ErrRedemptionConflict
	case errors.Is(err, billing.ErrCodeExhausted):
		return fiber.StatusUnprocessableEntity, "exhausted", "code has been used up"
	case errors.Is(err, billing.ErrRedemptionConflict):
		return fiber.StatusConflict, "conflict", "try again"
	case errors.Is(err, billing.ErrAlreadyRedeemed):
		return fiber.StatusConflict, "already_redeemed", "code already used on this account"
	case errors.Is(err, billing.ErrCodeNotFound):
		return fiber.StatusNotFound, "not_found", "unknown code"
	case errors.Is(err, billing.ErrCodeExpired), errors.Is(err, billing.ErrCodeInactive):
		return fiber.StatusGone, "expired", "code is no longer valid"
	case errors.Is(err, billing.ErrAlreadyEntitled):
		return fiber.StatusUnprocessableEntity, "already_entitled", "current plan already covers this code"
	case errors.Is(err, billing.ErrUserNotFound):
		return fiber.StatusNotFound, "not_found", "user not found"
	}
	return fiber.StatusInternalServerError, "internal_server_error", "redemption failed"
}
