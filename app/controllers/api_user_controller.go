package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PropDocs/app/models"
	"github.com/ManuelReschke/PropDocs/app/repository"
	"github.com/ManuelReschke/PropDocs/internal/pkg/entitlements"
	"github.com/ManuelReschke/PropDocs/internal/pkg/usercontext"
)

// AccountController serves the caller's own account view.
type AccountController struct {
	users  repository.UserRepository
	reader entitlements.Reader
}

// NewAccountController creates a new account controller
func NewAccountController(users repository.UserRepository, reader entitlements.Reader) *AccountController {
	return &AccountController{users: users, reader: reader}
}

// HandleGetUserAccount returns account information and the limits that apply right now.
func (ac *AccountController) HandleGetUserAccount(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	account, err := ac.users.GetByID(userCtx.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusNotFound, "not_found", "User not found")
		}
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load user")
	}

	snap, err := ac.reader.Get(c.UserContext(), userCtx.UserID)
	if err != nil {
		log.Errorf("[Account] Entitlement read for user %d failed: %v", userCtx.UserID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load entitlement")
	}
	effective := snap.EffectivePlan()

	return c.JSON(fiber.Map{
		"id":            account.ID,
		"username":      account.Name,
		"email":         account.Email,
		"status":        account.Status,
		"is_admin":      account.Role == models.ROLE_ADMIN,
		"provisioned":   account.Provisioned,
		"created_at":    account.CreatedAt.UTC().Format(time.RFC3339),
		"last_login_at": formatTimePtr(account.LastLoginAt),
		"entitlement":   snap,
		"plan":          effective,
		"limits":        entitlements.QuotasFor(effective),
	})
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
