package controllers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PropDocs/app/models"
	"github.com/ManuelReschke/PropDocs/internal/pkg/billing"
	"github.com/ManuelReschke/PropDocs/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PropDocs/internal/pkg/metrics"
)

// AdminBillingService is the operator surface of the billing engine.
type AdminBillingService interface {
	ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]models.BillingWebhookEvent, error)
	Replay(ctx context.Context, eventID string) (*billing.WebhookResult, error)
	ResyncAll(ctx context.Context) (int, error)
	CreateCodes(ctx context.Context, batch billing.CodeBatch) ([]models.RedemptionCode, error)
}

// QueueStats reports job queue health.
type QueueStats interface {
	GetJobStats(ctx context.Context) (map[jobqueue.JobStatus]int64, error)
	GetQueueSize(ctx context.Context) (int64, error)
	GetProcessingSize(ctx context.Context) (int64, error)
}

// WebhookStats reads the delivery outcome counters.
type WebhookStats interface {
	Snapshot(ctx context.Context) ([]metrics.OutcomeCount, error)
	Drain(ctx context.Context) ([]metrics.OutcomeCount, error)
}

// AdminBillingController handles operator requests for the ledger and the job queue
type AdminBillingController struct {
	svc      AdminBillingService
	queue    QueueStats
	stats    WebhookStats
	validate *validator.Validate
}

// NewAdminBillingController creates a new admin billing controller
func NewAdminBillingController(svc AdminBillingService, queue QueueStats, stats WebhookStats) *AdminBillingController {
	return &AdminBillingController{svc: svc, queue: queue, stats: stats, validate: validator.New()}
}

// HandleStuckEvents lists ledger entries that never reached a final outcome.
func (ac *AdminBillingController) HandleStuckEvents(c *fiber.Ctx) error {
	var olderThan time.Duration
	if raw := c.Query("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return jsonError(c, fiber.StatusBadRequest, "bad_request", "older_than must be a positive duration like 15m")
		}
		olderThan = d
	}
	limit, err := strconv.Atoi(c.Query("limit", "0"))
	if err != nil || limit < 0 {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
	}

	events, err := ac.svc.ListStuck(c.UserContext(), olderThan, limit)
	if err != nil {
		log.Errorf("[AdminBilling] Listing stuck events failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to list events")
	}

	items := make([]fiber.Map, 0, len(events))
	for _, e := range events {
		items = append(items, fiber.Map{
			"event_id":         e.ProviderEventID,
			"event_type":       e.EventType,
			"outcome":          e.Outcome,
			"retryable":        e.Retryable,
			"processing_error": e.ProcessingError,
			"duplicate_count":  e.DuplicateCount,
			"replay_count":     e.ReplayCount,
			"received_at":      e.ReceivedAt.UTC().Format(time.RFC3339),
		})
	}
	return c.JSON(fiber.Map{"events": items, "count": len(items)})
}

// HandleReplay re-runs the handler for one stored event.
func (ac *AdminBillingController) HandleReplay(c *fiber.Ctx) error {
	eventID := c.Params("id")
	if eventID == "" {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "event id required")
	}

	result, err := ac.svc.Replay(c.UserContext(), eventID)
	if err != nil {
		if errors.Is(err, billing.ErrEventNotFound) {
			return jsonError(c, fiber.StatusNotFound, "not_found", "event not found")
		}
		log.Errorf("[AdminBilling] Replay of %s failed: %v", eventID, err)
		resp := fiber.Map{"error": "replay_failed", "message": err.Error()}
		if result != nil {
			resp["result"] = result
		}
		return c.Status(fiber.StatusInternalServerError).JSON(resp)
	}
	return c.JSON(result)
}

// HandleResyncAll queues a resync job per linked user.
func (ac *AdminBillingController) HandleResyncAll(c *fiber.Ctx) error {
	queued, err := ac.svc.ResyncAll(c.UserContext())
	if err != nil {
		if errors.Is(err, billing.ErrJobQueueNotConfigured) {
			return jsonError(c, fiber.StatusServiceUnavailable, "queue_unavailable", "job queue is not running")
		}
		log.Errorf("[AdminBilling] Resync-all failed after %d jobs: %v", queued, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "resync-all failed",
			"queued":  queued,
		})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"queued": queued})
}

// HandleQueueStats reports pending, processing and per-status job counts.
func (ac *AdminBillingController) HandleQueueStats(c *fiber.Ctx) error {
	if ac.queue == nil {
		return jsonError(c, fiber.StatusServiceUnavailable, "queue_unavailable", "job queue is not running")
	}
	ctx := c.UserContext()
	stats, err := ac.queue.GetJobStats(ctx)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to read queue stats")
	}
	pending, err := ac.queue.GetQueueSize(ctx)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to read queue size")
	}
	processing, err := ac.queue.GetProcessingSize(ctx)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to read processing size")
	}
	return c.JSON(fiber.Map{"pending": pending, "processing": processing, "totals": stats})
}

type createCodesRequest struct {
	Plan         string     `json:"plan" validate:"required,oneof=standard premium"`
	DurationDays int        `json:"duration_days" validate:"omitempty,min=1,max=3660"`
	MaxUses      int        `json:"max_uses" validate:"omitempty,min=1,max=100000"`
	Count        int        `json:"count" validate:"omitempty,min=1,max=500"`
	Prefix       string     `json:"prefix" validate:"omitempty,alphanum,max=16"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// HandleCreateCodes issues a batch of redemption codes.
func (ac *AdminBillingController) HandleCreateCodes(c *fiber.Ctx) error {
	var req createCodesRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid request body")
	}
	if err := ac.validate.Struct(req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}
	if req.Count == 0 {
		req.Count = 1
	}

	codes, err := ac.svc.CreateCodes(c.UserContext(), billing.CodeBatch{
		Plan:         req.Plan,
		DurationDays: req.DurationDays,
		MaxUses:      req.MaxUses,
		Count:        req.Count,
		Prefix:       req.Prefix,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		if errors.Is(err, billing.ErrInvalidCodeBatch) {
			return jsonError(c, fiber.StatusBadRequest, "bad_request", err.Error())
		}
		log.Errorf("[AdminBilling] Creating codes failed after %d code(s): %v", len(codes), err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to create codes")
	}

	items := make([]fiber.Map, 0, len(codes))
	for _, rc := range codes {
		item := fiber.Map{
			"code":          rc.Code,
			"plan":          rc.Plan,
			"duration_days": rc.DurationDays,
			"max_uses":      rc.MaxUses,
		}
		if rc.ExpiresAt != nil {
			item["expires_at"] = rc.ExpiresAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"codes": items, "count": len(items)})
}

// HandleWebhookStats returns delivery counts per event type and outcome.
// With reset=true the counters are drained.
func (ac *AdminBillingController) HandleWebhookStats(c *fiber.Ctx) error {
	if ac.stats == nil {
		return jsonError(c, fiber.StatusServiceUnavailable, "service_unavailable", "webhook counters are not configured")
	}

	read := ac.stats.Snapshot
	if c.QueryBool("reset") {
		read = ac.stats.Drain
	}
	counts, err := read(c.UserContext())
	if err != nil {
		log.Errorf("[AdminBilling] Reading webhook counters failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to read webhook counters")
	}

	var total int64
	for _, oc := range counts {
		total += oc.Count
	}
	return c.JSON(fiber.Map{"outcomes": counts, "total": total})
}
