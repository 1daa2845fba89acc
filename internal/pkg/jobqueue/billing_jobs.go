package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PropDocs/internal/pkg/billing"
	"github.com/ManuelReschke/PropDocs/internal/pkg/entitlements"
	"github.com/ManuelReschke/PropDocs/internal/pkg/mail"
)

// Enqueuer is the part of Queue the billing adapter needs.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error)
}

// BillingEnqueuer turns billing side effects into queued jobs.
type BillingEnqueuer struct {
	Queue Enqueuer
}

var _ billing.JobEnqueuer = (*BillingEnqueuer)(nil)

func (b *BillingEnqueuer) EnqueueReceipt(ctx context.Context, req billing.ReceiptRequest) error {
	payload := ReceiptJobPayload{
		UserID:          req.UserID,
		Email:           req.Email,
		PaymentIntentID: req.PaymentIntentID,
		AmountCents:     req.AmountCents,
		Currency:        req.Currency,
		EventID:         req.EventID,
	}
	_, err := b.Queue.EnqueueJob(ctx, JobTypeSendReceipt, payload.ToMap())
	return err
}

func (b *BillingEnqueuer) EnqueueResync(ctx context.Context, userID uint, reason string) error {
	_, err := b.Queue.EnqueueJob(ctx, JobTypeResyncUser, ResyncJobPayload{UserID: userID, Reason: reason}.ToMap())
	return err
}

// Resyncer re-derives one user's entitlement from the provider.
type Resyncer interface {
	Resync(ctx context.Context, userID uint) (entitlements.Snapshot, error)
}

// GrantExpirer cancels lapsed redemption grants.
type GrantExpirer interface {
	ExpireGrants(ctx context.Context) (int, error)
}

// BillingJobs is what the billing job processors need from the service.
type BillingJobs interface {
	Resyncer
	GrantExpirer
}

// ReceiptProcessor mails a receipt for a confirmed payment.
func ReceiptProcessor(m mail.Mailer) ProcessorFunc {
	return func(ctx context.Context, job *Job) error {
		var p ReceiptJobPayload
		if err := decodePayload(job.Payload, &p); err != nil {
			return fmt.Errorf("invalid receipt payload: %w", err)
		}
		if p.Email == "" {
			log.Warnf("[JobQueue] Receipt job %s has no recipient, dropping", job.ID)
			return nil
		}
		body, err := mail.RenderReceipt(mail.Receipt{
			Email:           p.Email,
			PaymentIntentID: p.PaymentIntentID,
			AmountCents:     p.AmountCents,
			Currency:        p.Currency,
		})
		if err != nil {
			return err
		}
		return m.Send(ctx, p.Email, mail.ReceiptSubject, body)
	}
}

// ResyncProcessor re-derives the entitlement of the payload's user.
func ResyncProcessor(r Resyncer) ProcessorFunc {
	return func(ctx context.Context, job *Job) error {
		var p ResyncJobPayload
		if err := decodePayload(job.Payload, &p); err != nil {
			return fmt.Errorf("invalid resync payload: %w", err)
		}
		if p.UserID == 0 {
			return fmt.Errorf("resync job %s without user", job.ID)
		}
		snap, err := r.Resync(ctx, p.UserID)
		if err != nil {
			return err
		}
		log.Infof("[JobQueue] Resynced user %d (%s): plan=%s status=%s", p.UserID, p.Reason, snap.Plan, snap.Status)
		return nil
	}
}

// ExpireGrantsProcessor runs one expiry sweep over redemption grants.
func ExpireGrantsProcessor(e GrantExpirer) ProcessorFunc {
	return func(ctx context.Context, job *Job) error {
		n, err := e.ExpireGrants(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Infof("[JobQueue] Job %s expired %d redemption grants", job.ID, n)
		}
		return nil
	}
}

// RegisterBillingProcessors wires the billing job types into q and schedules
// the grant expiry sweep every expireEvery.
func RegisterBillingProcessors(q *Queue, m mail.Mailer, b BillingJobs, expireEvery time.Duration) {
	q.Handle(JobTypeSendReceipt, ReceiptProcessor(m))
	q.Handle(JobTypeResyncUser, ResyncProcessor(b))
	q.Handle(JobTypeExpireGrants, ExpireGrantsProcessor(b))
	q.Every(JobTypeExpireGrants, expireEvery)
}
