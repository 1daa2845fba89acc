package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ManuelReschke/PropDocs/app/models"
	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v82"
)

// RecordIfNew stores the event in the ledger. Only the caller whose insert
// created the row gets isNew = true; the unique index on the provider event id
// decides, so this holds across processes. A delivery for an entry that failed
// with a retryable error reclaims it instead.
func (s *Service) RecordIfNew(ctx context.Context, evt *Event) (bool, *models.BillingWebhookEvent, error) {
	if evt == nil || evt.ID == "" {
		return false, nil, fmt.Errorf("record event: missing event id")
	}
	now := s.now()
	entry := &models.BillingWebhookEvent{
		Provider:        s.cfg.Provider,
		ProviderEventID: evt.ID,
		EventType:       evt.Type,
		PayloadJSON:     string(evt.Payload),
		Outcome:         models.LedgerOutcomeReceived,
		ReceivedAt:      now,
	}

	created, stored, err := s.repo.CreateWebhookEventIfNotExists(ctx, entry)
	if err != nil {
		return false, nil, fmt.Errorf("record event %s: %w", evt.ID, err)
	}
	if created {
		return true, stored, nil
	}

	if stored.Outcome == models.LedgerOutcomeError && stored.Retryable {
		claimed, err := s.repo.ClaimRetryableWebhookEvent(ctx, stored.ID)
		if err != nil {
			return false, nil, fmt.Errorf("reclaim event %s: %w", evt.ID, err)
		}
		if claimed {
			log.Infof("[Ledger] Redelivery of %s (%s) reclaimed failed entry", evt.ID, evt.Type)
			stored.Outcome = models.LedgerOutcomeReceived
			stored.Retryable = false
			return true, stored, nil
		}
	}

	if err := s.repo.IncrementDuplicateCount(ctx, stored.ID); err != nil {
		log.Warnf("[Ledger] Failed to count duplicate delivery of %s: %v", evt.ID, err)
	}
	log.Infof("[Ledger] Duplicate delivery of %s (%s) skipped, entry outcome=%s", evt.ID, evt.Type, stored.Outcome)
	return false, stored, nil
}

// MarkProcessed closes a ledger entry with its outcome.
func (s *Service) MarkProcessed(ctx context.Context, entry *models.BillingWebhookEvent, outcome string, handlerErr error) error {
	msg := ""
	retryable := false
	if handlerErr != nil {
		msg = handlerErr.Error()
		retryable = outcome == models.LedgerOutcomeError && !IsPermanent(handlerErr)
	}
	if err := s.repo.MarkWebhookProcessed(ctx, entry.ID, outcome, msg, retryable); err != nil {
		return fmt.Errorf("mark event %s %s: %w", entry.ProviderEventID, outcome, err)
	}
	entry.Outcome = outcome
	entry.ProcessingError = msg
	entry.Retryable = retryable
	return nil
}

// ProcessWebhook verifies and handles one delivery. Authenticity failures are
// returned before the ledger is touched.
func (s *Service) ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) (*WebhookResult, error) {
	evt, err := VerifyWebhook(payload, signatureHeader, s.cfg.WebhookSecret)
	if err != nil {
		return nil, err
	}
	return s.HandleEvent(ctx, evt)
}

// HandleEvent runs a verified event through the ledger gate and the handler
// registry. The returned error is non-nil only when the provider should
// redeliver.
func (s *Service) HandleEvent(ctx context.Context, evt *Event) (*WebhookResult, error) {
	isNew, entry, err := s.RecordIfNew(ctx, evt)
	if err != nil {
		return nil, err
	}
	result := &WebhookResult{EventID: evt.ID, EventType: evt.Type}
	if !isNew {
		result.Outcome = models.LedgerOutcomeSkippedDuplicate
		result.Duplicate = true
		s.recordOutcome(ctx, result)
		return result, nil
	}
	result, err = s.dispatch(ctx, evt, entry, result)
	s.recordOutcome(ctx, result)
	return result, err
}

// recordOutcome never fails the delivery; counters are best effort.
func (s *Service) recordOutcome(ctx context.Context, result *WebhookResult) {
	if s.metrics == nil || result == nil {
		return
	}
	if err := s.metrics.RecordOutcome(ctx, result.EventType, result.Outcome); err != nil {
		log.Warnf("[Ledger] Recording outcome for %s failed: %v", result.EventID, err)
	}
}

func (s *Service) dispatch(ctx context.Context, evt *Event, entry *models.BillingWebhookEvent, result *WebhookResult) (*WebhookResult, error) {
	handler, ok := s.registry.Lookup(evt.Type)
	if !ok {
		log.Infof("[Ledger] No handler for %s (%s), recorded as unhandled", evt.Type, evt.ID)
		result.Outcome = models.LedgerOutcomeUnhandled
		if err := s.MarkProcessed(ctx, entry, models.LedgerOutcomeUnhandled, nil); err != nil {
			log.Errorf("[Ledger] %v", err)
		}
		return result, nil
	}

	if herr := handler(ctx, evt); herr != nil {
		log.Errorf("[Ledger] Handler for %s (%s) failed: %v", evt.Type, evt.ID, herr)
		result.Outcome = models.LedgerOutcomeError
		if err := s.MarkProcessed(ctx, entry, models.LedgerOutcomeError, herr); err != nil {
			log.Errorf("[Ledger] %v", err)
		}
		if IsPermanent(herr) {
			return result, nil
		}
		return result, herr
	}

	result.Outcome = models.LedgerOutcomeProcessed
	if err := s.MarkProcessed(ctx, entry, models.LedgerOutcomeProcessed, nil); err != nil {
		// The handler's effect is convergent; a redelivery that finds the
		// row still "received" is reported as a duplicate.
		log.Errorf("[Ledger] %v", err)
	}
	return result, nil
}

// ListStuck returns entries that were received but never processed, or that
// failed, and are older than the given age.
func (s *Service) ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]models.BillingWebhookEvent, error) {
	if olderThan <= 0 {
		olderThan = s.cfg.StuckAfter
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListStuckWebhookEvents(ctx, s.now().Add(-olderThan), limit)
}

// Replay re-runs the handler for a stored event. This is an operator action;
// the engine never replays on its own.
func (s *Service) Replay(ctx context.Context, eventID string) (*WebhookResult, error) {
	entry, err := s.repo.GetWebhookEventByProviderID(ctx, s.cfg.Provider, eventID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}

	evt, err := eventFromLedger(entry)
	if err != nil {
		return nil, err
	}
	if err := s.repo.IncrementReplayCount(ctx, entry.ID); err != nil {
		return nil, fmt.Errorf("count replay of %s: %w", eventID, err)
	}
	entry.ReplayCount++
	log.Infof("[Ledger] Replaying %s (%s), replay #%d", entry.ProviderEventID, entry.EventType, entry.ReplayCount)

	return s.dispatch(ctx, evt, entry, &WebhookResult{EventID: evt.ID, EventType: evt.Type})
}

// eventFromLedger rebuilds an event from the stored payload. The payload was
// verified when it was recorded.
func eventFromLedger(entry *models.BillingWebhookEvent) (*Event, error) {
	var raw stripe.Event
	if err := json.Unmarshal([]byte(entry.PayloadJSON), &raw); err != nil {
		return nil, fmt.Errorf("decode stored event %s: %w", entry.ProviderEventID, err)
	}
	if raw.ID == "" {
		raw.ID = entry.ProviderEventID
	}
	if raw.Type == "" {
		raw.Type = stripe.EventType(entry.EventType)
	}
	return eventFromStripe(raw, []byte(entry.PayloadJSON)), nil
}
