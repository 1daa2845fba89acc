package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PropDocs/internal/pkg/billing"
	"github.com/ManuelReschke/PropDocs/internal/pkg/entitlements"
)

type recordingEnqueuer struct {
	types    []JobType
	payloads []map[string]interface{}
	err      error
}

func (r *recordingEnqueuer) EnqueueJob(_ context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.types = append(r.types, jobType)
	r.payloads = append(r.payloads, payload)
	return &Job{ID: "x", Type: jobType, Payload: payload}, nil
}

type sentMail struct{ to, subject, body string }

type fakeMailer struct {
	sent []sentMail
	err  error
}

func (f *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{to, subject, body})
	return nil
}

type fakeResyncer struct {
	users   []uint
	err     error
	sweeps  int
	expired int
}

func (f *fakeResyncer) ExpireGrants(context.Context) (int, error) {
	f.sweeps++
	return f.expired, f.err
}

func (f *fakeResyncer) Resync(_ context.Context, userID uint) (entitlements.Snapshot, error) {
	f.users = append(f.users, userID)
	return entitlements.Snapshot{UserID: userID, Plan: entitlements.PlanStandard, Status: "active"}, f.err
}

func TestBillingEnqueuer(t *testing.T) {
	rec := &recordingEnqueuer{}
	b := &BillingEnqueuer{Queue: rec}
	ctx := context.Background()

	require.NoError(t, b.EnqueueReceipt(ctx, billing.ReceiptRequest{UserID: 3, Email: "a@example.com", PaymentIntentID: "pi_9", AmountCents: 990, Currency: "eur", EventID: "evt_9"}))
	require.NoError(t, b.EnqueueResync(ctx, 3, "webhook"))

	assert.Equal(t, []JobType{JobTypeSendReceipt, JobTypeResyncUser}, rec.types)
	assert.Equal(t, "pi_9", rec.payloads[0]["payment_intent_id"])
	assert.Equal(t, "webhook", rec.payloads[1]["reason"])

	rec.err = errors.New("redis down")
	assert.Error(t, b.EnqueueResync(ctx, 3, "webhook"))
}

func TestReceiptProcessor(t *testing.T) {
	m := &fakeMailer{}
	proc := ReceiptProcessor(m)
	job := &Job{ID: "r1", Type: JobTypeSendReceipt, Payload: ReceiptJobPayload{Email: "a@example.com", PaymentIntentID: "pi_1", AmountCents: 4900, Currency: "eur"}.ToMap()}

	require.NoError(t, proc(context.Background(), job))
	require.Len(t, m.sent, 1)
	assert.Equal(t, "a@example.com", m.sent[0].to)
	assert.Contains(t, m.sent[0].body, "49.00 EUR")

	t.Run("no recipient is dropped", func(t *testing.T) {
		m := &fakeMailer{}
		err := ReceiptProcessor(m)(context.Background(), &Job{ID: "r2", Payload: ReceiptJobPayload{PaymentIntentID: "pi_2"}.ToMap()})
		assert.NoError(t, err)
		assert.Empty(t, m.sent)
	})

	t.Run("send failure surfaces for retry", func(t *testing.T) {
		m := &fakeMailer{err: errors.New("smtp down")}
		assert.Error(t, ReceiptProcessor(m)(context.Background(), job))
	})
}

func TestResyncProcessor(t *testing.T) {
	r := &fakeResyncer{}
	proc := ResyncProcessor(r)

	require.NoError(t, proc(context.Background(), &Job{ID: "s1", Payload: ResyncJobPayload{UserID: 12, Reason: "resync-all"}.ToMap()}))
	assert.Equal(t, []uint{12}, r.users)

	assert.Error(t, proc(context.Background(), &Job{ID: "s2", Payload: ResyncJobPayload{}.ToMap()}))

	r.err = billing.ErrProviderNotConfigured
	assert.ErrorIs(t, proc(context.Background(), &Job{ID: "s3", Payload: ResyncJobPayload{UserID: 1}.ToMap()}), billing.ErrProviderNotConfigured)
}

func TestRegisterBillingProcessors(t *testing.T) {
	q := NewQueue(nil, 1)
	RegisterBillingProcessors(q, &fakeMailer{}, &fakeResyncer{}, time.Hour)

	for _, jt := range []JobType{JobTypeSendReceipt, JobTypeResyncUser, JobTypeExpireGrants} {
		_, ok := q.processor(jt)
		assert.True(t, ok, jt)
	}
	assert.Equal(t, time.Hour, q.schedules[JobTypeExpireGrants])
}

func TestExpireGrantsProcessor(t *testing.T) {
	r := &fakeResyncer{expired: 2}
	proc := ExpireGrantsProcessor(r)

	require.NoError(t, proc(context.Background(), &Job{ID: "e1", Type: JobTypeExpireGrants}))
	assert.Equal(t, 1, r.sweeps)

	r.err = errors.New("db down")
	assert.Error(t, proc(context.Background(), &Job{ID: "e2", Type: JobTypeExpireGrants}))
}

func TestEveryIgnoresNonPositiveInterval(t *testing.T) {
	q := NewQueue(nil, 1)
	q.Every(JobTypeExpireGrants, 0)
	assert.Empty(t, q.schedules)
}
