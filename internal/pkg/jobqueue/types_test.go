package jobqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobLifecycle(t *testing.T) {
	job := &Job{ID: "j1", Type: JobTypeSendReceipt, Status: JobStatusPending, MaxRetries: 2}

	job.MarkAsProcessing()
	assert.Equal(t, JobStatusProcessing, job.Status)
	assert.NotNil(t, job.ProcessedAt)

	job.MarkAsFailed("boom")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.True(t, job.IsRetryable())

	job.MarkAsRetrying()
	assert.Equal(t, JobStatusRetrying, job.Status)
	assert.False(t, job.IsRetryable(), "only failed jobs are retryable")

	job.MarkAsFailed("boom again")
	assert.False(t, job.IsRetryable(), "retries exhausted")

	job.MarkAsCompleted()
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Empty(t, job.ErrorMsg)
	assert.NotNil(t, job.CompletedAt)
}

func TestPayloadsSurviveStorage(t *testing.T) {
	receipt := ReceiptJobPayload{UserID: 4, Email: "a@example.com", PaymentIntentID: "pi_1", AmountCents: 4900, Currency: "eur", EventID: "evt_1"}
	var gotReceipt ReceiptJobPayload
	require.NoError(t, decodePayload(receipt.ToMap(), &gotReceipt))
	assert.Equal(t, receipt, gotReceipt)

	resync := ResyncJobPayload{UserID: 9, Reason: "resync-all"}
	var gotResync ResyncJobPayload
	require.NoError(t, decodePayload(resync.ToMap(), &gotResync))
	assert.Equal(t, resync, gotResync)
}
