package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"mailwarm/models"
	"mailwarm/queue"
	"mailwarm/recorder"
	"mailwarm/testutil"
	"mailwarm/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timeout() error {
	return transport.Transient(transport.ReasonTimeout, context.DeadlineExceeded)
}

func TestProcessRetriesTimeoutsThenDelivers(t *testing.T) {
	tr := &fakeTransport{errs: []error{timeout(), timeout()}}
	e := newEnv(t, tr, testutil.Account{})
	job := e.admit(t)

	require.NoError(t, e.consumer.Process(context.Background(), job.ID))

	assert.Equal(t, 3, tr.Calls())
	got := e.job(t, job.ID)
	assert.Equal(t, models.JobDelivered, got.Status)
	assert.Equal(t, 3, got.Attempt)
	assert.True(t, got.QuotaReserved)

	records := e.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, models.RecordDelivered, records[0].Status)
	assert.Equal(t, "<"+job.ID+"@warmup.test>", records[0].MessageID)

	assert.Equal(t, 1, e.senderRow(t).CurrentDaySent)
	assert.Equal(t, 1, e.pairMetrics(t).TotalSent)
}

func TestProcessTerminalFailureIsNotRetried(t *testing.T) {
	tr := &fakeTransport{errs: []error{transport.Terminal(transport.ReasonInvalidRecipient, errors.New("550 no such user"))}}
	e := newEnv(t, tr, testutil.Account{})
	job := e.admit(t)

	require.NoError(t, e.consumer.Process(context.Background(), job.ID))

	assert.Equal(t, 1, tr.Calls())
	got := e.job(t, job.ID)
	assert.Equal(t, models.JobFailed, got.Status)
	require.NotNil(t, got.ErrorKind)
	assert.Equal(t, transport.ReasonInvalidRecipient, *got.ErrorKind)

	records := e.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, models.RecordFailed, records[0].Status)

	m := e.pairMetrics(t)
	assert.Equal(t, 1, m.TotalSent)
	assert.Equal(t, 1, m.Bounced)
}

func TestProcessExhaustedRetriesFail(t *testing.T) {
	throttled := transport.Transient(transport.ReasonThrottled, errors.New("421 try later"))
	tr := &fakeTransport{errs: []error{throttled, throttled, throttled}}
	e := newEnv(t, tr, testutil.Account{})
	job := e.admit(t)

	require.NoError(t, e.consumer.Process(context.Background(), job.ID))

	assert.Equal(t, 3, tr.Calls())
	got := e.job(t, job.ID)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, transport.ReasonThrottled, *got.ErrorKind)

	records := e.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, models.RecordFailed, records[0].Status)
	assert.Equal(t, 0, e.pairMetrics(t).Bounced)
}

func TestProcessDropsJobWithoutQuota(t *testing.T) {
	tr := &fakeTransport{}
	e := newEnv(t, tr, testutil.Account{CurrentDaySent: 3})
	job := e.admit(t)

	require.NoError(t, e.consumer.Process(context.Background(), job.ID))

	assert.Equal(t, 0, tr.Calls())
	got := e.job(t, job.ID)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, models.ErrorKindQuotaExceeded, *got.ErrorKind)
	assert.Equal(t, 3, e.senderRow(t).CurrentDaySent)
	assert.Empty(t, e.records(t))
}

func TestProcessSkipsInactiveSender(t *testing.T) {
	tr := &fakeTransport{}
	e := newEnv(t, tr, testutil.Account{Status: models.WarmupPaused})
	job := e.admit(t)

	require.NoError(t, e.consumer.Process(context.Background(), job.ID))

	assert.Equal(t, 0, tr.Calls())
	assert.Equal(t, models.ErrorKindSenderPaused, *e.job(t, job.ID).ErrorKind)
	assert.Equal(t, 0, e.senderRow(t).CurrentDaySent)
}

func TestProcessDuplicateDeliveryIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	e := newEnv(t, tr, testutil.Account{})
	job := e.admit(t)
	ctx := context.Background()

	require.NoError(t, e.consumer.Process(ctx, job.ID))
	require.NoError(t, e.consumer.Process(ctx, job.ID))

	assert.Equal(t, 1, tr.Calls())
	assert.Len(t, e.records(t), 1)
	assert.Equal(t, 1, e.senderRow(t).CurrentDaySent)
	assert.Equal(t, 1, e.pairMetrics(t).TotalSent)
}

func TestProcessSettlesRecordedJobWithoutResending(t *testing.T) {
	tr := &fakeTransport{}
	e := newEnv(t, tr, testutil.Account{})
	job := e.admit(t)
	ctx := context.Background()

	_, err := e.recorder.RecordOutcome(ctx, recorder.Outcome{
		JobID:         job.ID,
		SenderEmail:   e.sender.Email,
		ReceiverEmail: e.receiver.Email,
		Direction:     job.Direction,
		Status:        models.RecordDelivered,
		SentAt:        time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, e.consumer.Process(ctx, job.ID))

	assert.Equal(t, 0, tr.Calls())
	assert.Equal(t, models.JobDelivered, e.job(t, job.ID).Status)
	assert.Len(t, e.records(t), 1)
}

func TestProcessDoesNotReserveTwice(t *testing.T) {
	tr := &fakeTransport{}
	e := newEnv(t, tr, testutil.Account{CurrentDaySent: 1})
	job := e.admit(t)
	ctx := context.Background()

	// Reserved by an earlier delivery that crashed before sending.
	require.NoError(t, e.jobs.MarkReserved(ctx, job.ID))

	require.NoError(t, e.consumer.Process(ctx, job.ID))
	assert.Equal(t, 1, tr.Calls())
	assert.Equal(t, 1, e.senderRow(t).CurrentDaySent)
}

func TestHandleRequeuesWhenSenderBusy(t *testing.T) {
	tr := &fakeTransport{}
	e := newEnv(t, tr, testutil.Account{})
	job := e.admit(t)
	ctx := context.Background()

	unlock, ok, err := e.locker.TryLock(ctx, queue.SenderLockKey(e.sender.ID))
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	require.NoError(t, e.queue.Enqueue(ctx, queue.MessageFor(job)))
	d, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, e.consumer.handle(ctx, d))

	depth, err := e.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
	assert.Equal(t, 0, tr.Calls())
	assert.Equal(t, models.JobQueued, e.job(t, job.ID).Status)
}

func TestConsumerRunDeliversQueuedJobs(t *testing.T) {
	tr := &fakeTransport{}
	e := newEnv(t, tr, testutil.Account{})
	job := e.admit(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.consumer.Run(ctx) }()

	require.NoError(t, e.queue.Enqueue(ctx, queue.MessageFor(job)))
	require.Eventually(t, func() bool {
		var got models.ExchangeJob
		if err := e.db.First(&got, "id = ?", job.ID).Error; err != nil {
			return false
		}
		return got.Status == models.JobDelivered
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumerRunStopsOnClosedQueue(t *testing.T) {
	e := newEnv(t, &fakeTransport{}, testutil.Account{})
	require.NoError(t, e.queue.Close())
	assert.NoError(t, e.consumer.Run(context.Background()))
}

func TestHandleRequeuesBusySenderPastFullBuffer(t *testing.T) {
	tr := &fakeTransport{}
	e := newEnv(t, tr, testutil.Account{})
	e.queue = queue.NewMemoryQueue(1)
	e.consumer.queue = e.queue
	ctx := context.Background()

	first := e.admit(t)
	unlock, ok, err := e.locker.TryLock(ctx, queue.SenderLockKey(e.sender.ID))
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	require.NoError(t, e.queue.Enqueue(ctx, queue.MessageFor(first)))
	d, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)

	// the scheduler refills the only free slot meanwhile
	other := queue.Message{JobID: "other", SenderAccountID: e.sender.ID + 50}
	require.NoError(t, e.queue.Enqueue(ctx, other))

	require.NoError(t, e.consumer.handle(ctx, d))

	depth, err := e.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
	assert.Zero(t, e.queue.InFlight())

	next, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "other", next.Message.JobID)
	last, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, last.Message.JobID)
	assert.Equal(t, models.JobQueued, e.job(t, first.ID).Status)
}

func TestHandleReturnsDeliveryOnCancellation(t *testing.T) {
	tr := &fakeTransport{}
	e := newEnv(t, tr, testutil.Account{})
	job := e.admit(t)

	unlock, ok, err := e.locker.TryLock(context.Background(), queue.SenderLockKey(e.sender.ID))
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	require.NoError(t, e.queue.Enqueue(context.Background(), queue.MessageFor(job)))
	d, err := e.queue.Dequeue(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.consumer.handle(ctx, d))

	depth, err := e.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
	assert.Zero(t, e.queue.InFlight())
	assert.Equal(t, 0, tr.Calls())
}
