package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"mailwarm/content"
	"mailwarm/models"
	"mailwarm/queue"
	"mailwarm/ratelimit"
	"mailwarm/recorder"
	"mailwarm/registry"
	"mailwarm/testutil"
	"mailwarm/transport"
	"mailwarm/utils"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeTransport fails with errs in order, then succeeds.
type fakeTransport struct {
	mu    sync.Mutex
	errs  []error
	calls int
	sent  []*transport.Message
}

func (f *fakeTransport) Send(_ context.Context, _ *models.WarmupAccount, _ transport.Credentials, msg *transport.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sent = append(f.sent, msg)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return msg.MessageID, nil
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	db       *gorm.DB
	store    *registry.GormStore
	jobs     *queue.JobStore
	queue    *queue.MemoryQueue
	recorder *recorder.Recorder
	tracker  *ratelimit.Tracker
	locker   *queue.LocalLocker
	consumer *Consumer
	tr       *fakeTransport
	sender   *models.WarmupAccount
	receiver *models.WarmupAccount
}

func newEnv(t *testing.T, tr *fakeTransport, sender testutil.Account) *testEnv {
	t.Helper()
	db := testutil.NewDB(t)
	log := utils.DiscardLogger()

	if sender.Email == "" {
		sender.Email = "warm@example.com"
	}
	e := &testEnv{
		db:       db,
		store:    registry.NewGormStore(db),
		jobs:     queue.NewJobStore(db),
		queue:    queue.NewMemoryQueue(16),
		recorder: recorder.NewRecorder(db, recorder.DefaultScoreWeights(), nil, log),
		tracker:  ratelimit.NewTracker(db, log),
		locker:   queue.NewLocalLocker(),
		tr:       tr,
		sender:   testutil.CreateAccount(t, db, sender),
		receiver: testutil.CreateAccount(t, db, testutil.Account{Email: "pool@example.com", Role: models.RolePool}),
	}

	transports := transport.NewRegistry()
	transports.Register(models.ProviderSMTP, tr)

	e.consumer = NewConsumer(ConsumerDeps{
		Queue:      e.queue,
		Jobs:       e.jobs,
		Accounts:   e.store,
		Quota:      e.tracker,
		Recorder:   e.recorder,
		Transports: transports,
		Creds:      transport.NewCredentialResolver(nil),
		Content:    content.NewGenerator(1),
		Locker:     e.locker,
		Log:        log,
	}, ConsumerConfig{
		Concurrency:    2,
		SendTimeout:    time.Second,
		Retry:          RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond},
		LockRetryDelay: 5 * time.Millisecond,
		MessageDomain:  "warmup.test",
	})
	return e
}

func (e *testEnv) admit(t *testing.T) *models.ExchangeJob {
	t.Helper()
	job := models.NewExchangeJob(e.sender.ID, e.receiver.ID, models.DirectionWarmupToPool, time.Now())
	require.NoError(t, e.jobs.Admit(context.Background(), job, 1))
	return job
}

func (e *testEnv) job(t *testing.T, id string) *models.ExchangeJob {
	t.Helper()
	job, err := e.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (e *testEnv) records(t *testing.T) []models.ExchangeRecord {
	t.Helper()
	var rows []models.ExchangeRecord
	require.NoError(t, e.db.Order("id").Find(&rows).Error)
	return rows
}

func (e *testEnv) senderRow(t *testing.T) models.WarmupAccount {
	t.Helper()
	var a models.WarmupAccount
	require.NoError(t, e.db.First(&a, e.sender.ID).Error)
	return a
}

func (e *testEnv) pairMetrics(t *testing.T) models.SenderReceiverMetrics {
	t.Helper()
	var m models.SenderReceiverMetrics
	require.NoError(t, e.db.Where("sender_email = ? AND receiver_email = ?", e.sender.Email, e.receiver.Email).First(&m).Error)
	return m
}
