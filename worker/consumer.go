package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailwarm/content"
	"mailwarm/metrics"
	"mailwarm/models"
	"mailwarm/queue"
	"mailwarm/ratelimit"
	"mailwarm/recorder"
	"mailwarm/registry"
	"mailwarm/transport"
	"mailwarm/utils"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const handBackTimeout = 5 * time.Second

type ConsumerConfig struct {
	Concurrency    int
	SendTimeout    time.Duration
	Retry          RetryPolicy
	LockRetryDelay time.Duration
	MessageDomain  string
}

// Consumer executes exchange jobs taken from the queue.
type Consumer struct {
	queue      queue.Queue
	jobs       *queue.JobStore
	accounts   registry.AccountStore
	quota      *ratelimit.Tracker
	recorder   *recorder.Recorder
	transports *transport.Registry
	creds      *transport.CredentialResolver
	content    *content.Generator
	locker     queue.Locker
	cfg        ConsumerConfig
	metrics    *metrics.Metrics
	log        *logrus.Entry
	now        func() time.Time
}

// ConsumerDeps groups the collaborators a Consumer is built from.
type ConsumerDeps struct {
	Queue      queue.Queue
	Jobs       *queue.JobStore
	Accounts   registry.AccountStore
	Quota      *ratelimit.Tracker
	Recorder   *recorder.Recorder
	Transports *transport.Registry
	Creds      *transport.CredentialResolver
	Content    *content.Generator
	Locker     queue.Locker
	Metrics    *metrics.Metrics
	Log        *logrus.Entry
}

func NewConsumer(d ConsumerDeps, cfg ConsumerConfig) *Consumer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = time.Second
	}
	if cfg.MessageDomain == "" {
		cfg.MessageDomain = "warmup.local"
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = retryable
	}
	return &Consumer{
		queue:      d.Queue,
		jobs:       d.Jobs,
		accounts:   d.Accounts,
		quota:      d.Quota,
		recorder:   d.Recorder,
		transports: d.Transports,
		creds:      d.Creds,
		content:    d.Content,
		locker:     d.Locker,
		cfg:        cfg,
		metrics:    d.Metrics,
		log:        d.Log,
		now:        time.Now,
	}
}

// Run recovers unacked deliveries and then consumes with a bounded pool
// until ctx is done. A queue failure ends the run so the supervisor restarts it.
func (c *Consumer) Run(ctx context.Context) error {
	if n, err := c.queue.Recover(ctx); err != nil {
		return fmt.Errorf("recover deliveries: %w", err)
	} else if n > 0 {
		c.log.WithField("recovered", n).Info("Re-queued deliveries left by a previous consumer")
	}

	c.log.WithField("concurrency", c.cfg.Concurrency).Info("Exchange consumer started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Concurrency; i++ {
		workerID := i
		g.Go(func() error {
			return c.work(gctx, workerID)
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Consumer) work(ctx context.Context, workerID int) error {
	for {
		d, err := c.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				return nil
			}
			return fmt.Errorf("worker %d dequeue: %w", workerID, err)
		}
		if err := c.handle(ctx, d); err != nil {
			return fmt.Errorf("worker %d: %w", workerID, err)
		}
	}
}

// handle serializes jobs per sender, runs the job and settles the delivery.
func (c *Consumer) handle(ctx context.Context, d *queue.Delivery) error {
	msg := d.Message
	log := c.log.WithFields(logrus.Fields{
		"job_id":    msg.JobID,
		"sender_id": msg.SenderAccountID,
	})

	unlock, ok, err := c.locker.TryLock(ctx, queue.SenderLockKey(msg.SenderAccountID))
	if err != nil {
		return fmt.Errorf("lock sender %d: %w", msg.SenderAccountID, err)
	}
	if !ok {
		log.Debug("Sender busy, requeueing job")
		if !sleepCtx(ctx, c.cfg.LockRetryDelay) {
			return c.handBack(d, log)
		}
		return c.queue.Requeue(ctx, d)
	}
	defer unlock()

	if err := c.Process(ctx, msg.JobID); err != nil {
		if ctx.Err() != nil {
			return c.handBack(d, log)
		}
		utils.LogError("exchange_job_failed", err, map[string]interface{}{
			"job_id":    msg.JobID,
			"sender_id": msg.SenderAccountID,
		})
		if !sleepCtx(ctx, c.cfg.LockRetryDelay) {
			return c.handBack(d, log)
		}
		return c.queue.Requeue(ctx, d)
	}
	return c.queue.Ack(ctx, d)
}

// handBack returns a delivery interrupted by cancellation, whether shutdown
// or a failing sibling worker, to the queue. When that fails the delivery
// stays unacked for Recover.
func (c *Consumer) handBack(d *queue.Delivery, log *logrus.Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), handBackTimeout)
	defer cancel()
	if err := c.queue.Requeue(ctx, d); err != nil {
		log.WithError(err).Warn("Could not return interrupted delivery; left for recovery")
	}
	return nil
}

// Process runs one job end to end. It returns an error only when the job
// could not be settled and should be delivered again.
func (c *Consumer) Process(ctx context.Context, jobID string) error {
	started, err := c.jobs.Start(ctx, jobID)
	if err != nil {
		return err
	}
	if !started {
		c.log.WithField("job_id", jobID).Info("Job already finished, skipping")
		return nil
	}

	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	// A redelivered job whose outcome was recorded only needs its status settled.
	existing, err := c.recorder.RecordForJob(ctx, jobID)
	if err != nil {
		return err
	}
	if existing != nil {
		return c.settleFromRecord(ctx, existing)
	}

	sender, err := c.accounts.GetAccount(ctx, job.SenderAccountID)
	if errors.Is(err, registry.ErrAccountNotFound) {
		return c.drop(ctx, job, models.ErrorKindAccountGone)
	}
	if err != nil {
		return err
	}
	receiver, err := c.accounts.GetAccount(ctx, job.ReceiverAccountID)
	if errors.Is(err, registry.ErrAccountNotFound) {
		return c.drop(ctx, job, models.ErrorKindAccountGone)
	}
	if err != nil {
		return err
	}
	if !sender.IsActive() {
		return c.drop(ctx, job, models.ErrorKindSenderPaused)
	}

	if !job.QuotaReserved {
		if _, err := c.quota.Reserve(ctx, sender.ID); err != nil {
			if errors.Is(err, ratelimit.ErrQuotaExceeded) {
				if c.metrics != nil {
					c.metrics.QuotaRejections.Inc()
				}
				return c.drop(ctx, job, models.ErrorKindQuotaExceeded)
			}
			return err
		}
		if err := c.jobs.MarkReserved(ctx, job.ID); err != nil {
			return err
		}
	}

	messageID, sendErr := c.send(ctx, job, sender, receiver)
	if sendErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	outcome := recorder.Outcome{
		JobID:         job.ID,
		SenderEmail:   sender.Email,
		ReceiverEmail: receiver.Email,
		Direction:     job.Direction,
		SentAt:        c.now(),
	}
	if sendErr == nil {
		outcome.Status = models.RecordDelivered
		outcome.MessageID = messageID
	} else {
		outcome.Status = models.RecordFailed
		outcome.MessageID = c.messageID(job)
		outcome.ErrorKind = sendErr.Reason
		outcome.Bounced = bounced(sendErr.Reason)
	}

	if _, err := c.recorder.RecordOutcome(ctx, outcome); err != nil {
		return err
	}

	fields := logrus.Fields{
		"job_id":   job.ID,
		"sender":   sender.Email,
		"receiver": receiver.Email,
	}
	if sendErr == nil {
		if err := c.jobs.MarkDelivered(ctx, job.ID); err != nil {
			return err
		}
		c.countJob(models.JobDelivered, "")
		c.log.WithFields(fields).Info("Warmup exchange delivered")
		return nil
	}

	if err := c.jobs.MarkFailed(ctx, job.ID, sendErr.Reason); err != nil {
		return err
	}
	c.countJob(models.JobFailed, sendErr.Reason)
	c.log.WithFields(fields).WithError(sendErr).Warn("Warmup exchange failed")
	return nil
}

// send resolves everything the transport needs and applies the retry policy.
func (c *Consumer) send(ctx context.Context, job *models.ExchangeJob, sender, receiver *models.WarmupAccount) (string, *transport.Error) {
	creds, err := c.creds.SMTP(sender)
	if err != nil {
		return "", Classify(err)
	}
	if err := transport.ValidateRecipient(receiver.Email); err != nil {
		return "", Classify(err)
	}
	t, err := c.transports.For(sender)
	if err != nil {
		return "", Classify(err)
	}

	generated := c.content.Generate(displayName(sender), displayName(receiver), content.Context{
		Direction: job.Direction,
		WarmupDay: sender.WarmupDayCount,
	})
	msg := &transport.Message{
		FromName:  sender.FromName,
		From:      sender.Email,
		To:        receiver.Email,
		Subject:   generated.Subject,
		Body:      generated.Body,
		HTMLBody:  generated.HTMLBody,
		MessageID: c.messageID(job),
		Date:      c.now(),
	}

	var messageID string
	_, err = c.cfg.Retry.Do(ctx, func(attempt int) error {
		if err := c.jobs.SetAttempt(ctx, job.ID, attempt); err != nil {
			c.log.WithError(err).WithField("job_id", job.ID).Warn("Failed to store attempt number")
		}

		sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
		defer cancel()

		start := time.Now()
		id, err := t.Send(sendCtx, sender, creds, msg)
		c.observeSend(sender.Provider, start, err)
		if err != nil {
			classified := Classify(err)
			c.log.WithFields(logrus.Fields{
				"job_id":  job.ID,
				"attempt": attempt,
				"kind":    classified.Kind.String(),
				"reason":  classified.Reason,
			}).Warn("Send attempt failed")
			return classified
		}
		messageID = id
		return nil
	})
	if err != nil {
		return "", Classify(err)
	}
	if messageID == "" {
		messageID = msg.MessageID
	}
	return messageID, nil
}

func (c *Consumer) settleFromRecord(ctx context.Context, record *models.ExchangeRecord) error {
	c.log.WithField("job_id", record.JobID).Info("Job already recorded, settling status")
	if record.Status == models.RecordDelivered {
		return c.jobs.MarkDelivered(ctx, record.JobID)
	}
	kind := "unknown"
	if record.ErrorKind != nil {
		kind = *record.ErrorKind
	}
	return c.jobs.MarkFailed(ctx, record.JobID, kind)
}

// drop fails a job that never reached the transport; no record is written.
func (c *Consumer) drop(ctx context.Context, job *models.ExchangeJob, kind string) error {
	if err := c.jobs.MarkFailed(ctx, job.ID, kind); err != nil {
		return err
	}
	c.countJob(models.JobFailed, kind)
	c.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"sender_id": job.SenderAccountID,
		"reason":    kind,
	}).Info("Exchange job dropped")
	return nil
}

// messageID is stable per job so a resend after a crash reuses it.
func (c *Consumer) messageID(job *models.ExchangeJob) string {
	return fmt.Sprintf("<%s@%s>", job.ID, c.cfg.MessageDomain)
}

func (c *Consumer) observeSend(provider models.Provider, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = Classify(err).Kind.String()
	}
	c.metrics.SendAttempts.WithLabelValues(string(provider), outcome).Inc()
	c.metrics.SendDuration.WithLabelValues(string(provider)).Observe(time.Since(start).Seconds())
}

func (c *Consumer) countJob(status models.JobStatus, reason string) {
	if c.metrics != nil {
		c.metrics.JobsProcessed.WithLabelValues(string(status), reason).Inc()
	}
}

func displayName(a *models.WarmupAccount) string {
	if a.FromName != "" {
		return a.FromName
	}
	return a.Email
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
