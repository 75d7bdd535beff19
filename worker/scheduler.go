package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailwarm/metrics"
	"mailwarm/models"
	"mailwarm/pairing"
	"mailwarm/queue"
	"mailwarm/utils"

	"github.com/sirupsen/logrus"
)

// ErrPartialTick means some admitted jobs could not be handed to the queue.
var ErrPartialTick = errors.New("scheduler tick partially failed")

// TickResult summarizes one scheduler tick.
type TickResult struct {
	Selected int
	Enqueued int
	Failed   int
	Expired  int64
}

type SchedulerConfig struct {
	Interval   time.Duration
	StartDelay time.Duration
	StaleAfter time.Duration
}

// Scheduler drives the pairing selector and feeds the queue.
type Scheduler struct {
	selector *pairing.Selector
	jobs     *queue.JobStore
	queue    queue.Queue
	cfg      SchedulerConfig
	metrics  *metrics.Metrics
	log      *logrus.Entry
	now      func() time.Time
}

func NewScheduler(selector *pairing.Selector, jobs *queue.JobStore, q queue.Queue, cfg SchedulerConfig, m *metrics.Metrics, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		selector: selector,
		jobs:     jobs,
		queue:    q,
		cfg:      cfg,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.StartDelay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.StartDelay):
		}
	}

	s.log.WithField("interval", s.cfg.Interval.String()).Info("Warmup scheduler started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.runTick(ctx)

		select {
		case <-ctx.Done():
			s.log.Info("Warmup scheduler shutting down...")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	res, err := s.Tick(ctx)
	fields := logrus.Fields{
		"selected": res.Selected,
		"enqueued": res.Enqueued,
		"failed":   res.Failed,
		"expired":  res.Expired,
	}
	if err != nil {
		utils.LogError("scheduler_tick_failed", err, fields)
		return
	}
	s.log.WithFields(fields).Info("Scheduler tick completed")
}

// Tick selects this round's pairs and enqueues them. Jobs that cannot be
// enqueued are failed so their pair is free for the next tick.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult

	if s.cfg.StaleAfter > 0 {
		n, err := s.jobs.ExpireStale(ctx, s.now().Add(-s.cfg.StaleAfter))
		if err != nil {
			s.log.WithError(err).Warn("Failed to expire stale jobs")
		}
		res.Expired = n
	}

	jobs, err := s.selector.SelectJobs(ctx)
	if err != nil {
		s.countTick("error")
		return res, fmt.Errorf("select jobs: %w", err)
	}
	res.Selected = len(jobs)

	for _, job := range jobs {
		if err := s.queue.Enqueue(ctx, queue.MessageFor(job)); err != nil {
			res.Failed++
			s.log.WithError(err).WithField("job_id", job.ID).Error("Failed to enqueue exchange job")
			if ferr := s.jobs.MarkFailed(ctx, job.ID, models.ErrorKindEnqueueFailed); ferr != nil {
				s.log.WithError(ferr).WithField("job_id", job.ID).Error("Failed to release unqueued job")
			}
			continue
		}
		res.Enqueued++
		if s.metrics != nil {
			s.metrics.JobsEnqueued.Inc()
		}
	}

	if depth, err := s.queue.Depth(ctx); err == nil && s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(depth))
	}

	if res.Failed > 0 {
		s.countTick("partial")
		return res, fmt.Errorf("%d of %d jobs not enqueued: %w", res.Failed, res.Selected, ErrPartialTick)
	}
	s.countTick("ok")
	return res, nil
}

func (s *Scheduler) countTick(result string) {
	if s.metrics != nil {
		s.metrics.SchedulerTicks.WithLabelValues(result).Inc()
	}
}
