package worker

import (
	"context"
	"time"

	"mailwarm/metrics"
	"mailwarm/ratelimit"
	"mailwarm/registry"
	"mailwarm/utils"

	"github.com/sirupsen/logrus"
)

// RolloverWorker resets daily counters as each account's local day changes.
type RolloverWorker struct {
	tracker  *ratelimit.Tracker
	accounts registry.AccountStore
	interval time.Duration
	metrics  *metrics.Metrics
	log      *logrus.Entry
	now      func() time.Time
}

func NewRolloverWorker(tracker *ratelimit.Tracker, accounts registry.AccountStore, interval time.Duration, m *metrics.Metrics, log *logrus.Entry) *RolloverWorker {
	return &RolloverWorker{
		tracker:  tracker,
		accounts: accounts,
		interval: interval,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

func (w *RolloverWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce checks every enrolled account once.
func (w *RolloverWorker) RunOnce(ctx context.Context) ratelimit.RolloverResult {
	res, err := w.tracker.Rollover(ctx, w.accounts, w.now())
	fields := logrus.Fields{
		"checked": res.Checked,
		"rolled":  res.Rolled,
		"failed":  res.Failed,
	}
	if err != nil {
		utils.LogError("rollover_failed", err, fields)
		return res
	}
	if w.metrics != nil {
		w.metrics.RolloverAccounts.Add(float64(res.Rolled))
	}
	if res.Rolled > 0 {
		w.log.WithFields(fields).Info("Daily counters rolled over")
	}
	return res
}
