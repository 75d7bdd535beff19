package worker

import (
	"context"
	"time"

	"mailwarm/metrics"
	"mailwarm/models"
	"mailwarm/recorder"
	"mailwarm/registry"
	"mailwarm/transport"

	"github.com/sirupsen/logrus"
)

type PlacementConfig struct {
	Interval  time.Duration
	MinAge    time.Duration
	MaxAge    time.Duration
	BatchSize int
}

// PlacementStats summarizes one placement pass.
type PlacementStats struct {
	Checked int
	Inbox   int
	Spam    int
	Missing int
	Closed  int
	Errors  int
}

// PlacementWorker checks where delivered warmup mail landed and rescues it from spam.
type PlacementWorker struct {
	recorder *recorder.Recorder
	accounts registry.AccountStore
	checker  transport.PlacementChecker
	creds    *transport.CredentialResolver
	cfg      PlacementConfig
	metrics  *metrics.Metrics
	log      *logrus.Entry
	now      func() time.Time
}

func NewPlacementWorker(rec *recorder.Recorder, accounts registry.AccountStore, checker transport.PlacementChecker, creds *transport.CredentialResolver, cfg PlacementConfig, m *metrics.Metrics, log *logrus.Entry) *PlacementWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &PlacementWorker{
		recorder: rec,
		accounts: accounts,
		checker:  checker,
		creds:    creds,
		cfg:      cfg,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

func (w *PlacementWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := w.RunOnce(ctx)
			if err != nil {
				return err
			}
			if stats.Checked > 0 {
				w.log.WithFields(logrus.Fields{
					"checked": stats.Checked,
					"inbox":   stats.Inbox,
					"spam":    stats.Spam,
					"missing": stats.Missing,
					"closed":  stats.Closed,
					"errors":  stats.Errors,
				}).Info("Placement pass completed")
			}
		}
	}
}

// RunOnce checks delivered records old enough to have landed. Records still
// not found after MaxAge are closed unchecked.
func (w *PlacementWorker) RunOnce(ctx context.Context) (PlacementStats, error) {
	var stats PlacementStats
	now := w.now()

	records, err := w.recorder.PendingPlacement(ctx, now.Add(-w.cfg.MinAge), w.cfg.BatchSize)
	if err != nil {
		return stats, err
	}

	for i := range records {
		if ctx.Err() != nil {
			return stats, nil
		}
		record := &records[i]
		stats.Checked++

		receiver, err := w.accounts.GetAccountByEmail(ctx, record.ReceiverEmail)
		if err == nil && !receiver.HasIMAP() {
			if err := w.recorder.ClosePlacement(ctx, record.ID); err != nil {
				return stats, err
			}
			stats.Closed++
			w.count("unsupported")
			continue
		}

		var found transport.PlacementResult
		if err == nil {
			found, err = w.check(ctx, receiver, record)
		}
		switch {
		case err != nil:
			stats.Errors++
			w.count("error")
			w.log.WithError(err).WithField("record_id", record.ID).Warn("Placement check failed")
		case found.Inbox:
			stats.Inbox++
			w.count("inbox")
		case found.Spam:
			stats.Spam++
			w.count("spam")
		default:
			stats.Missing++
			w.count("missing")
		}

		if !found.Found && now.Sub(record.SentAt) > w.cfg.MaxAge {
			if err := w.recorder.ClosePlacement(ctx, record.ID); err != nil {
				return stats, err
			}
			stats.Closed++
		}
	}
	return stats, nil
}

func (w *PlacementWorker) check(ctx context.Context, receiver *models.WarmupAccount, record *models.ExchangeRecord) (transport.PlacementResult, error) {
	creds, err := w.creds.IMAP(receiver)
	if err != nil {
		return transport.PlacementResult{}, err
	}

	res, err := w.checker.Check(ctx, receiver, creds, record.MessageID)
	if err != nil || !res.Found {
		return res, err
	}
	if res.MoveErr != nil {
		w.log.WithError(res.MoveErr).WithField("record_id", record.ID).Warn("Spam landing recorded without rescue")
	}

	_, err = w.recorder.ApplyPlacement(ctx, record.ID, recorder.Placement{
		Inbox: res.Inbox,
		Spam:  res.Spam,
		Moved: res.Moved,
	})
	return res, err
}

func (w *PlacementWorker) count(result string) {
	if w.metrics != nil {
		w.metrics.PlacementChecks.WithLabelValues(result).Inc()
	}
}
