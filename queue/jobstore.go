package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailwarm/models"

	"gorm.io/gorm"
)

var outstanding = []models.JobStatus{models.JobQueued, models.JobInProgress}

// JobStore persists the exchange job lifecycle. Status only moves forward:
// queued -> in_progress -> delivered | failed.
type JobStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db, now: time.Now}
}

func (s *JobStore) Get(ctx context.Context, id string) (*models.ExchangeJob, error) {
	var job models.ExchangeJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &job, nil
}

func (s *JobStore) ActivePairs(ctx context.Context) (map[models.PairKey]struct{}, error) {
	var rows []struct {
		SenderAccountID   uint
		ReceiverAccountID uint
	}
	if err := s.db.WithContext(ctx).Model(&models.ExchangeJob{}).
		Select("sender_account_id, receiver_account_id").
		Where("status IN ?", outstanding).
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("load active pairs: %w", err)
	}

	pairs := make(map[models.PairKey]struct{}, len(rows))
	for _, r := range rows {
		pairs[models.NewPairKey(r.SenderAccountID, r.ReceiverAccountID)] = struct{}{}
	}
	return pairs, nil
}

func (s *JobStore) UnreservedBySender(ctx context.Context) (map[uint]int, error) {
	var rows []struct {
		SenderAccountID uint
		Pending         int
	}
	if err := s.db.WithContext(ctx).Model(&models.ExchangeJob{}).
		Select("sender_account_id, COUNT(*) AS pending").
		Where("status IN ? AND quota_reserved = ?", outstanding, false).
		Group("sender_account_id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count outstanding jobs: %w", err)
	}

	out := make(map[uint]int, len(rows))
	for _, r := range rows {
		out[r.SenderAccountID] = r.Pending
	}
	return out, nil
}

// Admit stores a queued job and advances the sender's rotation cursor in one transaction.
func (s *JobStore) Admit(ctx context.Context, job *models.ExchangeJob, nextCursor int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		if err := tx.Model(&models.WarmupAccount{}).
			Where("id = ?", job.SenderAccountID).
			Update("round_robin_index", nextCursor).Error; err != nil {
			return fmt.Errorf("advance cursor %d: %w", job.SenderAccountID, err)
		}
		return nil
	})
}

// Start moves a job to in_progress. It reports false when the job is already terminal.
func (s *JobStore) Start(ctx context.Context, id string) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.ExchangeJob{}).
		Where("id = ? AND status IN ?", id, outstanding).
		Updates(map[string]interface{}{
			"status":     models.JobInProgress,
			"started_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("start job %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *JobStore) MarkReserved(ctx context.Context, id string) error {
	return s.update(ctx, id, map[string]interface{}{"quota_reserved": true})
}

func (s *JobStore) SetAttempt(ctx context.Context, id string, attempt int) error {
	return s.update(ctx, id, map[string]interface{}{"attempt": attempt})
}

func (s *JobStore) MarkDelivered(ctx context.Context, id string) error {
	return s.update(ctx, id, map[string]interface{}{
		"status":      models.JobDelivered,
		"finished_at": s.now(),
		"error_kind":  nil,
	})
}

func (s *JobStore) MarkFailed(ctx context.Context, id string, kind string) error {
	return s.update(ctx, id, map[string]interface{}{
		"status":      models.JobFailed,
		"finished_at": s.now(),
		"error_kind":  kind,
	})
}

// ExpireStale fails outstanding jobs enqueued before cutoff, releasing their pairs.
func (s *JobStore) ExpireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.ExchangeJob{}).
		Where("status IN ? AND enqueued_at < ?", outstanding, cutoff).
		Updates(map[string]interface{}{
			"status":      models.JobFailed,
			"finished_at": s.now(),
			"error_kind":  models.ErrorKindExpired,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("expire stale jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CountByStatus backs the status endpoint.
func (s *JobStore) CountByStatus(ctx context.Context, senderID uint) (map[models.JobStatus]int64, error) {
	var rows []struct {
		Status models.JobStatus
		Total  int64
	}
	if err := s.db.WithContext(ctx).Model(&models.ExchangeJob{}).
		Select("status, COUNT(*) AS total").
		Where("sender_account_id = ?", senderID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count jobs for %d: %w", senderID, err)
	}
	out := make(map[models.JobStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Total
	}
	return out, nil
}

// update never touches a job that already reached a terminal status.
func (s *JobStore) update(ctx context.Context, id string, fields map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.ExchangeJob{}).
		Where("id = ? AND status IN ?", id, outstanding).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.ExchangeJob{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("update job %s: %w", id, err)
		}
		if count == 0 {
			return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
		}
	}
	return nil
}
