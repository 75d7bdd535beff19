package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailwarm/models"
	"mailwarm/registry"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrQuotaExceeded means the sender has no daily quota left. It is never retried.
var ErrQuotaExceeded = errors.New("daily quota exceeded")

// limitSQL evaluates min(start + increase*day, max) against the row being updated.
const limitSQL = "CASE WHEN start_emails_per_day + increase_emails_per_day * warmup_day_count < max_emails_per_day " +
	"THEN start_emails_per_day + increase_emails_per_day * warmup_day_count ELSE max_emails_per_day END"

// EffectiveDailyLimit is the number of sends allowed on the account's current warmup day.
func EffectiveDailyLimit(a *models.WarmupAccount) int {
	limit := a.StartEmailsPerDay + a.IncreaseEmailsPerDay*a.WarmupDayCount
	if limit > a.MaxEmailsPerDay {
		return a.MaxEmailsPerDay
	}
	return limit
}

func HasQuota(a *models.WarmupAccount) bool {
	return a.CurrentDaySent < EffectiveDailyLimit(a)
}

// Remaining never goes below zero.
func Remaining(a *models.WarmupAccount) int {
	if r := EffectiveDailyLimit(a) - a.CurrentDaySent; r > 0 {
		return r
	}
	return 0
}

// Reservation is proof that one unit of the sender's daily quota was taken.
type Reservation struct {
	AccountID  uint
	ReservedAt time.Time
}

// Tracker mutates per-account counters with single conditional statements,
// so reservations stay linearizable without row locks.
type Tracker struct {
	db  *gorm.DB
	log *logrus.Entry
	now func() time.Time
}

func NewTracker(db *gorm.DB, log *logrus.Entry) *Tracker {
	return &Tracker{db: db, log: log, now: time.Now}
}

// Reserve increments currentDaySent by one if the account still has quota.
func (t *Tracker) Reserve(ctx context.Context, accountID uint) (*Reservation, error) {
	res := t.db.WithContext(ctx).Model(&models.WarmupAccount{}).
		Where("id = ?", accountID).
		Where("current_day_sent < " + limitSQL).
		Update("current_day_sent", gorm.Expr("current_day_sent + 1"))
	if res.Error != nil {
		return nil, fmt.Errorf("%w: reserve quota for %d: %v", registry.ErrPersistence, accountID, res.Error)
	}

	if res.RowsAffected == 0 {
		var count int64
		if err := t.db.WithContext(ctx).Model(&models.WarmupAccount{}).
			Where("id = ?", accountID).
			Count(&count).Error; err != nil {
			return nil, fmt.Errorf("%w: reserve quota for %d: %v", registry.ErrPersistence, accountID, err)
		}
		if count == 0 {
			return nil, fmt.Errorf("account %d: %w", accountID, registry.ErrAccountNotFound)
		}
		t.log.WithField("account_id", accountID).Debug("Quota reservation rejected")
		return nil, fmt.Errorf("account %d: %w", accountID, ErrQuotaExceeded)
	}

	return &Reservation{AccountID: accountID, ReservedAt: t.now()}, nil
}
