package ratelimit

import (
	"context"
	"fmt"
	"time"

	"mailwarm/models"
	"mailwarm/registry"
	"mailwarm/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const dateLayout = "2006-01-02"

// RolloverResult summarises one pass over the enrolled accounts.
type RolloverResult struct {
	Checked int
	Rolled  int
	Failed  int
}

// Rollover resets the daily counter of every enrolled account whose local
// calendar day has moved past LastResetDate. Active accounts also advance one
// warmup day per elapsed calendar day, so a pass after downtime catches up;
// the first reset after enrollment only stamps the date.
// Running it again on the same local day matches nothing.
func (t *Tracker) Rollover(ctx context.Context, accounts registry.AccountStore, now time.Time) (RolloverResult, error) {
	var result RolloverResult

	enrolled, err := accounts.ListEnrolled(ctx)
	if err != nil {
		return result, err
	}

	for i := range enrolled {
		a := &enrolled[i]
		result.Checked++

		today := a.LocalDate(now)
		if a.LastResetDate != "" && a.LastResetDate >= today {
			continue
		}

		days := elapsedDays(a.LastResetDate, today)
		rolled, err := t.rolloverAccount(ctx, a.ID, today, days)
		if err != nil {
			result.Failed++
			utils.LogError("rollover_failed", err, map[string]interface{}{
				"account_id": a.ID,
				"local_date": today,
			})
			continue
		}
		if rolled {
			result.Rolled++
			t.log.WithFields(logrus.Fields{
				"account_id": a.ID,
				"local_date": today,
				"days":       days,
			}).Info("Rolled over warmup day")
		}
	}

	return result, nil
}

func (t *Tracker) rolloverAccount(ctx context.Context, id uint, today string, days int) (bool, error) {
	res := t.db.WithContext(ctx).Model(&models.WarmupAccount{}).
		Where("id = ?", id).
		Where("(last_reset_date IS NULL OR last_reset_date < ?)", today).
		Updates(map[string]interface{}{
			"current_day_sent": 0,
			"warmup_day_count": gorm.Expr(
				"CASE WHEN warmup_status = ? AND last_reset_date IS NOT NULL AND last_reset_date <> '' "+
					"THEN warmup_day_count + ? ELSE warmup_day_count END",
				models.WarmupActive, days,
			),
			"last_reset_date": today,
		})
	if res.Error != nil {
		return false, fmt.Errorf("%w: rollover %d: %v", registry.ErrPersistence, id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// elapsedDays counts calendar days between two local dates, at least one.
// Paused accounts are stamped daily too, so a gap only comes from downtime.
func elapsedDays(last, today string) int {
	from, err := time.Parse(dateLayout, last)
	if err != nil {
		return 1
	}
	to, err := time.Parse(dateLayout, today)
	if err != nil {
		return 1
	}
	days := int(to.Sub(from).Hours() / 24)
	if days < 1 {
		return 1
	}
	return days
}
