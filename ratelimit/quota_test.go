package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"mailwarm/models"
	"mailwarm/registry"
	"mailwarm/testutil"
	"mailwarm/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveDailyLimit(t *testing.T) {
	tests := []struct {
		name     string
		account  models.WarmupAccount
		expected int
	}{
		{
			name:     "ramp day two",
			account:  models.WarmupAccount{StartEmailsPerDay: 3, IncreaseEmailsPerDay: 3, MaxEmailsPerDay: 25, WarmupDayCount: 2},
			expected: 9,
		},
		{
			name:     "first day",
			account:  models.WarmupAccount{StartEmailsPerDay: 5, IncreaseEmailsPerDay: 2, MaxEmailsPerDay: 40},
			expected: 5,
		},
		{
			name:     "capped by max",
			account:  models.WarmupAccount{StartEmailsPerDay: 3, IncreaseEmailsPerDay: 3, MaxEmailsPerDay: 25, WarmupDayCount: 30},
			expected: 25,
		},
		{
			name:     "flat curve",
			account:  models.WarmupAccount{StartEmailsPerDay: 10, MaxEmailsPerDay: 50, WarmupDayCount: 100},
			expected: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, EffectiveDailyLimit(&tt.account))
		})
	}
}

func TestEffectiveDailyLimitNeverDecreases(t *testing.T) {
	a := models.WarmupAccount{StartEmailsPerDay: 2, IncreaseEmailsPerDay: 4, MaxEmailsPerDay: 33}
	prev := EffectiveDailyLimit(&a)
	for day := 1; day < 60; day++ {
		a.WarmupDayCount = day
		limit := EffectiveDailyLimit(&a)
		assert.GreaterOrEqual(t, limit, prev)
		assert.LessOrEqual(t, limit, a.MaxEmailsPerDay)
		prev = limit
	}
}

func TestHasQuotaAndRemaining(t *testing.T) {
	a := models.WarmupAccount{StartEmailsPerDay: 3, IncreaseEmailsPerDay: 3, MaxEmailsPerDay: 25, WarmupDayCount: 2, CurrentDaySent: 8}
	assert.True(t, HasQuota(&a))
	assert.Equal(t, 1, Remaining(&a))

	a.CurrentDaySent = 9
	assert.False(t, HasQuota(&a))
	assert.Equal(t, 0, Remaining(&a))

	a.CurrentDaySent = 12
	assert.Equal(t, 0, Remaining(&a))
}

func TestReserveIncrementsCounter(t *testing.T) {
	db := testutil.NewDB(t)
	tracker := NewTracker(db, utils.DiscardLogger())
	a := testutil.CreateAccount(t, db, testutil.Account{Email: "a@example.com", Start: 3, Increase: 3, Max: 25, DayCount: 2})

	res, err := tracker.Reserve(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, res.AccountID)

	var got models.WarmupAccount
	require.NoError(t, db.First(&got, a.ID).Error)
	assert.Equal(t, 1, got.CurrentDaySent)
}

func TestReserveRejectsWhenQuotaConsumed(t *testing.T) {
	db := testutil.NewDB(t)
	tracker := NewTracker(db, utils.DiscardLogger())
	a := testutil.CreateAccount(t, db, testutil.Account{
		Email: "full@example.com", Start: 3, Increase: 3, Max: 25, DayCount: 2, CurrentDaySent: 9,
	})

	_, err := tracker.Reserve(context.Background(), a.ID)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	var got models.WarmupAccount
	require.NoError(t, db.First(&got, a.ID).Error)
	assert.Equal(t, 9, got.CurrentDaySent)
}

func TestReserveUnknownAccount(t *testing.T) {
	db := testutil.NewDB(t)
	tracker := NewTracker(db, utils.DiscardLogger())

	_, err := tracker.Reserve(context.Background(), 404)
	assert.ErrorIs(t, err, registry.ErrAccountNotFound)
	assert.NotErrorIs(t, err, ErrQuotaExceeded)
}

func TestConcurrentReserveGrantsExactlyRemaining(t *testing.T) {
	db := testutil.NewDB(t)
	tracker := NewTracker(db, utils.DiscardLogger())
	// limit 9, 4 already sent: 5 units remain for 25 contenders
	a := testutil.CreateAccount(t, db, testutil.Account{
		Email: "busy@example.com", Start: 3, Increase: 3, Max: 25, DayCount: 2, CurrentDaySent: 4,
	})

	const contenders = 25
	var granted, rejected int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := tracker.Reserve(context.Background(), a.ID)
			switch {
			case err == nil:
				atomic.AddInt32(&granted, 1)
			case assert.ErrorIs(t, err, ErrQuotaExceeded):
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(5), granted)
	assert.Equal(t, int32(contenders-5), rejected)

	var got models.WarmupAccount
	require.NoError(t, db.First(&got, a.ID).Error)
	assert.Equal(t, 9, got.CurrentDaySent)
	assert.LessOrEqual(t, got.CurrentDaySent, EffectiveDailyLimit(&got))
}
