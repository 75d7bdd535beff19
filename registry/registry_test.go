package registry

import (
	"context"
	"errors"
	"testing"

	"mailwarm/models"
	"mailwarm/testutil"
	"mailwarm/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	AccountStore
}

func (failingStore) ListEligible(context.Context) ([]models.WarmupAccount, error) {
	return nil, errors.New("connection refused")
}

func TestListEligibleAccountsOrderedAndFiltered(t *testing.T) {
	db := testutil.NewDB(t)
	c := testutil.CreateAccount(t, db, testutil.Account{Email: "c@example.com"})
	testutil.CreateAccount(t, db, testutil.Account{Email: "paused@example.com", Status: models.WarmupPaused})
	a := testutil.CreateAccount(t, db, testutil.Account{Email: "a@example.com"})
	testutil.CreateAccount(t, db, testutil.Account{Email: "off@example.com", Status: models.WarmupInactive})

	reg := NewRegistry(NewGormStore(db), utils.DiscardLogger())
	accounts := reg.ListEligibleAccounts(context.Background())

	require.Len(t, accounts, 2)
	assert.Equal(t, c.ID, accounts[0].ID)
	assert.Equal(t, a.ID, accounts[1].ID)
	assert.Less(t, accounts[0].ID, accounts[1].ID)
}

func TestListEligibleAccountsSwallowsStoreFailure(t *testing.T) {
	reg := NewRegistry(failingStore{}, utils.DiscardLogger())

	accounts := reg.ListEligibleAccounts(context.Background())

	assert.NotNil(t, accounts)
	assert.Empty(t, accounts)
}

func TestGetAccountNotFound(t *testing.T) {
	db := testutil.NewDB(t)
	store := NewGormStore(db)

	_, err := store.GetAccount(context.Background(), 42)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = store.GetAccountByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestSetStatus(t *testing.T) {
	db := testutil.NewDB(t)
	store := NewGormStore(db)
	a := testutil.CreateAccount(t, db, testutil.Account{Email: "a@example.com"})

	require.NoError(t, store.SetStatus(context.Background(), a.ID, models.WarmupPaused))
	got, err := store.GetAccount(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WarmupPaused, got.WarmupStatus)

	err = store.SetStatus(context.Background(), 999, models.WarmupActive)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestUpdateRampClampsTodaysCounter(t *testing.T) {
	db := testutil.NewDB(t)
	store := NewGormStore(db)
	a := testutil.CreateAccount(t, db, testutil.Account{
		Email: "a@example.com", Start: 10, Increase: 5, Max: 40, DayCount: 2, CurrentDaySent: 15,
	})

	err := store.UpdateRamp(context.Background(), a.ID, Ramp{StartEmailsPerDay: 4, IncreaseEmailsPerDay: 2, MaxEmailsPerDay: 6})
	require.NoError(t, err)

	got, err := store.GetAccount(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.StartEmailsPerDay)
	assert.Equal(t, 2, got.IncreaseEmailsPerDay)
	assert.Equal(t, 6, got.MaxEmailsPerDay)
	// min(4 + 2*2, 6) = 6
	assert.Equal(t, 6, got.CurrentDaySent)
}

func TestUpdateRampKeepsCounterUnderLimit(t *testing.T) {
	db := testutil.NewDB(t)
	store := NewGormStore(db)
	a := testutil.CreateAccount(t, db, testutil.Account{
		Email: "a@example.com", Start: 3, Increase: 3, Max: 25, DayCount: 1, CurrentDaySent: 2,
	})

	require.NoError(t, store.UpdateRamp(context.Background(), a.ID, Ramp{StartEmailsPerDay: 5, IncreaseEmailsPerDay: 5, MaxEmailsPerDay: 50}))

	got, err := store.GetAccount(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentDaySent)
}
