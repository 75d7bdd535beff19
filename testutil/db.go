package testutil

import (
	"testing"
	"time"

	"mailwarm/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens a migrated in-memory database private to the test.
// A single connection keeps every statement on the same memory database.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, models.Migrate(db))
	return db
}

// Account describes a test mailbox; zero ramp fields take the default curve.
type Account struct {
	Email          string
	Role           models.AccountRole
	Status         models.WarmupStatus
	Start          int
	Increase       int
	Max            int
	DayCount       int
	CurrentDaySent int
	Timezone       string
	LastResetDate  string
	IMAPHost       string
}

// CreateAccount inserts a warmup account and returns it with its id.
func CreateAccount(t *testing.T, db *gorm.DB, a Account) *models.WarmupAccount {
	t.Helper()

	account := &models.WarmupAccount{
		UserID:               1,
		Email:                a.Email,
		FromName:             a.Email,
		Provider:             models.ProviderSMTP,
		Role:                 a.Role,
		WarmupStatus:         a.Status,
		WarmupDayCount:       a.DayCount,
		StartEmailsPerDay:    a.Start,
		IncreaseEmailsPerDay: a.Increase,
		MaxEmailsPerDay:      a.Max,
		CurrentDaySent:       a.CurrentDaySent,
		Timezone:             a.Timezone,
		LastResetDate:        a.LastResetDate,
		SMTPHost:             "smtp.example.com",
		SMTPPort:             587,
		IMAPHost:             a.IMAPHost,
	}
	if account.Role == "" {
		account.Role = models.RoleWarmup
	}
	if account.WarmupStatus == "" {
		account.WarmupStatus = models.WarmupActive
	}
	if account.Timezone == "" {
		account.Timezone = "UTC"
	}
	if account.LastResetDate == "" {
		account.LastResetDate = time.Now().UTC().Format("2006-01-02")
	}
	models.ApplyDefaultRamp(account)

	require.NoError(t, db.Create(account).Error)
	return account
}
