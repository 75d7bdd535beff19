package models

import "gorm.io/gorm"

// Migrate creates or updates every table the warmup engine owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&WarmupAccount{},
		&ExchangeJob{},
		&ExchangeRecord{},
		&SenderReceiverMetrics{},
	)
}

// DefaultRamp is applied to accounts created without explicit ramp settings.
var DefaultRamp = struct {
	StartEmailsPerDay    int
	IncreaseEmailsPerDay int
	MaxEmailsPerDay      int
}{
	StartEmailsPerDay:    3,
	IncreaseEmailsPerDay: 3,
	MaxEmailsPerDay:      25,
}

// ApplyDefaultRamp fills zero ramp fields with DefaultRamp.
func ApplyDefaultRamp(a *WarmupAccount) {
	if a.StartEmailsPerDay == 0 {
		a.StartEmailsPerDay = DefaultRamp.StartEmailsPerDay
	}
	if a.IncreaseEmailsPerDay == 0 {
		a.IncreaseEmailsPerDay = DefaultRamp.IncreaseEmailsPerDay
	}
	if a.MaxEmailsPerDay == 0 {
		a.MaxEmailsPerDay = DefaultRamp.MaxEmailsPerDay
	}
}
