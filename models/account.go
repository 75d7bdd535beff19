package models

import (
	"time"

	"gorm.io/gorm"
)

// Provider identifies which mail transport an account sends through.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderSMTP      Provider = "smtp"
)

// WarmupStatus is the user-controlled warmup state of an account.
type WarmupStatus string

const (
	WarmupActive   WarmupStatus = "active"
	WarmupPaused   WarmupStatus = "paused"
	WarmupInactive WarmupStatus = "inactive"
)

// AccountRole separates mailboxes being ramped up from the counterpart pool.
type AccountRole string

const (
	RoleWarmup AccountRole = "warmup"
	RolePool   AccountRole = "pool"
)

// WarmupAccount is a mailbox enrolled in warmup
type WarmupAccount struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Email    string      `gorm:"not null;uniqueIndex" json:"email"`
	FromName string      `json:"from_name"`
	Provider Provider    `gorm:"not null" json:"provider"`
	Role     AccountRole `gorm:"not null;default:'warmup'" json:"role"`

	// ========= Warmup Progression =========
	WarmupStatus         WarmupStatus `gorm:"not null;default:'inactive';index" json:"warmup_status"`
	WarmupDayCount       int          `gorm:"not null;default:0" json:"warmup_day_count"`
	StartEmailsPerDay    int          `gorm:"not null" json:"start_emails_per_day"`
	IncreaseEmailsPerDay int          `gorm:"not null" json:"increase_emails_per_day"`
	MaxEmailsPerDay      int          `gorm:"not null" json:"max_emails_per_day"`
	CurrentDaySent       int          `gorm:"not null;default:0" json:"current_day_sent"`
	RoundRobinIndex      int          `gorm:"not null;default:0" json:"round_robin_index"`
	Timezone             string       `gorm:"not null;default:'UTC'" json:"timezone"`
	LastResetDate        string       `gorm:"size:10" json:"last_reset_date"` // YYYY-MM-DD in Timezone

	// ========= SMTP Configuration =========
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"` // Encrypted in application layer
	Encryption   string `json:"encryption"` // SSL, TLS, STARTTLS

	// ========= IMAP Configuration =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`

	// ========= OAuth Configuration =========
	OAuthRefreshToken string `gorm:"column:oauth_refresh_token" json:"-"` // Encrypted

	LastError *string `json:"last_error"`
}

// IsActive reports whether the scheduler may pick the account.
func (a *WarmupAccount) IsActive() bool {
	return a.WarmupStatus == WarmupActive
}

// HasIMAP reports whether inbox placement can be verified for the account.
func (a *WarmupAccount) HasIMAP() bool {
	return a.IMAPHost != ""
}

// Location resolves the account's calendar zone, falling back to UTC.
func (a *WarmupAccount) Location() *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LocalDate returns the account-local calendar date for t.
func (a *WarmupAccount) LocalDate(t time.Time) string {
	return t.In(a.Location()).Format("2006-01-02")
}

// Sanitize strips secrets before the account leaves the process.
func (a *WarmupAccount) Sanitize() {
	a.SMTPPassword = ""
	a.IMAPPassword = ""
	a.OAuthRefreshToken = ""
}
