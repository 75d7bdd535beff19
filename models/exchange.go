package models

import (
	"time"

	"github.com/google/uuid"
)

// Direction tells which side of the warmup pair is sending.
type Direction string

const (
	DirectionWarmupToPool Direction = "WARMUP_TO_POOL"
	DirectionPoolToWarmup Direction = "POOL_TO_WARMUP"
)

// JobStatus represents the status of an exchange job
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobDelivered  JobStatus = "delivered"
	JobFailed     JobStatus = "failed"
)

// Error kinds persisted on failed jobs and records.
const (
	ErrorKindQuotaExceeded = "quota_exceeded"
	ErrorKindEnqueueFailed = "enqueue_failed"
	ErrorKindExpired       = "expired"
	ErrorKindSenderPaused  = "sender_inactive"
	ErrorKindAccountGone   = "account_missing"
)

// ExchangeJob is one unit of work: sender mails receiver once.
type ExchangeJob struct {
	ID                string     `gorm:"primaryKey;size:36" json:"id"`
	SenderAccountID   uint       `gorm:"not null;index" json:"sender_account_id"`
	ReceiverAccountID uint       `gorm:"not null;index" json:"receiver_account_id"`
	Direction         Direction  `gorm:"not null" json:"direction"`
	Status            JobStatus  `gorm:"not null;index" json:"status"`
	Attempt           int        `gorm:"not null;default:0" json:"attempt"`
	QuotaReserved     bool       `gorm:"not null;default:false" json:"quota_reserved"`
	ErrorKind         *string    `json:"error_kind"`
	EnqueuedAt        time.Time  `gorm:"not null" json:"enqueued_at"`
	StartedAt         *time.Time `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// NewExchangeJob creates a queued job with a generated UUID
func NewExchangeJob(senderID, receiverID uint, direction Direction, now time.Time) *ExchangeJob {
	return &ExchangeJob{
		ID:                uuid.New().String(),
		SenderAccountID:   senderID,
		ReceiverAccountID: receiverID,
		Direction:         direction,
		Status:            JobQueued,
		EnqueuedAt:        now,
	}
}

// IsTerminal reports whether the job has reached delivered or failed.
func (j *ExchangeJob) IsTerminal() bool {
	return j.Status == JobDelivered || j.Status == JobFailed
}

// Pair returns the unordered pair key of the job.
func (j *ExchangeJob) Pair() PairKey {
	return NewPairKey(j.SenderAccountID, j.ReceiverAccountID)
}

// PairKey identifies two accounts regardless of direction.
type PairKey struct {
	Low  uint
	High uint
}

// NewPairKey orders the ids so A->B and B->A share a key.
func NewPairKey(a, b uint) PairKey {
	if a > b {
		a, b = b, a
	}
	return PairKey{Low: a, High: b}
}

// RecordStatus is the outcome stored on an ExchangeRecord.
type RecordStatus string

const (
	RecordDelivered RecordStatus = "delivered"
	RecordFailed    RecordStatus = "failed"
)

// ExchangeRecord is the durable log of one exchange; JobID is the dedup key.
type ExchangeRecord struct {
	ID             uint         `gorm:"primaryKey" json:"id"`
	JobID          string       `gorm:"not null;uniqueIndex;size:36" json:"job_id"`
	SenderEmail    string       `gorm:"not null;index:idx_record_pair,priority:1" json:"sender_email"`
	ReceiverEmail  string       `gorm:"not null;index:idx_record_pair,priority:2" json:"receiver_email"`
	Direction      Direction    `gorm:"not null" json:"direction"`
	Status         RecordStatus `gorm:"not null;index" json:"status"`
	MessageID      string       `gorm:"index" json:"message_id"`
	SentAt         time.Time    `gorm:"not null" json:"sent_at"`
	DeliveredInbox bool         `gorm:"not null;default:false" json:"delivered_inbox"`
	LandedSpam     bool         `gorm:"not null;default:false" json:"landed_spam"`
	MovedToInbox   bool         `gorm:"not null;default:false" json:"moved_to_inbox"`
	Replied        bool         `gorm:"not null;default:false" json:"replied"`
	PlacementAt    *time.Time   `json:"placement_at"`
	ErrorKind      *string      `json:"error_kind"`
	CreatedAt      time.Time    `json:"created_at"`
}

// SenderReceiverMetrics aggregates exchanges for one (sender, receiver) pair.
type SenderReceiverMetrics struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	SenderEmail         string     `gorm:"not null;uniqueIndex:ux_metrics_pair,priority:1" json:"sender_email"`
	ReceiverEmail       string     `gorm:"not null;uniqueIndex:ux_metrics_pair,priority:2" json:"receiver_email"`
	TotalSent           int        `gorm:"not null;default:0" json:"total_sent"`
	DeliveredInbox      int        `gorm:"not null;default:0" json:"delivered_inbox"`
	RepliesReceived     int        `gorm:"not null;default:0" json:"replies_received"`
	LandedSpam          int        `gorm:"not null;default:0" json:"landed_spam"`
	Bounced             int        `gorm:"not null;default:0" json:"bounced"`
	MovedToInbox        int        `gorm:"not null;default:0" json:"moved_to_inbox"`
	DeliverabilityScore int        `gorm:"not null;default:0" json:"deliverability_score"`
	ReplyRate           float64    `gorm:"not null;default:0" json:"reply_rate"`
	DeliveryRate        float64    `gorm:"not null;default:0" json:"delivery_rate"`
	LastChecked         *time.Time `json:"last_checked"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// TableName keeps the plural-of-plural out of the schema.
func (SenderReceiverMetrics) TableName() string { return "sender_receiver_metrics" }
