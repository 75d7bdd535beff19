package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailwarm/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrRecordNotFound = errors.New("exchange record not found")

// Event names published to live listeners.
const (
	EventExchangeRecorded = "exchange.recorded"
	EventPlacementChecked = "exchange.placement"
	EventReplyRecorded    = "exchange.replied"
)

// Publisher is the best-effort live update sink. Publish must not block.
type Publisher interface {
	Publish(event string, payload interface{})
}

// Outcome is the final result of one exchange job.
type Outcome struct {
	JobID         string
	SenderEmail   string
	ReceiverEmail string
	Direction     models.Direction
	Status        models.RecordStatus
	MessageID     string
	SentAt        time.Time
	ErrorKind     string
	Bounced       bool
}

// Placement is what an inbox check found for a delivered message.
type Placement struct {
	Inbox bool
	Spam  bool
	Moved bool
}

// Recorder persists exchange outcomes and keeps pair metrics in step with them.
type Recorder struct {
	db        *gorm.DB
	weights   ScoreWeights
	publisher Publisher
	log       *logrus.Entry
	now       func() time.Time
}

func NewRecorder(db *gorm.DB, weights ScoreWeights, publisher Publisher, log *logrus.Entry) *Recorder {
	return &Recorder{db: db, weights: weights, publisher: publisher, log: log, now: time.Now}
}

// RecordForJob returns the record a job already produced, or nil.
func (r *Recorder) RecordForJob(ctx context.Context, jobID string) (*models.ExchangeRecord, error) {
	var record models.ExchangeRecord
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup record for job %s: %w", jobID, err)
	}
	return &record, nil
}

// RecordOutcome writes the job's record and updates the pair metrics in one
// transaction. A second call for the same job id changes nothing and returns false.
func (r *Recorder) RecordOutcome(ctx context.Context, o Outcome) (bool, error) {
	record := models.ExchangeRecord{
		JobID:         o.JobID,
		SenderEmail:   o.SenderEmail,
		ReceiverEmail: o.ReceiverEmail,
		Direction:     o.Direction,
		Status:        o.Status,
		MessageID:     o.MessageID,
		SentAt:        o.SentAt,
	}
	if o.ErrorKind != "" {
		kind := o.ErrorKind
		record.ErrorKind = &kind
	}

	var metrics *models.SenderReceiverMetrics
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			DoNothing: true,
		}).Create(&record)
		if res.Error != nil {
			return fmt.Errorf("insert record: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		delta := map[string]int{"total_sent": 1}
		if o.Bounced {
			delta["bounced"] = 1
		}
		m, err := r.applyDelta(tx, o.SenderEmail, o.ReceiverEmail, delta)
		if err != nil {
			return err
		}
		metrics = m
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record outcome for job %s: %w", o.JobID, err)
	}
	if metrics == nil {
		r.log.WithField("job_id", o.JobID).Info("Exchange already recorded, skipping")
		return false, nil
	}

	r.publish(EventExchangeRecorded, map[string]interface{}{
		"job_id":    o.JobID,
		"sender":    o.SenderEmail,
		"receiver":  o.ReceiverEmail,
		"direction": o.Direction,
		"status":    o.Status,
		"score":     metrics.DeliverabilityScore,
	})
	return true, nil
}

// ApplyPlacement stores the first placement result of a delivered record.
func (r *Recorder) ApplyPlacement(ctx context.Context, recordID uint, p Placement) (bool, error) {
	var metrics *models.SenderReceiverMetrics
	var record models.ExchangeRecord

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()
		res := tx.Model(&models.ExchangeRecord{}).
			Where("id = ? AND placement_at IS NULL AND status = ?", recordID, models.RecordDelivered).
			Updates(map[string]interface{}{
				"delivered_inbox": p.Inbox,
				"landed_spam":     p.Spam,
				"moved_to_inbox":  p.Moved,
				"placement_at":    now,
			})
		if res.Error != nil {
			return fmt.Errorf("update placement: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.First(&record, recordID).Error; err != nil {
			return fmt.Errorf("reload record: %w", err)
		}

		delta := map[string]int{}
		if p.Inbox {
			delta["delivered_inbox"] = 1
		}
		if p.Spam {
			delta["landed_spam"] = 1
		}
		if p.Moved {
			delta["moved_to_inbox"] = 1
		}
		m, err := r.applyDelta(tx, record.SenderEmail, record.ReceiverEmail, delta)
		if err != nil {
			return err
		}
		metrics = m
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("apply placement to record %d: %w", recordID, err)
	}
	if metrics == nil {
		return false, nil
	}

	r.publish(EventPlacementChecked, map[string]interface{}{
		"record_id": recordID,
		"sender":    record.SenderEmail,
		"receiver":  record.ReceiverEmail,
		"inbox":     p.Inbox,
		"spam":      p.Spam,
		"moved":     p.Moved,
		"score":     metrics.DeliverabilityScore,
	})
	return true, nil
}

// RecordReply marks the delivered message replied and counts it once.
func (r *Recorder) RecordReply(ctx context.Context, messageID string) (bool, error) {
	var metrics *models.SenderReceiverMetrics
	var record models.ExchangeRecord

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", messageID).First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return fmt.Errorf("find record: %w", err)
		}

		res := tx.Model(&models.ExchangeRecord{}).
			Where("id = ? AND replied = ? AND status = ?", record.ID, false, models.RecordDelivered).
			Update("replied", true)
		if res.Error != nil {
			return fmt.Errorf("mark replied: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		m, err := r.applyDelta(tx, record.SenderEmail, record.ReceiverEmail, map[string]int{"replies_received": 1})
		if err != nil {
			return err
		}
		metrics = m
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return false, fmt.Errorf("message %s: %w", messageID, ErrRecordNotFound)
		}
		return false, fmt.Errorf("record reply for %s: %w", messageID, err)
	}
	if metrics == nil {
		return false, nil
	}

	r.publish(EventReplyRecorded, map[string]interface{}{
		"message_id": messageID,
		"sender":     record.SenderEmail,
		"receiver":   record.ReceiverEmail,
		"score":      metrics.DeliverabilityScore,
	})
	return true, nil
}

// PendingPlacement lists delivered records sent before olderThan that have not been checked.
func (r *Recorder) PendingPlacement(ctx context.Context, olderThan time.Time, limit int) ([]models.ExchangeRecord, error) {
	var records []models.ExchangeRecord
	if err := r.db.WithContext(ctx).
		Where("status = ? AND placement_at IS NULL AND sent_at < ?", models.RecordDelivered, olderThan).
		Order("sent_at ASC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list pending placement: %w", err)
	}
	return records, nil
}

// ClosePlacement stamps a record whose message was never found so it leaves the check window.
func (r *Recorder) ClosePlacement(ctx context.Context, recordID uint) error {
	if err := r.db.WithContext(ctx).Model(&models.ExchangeRecord{}).
		Where("id = ? AND placement_at IS NULL", recordID).
		Update("placement_at", r.now()).Error; err != nil {
		return fmt.Errorf("close placement for record %d: %w", recordID, err)
	}
	return nil
}

// MetricsForSender lists pair metrics where email is the sender.
func (r *Recorder) MetricsForSender(ctx context.Context, email string) ([]models.SenderReceiverMetrics, error) {
	var rows []models.SenderReceiverMetrics
	if err := r.db.WithContext(ctx).
		Where("sender_email = ?", email).
		Order("receiver_email ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list metrics for %s: %w", email, err)
	}
	return rows, nil
}

// applyDelta creates the pair row on first use, increments counters in SQL and
// rewrites the derived score from the committed counters.
func (r *Recorder) applyDelta(tx *gorm.DB, sender, receiver string, delta map[string]int) (*models.SenderReceiverMetrics, error) {
	seed := models.SenderReceiverMetrics{SenderEmail: sender, ReceiverEmail: receiver}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sender_email"}, {Name: "receiver_email"}},
		DoNothing: true,
	}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("create metrics row: %w", err)
	}

	if len(delta) > 0 {
		updates := make(map[string]interface{}, len(delta))
		for col, n := range delta {
			updates[col] = gorm.Expr(col+" + ?", n)
		}
		if err := tx.Model(&models.SenderReceiverMetrics{}).
			Where("sender_email = ? AND receiver_email = ?", sender, receiver).
			Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("increment metrics: %w", err)
		}
	}

	var m models.SenderReceiverMetrics
	if err := tx.Where("sender_email = ? AND receiver_email = ?", sender, receiver).First(&m).Error; err != nil {
		return nil, fmt.Errorf("load metrics: %w", err)
	}

	score := RecomputeScore(CountersOf(&m), r.weights)
	now := r.now()
	if err := tx.Model(&models.SenderReceiverMetrics{}).
		Where("id = ?", m.ID).
		Updates(map[string]interface{}{
			"deliverability_score": score.Value,
			"reply_rate":           score.ReplyRate,
			"delivery_rate":        score.DeliveryRate,
			"last_checked":         now,
		}).Error; err != nil {
		return nil, fmt.Errorf("store score: %w", err)
	}

	m.DeliverabilityScore = score.Value
	m.ReplyRate = score.ReplyRate
	m.DeliveryRate = score.DeliveryRate
	m.LastChecked = &now
	return &m, nil
}

// CountersOf extracts the score inputs of a metrics row.
func CountersOf(m *models.SenderReceiverMetrics) Counters {
	return Counters{
		TotalSent:       m.TotalSent,
		DeliveredInbox:  m.DeliveredInbox,
		RepliesReceived: m.RepliesReceived,
		LandedSpam:      m.LandedSpam,
		Bounced:         m.Bounced,
		MovedToInbox:    m.MovedToInbox,
	}
}

func (r *Recorder) publish(event string, payload map[string]interface{}) {
	if r.publisher == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("event", event).Warnf("Live update publisher panicked: %v", rec)
		}
	}()
	r.publisher.Publish(event, payload)
}
