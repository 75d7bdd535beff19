package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mailwarm/models"
)

var (
	ErrQueueUnavailable = errors.New("exchange queue unavailable")
	ErrQueueClosed      = errors.New("exchange queue closed")
	ErrJobNotFound      = errors.New("exchange job not found")
)

// Message is the envelope carried on the queue; the job row stays authoritative.
type Message struct {
	JobID             string           `json:"job_id"`
	SenderAccountID   uint             `json:"sender_account_id"`
	ReceiverAccountID uint             `json:"receiver_account_id"`
	Direction         models.Direction `json:"direction"`
	EnqueuedAt        time.Time        `json:"enqueued_at"`
}

// MessageFor builds the envelope of a persisted job.
func MessageFor(job *models.ExchangeJob) Message {
	return Message{
		JobID:             job.ID,
		SenderAccountID:   job.SenderAccountID,
		ReceiverAccountID: job.ReceiverAccountID,
		Direction:         job.Direction,
		EnqueuedAt:        job.EnqueuedAt,
	}
}

// Delivery is a dequeued message that must be acked or requeued.
type Delivery struct {
	Message Message
	raw     string
	seq     uint64
}

// Queue is a FIFO hand-off with at-least-once delivery.
type Queue interface {
	// Enqueue fails with ErrQueueUnavailable rather than dropping the message.
	Enqueue(ctx context.Context, msg Message) error
	// Dequeue blocks until a message arrives or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Requeue hands the delivery back to the tail of the queue.
	Requeue(ctx context.Context, d *Delivery) error
	// Recover moves deliveries left unacked by a previous consumer back to the queue.
	Recover(ctx context.Context) (int, error)
	Depth(ctx context.Context) (int64, error)
	Close() error
}

func encode(msg Message) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message %s: %w", msg.JobID, err)
	}
	return string(b), nil
}

func decode(raw string) (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}
