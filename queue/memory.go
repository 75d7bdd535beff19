package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryQueue is an in-process queue for single-node deployments.
// Deliveries are tracked until acked so Recover can hand them out again;
// nothing survives a process restart.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []Message
	inflight map[uint64]Message
	seq      uint64
	capacity int
	wake     chan struct{}
	closed   bool
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer < 1 {
		buffer = 1
	}
	return &MemoryQueue{
		inflight: make(map[uint64]Message),
		capacity: buffer,
		wake:     make(chan struct{}),
	}
}

// Enqueue admits new work only while fewer than capacity messages are waiting.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("%w: %w", ErrQueueUnavailable, ErrQueueClosed)
	}
	if len(q.ready) >= q.capacity {
		return fmt.Errorf("%w: buffer full (%d)", ErrQueueUnavailable, q.capacity)
	}
	q.push(msg)
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready[0] = Message{}
			q.ready = q.ready[1:]
			q.seq++
			q.inflight[q.seq] = msg
			seq := q.seq
			q.mu.Unlock()
			return &Delivery{Message: msg, seq: seq}, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	delete(q.inflight, d.seq)
	q.mu.Unlock()
	return nil
}

// Requeue puts a delivery back even when the buffer is full; it was
// admitted once already.
func (q *MemoryQueue) Requeue(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("%w: %w", ErrQueueUnavailable, ErrQueueClosed)
	}
	delete(q.inflight, d.seq)
	q.push(d.Message)
	return nil
}

// Recover puts every unacked delivery back at the head of the queue.
func (q *MemoryQueue) Recover(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.inflight)
	if n == 0 || q.closed {
		return 0, nil
	}
	seqs := make([]uint64, 0, n)
	for seq := range q.inflight {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	recovered := make([]Message, 0, n+len(q.ready))
	for _, seq := range seqs {
		recovered = append(recovered, q.inflight[seq])
		delete(q.inflight, seq)
	}
	q.ready = append(recovered, q.ready...)
	q.signal()
	return n, nil
}

func (q *MemoryQueue) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}

// InFlight counts deliveries handed out and not yet acked or requeued.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.signal()
	}
	return nil
}

// push and signal expect q.mu to be held.
func (q *MemoryQueue) push(msg Message) {
	q.ready = append(q.ready, msg)
	q.signal()
}

func (q *MemoryQueue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}
