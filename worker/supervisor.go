package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"mailwarm/metrics"
	"mailwarm/utils"

	"github.com/sirupsen/logrus"
)

// Loop is a long-running task that returns when ctx is done or it fails.
type Loop func(ctx context.Context) error

// Supervisor keeps a loop running, restarting it with backoff when it
// returns early or panics.
type Supervisor struct {
	name       string
	loop       Loop
	backoff    time.Duration
	maxBackoff time.Duration
	running    int32
	restarts   int64
	metrics    *metrics.Metrics
	log        *logrus.Entry
}

func NewSupervisor(name string, loop Loop, backoff, maxBackoff time.Duration, m *metrics.Metrics, log *logrus.Entry) *Supervisor {
	if backoff <= 0 {
		backoff = time.Second
	}
	if maxBackoff < backoff {
		maxBackoff = backoff
	}
	return &Supervisor{
		name:       name,
		loop:       loop,
		backoff:    backoff,
		maxBackoff: maxBackoff,
		metrics:    m,
		log:        log.WithField("loop", name),
	}
}

// Run blocks until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	delay := s.backoff
	for {
		started := time.Now()
		atomic.StoreInt32(&s.running, 1)
		err := s.runOnce(ctx)
		atomic.StoreInt32(&s.running, 0)

		if ctx.Err() != nil {
			s.log.Info("Loop stopped")
			return
		}

		// A loop that stayed up for a while starts the backoff over.
		if time.Since(started) > s.maxBackoff {
			delay = s.backoff
		}

		n := atomic.AddInt64(&s.restarts, 1)
		if s.metrics != nil {
			s.metrics.ConsumerRestarts.WithLabelValues(s.name).Inc()
		}
		if err == nil {
			err = fmt.Errorf("%s loop exited", s.name)
		}
		utils.LogError("loop_restart", err, map[string]interface{}{
			"loop":     s.name,
			"restarts": n,
			"backoff":  delay.String(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		delay *= 2
		if delay > s.maxBackoff {
			delay = s.maxBackoff
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s loop: %v\n%s", s.name, r, debug.Stack())
		}
	}()
	return s.loop(ctx)
}

func (s *Supervisor) Name() string { return s.name }

// Running reports whether the loop is currently executing.
func (s *Supervisor) Running() bool {
	return atomic.LoadInt32(&s.running) == 1
}

// Restarts returns how many times the loop has been restarted.
func (s *Supervisor) Restarts() int64 {
	return atomic.LoadInt64(&s.restarts)
}
