package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"mailwarm/models"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerSettings tunes the per-provider circuit breaker.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  5,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// BreakerTransport stops calling a provider that keeps failing transiently.
// Terminal errors describe one message, not the provider, and do not trip it.
// Breakers are kept per key so one failing server does not block others.
type BreakerTransport struct {
	name     string
	inner    MailTransport
	settings BreakerSettings
	log      *logrus.Entry
	key      func(account *models.WarmupAccount) string

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerTransport guards a hosted provider with a single breaker.
func NewBreakerTransport(name string, inner MailTransport, s BreakerSettings, log *logrus.Entry) *BreakerTransport {
	return newBreakerTransport(name, inner, s, log, func(*models.WarmupAccount) string { return "" })
}

// NewHostBreakerTransport keeps one breaker per SMTP host.
func NewHostBreakerTransport(name string, inner MailTransport, s BreakerSettings, log *logrus.Entry) *BreakerTransport {
	return newBreakerTransport(name, inner, s, log, func(a *models.WarmupAccount) string {
		return strings.ToLower(strings.TrimSpace(a.SMTPHost))
	})
}

func newBreakerTransport(name string, inner MailTransport, s BreakerSettings, log *logrus.Entry, key func(*models.WarmupAccount) string) *BreakerTransport {
	return &BreakerTransport{
		name:     name,
		inner:    inner,
		settings: s,
		log:      log,
		key:      key,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *BreakerTransport) breaker(account *models.WarmupAccount) *gobreaker.CircuitBreaker {
	key := b.key(account)
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[key]; ok {
		return cb
	}
	name := b.name
	if key != "" {
		name += ":" + key
	}
	s := b.settings
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			te, ok := AsError(err)
			return ok && te.Kind == KindTerminal
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
	b.breakers[key] = cb
	return cb
}

func (b *BreakerTransport) Send(ctx context.Context, account *models.WarmupAccount, creds Credentials, msg *Message) (string, error) {
	out, err := b.breaker(account).Execute(func() (interface{}, error) {
		return b.inner.Send(ctx, account, creds, msg)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", Transient(ReasonCircuitOpen, err)
		}
		return "", err
	}
	return out.(string), nil
}

// State reports the breaker that guards sends for account.
func (b *BreakerTransport) State(account *models.WarmupAccount) gobreaker.State {
	return b.breaker(account).State()
}
