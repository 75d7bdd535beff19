package pairing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"mailwarm/models"
	"mailwarm/ratelimit"
	"mailwarm/registry"

	"github.com/sirupsen/logrus"
)

// JobLedger is the persisted view of outstanding exchange jobs.
type JobLedger interface {
	// ActivePairs returns every unordered pair with a queued or in-progress job.
	ActivePairs(ctx context.Context) (map[models.PairKey]struct{}, error)
	// UnreservedBySender counts outstanding jobs that have not yet taken quota.
	UnreservedBySender(ctx context.Context) (map[uint]int, error)
	// Admit persists a queued job and moves the sender's rotation cursor atomically.
	Admit(ctx context.Context, job *models.ExchangeJob, nextCursor int) error
}

// Selection is one admitted (sender, receiver) decision before persistence.
type Selection struct {
	Sender     models.WarmupAccount
	Receiver   models.WarmupAccount
	Direction  models.Direction
	NextCursor int
}

// Select picks at most one partner per eligible sender. Accounts are visited in
// ascending id order; each sender scans its partner pool from its cursor and
// skips pairs that already have an outstanding job, including pairs chosen
// earlier in the same call. Senders whose quota is covered by unreserved
// outstanding jobs are skipped.
func Select(accounts []models.WarmupAccount, active map[models.PairKey]struct{}, unreserved map[uint]int) []Selection {
	ordered := sortByID(accounts)

	busy := make(map[models.PairKey]struct{}, len(active))
	for k := range active {
		busy[k] = struct{}{}
	}

	var out []Selection
	for i := range ordered {
		sender := ordered[i]
		if !sender.IsActive() {
			continue
		}
		if sender.CurrentDaySent+unreserved[sender.ID] >= ratelimit.EffectiveDailyLimit(&sender) {
			continue
		}

		pool := partnerPool(ordered, sender.ID)
		if len(pool) == 0 {
			continue
		}

		start := sender.RoundRobinIndex % len(pool)
		if start < 0 {
			start += len(pool)
		}

		for k := 0; k < len(pool); k++ {
			idx := (start + k) % len(pool)
			key := models.NewPairKey(sender.ID, pool[idx].ID)
			if _, taken := busy[key]; taken {
				continue
			}
			busy[key] = struct{}{}
			out = append(out, Selection{
				Sender:     sender,
				Receiver:   pool[idx],
				Direction:  DirectionFor(&sender),
				NextCursor: (idx + 1) % len(pool),
			})
			break
		}
	}
	return out
}

// DirectionFor derives the exchange direction from the sender's role.
func DirectionFor(sender *models.WarmupAccount) models.Direction {
	if sender.Role == models.RolePool {
		return models.DirectionPoolToWarmup
	}
	return models.DirectionWarmupToPool
}

func partnerPool(accounts []models.WarmupAccount, self uint) []models.WarmupAccount {
	pool := make([]models.WarmupAccount, 0, len(accounts))
	for _, a := range accounts {
		if a.ID == self || !a.IsActive() {
			continue
		}
		pool = append(pool, a)
	}
	return pool
}

func sortByID(accounts []models.WarmupAccount) []models.WarmupAccount {
	out := make([]models.WarmupAccount, len(accounts))
	copy(out, accounts)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Selector turns one scheduler tick into persisted queued jobs.
type Selector struct {
	registry *registry.Registry
	ledger   JobLedger
	log      *logrus.Entry
	now      func() time.Time
}

func NewSelector(reg *registry.Registry, ledger JobLedger, log *logrus.Entry) *Selector {
	return &Selector{registry: reg, ledger: ledger, log: log, now: time.Now}
}

// SelectJobs returns the jobs admitted this tick, already stored as queued.
// A job that fails to persist is skipped; the pair is picked up again next tick.
func (s *Selector) SelectJobs(ctx context.Context) ([]*models.ExchangeJob, error) {
	accounts := s.registry.ListEligibleAccounts(ctx)
	if len(accounts) < 2 {
		return nil, nil
	}

	active, err := s.ledger.ActivePairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active pairs: %w", err)
	}
	unreserved, err := s.ledger.UnreservedBySender(ctx)
	if err != nil {
		return nil, fmt.Errorf("load outstanding jobs: %w", err)
	}

	selections := Select(accounts, active, unreserved)
	jobs := make([]*models.ExchangeJob, 0, len(selections))
	now := s.now()

	for _, sel := range selections {
		job := models.NewExchangeJob(sel.Sender.ID, sel.Receiver.ID, sel.Direction, now)
		if err := s.ledger.Admit(ctx, job, sel.NextCursor); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"sender_id":   sel.Sender.ID,
				"receiver_id": sel.Receiver.ID,
			}).Warn("Failed to admit exchange job")
			continue
		}
		jobs = append(jobs, job)
	}

	s.log.WithFields(logrus.Fields{
		"eligible": len(accounts),
		"admitted": len(jobs),
	}).Debug("Selected exchange pairs")
	return jobs, nil
}
