package registry

import (
	"context"

	"mailwarm/models"
	"mailwarm/utils"

	"github.com/sirupsen/logrus"
)

// Registry is the scheduler's read view over enrolled mailboxes.
type Registry struct {
	store AccountStore
	log   *logrus.Entry
}

func NewRegistry(store AccountStore, log *logrus.Entry) *Registry {
	return &Registry{store: store, log: log}
}

// ListEligibleAccounts returns active accounts in ascending id order.
// A store failure yields an empty list so the tick schedules nothing.
func (r *Registry) ListEligibleAccounts(ctx context.Context) []models.WarmupAccount {
	accounts, err := r.store.ListEligible(ctx)
	if err != nil {
		utils.LogError("registry_list_failed", err, map[string]interface{}{
			"operation": "list_eligible",
		})
		return []models.WarmupAccount{}
	}
	r.log.WithField("count", len(accounts)).Debug("Loaded eligible accounts")
	return accounts
}
