package scheduler

import (
	"sort"

	"github.com/ineyio/relaycore"
)

// Policy orders shared-pool candidates that are not rate limited. The
// first element is picked.
type Policy interface {
	Select(candidates []relaycore.Account) []relaycore.Account
}

// LeastRecentlyUsed orders by oldest lastUsedAt, then lower priority
// value, then id. Accounts never used sort first.
type LeastRecentlyUsed struct{}

var _ Policy = (*LeastRecentlyUsed)(nil)

// Select orders candidates least recently used first.
func (p *LeastRecentlyUsed) Select(candidates []relaycore.Account) []relaycore.Account {
	result := make([]relaycore.Account, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		ai, aj := result[i], result[j]
		if !ai.LastUsedAt.Equal(aj.LastUsedAt) {
			return ai.LastUsedAt.Before(aj.LastUsedAt)
		}
		if ai.Priority != aj.Priority {
			return ai.Priority < aj.Priority
		}
		return ai.ID < aj.ID
	})

	return result
}

// PriorityFirst orders by lower priority value first and spreads load
// across equal priorities by least recent use.
type PriorityFirst struct{}

var _ Policy = (*PriorityFirst)(nil)

// Select orders candidates by priority, then least recently used.
func (p *PriorityFirst) Select(candidates []relaycore.Account) []relaycore.Account {
	result := make([]relaycore.Account, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		ai, aj := result[i], result[j]
		if ai.Priority != aj.Priority {
			return ai.Priority < aj.Priority
		}
		if !ai.LastUsedAt.Equal(aj.LastUsedAt) {
			return ai.LastUsedAt.Before(aj.LastUsedAt)
		}
		return ai.ID < aj.ID
	})

	return result
}

// PolicyByName returns the policy for a config name. Unknown names get
// LeastRecentlyUsed.
func PolicyByName(name string) Policy {
	switch name {
	case relaycore.PolicyPriority:
		return &PriorityFirst{}
	default:
		return &LeastRecentlyUsed{}
	}
}

// soonestReset orders limited accounts by the earliest limit end.
func soonestReset(candidates []relaycore.Account) []relaycore.Account {
	result := make([]relaycore.Account, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		ei, ej := result[i].RateLimit.EndsAt, result[j].RateLimit.EndsAt
		if !ei.Equal(ej) {
			return ei.Before(ej)
		}
		return result[i].ID < result[j].ID
	})

	return result
}
