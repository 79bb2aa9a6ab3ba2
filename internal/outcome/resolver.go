// Package outcome decides whether a trade wins or loses: an
// administrator-forced override when one is pending, otherwise a weighted
// coin flip.
package outcome

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"platform-core/pkg/db"
)

// Outcome of a single trade.
type Outcome string

const (
	Win  Outcome = db.OutcomeWin
	Lose Outcome = db.OutcomeLose
)

// OverrideStore supplies single-use forced outcomes. GetAndConsume must
// remove the override atomically so it can never apply twice.
type OverrideStore interface {
	ConsumeOverride(ctx context.Context, accountID string) (outcome string, ok bool, err error)
}

// Resolver produces one win/lose decision per settlement. The override
// path and the random path are mutually exclusive: a pending override is
// always honored and the random source is not drawn.
type Resolver struct {
	overrides OverrideStore
	winProb   float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewResolver creates a resolver with the given win probability in [0,1].
func NewResolver(overrides OverrideStore, winProb float64, src rand.Source) *Resolver {
	if winProb < 0 {
		winProb = 0
	}
	if winProb > 1 {
		winProb = 1
	}
	return &Resolver{
		overrides: overrides,
		winProb:   winProb,
		rng:       rand.New(src),
	}
}

// Resolve returns the outcome for the account's next trade. Overrides are
// consumed here; a failing override store aborts the settlement rather
// than silently falling back to the random path.
func (r *Resolver) Resolve(ctx context.Context, accountID string) (Outcome, error) {
	forced, ok, err := r.overrides.ConsumeOverride(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("override lookup: %w", err)
	}
	if ok {
		switch forced {
		case db.OutcomeWin:
			return Win, nil
		case db.OutcomeLose:
			return Lose, nil
		default:
			return "", fmt.Errorf("invalid forced outcome %q for account %s", forced, accountID)
		}
	}

	r.mu.Lock()
	draw := r.rng.Float64()
	r.mu.Unlock()

	if draw < r.winProb {
		return Win, nil
	}
	return Lose, nil
}
