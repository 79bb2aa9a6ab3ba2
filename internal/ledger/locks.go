// Package ledger owns access to account balances: per-account
// serialization plus compare-and-swap writes through the store.
package ledger

import (
	"hash/fnv"
	"sync"
)

const numShards = 64

// Locks serializes balance mutation per account using striped mutexes.
// Two accounts may share a stripe; that costs a little parallelism but
// never correctness. One account always maps to the same stripe, so all
// of its mutations (settlement, transfer approval, admin adjust) are
// totally ordered.
type Locks struct {
	shards [numShards]sync.Mutex
}

// NewLocks creates the stripe set.
func NewLocks() *Locks {
	return &Locks{}
}

func (l *Locks) shard(accountID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(accountID))
	return &l.shards[h.Sum32()%numShards]
}

// WithAccount runs fn while holding the account's stripe.
func (l *Locks) WithAccount(accountID string, fn func() error) error {
	mu := l.shard(accountID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}
