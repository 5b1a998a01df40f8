// Package ledger keeps the running, decaying risk total for each actor.
package ledger

import (
	"math"
	"sync"

	"github.com/lvonguyen/secmon/internal/syncutil"
)

const (
	shardCount = 64

	// MaxRisk bounds every ledger entry.
	MaxRisk = 100.0

	DefaultWeight      = 0.1
	DefaultDecayFactor = 0.9
	DefaultFloor       = 1.0
)

// Options configures a Ledger. Zero values take the defaults.
type Options struct {
	// Weight is the fraction of an event's risk score added to the actor total.
	Weight float64
	// DecayFactor multiplies every entry on each decay pass. Must be in (0, 1).
	DecayFactor float64
	// Floor evicts entries that fall below it after decay.
	Floor float64
}

type shard struct {
	mu     sync.Mutex
	scores map[string]float64
}

// Ledger is a sharded map of actor risk. Updates for one actor serialize on
// that actor's shard; other actors proceed in parallel.
type Ledger struct {
	weight float64
	decay  float64
	floor  float64
	shards [shardCount]*shard
}

// New creates an empty ledger.
func New(opts Options) *Ledger {
	if opts.Weight <= 0 {
		opts.Weight = DefaultWeight
	}
	if opts.DecayFactor <= 0 || opts.DecayFactor >= 1 {
		opts.DecayFactor = DefaultDecayFactor
	}
	if opts.Floor <= 0 {
		opts.Floor = DefaultFloor
	}

	l := &Ledger{weight: opts.Weight, decay: opts.DecayFactor, floor: opts.Floor}
	for i := range l.shards {
		l.shards[i] = &shard{scores: make(map[string]float64)}
	}
	return l
}

func (l *Ledger) shardFor(actorID string) *shard {
	return l.shards[syncutil.ShardIndex(actorID, shardCount)]
}

// Record adds riskScore*weight to the actor's total and returns the new value.
// Empty actor IDs are ignored.
func (l *Ledger) Record(actorID string, riskScore int) float64 {
	if actorID == "" || riskScore <= 0 {
		return l.Get(actorID)
	}

	s := l.shardFor(actorID)
	s.mu.Lock()
	defer s.mu.Unlock()

	v := clamp(s.scores[actorID] + float64(riskScore)*l.weight)
	s.scores[actorID] = v
	return v
}

// Get returns the actor's current total, or 0 if the actor has none.
func (l *Ledger) Get(actorID string) float64 {
	if actorID == "" {
		return 0
	}
	s := l.shardFor(actorID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[actorID]
}

// DecayAll multiplies every entry by the decay factor and evicts entries that
// fall below the floor. Shards are processed one at a time.
func (l *Ledger) DecayAll() (decayed, evicted int) {
	for _, s := range l.shards {
		s.mu.Lock()
		for actor, v := range s.scores {
			next := clamp(v * l.decay)
			if next < l.floor {
				delete(s.scores, actor)
				evicted++
				continue
			}
			s.scores[actor] = next
			decayed++
		}
		s.mu.Unlock()
	}
	return decayed, evicted
}

// Len returns the number of actors with a non-zero total.
func (l *Ledger) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.scores)
		s.mu.Unlock()
	}
	return n
}

// Snapshot copies every entry. The copy is not a consistent cut across shards.
func (l *Ledger) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	for _, s := range l.shards {
		s.mu.Lock()
		for k, v := range s.scores {
			out[k] = v
		}
		s.mu.Unlock()
	}
	return out
}

// Reset removes the actor's entry.
func (l *Ledger) Reset(actorID string) {
	s := l.shardFor(actorID)
	s.mu.Lock()
	delete(s.scores, actorID)
	s.mu.Unlock()
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > MaxRisk {
		return MaxRisk
	}
	return v
}
