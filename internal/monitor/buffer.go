package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/lvonguyen/secmon/internal/security"
	"github.com/lvonguyen/secmon/internal/syncutil"
)

const bufferShards = 64

type bufferShard struct {
	mu      sync.Mutex
	byActor map[string][]*security.Event
}

// Buffer holds recent events per actor in memory, oldest first. Each actor
// keeps at most perActor events.
type Buffer struct {
	perActor int
	shards   [bufferShards]*bufferShard
}

// NewBuffer creates an empty buffer.
func NewBuffer(perActor int) *Buffer {
	if perActor <= 0 {
		perActor = 1000
	}
	b := &Buffer{perActor: perActor}
	for i := range b.shards {
		b.shards[i] = &bufferShard{byActor: make(map[string][]*security.Event)}
	}
	return b
}

func (b *Buffer) shard(actorID string) *bufferShard {
	return b.shards[syncutil.ShardIndex(actorID, bufferShards)]
}

// Add appends ev to its actor's slice, dropping the oldest entry when full.
func (b *Buffer) Add(ev *security.Event) {
	s := b.shard(ev.ActorID)
	s.mu.Lock()
	defer s.mu.Unlock()

	evs := append(s.byActor[ev.ActorID], ev)
	if len(evs) > b.perActor {
		copy(evs, evs[len(evs)-b.perActor:])
		for i := b.perActor; i < len(evs); i++ {
			evs[i] = nil
		}
		evs = evs[:b.perActor]
	}
	s.byActor[ev.ActorID] = evs
}

// Recent returns up to limit events for actorID, newest first.
func (b *Buffer) Recent(actorID string, limit int) []*security.Event {
	s := b.shard(actorID)
	s.mu.Lock()
	defer s.mu.Unlock()

	evs := s.byActor[actorID]
	n := len(evs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*security.Event, 0, n)
	for i := len(evs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, evs[i])
	}
	return out
}

// Range returns every buffered event with start <= timestamp <= end, newest first.
func (b *Buffer) Range(start, end time.Time) []*security.Event {
	var out []*security.Event
	for _, s := range b.shards {
		s.mu.Lock()
		for _, evs := range s.byActor {
			for _, ev := range evs {
				if !ev.Timestamp.Before(start) && !ev.Timestamp.After(end) {
					out = append(out, ev)
				}
			}
		}
		s.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// Prune drops events older than cutoff and returns how many were removed.
func (b *Buffer) Prune(cutoff time.Time) int {
	removed := 0
	for _, s := range b.shards {
		s.mu.Lock()
		for actor, evs := range s.byActor {
			kept := evs[:0]
			for _, ev := range evs {
				if ev.Timestamp.Before(cutoff) {
					removed++
					continue
				}
				kept = append(kept, ev)
			}
			for i := len(kept); i < len(evs); i++ {
				evs[i] = nil
			}
			if len(kept) == 0 {
				delete(s.byActor, actor)
				continue
			}
			s.byActor[actor] = kept
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	n := 0
	for _, s := range b.shards {
		s.mu.Lock()
		for _, evs := range s.byActor {
			n += len(evs)
		}
		s.mu.Unlock()
	}
	return n
}
