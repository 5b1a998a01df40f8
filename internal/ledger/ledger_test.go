package ledger

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_RecordAndGet(t *testing.T) {
	l := New(Options{})

	assert.Equal(t, 0.0, l.Get("u1"))
	assert.InDelta(t, 2.0, l.Record("u1", 20), 1e-9)
	assert.InDelta(t, 11.0, l.Record("u1", 90), 1e-9)
	assert.InDelta(t, 11.0, l.Get("u1"), 1e-9)
	assert.Equal(t, 0.0, l.Get("u2"))
}

func TestLedger_IgnoresAnonymousAndNonPositive(t *testing.T) {
	l := New(Options{})

	l.Record("", 90)
	l.Record("u1", 0)
	l.Record("u1", -50)

	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0.0, l.Get(""))
}

func TestLedger_ClampedAtMax(t *testing.T) {
	l := New(Options{})
	for i := 0; i < 50; i++ {
		l.Record("u1", 100)
	}
	assert.Equal(t, MaxRisk, l.Get("u1"))
}

func TestLedger_ConcurrentSameActorNoLostUpdates(t *testing.T) {
	l := New(Options{Weight: 0.01})
	var wg sync.WaitGroup
	const n = 500

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			l.Record("hot", 10)
		}()
	}
	wg.Wait()

	assert.InDelta(t, 50.0, l.Get("hot"), 1e-6)
}

func TestLedger_ConcurrentManyActors(t *testing.T) {
	l := New(Options{})
	var wg sync.WaitGroup

	for a := 0; a < 32; a++ {
		wg.Add(1)
		go func(a int) {
			defer wg.Done()
			actor := fmt.Sprintf("actor-%d", a)
			for i := 0; i < 10; i++ {
				l.Record(actor, 10)
			}
		}(a)
	}
	wg.Wait()

	require.Equal(t, 32, l.Len())
	for actor, v := range l.Snapshot() {
		assert.InDelta(t, 10.0, v, 1e-9, actor)
	}
}

func TestLedger_DecayConvergesAndEvicts(t *testing.T) {
	l := New(Options{})
	for i := 0; i < 10; i++ {
		l.Record("u1", 100)
	}
	require.Equal(t, MaxRisk, l.Get("u1"))

	prev := l.Get("u1")
	ticks := 0
	for l.Len() > 0 {
		decayed, evicted := l.DecayAll()
		ticks++
		cur := l.Get("u1")
		assert.GreaterOrEqual(t, cur, 0.0)
		if evicted == 0 {
			assert.Equal(t, 1, decayed)
			assert.InDelta(t, prev*DefaultDecayFactor, cur, 1e-9)
		}
		prev = cur
		require.Less(t, ticks, 100, "ledger never evicted the entry")
	}

	// 100 * 0.9^n < 1 first holds at n = 44.
	assert.Equal(t, 44, ticks)
	assert.Equal(t, 0.0, l.Get("u1"))
}

func TestLedger_Reset(t *testing.T) {
	l := New(Options{})
	l.Record("u1", 50)
	l.Reset("u1")
	assert.Equal(t, 0, l.Len())
}
