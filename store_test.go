package lasp

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_EnsureInsertIfAbsent(t *testing.T) {
	s := newStore()
	id := NewVarId()

	first, created := s.ensure(id, func() *cell { return &cell{typ: "a"} })
	require.True(t, created)

	second, created := s.ensure(id, func() *cell { return &cell{typ: "b"} })
	require.False(t, created, "the existing cell wins")
	require.Same(t, first, second)
	require.Equal(t, "a", second.typ)
}

func TestStore_EnsureConcurrentInsertKeepsOneCell(t *testing.T) {
	s := newStore()
	id := NewVarId()

	const racers = 32
	cells := make(chan *cell, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _ := s.ensure(id, func() *cell { return &cell{} })
			cells <- c
		}()
	}
	wg.Wait()
	close(cells)

	var winner *cell
	for c := range cells {
		if winner == nil {
			winner = c
		}
		require.Same(t, winner, c, "every racer observes the same cell")
	}
	require.Equal(t, 1, s.len())
}

func TestStore_EachSnapshotsEveryCell(t *testing.T) {
	s := newStore()

	a, b := NewVarId(), NewVarId()
	s.ensure(a, func() *cell { return &cell{value: Concrete(1), bound: true} })
	s.ensure(b, func() *cell { return &cell{value: Bottom()} })

	seen := make(map[VarId]snapshot)
	s.each(func(id VarId, snap snapshot) {
		seen[id] = snap
	})

	require.Len(t, seen, 2)
	require.True(t, seen[a].Bound)
	require.False(t, seen[b].Bound)
}

func TestCell_RemoveWaiter(t *testing.T) {
	c := &cell{}
	h1, h2 := newReplyHandle(), newReplyHandle()
	c.enqueue(waiter{h: h1})
	c.enqueue(waiter{h: h2})

	require.True(t, c.removeWaiter(h1.key()))
	require.False(t, c.removeWaiter(h1.key()), "removal is keyed and one-shot")
	require.Len(t, c.waiters, 1)
	require.Equal(t, h2.key(), c.waiters[0].h.key())
}

func TestCell_DrainWokenFiltersThresholds(t *testing.T) {
	reg := DefaultRegistry()
	c := &cell{typ: "maxint", value: Concrete(int64(5)), bound: true}

	plain := newReplyHandle()
	met := AtLeast(int64(3))
	unmet := AtLeast(int64(9))
	metH, unmetH := newReplyHandle(), newReplyHandle()

	c.enqueue(waiter{h: plain})
	c.enqueue(waiter{h: metH, threshold: &met})
	c.enqueue(waiter{h: unmetH, threshold: &unmet})

	woken := c.drainWoken(reg)
	require.Len(t, woken, 2, "plain and met-threshold waiters wake")
	require.Len(t, c.waiters, 1, "the unmet threshold waiter is re-queued")
	require.Equal(t, unmetH.key(), c.waiters[0].h.key())

	// the value advances past the remaining threshold.
	c.value = Concrete(int64(10))
	woken = c.drainWoken(reg)
	require.Len(t, woken, 1)
	require.Empty(t, c.waiters)
}
