package lasp

import "sync"

// cell is the record stored at each VarId. A cell is only ever mutated by
// the partition owning it; the mutex serializes writers per key while the
// partition's store stays open for concurrent lookups of other keys.
type cell struct {
	mu sync.Mutex

	typ   string
	value Value
	bound bool

	// next, once set, continues the stream after this cell.
	next VarId

	// waiters is append-only while the cell is unbound and filtered on
	// each bind.
	waiters []waiter

	// aliases are cells bound to this one; each gets a notify_value once
	// this cell is bound.
	aliases []VarId

	// lazy cells gate production on demand: the creator parks in
	// wait_needed and is woken by the first read.
	lazy    bool
	creator handle
}

// must be called with mu held.
func (c *cell) enqueue(w waiter) {
	c.waiters = append(c.waiters, w)
}

// must be called with mu held.
func (c *cell) removeWaiter(key uint64) bool {
	for i, w := range c.waiters {
		if w.h.key() == key {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// drainWoken filters the waiter queue against the cell's current value:
// plain waiters all wake, threshold waiters wake iff their predicate is now
// met and are re-queued otherwise. Must be called with mu held, after the
// value has been stored.
func (c *cell) drainWoken(reg *Registry) []handle {
	if len(c.waiters) == 0 {
		return nil
	}
	var woken []handle
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.threshold == nil || reg.ThresholdMet(c.typ, c.value.Data, *w.threshold) {
			woken = append(woken, w.h)
		} else {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
	return woken
}

// takeAliases returns the aliases to notify for the current value. The list
// is kept: a lattice cell notifies the same aliases again on every advance.
// Must be called with mu held.
func (c *cell) takeAliases() []VarId {
	if len(c.aliases) == 0 {
		return nil
	}
	out := make([]VarId, len(c.aliases))
	copy(out, c.aliases)
	return out
}

// must be called with mu held.
func (c *cell) snapshot() snapshot {
	return snapshot{
		Type:  c.typ,
		Value: c.value,
		Next:  c.next,
		Bound: c.bound,
	}
}
