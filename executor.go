package lasp

import (
	"log/slog"
	"reflect"
	"sync"

	"github.com/hashicorp/go-metrics"
)

// router is what a partition needs from its coordinator: declaring a cell on
// whatever partition owns a fresh id, and emitting the asynchronous messages
// of the alias protocol. Everything else a partition does is local.
type router interface {
	declareAt(id VarId, typ string) error
	sendFetch(target, from VarId)
	sendNotify(alias VarId, value any)
}

// partition owns a slice of the key space. All mutations of a cell happen on
// its owning partition, which makes per-cell operations linearizable.
type partition struct {
	idx    uint32
	store  *store
	reg    *Registry
	rt     router
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	// pendingAliases holds the reply tokens of Bind(id, Alias(...)) calls
	// until the matching reply_fetch lands.
	pendingMu      sync.Mutex
	pendingAliases map[VarId]handle
}

func newPartition(idx uint32, reg *Registry, rt router, logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *partition {
	return &partition{
		idx:            idx,
		store:          newStore(),
		reg:            reg,
		rt:             rt,
		logger:         logger.With(LabelPartition.L(idx)),
		msink:          msink,
		labels:         append([]metrics.Label(nil), labels...),
		pendingAliases: make(map[VarId]handle),
	}
}

// ensure returns the cell at id, creating an unbound untyped cell if the id
// was never declared here. Declare carries the type; every other operation
// reaching a missing id behaves as if an untyped declare ran first.
func (p *partition) ensure(id VarId) *cell {
	c, _ := p.store.ensure(id, func() *cell {
		return &cell{value: Bottom()}
	})
	return c
}

// declare creates the cell for id. Lattice types start bound at bottom;
// everything else starts unbound. Re-declaring an existing id is a no-op.
func (p *partition) declare(id VarId, typ string) error {
	init := func() *cell {
		if p.reg.IsLattice(typ) {
			bottom, _ := p.reg.Bottom(typ)
			return &cell{typ: typ, value: Concrete(bottom), bound: true}
		}
		return &cell{typ: typ, value: Bottom()}
	}
	if _, created := p.store.ensure(id, init); created {
		p.msink.IncrCounterWithLabels(MetricLaspDeclareCount, 1.0, p.labels)
	}
	return nil
}

// bindAlias records value=Alias(target) on an unbound cell and starts the
// fetch protocol towards the target. The caller's handle is acked once the
// matching reply_fetch arrives.
func (p *partition) bindAlias(id, target VarId, h handle) error {
	c := p.ensure(id)
	c.mu.Lock()
	if c.bound {
		c.mu.Unlock()
		p.msink.IncrCounterWithLabels(MetricLaspBindErrorCount, 1.0, p.labels)
		return ErrConflictingBind
	}
	c.value = Alias(target)
	c.mu.Unlock()

	p.pendingMu.Lock()
	p.pendingAliases[id] = h
	p.pendingMu.Unlock()

	p.msink.IncrCounterWithLabels(MetricLaspFetchCount, 1.0, p.labels)
	p.rt.sendFetch(target, id)
	return nil
}

// write is the bind-bound path: it stores a concrete value into the cell,
// allocating the stream successor as needed, and fans out to waiters and
// aliases. notify_value and bound reply_fetch snapshots land here too, so
// alias notification runs on every bind regardless of which path bound the
// cell.
//
// nextHint carries the successor of a remote snapshot; when set, no fresh
// successor is allocated for an unbound cell.
func (p *partition) write(id VarId, in Value, nextHint VarId) (VarId, error) {
	c := p.ensure(id)

	c.mu.Lock()
	isLattice := p.reg.IsLattice(c.typ)
	needNext := false
	if !c.bound {
		needNext = c.next.IsNil() && nextHint.IsNil() && !in.isUndefined()
	} else if isLattice {
		// Each bind on a lattice cell advances the stream.
		needNext = true
	}
	typ := c.typ
	c.mu.Unlock()

	// Allocate before re-taking the cell lock: the successor may live on
	// another partition and declaring it must not block this cell.
	var allocated VarId
	if needNext {
		var err error
		allocated, err = p.allocSuccessor(typ)
		if err != nil {
			return NilVar, err
		}
	}

	c.mu.Lock()
	switch {
	case !c.bound:
		if c.next.IsNil() {
			if !nextHint.IsNil() {
				c.next = nextHint
			} else {
				c.next = allocated
			}
		}
		c.value = in
		c.bound = true
	case isLattice:
		c.value = Concrete(p.reg.Join(c.typ, c.value.Data, in.Data))
		if !allocated.IsNil() {
			c.next = allocated
		}
	default:
		if !reflect.DeepEqual(c.value.Data, in.Data) {
			c.mu.Unlock()
			p.msink.IncrCounterWithLabels(MetricLaspBindErrorCount, 1.0, p.labels)
			return NilVar, ErrConflictingBind
		}
		// Idempotent rebind.
		next := c.next
		c.mu.Unlock()
		return next, nil
	}

	next := c.next
	value := c.value.Data
	woken := c.drainWoken(p.reg)
	aliases := c.takeAliases()
	c.mu.Unlock()

	p.msink.IncrCounterWithLabels(MetricLaspBindCount, 1.0, p.labels)
	for _, h := range woken {
		h.deliver(wake{value: value, next: next})
	}
	if len(woken) > 0 {
		p.msink.IncrCounterWithLabels(MetricLaspWakeCount, float32(len(woken)), p.labels)
	}
	for _, a := range aliases {
		p.msink.IncrCounterWithLabels(MetricLaspNotifyCount, 1.0, p.labels)
		p.rt.sendNotify(a, value)
	}
	return next, nil
}

// read returns the cell's value immediately when its observation point is
// reached, or enqueues the handle and returns suspended=true. A read that
// touches a lazy cell wakes the recorded creator first, which drives
// demand-side production.
func (p *partition) read(id VarId, th *Threshold, h handle) (w wake, suspended bool) {
	c := p.ensure(id)

	c.mu.Lock()
	if !c.bound {
		// Only non-lattice cells are ever unbound, so the first bind is the
		// observation point: park a plain waiter whatever the threshold.
		c.enqueue(waiter{h: h})
		var creator handle
		if c.lazy && c.creator != nil {
			creator = c.creator
			c.creator = nil
		}
		c.mu.Unlock()

		// The creator must observe demand before the reader resumes.
		if creator != nil {
			creator.deliver(wake{})
		}
		p.msink.IncrCounterWithLabels(MetricLaspReadSuspendCount, 1.0, p.labels)
		return wake{}, true
	}

	if th != nil && p.reg.IsLattice(c.typ) && !p.reg.ThresholdMet(c.typ, c.value.Data, *th) {
		c.enqueue(waiter{h: h, threshold: th})
		c.mu.Unlock()
		p.msink.IncrCounterWithLabels(MetricLaspReadSuspendCount, 1.0, p.labels)
		return wake{}, true
	}

	w = wake{value: c.value.Data, next: c.next}
	c.mu.Unlock()
	p.msink.IncrCounterWithLabels(MetricLaspReadCount, 1.0, p.labels)
	return w, false
}

// cancelRead removes a suspended handle from the cell's waiter queue. Used
// when the caller gives up before the cell advances.
func (p *partition) cancelRead(id VarId, key uint64) {
	c, has := p.store.get(id)
	if !has {
		return
	}
	c.mu.Lock()
	removed := c.removeWaiter(key)
	if c.creator != nil && c.creator.key() == key {
		c.creator = nil
		c.lazy = false
		removed = true
	}
	c.mu.Unlock()
	if removed {
		p.msink.IncrCounterWithLabels(MetricLaspCancelCount, 1.0, p.labels)
	}
}

// isDet never blocks: it reports the bound flag as-is.
func (p *partition) isDet(id VarId) bool {
	c, has := p.store.get(id)
	if !has {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound
}

// waitNeeded is the dual of read: a lazy producer parks here until demand
// shows up. Returns immediately when the cell is bound or already has
// waiters.
func (p *partition) waitNeeded(id VarId, h handle) (immediate bool) {
	c := p.ensure(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound || len(c.waiters) > 0 {
		return true
	}
	c.lazy = true
	c.creator = h
	return false
}

// nextVar returns the stream successor, allocating it on first request. A lost
// allocation race keeps the first successor; the discarded cell is never
// referenced again.
func (p *partition) nextVar(id VarId) (VarId, error) {
	c := p.ensure(id)
	c.mu.Lock()
	if !c.next.IsNil() {
		next := c.next
		c.mu.Unlock()
		return next, nil
	}
	typ := c.typ
	c.mu.Unlock()

	allocated, err := p.allocSuccessor(typ)
	if err != nil {
		return NilVar, err
	}

	c.mu.Lock()
	if c.next.IsNil() {
		c.next = allocated
	}
	next := c.next
	c.mu.Unlock()
	return next, nil
}

// dropPending forgets the reply token of a cancelled alias bind. A late
// reply_fetch still links the streams; only the ack is dropped.
func (p *partition) dropPending(id VarId) {
	p.pendingMu.Lock()
	delete(p.pendingAliases, id)
	p.pendingMu.Unlock()
}

// handleFetch runs on the partition owning the fetch target. Bound cells are
// snapshotted back immediately; alias cells forward the chase; pending cells
// register the requester for notification and reply with the current state.
func (p *partition) handleFetch(target, from VarId, reply func(from VarId, snap snapshot)) {
	c := p.ensure(target)

	c.mu.Lock()
	if !c.bound && c.value.IsAlias() {
		hop := c.value.Ref
		c.mu.Unlock()
		p.msink.IncrCounterWithLabels(MetricLaspForwardCount, 1.0, p.labels)
		p.rt.sendFetch(hop, from)
		return
	}
	if c.bound {
		snap := c.snapshot()
		c.mu.Unlock()
		reply(from, snap)
		return
	}
	needNext := c.next.IsNil()
	typ := c.typ
	c.mu.Unlock()

	var allocated VarId
	if needNext {
		var err error
		allocated, err = p.allocSuccessor(typ)
		if err != nil {
			p.logger.Error("failed to allocate successor for fetch target",
				LabelVarId.L(target), LabelError.L(err))
			return
		}
	}

	c.mu.Lock()
	if c.next.IsNil() && !allocated.IsNil() {
		c.next = allocated
	}
	c.aliases = append(c.aliases, from)
	snap := c.snapshot()
	c.mu.Unlock()
	reply(from, snap)
}

// handleReplyFetch runs on the partition owning the aliased cell. A bound
// snapshot binds the local cell; a pending one only links the streams. In
// both cases the original bind caller is acked with the successor.
func (p *partition) handleReplyFetch(from VarId, snap snapshot) {
	var next VarId
	if snap.Bound {
		var err error
		next, err = p.write(from, snap.Value, snap.Next)
		if err != nil {
			p.logger.Error("reply_fetch write failed",
				LabelVarId.L(from), LabelError.L(err))
			return
		}
	} else {
		c := p.ensure(from)
		c.mu.Lock()
		if c.next.IsNil() {
			c.next = snap.Next
		}
		next = c.next
		c.mu.Unlock()
	}

	p.pendingMu.Lock()
	h, has := p.pendingAliases[from]
	delete(p.pendingAliases, from)
	p.pendingMu.Unlock()
	if has {
		h.deliver(wake{next: next})
	}
}

// handleNotify runs on the partition owning an alias when its target became
// bound. The local write wakes this cell's waiters and notifies downstream
// aliases in turn.
func (p *partition) handleNotify(alias VarId, value any) {
	if _, err := p.write(alias, Concrete(value), NilVar); err != nil {
		p.logger.Warn("dropping conflicting notify_value",
			LabelVarId.L(alias), LabelError.L(err))
	}
}
