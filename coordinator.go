package lasp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
)

// peer forwards operations to the node owning a partition. It is nil when
// the process runs alone, in which case every partition is local. The mesh
// is the only implementation; keeping it behind an interface lets the
// coordinator be exercised without a network.
type peer interface {
	// ownerNode resolves a partition to a member; self is true when this
	// process owns it.
	ownerNode(partition uint32) (node string, self bool, err error)

	declare(ctx context.Context, node string, id VarId, typ string) error
	bind(ctx context.Context, node string, id VarId, v Value) (VarId, error)
	read(ctx context.Context, node string, id VarId, th *Threshold) (any, VarId, error)
	isDet(ctx context.Context, node string, id VarId) (bool, error)
	next(ctx context.Context, node string, id VarId) (VarId, error)
	waitNeeded(ctx context.Context, node string, id VarId) error
	thread(ctx context.Context, node string, module, function string, args []any) error

	// Alias protocol messages are asynchronous and best-effort.
	fetch(node string, target, from VarId)
	replyFetch(node string, from VarId, snap snapshot)
	notify(node string, alias VarId, value any)
}

// coordinator routes every operation to the partition owning its key and
// runs the cross-cell alias protocol. Synchronous operations block the
// caller until the owning partition replies; fetch, reply_fetch and
// notify_value are fire-and-forget.
type coordinator struct {
	ring   ring
	parts  []*partition
	reg    *Registry
	host   ProgramHost
	peer   peer
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func newCoordinator(reg *Registry, host ProgramHost, partitions int, logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *coordinator {
	co := &coordinator{
		ring:   newRing(partitions),
		reg:    reg,
		host:   host,
		logger: logger,
		msink:  msink,
		labels: labels,
	}
	co.parts = make([]*partition, co.ring.size())
	for i := range co.parts {
		co.parts[i] = newPartition(uint32(i), reg, co, logger, msink, labels)
	}
	return co
}

// route resolves a partition index to either a local partition or the name
// of the remote member owning it.
func (co *coordinator) route(part uint32) (*partition, bool, string, error) {
	if co.peer == nil {
		return co.parts[part], true, "", nil
	}
	node, self, err := co.peer.ownerNode(part)
	if err != nil {
		return nil, false, "", err
	}
	if self {
		return co.parts[part], true, "", nil
	}
	return nil, false, node, nil
}

// Declare allocates a fresh VarId and creates its cell.
func (co *coordinator) Declare(ctx context.Context, typ string) (VarId, error) {
	id := NewVarId()
	return id, co.DeclareId(ctx, id, typ)
}

// DeclareId creates the cell for an explicit id. Re-declaring an existing id
// is a no-op.
func (co *coordinator) DeclareId(ctx context.Context, id VarId, typ string) error {
	p, self, node, err := co.route(co.ring.partitionOf(id))
	if err != nil {
		return err
	}
	if self {
		return p.declare(id, typ)
	}
	return co.peer.declare(ctx, node, id, typ)
}

// Bind assigns a payload to the cell: a concrete value binds it in place, an
// Alias value arms the fetch protocol and blocks until the target's owner
// answered. Returns the stream successor.
func (co *coordinator) Bind(ctx context.Context, id VarId, v Value) (VarId, error) {
	p, self, node, err := co.route(co.ring.partitionOf(id))
	if err != nil {
		return NilVar, err
	}
	if !self {
		return co.peer.bind(ctx, node, id, v)
	}
	if v.IsAlias() {
		h := newReplyHandle()
		if err := p.bindAlias(id, v.Ref, h); err != nil {
			return NilVar, err
		}
		select {
		case w := <-h.ch:
			return w.next, nil
		case <-ctx.Done():
			p.dropPending(id)
			return NilVar, ctx.Err()
		}
	}
	return p.write(id, v, NilVar)
}

// Read observes the cell at the requested threshold, suspending until the
// value has advanced past it. Cancel through the context; the waiter is
// removed on cancellation.
func (co *coordinator) Read(ctx context.Context, id VarId, th *Threshold) (any, VarId, error) {
	p, self, node, err := co.route(co.ring.partitionOf(id))
	if err != nil {
		return nil, NilVar, err
	}
	if !self {
		return co.peer.read(ctx, node, id, th)
	}

	h := newReplyHandle()
	w, suspended := p.read(id, th, h)
	if !suspended {
		return w.value, w.next, nil
	}
	select {
	case w := <-h.ch:
		return w.value, w.next, nil
	case <-ctx.Done():
		p.cancelRead(id, h.key())
		// a wake may have raced the cancellation; prefer it.
		select {
		case w := <-h.ch:
			return w.value, w.next, nil
		default:
		}
		return nil, NilVar, ctx.Err()
	}
}

// IsDet reports the cell's bound flag. Never blocks.
func (co *coordinator) IsDet(ctx context.Context, id VarId) (bool, error) {
	p, self, node, err := co.route(co.ring.partitionOf(id))
	if err != nil {
		return false, err
	}
	if !self {
		return co.peer.isDet(ctx, node, id)
	}
	return p.isDet(id), nil
}

// Next returns the stream successor of id, allocating it on first request.
func (co *coordinator) Next(ctx context.Context, id VarId) (VarId, error) {
	p, self, node, err := co.route(co.ring.partitionOf(id))
	if err != nil {
		return NilVar, err
	}
	if !self {
		return co.peer.next(ctx, node, id)
	}
	return p.nextVar(id)
}

// WaitNeeded suspends a lazy producer until a reader shows demand for the
// cell. Returns immediately when the cell is bound or already has waiters.
func (co *coordinator) WaitNeeded(ctx context.Context, id VarId) error {
	p, self, node, err := co.route(co.ring.partitionOf(id))
	if err != nil {
		return err
	}
	if !self {
		return co.peer.waitNeeded(ctx, node, id)
	}

	h := newReplyHandle()
	if p.waitNeeded(id, h) {
		return nil
	}
	select {
	case <-h.ch:
		return nil
	case <-ctx.Done():
		p.cancelRead(id, h.key())
		select {
		case <-h.ch:
			return nil
		default:
		}
		return ctx.Err()
	}
}

// Thread spawns a fire-and-forget execution of a registered program on the
// node owning the (module, function, args) tuple. The returned handle is
// opaque.
func (co *coordinator) Thread(ctx context.Context, module, function string, args []any) (string, error) {
	if co.host == nil {
		return "", ErrNotImplemented
	}
	key := []byte(fmt.Sprintf("%s/%s/%v", module, function, args))
	_, self, node, err := co.route(co.ring.partitionOfKey(key))
	if err != nil {
		return "", err
	}
	if !self {
		return uuid.NewString(), co.peer.thread(ctx, node, module, function, args)
	}

	handleID := uuid.NewString()
	logger := co.logger.With("thread", handleID, "module", module, "function", function)
	go func() {
		if err := co.host.Execute(context.Background(), module, function, args); err != nil {
			logger.Error("thread failed", LabelError.L(err))
		}
	}()
	return handleID, nil
}

// router implementation consumed by the partitions.

func (co *coordinator) declareAt(id VarId, typ string) error {
	return co.DeclareId(context.Background(), id, typ)
}

func (co *coordinator) sendFetch(target, from VarId) {
	p, self, node, err := co.route(co.ring.partitionOf(target))
	if err != nil {
		co.logger.Error("cannot route fetch", LabelVarId.L(target), LabelError.L(err))
		return
	}
	if self {
		go p.handleFetch(target, from, co.sendReplyFetch)
		return
	}
	co.peer.fetch(node, target, from)
}

func (co *coordinator) sendReplyFetch(from VarId, snap snapshot) {
	p, self, node, err := co.route(co.ring.partitionOf(from))
	if err != nil {
		co.logger.Error("cannot route reply_fetch", LabelVarId.L(from), LabelError.L(err))
		return
	}
	if self {
		go p.handleReplyFetch(from, snap)
		return
	}
	co.peer.replyFetch(node, from, snap)
}

func (co *coordinator) sendNotify(alias VarId, value any) {
	p, self, node, err := co.route(co.ring.partitionOf(alias))
	if err != nil {
		co.logger.Error("cannot route notify_value", LabelVarId.L(alias), LabelError.L(err))
		return
	}
	if self {
		go p.handleNotify(alias, value)
		return
	}
	co.peer.notify(node, alias, value)
}
