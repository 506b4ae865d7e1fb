package lasp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

// Mesh is a process hosting partitions of the variable store. Without a TLS
// config it runs local-only: every partition lives in-process and no
// listener is opened. With one, the mesh gossips membership over UDP and
// serves remote operations over QUIC.
type Mesh struct {
	config config
	logger *slog.Logger
	msink  metrics.MetricSink

	co *coordinator
	tr *transport
	ml *memberlist.Memberlist

	localNodeName string

	// synchronisation
	lk       sync.Mutex
	shutdown bool
}

func Create(opts ...Option) (*Mesh, error) {
	m := &Mesh{}

	m.config.mlCfg = memberlist.DefaultLANConfig()
	m.config.partitions = defaultPartitions
	m.config.reg = DefaultRegistry()
	m.config.host = NewProgramRegistry()

	for _, opt := range opts {
		if err := opt(&m.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementations.
	if m.config.logHandler != nil {
		m.logger = slog.New(m.config.logHandler)
		m.config.mlCfg.Logger = slog.NewLogLogger(m.config.logHandler, slog.LevelDebug)
	} else {
		m.logger = slog.Default()
		m.config.mlCfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	}

	// Metrics implementations.
	if m.config.msink == nil {
		m.config.msink = metrics.Default()
	}
	m.msink = m.config.msink

	m.co = newCoordinator(
		m.config.reg,
		m.config.host,
		m.config.partitions,
		m.logger,
		m.msink,
		m.config.metricLabels,
	)

	if m.config.trCfg.TlsConfig == nil {
		// Local-only mesh: all partitions are owned by this process.
		m.localNodeName = m.config.mlCfg.Name
		m.logger.Debug("no TLS config: running local-only")
		return m, nil
	}

	dataPort := m.config.dataPort
	if dataPort == 0 {
		dataPort = m.config.mlCfg.BindPort + 1
	}
	m.config.trCfg.BindPort = dataPort

	tr, err := newTransport(&m.config.trCfg, m.handleRequest, m.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	m.tr = tr

	m.config.mlCfg.Delegate = &meta{dataAddr: strconv.Itoa(dataPort)}
	m.config.mlCfg.Events = &gossip{logger: m.logger}

	ml, err := memberlist.Create(m.config.mlCfg)
	if err != nil {
		tr.Shutdown()
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	m.ml = ml
	m.localNodeName = ml.LocalNode().Name
	m.co.peer = m

	m.logger.Info("mesh ready",
		LabelPeerName.L(m.localNodeName),
		"data_addr", tr.localAddr(),
	)
	return m, nil
}

// JoinCluster contacts the configured neighbours. A mesh created without a
// TLS config cannot join anything.
func (m *Mesh) JoinCluster() error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.shutdown {
		return ErrMeshClosed
	}
	if m.ml == nil {
		return ErrNoTLSConfig
	}
	if len(m.config.neighbours) > 0 {
		joined, err := m.ml.Join(m.config.neighbours)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrJoinCluster, err)
		}
		m.logger.Info("cluster joined")
		if len(m.config.neighbours) != joined {
			m.logger.Warn(
				"not all neighbours are reachable",
				"joined", joined,
				"expected", len(m.config.neighbours),
			)
		}
	}
	return nil
}

// Topology lists the current cluster members.
func (m *Mesh) Topology() []*memberlist.Node {
	if m.ml == nil {
		return nil
	}
	return m.ml.Members()
}

func (m *Mesh) Shutdown() error {
	// Phase 1: shutdown notification, leave gracefully.
	m.lk.Lock()
	if m.shutdown {
		m.lk.Unlock()
		return nil
	}
	m.shutdown = true
	m.lk.Unlock()

	start := time.Now()
	m.logger.Info("shutting down...")

	if m.ml != nil {
		m.logger.Info("shutdown: leave cluster")
		if err := m.ml.Leave(5 * time.Second); err != nil {
			m.logger.Warn("failed to leave cluster", LabelError.L(err))
		}
		m.ml.Shutdown()
	}

	// Phase 2: drop transport resources.
	if m.tr != nil {
		m.logger.Info("shutdown: release transport resources")
		m.tr.Shutdown()
	}

	m.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return nil
}

func (m *Mesh) closed() bool {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.shutdown
}

// Store operations. Each routes to the partition owning the key, local or
// remote.

// Declare allocates a fresh variable of the given type ("" for plain
// single-assignment cells).
func (m *Mesh) Declare(ctx context.Context, typ string) (VarId, error) {
	if m.closed() {
		return NilVar, ErrMeshClosed
	}
	return m.co.Declare(ctx, typ)
}

// DeclareId creates the cell for an explicit identifier.
func (m *Mesh) DeclareId(ctx context.Context, id VarId, typ string) error {
	if m.closed() {
		return ErrMeshClosed
	}
	return m.co.DeclareId(ctx, id, typ)
}

// Bind assigns a value to the variable and returns its stream successor.
// Pass a plain Go value, or a tagged one built with Alias or Undefined.
func (m *Mesh) Bind(ctx context.Context, id VarId, value any) (VarId, error) {
	if m.closed() {
		return NilVar, ErrMeshClosed
	}
	v, ok := value.(Value)
	if !ok {
		v = Concrete(value)
	}
	return m.co.Bind(ctx, id, v)
}

// Read blocks until the variable is bound and returns its value and stream
// successor.
func (m *Mesh) Read(ctx context.Context, id VarId) (any, VarId, error) {
	if m.closed() {
		return nil, NilVar, ErrMeshClosed
	}
	return m.co.Read(ctx, id, nil)
}

// ReadThreshold blocks until the variable's value has advanced past the
// observation point.
func (m *Mesh) ReadThreshold(ctx context.Context, id VarId, th Threshold) (any, VarId, error) {
	if m.closed() {
		return nil, NilVar, ErrMeshClosed
	}
	return m.co.Read(ctx, id, &th)
}

// IsDet reports whether the variable is bound. Never blocks.
func (m *Mesh) IsDet(ctx context.Context, id VarId) (bool, error) {
	if m.closed() {
		return false, ErrMeshClosed
	}
	return m.co.IsDet(ctx, id)
}

// Next returns the variable's stream successor, allocating it on first use.
func (m *Mesh) Next(ctx context.Context, id VarId) (VarId, error) {
	if m.closed() {
		return NilVar, ErrMeshClosed
	}
	return m.co.Next(ctx, id)
}

// WaitNeeded blocks a lazy producer until a reader demands the variable.
func (m *Mesh) WaitNeeded(ctx context.Context, id VarId) error {
	if m.closed() {
		return ErrMeshClosed
	}
	return m.co.WaitNeeded(ctx, id)
}

// Thread spawns a registered program on the node owning the spawn tuple.
func (m *Mesh) Thread(ctx context.Context, module, function string, args []any) (string, error) {
	if m.closed() {
		return "", ErrMeshClosed
	}
	return m.co.Thread(ctx, module, function, args)
}

// peer implementation: remote dispatch over the transport.

var _ peer = (*Mesh)(nil)

func (m *Mesh) ownerNode(partition uint32) (string, bool, error) {
	if m.ml == nil {
		return m.localNodeName, true, nil
	}
	members := m.ml.Members()
	names := make([]string, 0, len(members))
	for _, node := range members {
		names = append(names, node.Name)
	}
	owner, ok := m.co.ring.nodeFor(partition, names)
	if !ok {
		return "", false, ErrRoutingUnavailable
	}
	return owner, owner == m.localNodeName, nil
}

// dataAddrOf resolves a member name to its QUIC data plane address using
// the port advertised in the node's gossip metadata.
func (m *Mesh) dataAddrOf(node string) (string, error) {
	if m.ml == nil {
		return "", ErrRoutingUnavailable
	}
	for _, member := range m.ml.Members() {
		if member.Name != node {
			continue
		}
		if len(member.Meta) == 0 {
			return "", fmt.Errorf("%w: %s has no data port", ErrRoutingUnavailable, node)
		}
		return fmt.Sprintf("%s:%s", member.Addr, member.Meta), nil
	}
	return "", fmt.Errorf("%w: %s", ErrRoutingUnavailable, node)
}

func (m *Mesh) roundTrip(ctx context.Context, node string, fr *frame) (*frame, error) {
	addr, err := m.dataAddrOf(node)
	if err != nil {
		return nil, err
	}
	reply, err := m.tr.request(ctx, addr, fr)
	if err != nil {
		return nil, err
	}
	if reply.Err != "" {
		return nil, decodeOpError(reply.Err)
	}
	return reply, nil
}

func (m *Mesh) declare(ctx context.Context, node string, id VarId, typ string) error {
	_, err := m.roundTrip(ctx, node, &frame{Op: opDeclare, Id: id.bytes(), Type: typ})
	return err
}

func (m *Mesh) bind(ctx context.Context, node string, id VarId, v Value) (VarId, error) {
	reply, err := m.roundTrip(ctx, node, &frame{Op: opBind, Id: id.bytes(), Value: toWireValue(v)})
	if err != nil {
		return NilVar, err
	}
	return varIdOrNil(reply.Next), nil
}

func (m *Mesh) read(ctx context.Context, node string, id VarId, th *Threshold) (any, VarId, error) {
	reply, err := m.roundTrip(ctx, node, &frame{
		Op:        opRead,
		Id:        id.bytes(),
		Threshold: toWireThreshold(th),
	})
	if err != nil {
		return nil, NilVar, err
	}
	v, err := fromWireValue(reply.Value)
	if err != nil {
		return nil, NilVar, err
	}
	return v.Data, varIdOrNil(reply.Next), nil
}

func (m *Mesh) isDet(ctx context.Context, node string, id VarId) (bool, error) {
	reply, err := m.roundTrip(ctx, node, &frame{Op: opIsDet, Id: id.bytes()})
	if err != nil {
		return false, err
	}
	return reply.Bound, nil
}

func (m *Mesh) next(ctx context.Context, node string, id VarId) (VarId, error) {
	reply, err := m.roundTrip(ctx, node, &frame{Op: opNext, Id: id.bytes()})
	if err != nil {
		return NilVar, err
	}
	return varIdOrNil(reply.Next), nil
}

func (m *Mesh) waitNeeded(ctx context.Context, node string, id VarId) error {
	_, err := m.roundTrip(ctx, node, &frame{Op: opWaitNeeded, Id: id.bytes()})
	return err
}

func (m *Mesh) thread(ctx context.Context, node string, module, function string, args []any) error {
	_, err := m.roundTrip(ctx, node, &frame{
		Op:       opThread,
		Module:   module,
		Function: function,
		Args:     args,
	})
	return err
}

func (m *Mesh) fetch(node string, target, from VarId) {
	m.sendMessage(node, &frame{Op: opFetch, Id: target.bytes(), From: from.bytes()})
}

func (m *Mesh) replyFetch(node string, from VarId, snap snapshot) {
	m.sendMessage(node, &frame{Op: opReplyFetch, From: from.bytes(), Snap: toWireSnapshot(snap)})
}

func (m *Mesh) notify(node string, alias VarId, value any) {
	m.sendMessage(node, &frame{Op: opNotify, Id: alias.bytes(), Value: toWireValue(Concrete(value))})
}

func (m *Mesh) sendMessage(node string, fr *frame) {
	addr, err := m.dataAddrOf(node)
	if err != nil {
		m.logger.Error("cannot resolve peer for message", LabelPeerName.L(node), LabelError.L(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.config.trCfg.DialTimeout)
	defer cancel()
	if err := m.tr.send(ctx, addr, fr); err != nil {
		m.logger.Error("failed to send message",
			LabelPeerName.L(node), LabelOp.L(fr.Op), LabelError.L(err))
	}
}

// Inbound dispatch from the transport.

func (m *Mesh) handleRequest(ctx context.Context, fr *frame) *frame {
	reply := &frame{Op: opReply}
	switch fr.Op {
	case opDeclare:
		if err := m.co.DeclareId(ctx, varIdOrNil(fr.Id), fr.Type); err != nil {
			reply.Err = err.Error()
		}
	case opBind:
		v, err := fromWireValue(fr.Value)
		if err == nil {
			var next VarId
			next, err = m.co.Bind(ctx, varIdOrNil(fr.Id), v)
			reply.Next = next.bytes()
		}
		if err != nil {
			reply.Err = err.Error()
		}
	case opRead:
		value, next, err := m.co.Read(ctx, varIdOrNil(fr.Id), fromWireThreshold(fr.Threshold))
		if err != nil {
			reply.Err = err.Error()
		} else {
			reply.Value = toWireValue(Concrete(value))
			reply.Next = next.bytes()
		}
	case opIsDet:
		bound, err := m.co.IsDet(ctx, varIdOrNil(fr.Id))
		if err != nil {
			reply.Err = err.Error()
		}
		reply.Bound = bound
	case opNext:
		next, err := m.co.Next(ctx, varIdOrNil(fr.Id))
		if err != nil {
			reply.Err = err.Error()
		}
		reply.Next = next.bytes()
	case opWaitNeeded:
		if err := m.co.WaitNeeded(ctx, varIdOrNil(fr.Id)); err != nil {
			reply.Err = err.Error()
		}
	case opThread:
		if _, err := m.co.Thread(ctx, fr.Module, fr.Function, fr.Args); err != nil {
			reply.Err = err.Error()
		}
	default:
		reply.Err = ErrInvalidFrame.Error()
	}
	return reply
}

func (m *Mesh) handleMessage(fr *frame) {
	switch fr.Op {
	case opFetch:
		m.co.sendFetch(varIdOrNil(fr.Id), varIdOrNil(fr.From))
	case opReplyFetch:
		snap, err := fromWireSnapshot(fr.Snap)
		if err != nil {
			m.logger.Warn("dropping malformed reply_fetch", LabelError.L(err))
			return
		}
		m.co.sendReplyFetch(varIdOrNil(fr.From), snap)
	case opNotify:
		v, err := fromWireValue(fr.Value)
		if err != nil {
			m.logger.Warn("dropping malformed notify_value", LabelError.L(err))
			return
		}
		m.co.sendNotify(varIdOrNil(fr.Id), v.Data)
	default:
		m.logger.Warn("received unexpected message", LabelOp.L(fr.Op))
	}
}

// decodeOpError maps a remote error string back to the matching sentinel so
// errors.Is keeps working across the wire.
func decodeOpError(s string) error {
	for _, sentinel := range []error{
		ErrConflictingBind,
		ErrNotImplemented,
		ErrUnknownType,
		ErrRoutingUnavailable,
		ErrMeshClosed,
	} {
		if s == sentinel.Error() {
			return sentinel
		}
	}
	return errors.New(s)
}
