package lasp

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Cluster handoff: cells are serialized as opaque (VarId, snapshot) pairs
// and re-inserted insert-if-absent on the receiver. Waiters, aliases and
// lazy marks are runtime state and do not travel; a reader suspended on the
// sender stays suspended there.

type handoffEntry struct {
	Id   []byte
	Snap wireSnapshot
}

// snapshotPartition encodes every cell of one partition.
func (co *coordinator) snapshotPartition(idx uint32) ([]byte, error) {
	if int(idx) >= len(co.parts) {
		return nil, fmt.Errorf("%w: no partition %d", ErrRoutingUnavailable, idx)
	}

	var entries []handoffEntry
	co.parts[idx].store.each(func(id VarId, snap snapshot) {
		entries = append(entries, handoffEntry{
			Id:   id.bytes(),
			Snap: *toWireSnapshot(snap),
		})
	})

	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// restorePartition decodes a handoff payload and inserts each cell into the
// local partition owning it. Existing cells win; the number of inserted
// cells is returned.
func (co *coordinator) restorePartition(buf []byte) (int, error) {
	var entries []handoffEntry
	if err := codec.NewDecoderBytes(buf, msgpackHandle).Decode(&entries); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}

	inserted := 0
	for _, entry := range entries {
		id, err := VarIdFromBytes(entry.Id)
		if err != nil {
			return inserted, fmt.Errorf("%w: bad cell id: %w", ErrInvalidFrame, err)
		}
		snap, err := fromWireSnapshot(&entry.Snap)
		if err != nil {
			return inserted, err
		}

		p := co.parts[co.ring.partitionOf(id)]
		_, created := p.store.ensure(id, func() *cell {
			return &cell{
				typ:   snap.Type,
				value: snap.Value,
				bound: snap.Bound,
				next:  snap.Next,
			}
		})
		if created {
			inserted++
		}
	}
	return inserted, nil
}

// HandoffPartition serializes one partition's cells for transfer to another
// member.
func (m *Mesh) HandoffPartition(idx uint32) ([]byte, error) {
	if m.closed() {
		return nil, ErrMeshClosed
	}
	return m.co.snapshotPartition(idx)
}

// RestoreHandoff inserts a handoff payload insert-if-absent and reports how
// many cells were new.
func (m *Mesh) RestoreHandoff(buf []byte) (int, error) {
	if m.closed() {
		return 0, ErrMeshClosed
	}
	return m.co.restorePartition(buf)
}

// Partitions returns the partition count of the key space.
func (m *Mesh) Partitions() int {
	return m.co.ring.size()
}
