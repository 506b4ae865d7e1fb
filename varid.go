package lasp

import (
	"hash/fnv"
	"log/slog"

	"github.com/google/uuid"
)

// VarId identifies a single cell across the whole cluster. Identifiers are
// opaque 128-bit tokens; ownership is a pure function of the token so every
// node routes a given id to the same partition.
type VarId uuid.UUID

// NilVar is the zero VarId. NewVarId never returns it, and cells use it to
// mark an unset stream successor.
var NilVar VarId

func NewVarId() VarId {
	return VarId(uuid.New())
}

func VarIdFromBytes(b []byte) (VarId, error) {
	id, err := uuid.FromBytes(b)
	return VarId(id), err
}

func (id VarId) String() string {
	return uuid.UUID(id).String()
}

func (id VarId) IsNil() bool {
	return id == NilVar
}

func (id VarId) bytes() []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

func (id VarId) LogValue() slog.Value {
	return slog.StringValue(id.String())
}

// ring maps keys to partitions and partitions to cluster members. The
// partition count is fixed at creation and must agree across the cluster.
type ring struct {
	partitions uint32
}

func newRing(partitions int) ring {
	if partitions <= 0 {
		partitions = defaultPartitions
	}
	return ring{partitions: uint32(partitions)}
}

func (r ring) size() int {
	return int(r.partitions)
}

// partitionOf is the owner() routing function for VarIds.
func (r ring) partitionOf(id VarId) uint32 {
	h := fnv.New64a()
	h.Write(id[:])
	return uint32(h.Sum64() % uint64(r.partitions))
}

// partitionOfKey routes an arbitrary byte key, used for `thread` placement
// where the routing key is the (module, function, args) tuple.
func (r ring) partitionOfKey(key []byte) uint32 {
	h := fnv.New64a()
	h.Write(key)
	return uint32(h.Sum64() % uint64(r.partitions))
}

// nodeFor picks the member owning a partition by rendezvous hashing. The
// assignment is stable for a given member set and independent of the order
// in which members are listed.
func (r ring) nodeFor(partition uint32, members []string) (string, bool) {
	if len(members) == 0 {
		return "", false
	}
	var best string
	var bestScore uint64
	for _, m := range members {
		h := fnv.New64a()
		h.Write([]byte(m))
		h.Write([]byte{
			byte(partition >> 24), byte(partition >> 16),
			byte(partition >> 8), byte(partition),
		})
		if score := h.Sum64(); best == "" || score > bestScore {
			best, bestScore = m, score
		}
	}
	return best, true
}
