package lasp

import "sync"

// wake is what a suspended caller eventually observes: the cell's value and
// the identifier of its stream successor. The creator of a lazy cell is
// woken with a zero wake, which is just a demand ack.
type wake struct {
	value any
	next  VarId
}

// handle is a reply-capable wake target. In-process callers use replyHandle;
// remote callers are served by a goroutine holding their stream open, which
// parks on a replyHandle of its own, so the transport never needs a second
// implementation.
type handle interface {
	// deliver must not block and must be called at most once.
	deliver(w wake)
	// key identifies the handle for cancellation-driven removal.
	key() uint64
}

var handleSeq struct {
	mu   sync.Mutex
	next uint64
}

func nextHandleKey() uint64 {
	handleSeq.mu.Lock()
	defer handleSeq.mu.Unlock()
	handleSeq.next++
	return handleSeq.next
}

type replyHandle struct {
	id   uint64
	ch   chan wake
	once sync.Once
}

func newReplyHandle() *replyHandle {
	return &replyHandle{
		id: nextHandleKey(),
		ch: make(chan wake, 1),
	}
}

func (h *replyHandle) deliver(w wake) {
	h.once.Do(func() {
		h.ch <- w
	})
}

func (h *replyHandle) key() uint64 {
	return h.id
}

// waiter is a suspended read parked on a cell. A nil threshold is a plain
// waiter, woken by the first bind; a threshold waiter is re-evaluated on
// every monotonic update and re-queued while unmet.
type waiter struct {
	h         handle
	threshold *Threshold
}
