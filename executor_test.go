package lasp

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/stuheiss/lasp/pkg/lattice"
)

func newTestCoordinator(t *testing.T) *coordinator {
	t.Helper()
	return newCoordinator(
		DefaultRegistry(),
		NewProgramRegistry(),
		8,
		slog.Default(),
		&metrics.BlackholeSink{},
		nil,
	)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSingleAssignment(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := testCtx(t)

	id, err := co.Declare(ctx, "")
	require.NoError(t, err)

	n1, err := co.Bind(ctx, id, Concrete(42))
	require.NoError(t, err)
	require.False(t, n1.IsNil(), "binding allocates the stream successor")

	value, next, err := co.Read(ctx, id, nil)
	require.NoError(t, err)
	require.Equal(t, 42, value)
	require.Equal(t, n1, next)

	_, err = co.Bind(ctx, id, Concrete(43))
	require.ErrorIs(t, err, ErrConflictingBind)

	rebind, err := co.Bind(ctx, id, Concrete(42))
	require.NoError(t, err, "rebinding the same value is idempotent")
	require.Equal(t, n1, rebind)
}

func TestBlockingRead(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := testCtx(t)

	id, err := co.Declare(ctx, "")
	require.NoError(t, err)

	type result struct {
		value any
		next  VarId
	}
	readerCh := make(chan result, 1)
	go func() {
		value, next, err := co.Read(ctx, id, nil)
		if err == nil {
			readerCh <- result{value, next}
		}
	}()

	select {
	case <-readerCh:
		t.Fatal("read must suspend on an unbound cell")
	case <-time.After(50 * time.Millisecond):
	}

	next, err := co.Bind(ctx, id, Concrete("hi"))
	require.NoError(t, err)

	select {
	case got := <-readerCh:
		require.Equal(t, "hi", got.value)
		require.Equal(t, next, got.next)
	case <-ctx.Done():
		t.Fatal("reader was never woken")
	}
}

func TestLatticeThreshold(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := testCtx(t)

	id, err := co.Declare(ctx, "gcounter")
	require.NoError(t, err)

	bound, err := co.IsDet(ctx, id)
	require.NoError(t, err)
	require.True(t, bound, "lattice cells are bound from creation")

	one := lattice.GCounter{}.Inc("me", 1)
	two := one.Inc("me", 1)

	_, err = co.Bind(ctx, id, Concrete(one))
	require.NoError(t, err)

	readerCh := make(chan any, 1)
	th := AtLeast(two)
	go func() {
		value, _, err := co.Read(ctx, id, &th)
		if err == nil {
			readerCh <- value
		}
	}()

	select {
	case <-readerCh:
		t.Fatal("threshold read must suspend below the observation point")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = co.Bind(ctx, id, Concrete(two))
	require.NoError(t, err)

	select {
	case value := <-readerCh:
		got, ok := value.(lattice.GCounter)
		require.True(t, ok)
		// no spurious wake-up: the observed value meets the threshold.
		require.True(t, DefaultRegistry().ThresholdMet("gcounter", got, th))
		require.Equal(t, uint64(2), got.Total())
	case <-ctx.Done():
		t.Fatal("threshold reader was never woken")
	}
}

func TestLatticeBindJoins(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := testCtx(t)

	id, err := co.Declare(ctx, "gcounter")
	require.NoError(t, err)

	// concurrent-looking binds from distinct actors: the observable value
	// after the k-th bind is the join of all k inputs.
	_, err = co.Bind(ctx, id, Concrete(lattice.GCounter{}.Inc("alice", 2)))
	require.NoError(t, err)
	_, err = co.Bind(ctx, id, Concrete(lattice.GCounter{}.Inc("bob", 3)))
	require.NoError(t, err)
	_, err = co.Bind(ctx, id, Concrete(lattice.GCounter{}.Inc("alice", 1)))
	require.NoError(t, err, "a stale input joins to a no-op instead of regressing")

	value, _, err := co.Read(ctx, id, nil)
	require.NoError(t, err)
	got, ok := value.(lattice.GCounter)
	require.True(t, ok)
	require.Equal(t, uint64(2), got["alice"], "value never regresses")
	require.Equal(t, uint64(3), got["bob"])
}

func TestStreaming(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := testCtx(t)

	id0, err := co.Declare(ctx, "")
	require.NoError(t, err)

	id1, err := co.Bind(ctx, id0, Concrete(1))
	require.NoError(t, err)
	id2, err := co.Bind(ctx, id1, Concrete(2))
	require.NoError(t, err)

	value, next, err := co.Read(ctx, id0, nil)
	require.NoError(t, err)
	require.Equal(t, 1, value)
	require.Equal(t, id1, next)

	value, next, err = co.Read(ctx, id1, nil)
	require.NoError(t, err)
	require.Equal(t, 2, value)
	require.Equal(t, id2, next)
}

func TestNextIsStable(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := testCtx(t)

	id, err := co.Declare(ctx, "")
	require.NoError(t, err)

	n1, err := co.Bind(ctx, id, Concrete("v"))
	require.NoError(t, err)

	// stream succession: next returns whatever bind allocated, every time.
	for i := 0; i < 3; i++ {
		next, err := co.Next(ctx, id)
		require.NoError(t, err)
		require.Equal(t, n1, next)
	}
}

func TestNextAllocatesOnDemand(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := testCtx(t)

	id, err := co.Declare(ctx, "")
	require.NoError(t, err)

	n1, err := co.Next(ctx, id)
	require.NoError(t, err)
	require.False(t, n1.IsNil())

	n2, err := co.Next(ctx, id)
	require.NoError(t, err)
	require.Equal(t, n1, n2, "next is idempotent after first success")

	// the successor exists as a real cell.
	bound, err := co.IsDet(ctx, n1)
	require.NoError(t, err)
	require.False(t, bound)
}

func TestUndefinedTerminatesStream(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := testCtx(t)

	id, err := co.Declare(ctx, "")
	require.NoError(t, err)

	next, err := co.Bind(ctx, id, Undefined())
	require.NoError(t, err)
	require.True(t, next.IsNil(), "the empty sentinel does not allocate a successor")

	value, _, err := co.Read(ctx, id, nil)
	require.NoError(t, err)
	require.True(t, IsUndefined(value))
}

func TestAliasPropagation(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := testCtx(t)

	a, err := co.Declare(ctx, "")
	require.NoError(t, err)
	b, err := co.Declare(ctx, "")
	require.NoError(t, err)

	readerCh := make(chan any, 1)
	go func() {
		value, _, err := co.Read(ctx, a, nil)
		if err == nil {
			readerCh <- value
		}
	}()

	nextOfA, err := co.Bind(ctx, a, Alias(b))
	require.NoError(t, err)
	require.False(t, nextOfA.IsNil(), "the alias ack carries the linked successor")

	select {
	case <-readerCh:
		t.Fatal("reading an alias of an unbound cell must suspend")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = co.Bind(ctx, b, Concrete(7))
	require.NoError(t, err)

	select {
	case value := <-readerCh:
		require.Equal(t, 7, value)
	case <-ctx.Done():
		t.Fatal("alias value never propagated")
	}
}

func TestAliasChain(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := testCtx(t)

	// a → b → c: binding the tail propagates to every link.
	a, _ := co.Declare(ctx, "")
	b, _ := co.Declare(ctx, "")
	c, _ := co.Declare(ctx, "")

	_, err := co.Bind(ctx, b, Alias(c))
	require.NoError(t, err)
	_, err = co.Bind(ctx, a, Alias(b))
	require.NoError(t, err)

	_, err = co.Bind(ctx, c, Concrete("tail"))
	require.NoError(t, err)

	for _, id := range []VarId{a, b, c} {
		value, _, err := co.Read(ctx, id, nil)
		require.NoError(t, err)
		require.Equal(t, "tail", value)
	}
}

func TestAliasOfBoundCell(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := testCtx(t)

	a, _ := co.Declare(ctx, "")
	b, _ := co.Declare(ctx, "")

	_, err := co.Bind(ctx, b, Concrete("early"))
	require.NoError(t, err)

	_, err = co.Bind(ctx, a, Alias(b))
	require.NoError(t, err)

	value, _, err := co.Read(ctx, a, nil)
	require.NoError(t, err)
	require.Equal(t, "early", value, "a bound target snapshots back immediately")
}

func TestLaziness(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := testCtx(t)

	id, err := co.Declare(ctx, "")
	require.NoError(t, err)

	var order sync.Mutex
	var events []string
	record := func(ev string) {
		order.Lock()
		events = append(events, ev)
		order.Unlock()
	}

	producerReady := make(chan struct{})
	readerCh := make(chan any, 1)

	go func() {
		close(producerReady)
		if err := co.WaitNeeded(ctx, id); err != nil {
			return
		}
		record("producer-woken")
		if _, err := co.Bind(ctx, id, Concrete("made-on-demand")); err != nil {
			t.Errorf("bind failed: %s", err)
		}
	}()

	<-producerReady
	// let the producer park in wait_needed before demanding.
	time.Sleep(50 * time.Millisecond)

	go func() {
		value, _, err := co.Read(ctx, id, nil)
		if err == nil {
			record("reader-woken")
			readerCh <- value
		}
	}()

	select {
	case value := <-readerCh:
		require.Equal(t, "made-on-demand", value)
	case <-ctx.Done():
		t.Fatal("lazy production never happened")
	}

	order.Lock()
	defer order.Unlock()
	require.Equal(t, []string{"producer-woken", "reader-woken"}, events,
		"the creator observes demand before the reader resumes")
}

func TestWaitNeededImmediate(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := testCtx(t)

	t.Run("returns immediately on a bound cell", func(t *testing.T) {
		id, _ := co.Declare(ctx, "")
		_, err := co.Bind(ctx, id, Concrete(1))
		require.NoError(t, err)
		require.NoError(t, co.WaitNeeded(ctx, id))
	})

	t.Run("returns immediately when demand is already present", func(t *testing.T) {
		id, _ := co.Declare(ctx, "")
		go co.Read(ctx, id, nil)

		require.Eventually(t, func() bool {
			waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			defer cancel()
			return co.WaitNeeded(waitCtx, id) == nil
		}, 5*time.Second, 50*time.Millisecond)

		_, err := co.Bind(ctx, id, Concrete(1))
		require.NoError(t, err)
	})
}

func TestWaiterLiveness(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := testCtx(t)

	id, err := co.Declare(ctx, "")
	require.NoError(t, err)

	const readers = 16
	var wg sync.WaitGroup
	values := make(chan any, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, _, err := co.Read(ctx, id, nil)
			if err == nil {
				values <- value
			}
		}()
	}

	// every plain waiter enqueued before the bind is woken exactly once.
	time.Sleep(50 * time.Millisecond)
	_, err = co.Bind(ctx, id, Concrete("fan-out"))
	require.NoError(t, err)

	wg.Wait()
	close(values)
	count := 0
	for value := range values {
		require.Equal(t, "fan-out", value)
		count++
	}
	require.Equal(t, readers, count)
}

func TestIsDetNeverBlocks(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := testCtx(t)

	id, err := co.Declare(ctx, "")
	require.NoError(t, err)

	bound, err := co.IsDet(ctx, id)
	require.NoError(t, err)
	require.False(t, bound)

	_, err = co.Bind(ctx, id, Concrete("x"))
	require.NoError(t, err)

	bound, err = co.IsDet(ctx, id)
	require.NoError(t, err)
	require.True(t, bound)

	bound, err = co.IsDet(ctx, NewVarId())
	require.NoError(t, err)
	require.False(t, bound, "an undeclared id is not bound")
}

func TestReadCancellation(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := testCtx(t)

	id, err := co.Declare(ctx, "")
	require.NoError(t, err)

	readCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		_, _, err := co.Read(readCtx, id, nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-ctx.Done():
		t.Fatal("cancelled reader never returned")
	}

	// the waiter was removed: a later bind has nobody stale to wake.
	_, err = co.Bind(ctx, id, Concrete("late"))
	require.NoError(t, err)
}

func TestDeclareIdempotent(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := testCtx(t)

	id := NewVarId()
	require.NoError(t, co.DeclareId(ctx, id, "gcounter"))
	require.NoError(t, co.DeclareId(ctx, id, "gcounter"))

	value, _, err := co.Read(ctx, id, nil)
	require.NoError(t, err)
	require.Equal(t, lattice.GCounter{}, value)
}

func TestThreadRunsRegisteredProgram(t *testing.T) {
	programs := NewProgramRegistry()
	co := newCoordinator(
		DefaultRegistry(),
		programs,
		8,
		slog.Default(),
		&metrics.BlackholeSink{},
		nil,
	)
	ctx := testCtx(t)

	id, err := co.Declare(ctx, "")
	require.NoError(t, err)

	programs.Register("demo", "produce", func(ctx context.Context, args []any) error {
		_, err := co.Bind(ctx, id, Concrete(args[0]))
		return err
	})

	handle, err := co.Thread(ctx, "demo", "produce", []any{"from-thread"})
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	value, _, err := co.Read(ctx, id, nil)
	require.NoError(t, err)
	require.Equal(t, "from-thread", value)
}

func TestThreadUnknownProgram(t *testing.T) {
	co := newTestCoordinator(t)
	ctx := testCtx(t)

	// the spawn itself is fire-and-forget: the handle comes back and the
	// failure surfaces in the logs, not to the caller.
	handle, err := co.Thread(ctx, "nope", "nope", nil)
	require.NoError(t, err)
	require.NotEmpty(t, handle)
}
