package lasp

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTripFrame(t *testing.T, fr *frame) *frame {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, fr))
	got, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	return got
}

func TestFrameRoundTrip_Bind(t *testing.T) {
	id := NewVarId()
	fr := &frame{
		Op:    opBind,
		Id:    id.bytes(),
		Value: toWireValue(Concrete("hello")),
	}

	got := roundTripFrame(t, fr)
	require.Equal(t, opBind, got.Op)
	require.Equal(t, id, varIdOrNil(got.Id))

	v, err := fromWireValue(got.Value)
	require.NoError(t, err)
	require.Equal(t, KindConcrete, v.Kind)
	require.Equal(t, "hello", v.Data)
}

func TestFrameRoundTrip_AliasValue(t *testing.T) {
	target := NewVarId()
	got := roundTripFrame(t, &frame{Op: opBind, Value: toWireValue(Alias(target))})

	v, err := fromWireValue(got.Value)
	require.NoError(t, err)
	require.True(t, v.IsAlias())
	require.Equal(t, target, v.Ref)
}

func TestFrameRoundTrip_Undefined(t *testing.T) {
	got := roundTripFrame(t, &frame{Op: opBind, Value: toWireValue(Undefined())})

	v, err := fromWireValue(got.Value)
	require.NoError(t, err)
	require.True(t, v.isUndefined())
}

func TestFrameRoundTrip_ThresholdRead(t *testing.T) {
	th := AtLeast(int64(5))
	got := roundTripFrame(t, &frame{
		Op:        opRead,
		Id:        NewVarId().bytes(),
		Threshold: toWireThreshold(&th),
	})

	decoded := fromWireThreshold(got.Threshold)
	require.NotNil(t, decoded)
	require.Equal(t, ThresholdAtLeast, decoded.Kind)
	require.EqualValues(t, 5, decoded.Value)
}

func TestFrameRoundTrip_Snapshot(t *testing.T) {
	next := NewVarId()
	snap := snapshot{
		Type:  "gcounter",
		Value: Concrete(map[string]uint64{"me": 2}),
		Next:  next,
		Bound: true,
	}

	got := roundTripFrame(t, &frame{
		Op:   opReplyFetch,
		From: NewVarId().bytes(),
		Snap: toWireSnapshot(snap),
	})

	decoded, err := fromWireSnapshot(got.Snap)
	require.NoError(t, err)
	require.Equal(t, "gcounter", decoded.Type)
	require.True(t, decoded.Bound)
	require.Equal(t, next, decoded.Next)
	require.Equal(t, KindConcrete, decoded.Value.Kind)
}

func TestFrameRoundTrip_UnsetNextIsNil(t *testing.T) {
	got := roundTripFrame(t, &frame{
		Op:   opReplyFetch,
		Snap: toWireSnapshot(snapshot{Value: Bottom()}),
	})

	decoded, err := fromWireSnapshot(got.Snap)
	require.NoError(t, err)
	require.True(t, decoded.Next.IsNil())
	require.True(t, decoded.Value.IsBottom())
	require.False(t, decoded.Bound)
}

func TestReadFrame_RejectsOversizedFrames(t *testing.T) {
	// a forged prefix announcing more than maxFrameSize must be rejected
	// before any allocation.
	buf := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x7F}
	_, err := readFrame(bufio.NewReader(bytes.NewReader(buf)))
	require.ErrorIs(t, err, ErrTooLargeFrame)
}

func TestReadFrame_RejectsRunawayVarint(t *testing.T) {
	buf := bytes.Repeat([]byte{0x80}, 16)
	_, err := readFrame(bufio.NewReader(bytes.NewReader(buf)))
	require.ErrorIs(t, err, ErrInvalidFrame)
}
