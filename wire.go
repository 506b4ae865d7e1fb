package lasp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire format: every message is one frame, varint length prefix followed by
// a msgpack-encoded body. One frame type carries every message; Op selects
// which fields are meaningful.

type msgOp uint8

const (
	opDeclare msgOp = iota + 1
	opBind
	opRead
	opIsDet
	opNext
	opWaitNeeded
	opThread

	opFetch
	opReplyFetch
	opNotify

	opReply
)

// maxFrameSize bounds a single message; anything larger is a protocol
// violation.
const maxFrameSize = 16 << 20

// RawToString keeps opaque payloads symmetric: a string bound on one node
// reads back as a string on another.
var msgpackHandle = newMsgpackHandle()

func newMsgpackHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	return h
}

type wireValue struct {
	Kind uint8
	Data any
	Ref  []byte
}

type wireThreshold struct {
	Kind  uint8
	Value any
}

type wireSnapshot struct {
	Type  string
	Value wireValue
	Next  []byte
	Bound bool
}

type frame struct {
	Op msgOp

	Id   []byte
	From []byte
	Type string

	Value     *wireValue
	Threshold *wireThreshold
	Snap      *wireSnapshot

	Module   string
	Function string
	Args     []any

	// reply fields
	Ok    bool
	Err   string
	Bound bool
	Next  []byte
}

func toWireValue(v Value) *wireValue {
	w := &wireValue{Kind: uint8(v.Kind), Data: v.Data}
	if v.Kind == KindAlias {
		w.Ref = v.Ref.bytes()
	}
	if v.isUndefined() {
		// the sentinel has no wire shape of its own; Data nil + Kind
		// wireKindUndefined round-trips through fromWireValue.
		w.Data = nil
		w.Kind = wireKindUndefined
	}
	return w
}

const wireKindUndefined uint8 = 0xFF

func fromWireValue(w *wireValue) (Value, error) {
	if w == nil {
		return Bottom(), nil
	}
	if w.Kind == wireKindUndefined {
		return Undefined(), nil
	}
	v := Value{Kind: ValueKind(w.Kind), Data: w.Data}
	if v.Kind == KindAlias {
		ref, err := VarIdFromBytes(w.Ref)
		if err != nil {
			return Value{}, fmt.Errorf("%w: bad alias ref: %w", ErrInvalidFrame, err)
		}
		v.Ref = ref
	}
	return v, nil
}

func toWireThreshold(th *Threshold) *wireThreshold {
	if th == nil {
		return nil
	}
	return &wireThreshold{Kind: uint8(th.Kind), Value: th.Value}
}

func fromWireThreshold(w *wireThreshold) *Threshold {
	if w == nil {
		return nil
	}
	return &Threshold{Kind: ThresholdKind(w.Kind), Value: w.Value}
}

func toWireSnapshot(s snapshot) *wireSnapshot {
	w := &wireSnapshot{
		Type:  s.Type,
		Value: *toWireValue(s.Value),
		Bound: s.Bound,
	}
	if !s.Next.IsNil() {
		w.Next = s.Next.bytes()
	}
	return w
}

func fromWireSnapshot(w *wireSnapshot) (snapshot, error) {
	if w == nil {
		return snapshot{}, ErrInvalidFrame
	}
	v, err := fromWireValue(&w.Value)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{
		Type:  w.Type,
		Value: v,
		Next:  varIdOrNil(w.Next),
		Bound: w.Bound,
	}, nil
}

// varIdOrNil decodes an optional id field: absent or malformed ids map to
// NilVar, which downstream code treats as "unset".
func varIdOrNil(b []byte) VarId {
	if len(b) == 0 {
		return NilVar
	}
	id, err := VarIdFromBytes(b)
	if err != nil {
		return NilVar
	}
	return id
}

func encodeFrame(fr *frame) ([]byte, error) {
	var body bytes.Buffer
	if err := codec.NewEncoder(&body, msgpackHandle).Encode(fr); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	if body.Len() > maxFrameSize {
		return nil, ErrTooLargeFrame
	}
	buf := protowire.AppendVarint(nil, uint64(body.Len()))
	return append(buf, body.Bytes()...), nil
}

func writeFrame(w io.Writer, fr *frame) error {
	buf, err := encodeFrame(fr)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	return nil
}

func readFrame(r *bufio.Reader) (*frame, error) {
	var prefix []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		prefix = append(prefix, b)
		if b < 0x80 {
			break
		}
		if len(prefix) > 10 {
			return nil, ErrInvalidFrame
		}
	}
	size, n := protowire.ConsumeVarint(prefix)
	if n < 0 {
		return nil, ErrInvalidFrame
	}
	if size > maxFrameSize {
		return nil, ErrTooLargeFrame
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	fr := &frame{}
	if err := codec.NewDecoderBytes(body, msgpackHandle).Decode(fr); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	return fr, nil
}
