package crdt

import (
	"encoding/binary"
	"errors"
	"math"
)

// Binary update layout: [varuint opCount, op*]. Each op starts with a kind
// byte, the container path, and the Lamport stamp, followed by kind-specific
// fields. Strings are varuint length + raw bytes.

const (
	opMapSet  byte = 1
	opMapDel  byte = 2
	opTextIns byte = 3
	opTextDel byte = 4
	opArrIns  byte = 5
	opArrDel  byte = 6
)

const (
	vNull byte = iota
	vString
	vInt
	vFloat
	vBool
	vMap
	vText
	vArray
)

var errTruncated = errors.New("crdt: truncated update")

// stamp is a Lamport timestamp with the replica id as tiebreak.
type stamp struct {
	Clock   uint64
	Replica uint32
}

func (s stamp) after(o stamp) bool {
	if s.Clock != o.Clock {
		return s.Clock > o.Clock
	}
	return s.Replica > o.Replica
}

// ID identifies one element of a sequence container. The zero ID marks the
// head of the sequence.
type ID struct {
	Replica uint32
	Seq     uint64
}

func (id ID) isZero() bool { return id.Replica == 0 && id.Seq == 0 }

func (id ID) greater(o ID) bool {
	if id.Seq != o.Seq {
		return id.Seq > o.Seq
	}
	return id.Replica > o.Replica
}

type op struct {
	kind byte
	path []string
	st   stamp

	key string // map ops
	val value  // map set / array insert

	id   ID     // sequence element
	left ID     // insert origin
	text string // inserted runes
}

// value is a decoded map/array register value. Container tags carry no
// payload; the holder materializes an empty child container.
type value struct {
	tag byte
	s   string
	i   int64
	f   float64
	b   bool
}

type encoder struct{ buf []byte }

func (e *encoder) uvarint(v uint64) { e.buf = binary.AppendUvarint(e.buf, v) }
func (e *encoder) byte(b byte)      { e.buf = append(e.buf, b) }
func (e *encoder) string(s string)  { e.uvarint(uint64(len(s))); e.buf = append(e.buf, s...) }
func (e *encoder) id(id ID)         { e.uvarint(uint64(id.Replica)); e.uvarint(id.Seq) }
func (e *encoder) stamp(st stamp)   { e.uvarint(st.Clock); e.uvarint(uint64(st.Replica)) }

func (e *encoder) value(v value) {
	e.byte(v.tag)
	switch v.tag {
	case vString:
		e.string(v.s)
	case vInt:
		e.buf = binary.AppendVarint(e.buf, v.i)
	case vFloat:
		e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(v.f))
	case vBool:
		if v.b {
			e.byte(1)
		} else {
			e.byte(0)
		}
	}
}

func (e *encoder) op(o op) {
	e.byte(o.kind)
	e.uvarint(uint64(len(o.path)))
	for _, p := range o.path {
		e.string(p)
	}
	e.stamp(o.st)
	switch o.kind {
	case opMapSet:
		e.string(o.key)
		e.value(o.val)
	case opMapDel:
		e.string(o.key)
	case opTextIns:
		e.id(o.id)
		e.id(o.left)
		e.string(o.text)
	case opTextDel:
		e.id(o.id)
	case opArrIns:
		e.id(o.id)
		e.id(o.left)
		e.value(o.val)
	case opArrDel:
		e.id(o.id)
	}
}

func encodeOps(ops []op) []byte {
	e := &encoder{}
	e.uvarint(uint64(len(ops)))
	for _, o := range ops {
		e.op(o)
	}
	return e.buf
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, errTruncated
	}
	d.pos += n
	return v, nil
}

func (d *decoder) varint() (int64, error) {
	v, n := binary.Varint(d.buf[d.pos:])
	if n <= 0 {
		return 0, errTruncated
	}
	d.pos += n
	return v, nil
}

func (d *decoder) byte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, errTruncated
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) string() (string, error) {
	n, err := d.uvarint()
	if err != nil {
		return "", err
	}
	if d.pos+int(n) > len(d.buf) {
		return "", errTruncated
	}
	s := string(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s, nil
}

func (d *decoder) id() (ID, error) {
	r, err := d.uvarint()
	if err != nil {
		return ID{}, err
	}
	seq, err := d.uvarint()
	if err != nil {
		return ID{}, err
	}
	return ID{Replica: uint32(r), Seq: seq}, nil
}

func (d *decoder) stamp() (stamp, error) {
	c, err := d.uvarint()
	if err != nil {
		return stamp{}, err
	}
	r, err := d.uvarint()
	if err != nil {
		return stamp{}, err
	}
	return stamp{Clock: c, Replica: uint32(r)}, nil
}

func (d *decoder) value() (value, error) {
	tag, err := d.byte()
	if err != nil {
		return value{}, err
	}
	v := value{tag: tag}
	switch tag {
	case vString:
		v.s, err = d.string()
	case vInt:
		v.i, err = d.varint()
	case vFloat:
		if d.pos+8 > len(d.buf) {
			return value{}, errTruncated
		}
		v.f = math.Float64frombits(binary.BigEndian.Uint64(d.buf[d.pos:]))
		d.pos += 8
	case vBool:
		var b byte
		b, err = d.byte()
		v.b = b != 0
	case vNull, vMap, vText, vArray:
	default:
		return value{}, errors.New("crdt: unknown value tag")
	}
	return v, err
}

func (d *decoder) op() (op, error) {
	kind, err := d.byte()
	if err != nil {
		return op{}, err
	}
	o := op{kind: kind}
	n, err := d.uvarint()
	if err != nil {
		return op{}, err
	}
	o.path = make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		p, err := d.string()
		if err != nil {
			return op{}, err
		}
		o.path = append(o.path, p)
	}
	if o.st, err = d.stamp(); err != nil {
		return op{}, err
	}
	switch kind {
	case opMapSet:
		if o.key, err = d.string(); err != nil {
			return op{}, err
		}
		o.val, err = d.value()
	case opMapDel:
		o.key, err = d.string()
	case opTextIns:
		if o.id, err = d.id(); err != nil {
			return op{}, err
		}
		if o.left, err = d.id(); err != nil {
			return op{}, err
		}
		o.text, err = d.string()
	case opTextDel:
		o.id, err = d.id()
	case opArrIns:
		if o.id, err = d.id(); err != nil {
			return op{}, err
		}
		if o.left, err = d.id(); err != nil {
			return op{}, err
		}
		o.val, err = d.value()
	case opArrDel:
		o.id, err = d.id()
	default:
		return op{}, errors.New("crdt: unknown op kind")
	}
	return o, err
}

func decodeOps(data []byte) ([]op, error) {
	d := &decoder{buf: data}
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	ops := make([]op, 0, n)
	for i := uint64(0); i < n; i++ {
		o, err := d.op()
		if err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}
	return ops, nil
}

// CountInsertedRunes decodes an update and sums the runes inserted into text
// containers. Malformed updates count zero.
func CountInsertedRunes(update []byte) int {
	ops, err := decodeOps(update)
	if err != nil {
		return 0
	}
	total := 0
	for _, o := range ops {
		if o.kind == opTextIns {
			total += len([]rune(o.text))
		}
	}
	return total
}
