package crdt

import (
	"math/rand"
	"sort"
	"sync"
)

// UpdateHandler observes encoded updates. The origin is the transaction tag
// the update was produced or applied with; relays use it to skip the sender.
type UpdateHandler func(update []byte, origin any)

// Doc is a conflict-free replicated document exposing named shared
// containers. Map entries are last-write-wins registers; Text and Array are
// tombstoned sequences ordered by element id. Concurrent updates commute:
// applying the same set of updates in any order converges as long as each
// sequence insert arrives after the element it is anchored to. An insert
// whose left anchor is not present yet is placed at the end of the sequence
// and is not moved when the anchor arrives later.
type Doc struct {
	mu   sync.Mutex // guards all container state
	txMu sync.Mutex // serializes whole transactions

	replica uint32
	clock   uint64
	seq     uint64

	root      map[string]container
	observers []UpdateHandler
	pending   []op
	inTx      bool
	destroyed bool
}

type container interface {
	// snapshot appends ops rebuilding this container (tombstones included).
	snapshot(ops *[]op)
}

func NewDoc() *Doc {
	return &Doc{
		// replica 0 is reserved for the zero ID
		replica: rand.Uint32()%0xfffffffe + 1,
		root:    make(map[string]container),
	}
}

// Map returns the named top-level map container, creating it if absent.
func (d *Doc) Map(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapLocked(name)
}

func (d *Doc) mapLocked(name string) *Map {
	if c, ok := d.root[name]; ok {
		if m, ok := c.(*Map); ok {
			return m
		}
	}
	m := newMap(d, []string{name})
	d.root[name] = m
	return m
}

// Array returns the named top-level array container, creating it if absent.
func (d *Doc) Array(name string) *Array {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.arrayLocked(name)
}

func (d *Doc) arrayLocked(name string) *Array {
	if c, ok := d.root[name]; ok {
		if a, ok := c.(*Array); ok {
			return a
		}
	}
	a := newArray(d, []string{name})
	d.root[name] = a
	return a
}

// OnUpdate registers an observer fired once per produced or applied update.
func (d *Doc) OnUpdate(fn UpdateHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// Transact runs fn as one transaction: every mutation inside fn is batched
// into a single update, and observers fire once with the given origin.
// Transactions must not nest.
func (d *Doc) Transact(origin any, fn func()) {
	d.txMu.Lock()
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		d.txMu.Unlock()
		return
	}
	d.inTx = true
	d.mu.Unlock()

	fn()

	d.mu.Lock()
	ops := d.pending
	d.pending = nil
	d.inTx = false
	obs := append([]UpdateHandler(nil), d.observers...)
	d.mu.Unlock()
	d.txMu.Unlock()

	if len(ops) == 0 {
		return
	}
	update := encodeOps(ops)
	for _, fn := range obs {
		fn(update, origin)
	}
}

// record appends a locally produced op; outside a transaction it flushes an
// immediate single-op update with a nil origin.
func (d *Doc) record(o op) {
	if d.inTx {
		d.pending = append(d.pending, o)
		return
	}
	obs := append([]UpdateHandler(nil), d.observers...)
	update := encodeOps([]op{o})
	d.mu.Unlock()
	for _, fn := range obs {
		fn(update, nil)
	}
	d.mu.Lock()
}

// ApplyUpdate decodes and applies a remote update, then fires observers with
// the raw bytes and the given origin. Malformed updates are rejected whole.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}
	d.txMu.Lock()
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		d.txMu.Unlock()
		return nil
	}
	for _, o := range ops {
		d.applyLocked(o)
	}
	obs := append([]UpdateHandler(nil), d.observers...)
	d.mu.Unlock()
	d.txMu.Unlock()

	for _, fn := range obs {
		fn(update, origin)
	}
	return nil
}

func (d *Doc) applyLocked(o op) {
	if o.st.Clock > d.clock {
		d.clock = o.st.Clock
	}
	switch o.kind {
	case opMapSet, opMapDel:
		m := d.resolveMap(o.path)
		if m == nil {
			return
		}
		if o.kind == opMapSet {
			m.applySet(o)
		} else {
			m.applyDelete(o)
		}
	case opTextIns, opTextDel:
		t := d.resolveText(o.path)
		if t == nil {
			return
		}
		if o.kind == opTextIns {
			t.applyInsert(o)
		} else {
			t.applyDelete(o.id)
		}
	case opArrIns, opArrDel:
		a := d.resolveArray(o.path)
		if a == nil {
			return
		}
		if o.kind == opArrIns {
			a.applyInsert(o)
		} else {
			a.applyDelete(o.id)
		}
	}
}

// resolveMap walks the path, materializing missing intermediate maps with
// zero stamps so any explicit write wins. A scalar or mismatched container
// in the way drops the op.
func (d *Doc) resolveMap(path []string) *Map {
	if len(path) == 0 {
		return nil
	}
	m := d.mapLocked(path[0])
	if m == nil {
		return nil
	}
	for _, key := range path[1:] {
		m = m.childMap(key)
		if m == nil {
			return nil
		}
	}
	return m
}

func (d *Doc) resolveText(path []string) *Text {
	if len(path) < 2 {
		return nil
	}
	m := d.resolveMap(path[:len(path)-1])
	if m == nil {
		return nil
	}
	return m.childText(path[len(path)-1])
}

func (d *Doc) resolveArray(path []string) *Array {
	if len(path) == 1 {
		return d.arrayLocked(path[0])
	}
	m := d.resolveMap(path[:len(path)-1])
	if m == nil {
		return nil
	}
	return m.childArray(path[len(path)-1])
}

func (d *Doc) nextStamp() stamp {
	d.clock++
	return stamp{Clock: d.clock, Replica: d.replica}
}

func (d *Doc) nextID() ID {
	d.seq++
	return ID{Replica: d.replica, Seq: d.seq}
}

// EncodeState returns one update that rebuilds the whole document, including
// sequence tombstones, on an empty replica.
func (d *Doc) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.root))
	for name := range d.root {
		names = append(names, name)
	}
	sort.Strings(names)
	var ops []op
	for _, name := range names {
		d.root[name].snapshot(&ops)
	}
	return encodeOps(ops)
}

// Destroy detaches observers and drops container state. Further mutations
// and updates are ignored.
func (d *Doc) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
	d.observers = nil
	d.root = make(map[string]container)
}
