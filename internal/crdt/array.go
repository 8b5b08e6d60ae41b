package crdt

// Array is a shared sequence of scalar values with the same ordering rules
// as Text.
type Array struct {
	doc   *Doc
	path  []string
	items []aitem
}

type aitem struct {
	id  ID
	val any
	del bool
}

func newArray(d *Doc, path []string) *Array {
	return &Array{doc: d, path: path}
}

// Push appends a scalar value.
func (a *Array) Push(v any) {
	a.insertAt(a.Len(), v)
}

// Insert places a scalar value before visible index.
func (a *Array) Insert(index int, v any) {
	a.insertAt(index, v)
}

func (a *Array) insertAt(index int, v any) {
	val, ok := toValue(v)
	if !ok {
		return
	}
	a.doc.mu.Lock()
	defer a.doc.mu.Unlock()
	left := a.leftOf(index)
	id := a.doc.nextID()
	o := op{kind: opArrIns, path: a.path, id: id, left: left, val: val, st: a.doc.nextStamp()}
	a.applyInsert(o)
	a.doc.record(o)
}

// Delete removes the visible element at index.
func (a *Array) Delete(index int) {
	a.doc.mu.Lock()
	defer a.doc.mu.Unlock()
	seen := 0
	for _, it := range a.items {
		if it.del {
			continue
		}
		if seen == index {
			st := a.doc.nextStamp()
			a.applyDelete(it.id)
			a.doc.record(op{kind: opArrDel, path: a.path, id: it.id, st: st})
			return
		}
		seen++
	}
}

// RemoveValue deletes the first visible element equal to v.
func (a *Array) RemoveValue(v any) {
	a.doc.mu.Lock()
	defer a.doc.mu.Unlock()
	for _, it := range a.items {
		if !it.del && it.val == v {
			st := a.doc.nextStamp()
			a.applyDelete(it.id)
			a.doc.record(op{kind: opArrDel, path: a.path, id: it.id, st: st})
			return
		}
	}
}

// Get returns the visible element at index, or nil.
func (a *Array) Get(index int) any {
	a.doc.mu.Lock()
	defer a.doc.mu.Unlock()
	seen := 0
	for _, it := range a.items {
		if it.del {
			continue
		}
		if seen == index {
			return it.val
		}
		seen++
	}
	return nil
}

// Len counts visible elements.
func (a *Array) Len() int {
	a.doc.mu.Lock()
	defer a.doc.mu.Unlock()
	return a.lenLocked()
}

func (a *Array) lenLocked() int {
	n := 0
	for _, it := range a.items {
		if !it.del {
			n++
		}
	}
	return n
}

// Slice copies the visible elements.
func (a *Array) Slice() []any {
	a.doc.mu.Lock()
	defer a.doc.mu.Unlock()
	out := make([]any, 0, len(a.items))
	for _, it := range a.items {
		if !it.del {
			out = append(out, it.val)
		}
	}
	return out
}

func (a *Array) leftOf(index int) ID {
	if index <= 0 {
		return ID{}
	}
	seen := 0
	var last ID
	for _, it := range a.items {
		if it.del {
			continue
		}
		last = it.id
		seen++
		if seen == index {
			return last
		}
	}
	return last
}

func (a *Array) indexOf(id ID) int {
	for i, it := range a.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

/*** application (doc.mu held) ***/

func (a *Array) applyInsert(o op) {
	if a.indexOf(o.id) >= 0 {
		return
	}
	if o.id.Seq > a.doc.seq {
		a.doc.seq = o.id.Seq
	}
	pos := 0
	if !o.left.isZero() {
		if li := a.indexOf(o.left); li >= 0 {
			pos = li + 1
		} else {
			pos = len(a.items)
		}
	}
	for pos < len(a.items) && a.items[pos].id.greater(o.id) {
		pos++
	}
	a.items = append(a.items, aitem{})
	copy(a.items[pos+1:], a.items[pos:])
	a.items[pos] = aitem{id: o.id, val: fromScalar(o.val)}
}

func (a *Array) applyDelete(id ID) {
	if i := a.indexOf(id); i >= 0 {
		a.items[i].del = true
	}
}

func (a *Array) snapshot(ops *[]op) {
	var left ID
	for _, it := range a.items {
		*ops = append(*ops, op{kind: opArrIns, path: a.path, id: it.id, left: left, val: valueOf(it.val)})
		left = it.id
	}
	for _, it := range a.items {
		if it.del {
			*ops = append(*ops, op{kind: opArrDel, path: a.path, id: it.id})
		}
	}
}
