package crdt

// Text is a shared rune sequence. Elements carry ids ordered by a logical
// counter; deletions tombstone. Concurrent inserts at the same origin order
// deterministically (greater id first).
type Text struct {
	doc   *Doc
	path  []string
	chars []tchar
}

type tchar struct {
	id  ID
	r   rune
	del bool
}

func newText(d *Doc, path []string) *Text {
	return &Text{doc: d, path: path}
}

// Insert places s before the visible rune at index. Index past the end
// appends.
func (t *Text) Insert(index int, s string) {
	if s == "" {
		return
	}
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	runes := []rune(s)
	left := t.leftOf(index)
	t.doc.seq += uint64(len(runes))
	first := ID{Replica: t.doc.replica, Seq: t.doc.seq - uint64(len(runes)) + 1}
	o := op{kind: opTextIns, path: t.path, id: first, left: left, text: s, st: t.doc.nextStamp()}
	t.applyInsert(o)
	t.doc.record(o)
}

// Delete removes n visible runes starting at index.
func (t *Text) Delete(index, n int) {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	ids := make([]ID, 0, n)
	seen := 0
	for _, c := range t.chars {
		if c.del {
			continue
		}
		if seen >= index && len(ids) < n {
			ids = append(ids, c.id)
		}
		seen++
	}
	for _, id := range ids {
		st := t.doc.nextStamp()
		t.applyDelete(id)
		t.doc.record(op{kind: opTextDel, path: t.path, id: id, st: st})
	}
}

// String returns the visible runes.
func (t *Text) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.stringLocked()
}

func (t *Text) stringLocked() string {
	out := make([]rune, 0, len(t.chars))
	for _, c := range t.chars {
		if !c.del {
			out = append(out, c.r)
		}
	}
	return string(out)
}

// Len counts visible runes.
func (t *Text) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	n := 0
	for _, c := range t.chars {
		if !c.del {
			n++
		}
	}
	return n
}

// leftOf returns the id of the visible rune preceding visible index;
// tombstones are skipped when counting.
func (t *Text) leftOf(index int) ID {
	if index <= 0 {
		return ID{}
	}
	seen := 0
	var last ID
	for _, c := range t.chars {
		if c.del {
			continue
		}
		last = c.id
		seen++
		if seen == index {
			return last
		}
	}
	return last
}

func (t *Text) indexOf(id ID) int {
	for i, c := range t.chars {
		if c.id == id {
			return i
		}
	}
	return -1
}

/*** application (doc.mu held) ***/

func (t *Text) applyInsert(o op) {
	runes := []rune(o.text)
	if len(runes) == 0 {
		return
	}
	// keep local ids ahead of everything observed
	top := o.id.Seq + uint64(len(runes)) - 1
	if top > t.doc.seq {
		t.doc.seq = top
	}
	left := o.left
	for i, r := range runes {
		id := ID{Replica: o.id.Replica, Seq: o.id.Seq + uint64(i)}
		t.integrate(id, left, r)
		left = id
	}
}

func (t *Text) integrate(id, left ID, r rune) {
	if t.indexOf(id) >= 0 {
		return
	}
	pos := 0
	if !left.isZero() {
		if li := t.indexOf(left); li >= 0 {
			pos = li + 1
		} else {
			pos = len(t.chars)
		}
	}
	for pos < len(t.chars) && t.chars[pos].id.greater(id) {
		pos++
	}
	t.chars = append(t.chars, tchar{})
	copy(t.chars[pos+1:], t.chars[pos:])
	t.chars[pos] = tchar{id: id, r: r}
}

func (t *Text) applyDelete(id ID) {
	if i := t.indexOf(id); i >= 0 {
		t.chars[i].del = true
	}
}

func (t *Text) snapshot(ops *[]op) {
	var left ID
	i := 0
	for i < len(t.chars) {
		// contiguous run from one replica
		j := i + 1
		for j < len(t.chars) &&
			t.chars[j].id.Replica == t.chars[i].id.Replica &&
			t.chars[j].id.Seq == t.chars[j-1].id.Seq+1 {
			j++
		}
		runes := make([]rune, 0, j-i)
		for _, c := range t.chars[i:j] {
			runes = append(runes, c.r)
		}
		*ops = append(*ops, op{
			kind: opTextIns,
			path: t.path,
			id:   t.chars[i].id,
			left: left,
			text: string(runes),
		})
		left = t.chars[j-1].id
		i = j
	}
	for _, c := range t.chars {
		if c.del {
			*ops = append(*ops, op{kind: opTextDel, path: t.path, id: c.id})
		}
	}
}
