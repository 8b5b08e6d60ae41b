package crdt

import "sort"

// Map is a last-write-wins register map. Values are scalars
// (string, int64, float64, bool, nil) or child containers.
type Map struct {
	doc     *Doc
	path    []string
	entries map[string]*entry
}

type entry struct {
	val     any
	st      stamp
	deleted bool
}

func newMap(d *Doc, path []string) *Map {
	return &Map{doc: d, path: path, entries: make(map[string]*entry)}
}

func toValue(v any) (value, bool) {
	switch x := v.(type) {
	case nil:
		return value{tag: vNull}, true
	case string:
		return value{tag: vString, s: x}, true
	case int:
		return value{tag: vInt, i: int64(x)}, true
	case int64:
		return value{tag: vInt, i: x}, true
	case float64:
		return value{tag: vFloat, f: x}, true
	case bool:
		return value{tag: vBool, b: x}, true
	}
	return value{}, false
}

func scalarToValue(v any) value {
	val, _ := toValue(v)
	return val
}

func fromScalar(v value) any {
	switch v.tag {
	case vString:
		return v.s
	case vInt:
		return v.i
	case vFloat:
		return v.f
	case vBool:
		return v.b
	}
	return nil
}

func valueOf(val any) value {
	switch val.(type) {
	case *Map:
		return value{tag: vMap}
	case *Text:
		return value{tag: vText}
	case *Array:
		return value{tag: vArray}
	}
	return scalarToValue(val)
}

// Set writes a scalar value under key.
func (m *Map) Set(key string, v any) {
	val, ok := toValue(v)
	if !ok {
		return
	}
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	st := m.doc.nextStamp()
	m.entries[key] = &entry{val: fromScalar(val), st: st}
	m.doc.record(op{kind: opMapSet, path: m.path, key: key, val: val, st: st})
}

// SetMap creates (or keeps) a child map under key and returns it.
func (m *Map) SetMap(key string) *Map {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	st := m.doc.nextStamp()
	child := m.keepChild(key, vMap).(*Map)
	m.doc.record(op{kind: opMapSet, path: m.path, key: key, val: value{tag: vMap}, st: st})
	m.entries[key].st = st
	return child
}

// SetText creates (or keeps) a child text under key and returns it.
func (m *Map) SetText(key string) *Text {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	st := m.doc.nextStamp()
	child := m.keepChild(key, vText).(*Text)
	m.doc.record(op{kind: opMapSet, path: m.path, key: key, val: value{tag: vText}, st: st})
	m.entries[key].st = st
	return child
}

// SetArray creates (or keeps) a child array under key and returns it.
func (m *Map) SetArray(key string) *Array {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	st := m.doc.nextStamp()
	child := m.keepChild(key, vArray).(*Array)
	m.doc.record(op{kind: opMapSet, path: m.path, key: key, val: value{tag: vArray}, st: st})
	m.entries[key].st = st
	return child
}

// keepChild returns the live child container of the wanted type under key,
// materializing one if the slot is empty or holds something else.
func (m *Map) keepChild(key string, tag byte) any {
	childPath := append(append([]string(nil), m.path...), key)
	if e, ok := m.entries[key]; ok && !e.deleted {
		switch tag {
		case vMap:
			if c, ok := e.val.(*Map); ok {
				return c
			}
		case vText:
			if c, ok := e.val.(*Text); ok {
				return c
			}
		case vArray:
			if c, ok := e.val.(*Array); ok {
				return c
			}
		}
	}
	var child any
	switch tag {
	case vMap:
		child = newMap(m.doc, childPath)
	case vText:
		child = newText(m.doc, childPath)
	case vArray:
		child = newArray(m.doc, childPath)
	}
	m.entries[key] = &entry{val: child}
	return child
}

// Delete tombstones key.
func (m *Map) Delete(key string) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	st := m.doc.nextStamp()
	m.entries[key] = &entry{st: st, deleted: true}
	m.doc.record(op{kind: opMapDel, path: m.path, key: key, st: st})
}

// Get returns the value under key, or nil when absent or deleted.
func (m *Map) Get(key string) any {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.getLocked(key)
}

func (m *Map) getLocked(key string) any {
	if e, ok := m.entries[key]; ok && !e.deleted {
		return e.val
	}
	return nil
}

// Has reports whether key holds a live value.
func (m *Map) Has(key string) bool {
	return m.Get(key) != nil
}

// GetMap returns the child map under key, or nil.
func (m *Map) GetMap(key string) *Map {
	c, _ := m.Get(key).(*Map)
	return c
}

// GetText returns the child text under key, or nil.
func (m *Map) GetText(key string) *Text {
	c, _ := m.Get(key).(*Text)
	return c
}

// GetArray returns the child array under key, or nil.
func (m *Map) GetArray(key string) *Array {
	c, _ := m.Get(key).(*Array)
	return c
}

// Len counts live entries.
func (m *Map) Len() int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if !e.deleted {
			n++
		}
	}
	return n
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.keysLocked()
}

func (m *Map) keysLocked() []string {
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Each visits live entries in sorted key order.
func (m *Map) Each(fn func(key string, val any)) {
	for _, k := range m.Keys() {
		if v := m.Get(k); v != nil {
			fn(k, v)
		}
	}
}

/*** remote application (doc.mu held) ***/

func (m *Map) applySet(o op) {
	existing := m.entries[o.key]
	if existing != nil && !o.st.after(existing.st) {
		return
	}
	switch o.val.tag {
	case vMap, vText, vArray:
		child := m.keepChild(o.key, o.val.tag)
		m.entries[o.key].val = child
		m.entries[o.key].st = o.st
		m.entries[o.key].deleted = false
	default:
		m.entries[o.key] = &entry{val: fromScalar(o.val), st: o.st}
	}
}

func (m *Map) applyDelete(o op) {
	existing := m.entries[o.key]
	if existing != nil && !o.st.after(existing.st) {
		return
	}
	m.entries[o.key] = &entry{st: o.st, deleted: true}
}

// childMap materializes a map under key for path resolution; a live
// non-map occupant drops the op.
func (m *Map) childMap(key string) *Map {
	if e, ok := m.entries[key]; ok && !e.deleted {
		c, ok := e.val.(*Map)
		if !ok {
			return nil
		}
		return c
	}
	childPath := append(append([]string(nil), m.path...), key)
	c := newMap(m.doc, childPath)
	m.entries[key] = &entry{val: c}
	return c
}

func (m *Map) childText(key string) *Text {
	if e, ok := m.entries[key]; ok && !e.deleted {
		c, ok := e.val.(*Text)
		if !ok {
			return nil
		}
		return c
	}
	childPath := append(append([]string(nil), m.path...), key)
	c := newText(m.doc, childPath)
	m.entries[key] = &entry{val: c}
	return c
}

func (m *Map) childArray(key string) *Array {
	if e, ok := m.entries[key]; ok && !e.deleted {
		c, ok := e.val.(*Array)
		if !ok {
			return nil
		}
		return c
	}
	childPath := append(append([]string(nil), m.path...), key)
	c := newArray(m.doc, childPath)
	m.entries[key] = &entry{val: c}
	return c
}

func (m *Map) snapshot(ops *[]op) {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e := m.entries[k]
		if e.deleted {
			*ops = append(*ops, op{kind: opMapDel, path: m.path, key: k, st: e.st})
			continue
		}
		*ops = append(*ops, op{kind: opMapSet, path: m.path, key: k, val: valueOf(e.val), st: e.st})
		switch c := e.val.(type) {
		case *Map:
			c.snapshot(ops)
		case *Text:
			c.snapshot(ops)
		case *Array:
			c.snapshot(ops)
		}
	}
}
