package crdt

import (
	"sort"
	"sync"
)

// Awareness tracks ephemeral per-client presence state (cursor, selection,
// user color) keyed by 32-bit client ids. Wire format:
// [varuint count, (varuint clientId, varuint clock, varstring state)*].
// An entry with an empty state and a newer clock removes the client.
type Awareness struct {
	mu        sync.Mutex
	states    map[uint32]awEntry
	observers []UpdateHandler
	destroyed bool
}

type awEntry struct {
	clock uint64
	state string
}

func NewAwareness() *Awareness {
	return &Awareness{states: make(map[uint32]awEntry)}
}

// OnUpdate registers an observer fired with the re-encoded changed entries
// and the origin each time presence changes.
func (a *Awareness) OnUpdate(fn UpdateHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

type awWire struct {
	clientID uint32
	clock    uint64
	state    string
}

func decodeAwareness(data []byte) ([]awWire, error) {
	d := &decoder{buf: data}
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	out := make([]awWire, 0, n)
	for i := uint64(0); i < n; i++ {
		id, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		clock, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		state, err := d.string()
		if err != nil {
			return nil, err
		}
		out = append(out, awWire{clientID: uint32(id), clock: clock, state: state})
	}
	return out, nil
}

func encodeAwareness(entries []awWire) []byte {
	e := &encoder{}
	e.uvarint(uint64(len(entries)))
	for _, w := range entries {
		e.uvarint(uint64(w.clientID))
		e.uvarint(w.clock)
		e.string(w.state)
	}
	return e.buf
}

// AwarenessEntry is the public form of one wire entry, used by clients and
// tests to build presence updates.
type AwarenessEntry struct {
	ClientID uint32
	Clock    uint64
	State    string
}

// EncodeAwarenessUpdate builds a presence update from entries.
func EncodeAwarenessUpdate(entries []AwarenessEntry) []byte {
	wire := make([]awWire, 0, len(entries))
	for _, e := range entries {
		wire = append(wire, awWire{clientID: e.ClientID, clock: e.Clock, state: e.State})
	}
	return encodeAwareness(wire)
}

// DecodeAwarenessUpdate parses a presence update into entries.
func DecodeAwarenessUpdate(data []byte) ([]AwarenessEntry, error) {
	wire, err := decodeAwareness(data)
	if err != nil {
		return nil, err
	}
	out := make([]AwarenessEntry, 0, len(wire))
	for _, w := range wire {
		out = append(out, AwarenessEntry{ClientID: w.clientID, Clock: w.clock, State: w.state})
	}
	return out, nil
}

// ClientIDs parses the client-id list out of a raw update without applying
// it.
func ClientIDs(update []byte) ([]uint32, error) {
	entries, err := decodeAwareness(update)
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(entries))
	for _, w := range entries {
		ids = append(ids, w.clientID)
	}
	return ids, nil
}

// ApplyUpdate merges a presence update. Stale entries (clock not newer) are
// skipped; accepted changes are re-encoded and fanned out to observers with
// the origin.
func (a *Awareness) ApplyUpdate(update []byte, origin any) error {
	entries, err := decodeAwareness(update)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	changed := make([]awWire, 0, len(entries))
	for _, w := range entries {
		cur, ok := a.states[w.clientID]
		if ok && w.clock <= cur.clock {
			continue
		}
		if w.state == "" {
			delete(a.states, w.clientID)
		} else {
			a.states[w.clientID] = awEntry{clock: w.clock, state: w.state}
		}
		changed = append(changed, w)
	}
	obs := append([]UpdateHandler(nil), a.observers...)
	a.mu.Unlock()

	if len(changed) == 0 {
		return nil
	}
	encoded := encodeAwareness(changed)
	for _, fn := range obs {
		fn(encoded, origin)
	}
	return nil
}

// Remove drops the given clients and emits a removal update (empty state,
// bumped clock) to observers with the origin.
func (a *Awareness) Remove(ids []uint32, origin any) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	removed := make([]awWire, 0, len(ids))
	for _, id := range ids {
		cur, ok := a.states[id]
		if !ok {
			continue
		}
		delete(a.states, id)
		removed = append(removed, awWire{clientID: id, clock: cur.clock + 1})
	}
	obs := append([]UpdateHandler(nil), a.observers...)
	a.mu.Unlock()

	if len(removed) == 0 {
		return
	}
	encoded := encodeAwareness(removed)
	for _, fn := range obs {
		fn(encoded, origin)
	}
}

// EncodeAll snapshots every live client.
func (a *Awareness) EncodeAll() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]uint32, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	entries := make([]awWire, 0, len(ids))
	for _, id := range ids {
		e := a.states[id]
		entries = append(entries, awWire{clientID: id, clock: e.clock, state: e.state})
	}
	return encodeAwareness(entries)
}

// Count reports the number of live clients.
func (a *Awareness) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.states)
}

// Has reports whether a client id is live.
func (a *Awareness) Has(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.states[id]
	return ok
}

// Destroy drops all state and observers.
func (a *Awareness) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyed = true
	a.states = make(map[uint32]awEntry)
	a.observers = nil
}
