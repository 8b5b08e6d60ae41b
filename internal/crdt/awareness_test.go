package crdt

import "testing"

func encodeEntries(entries []awWire) []byte { return encodeAwareness(entries) }

func TestAwarenessApplyAndSnapshot(t *testing.T) {
	aw := NewAwareness()
	update := encodeEntries([]awWire{
		{clientID: 7, clock: 1, state: `{"cursor":3}`},
		{clientID: 9, clock: 1, state: `{"cursor":0}`},
	})
	if err := aw.ApplyUpdate(update, nil); err != nil {
		t.Fatal(err)
	}
	if aw.Count() != 2 || !aw.Has(7) || !aw.Has(9) {
		t.Fatalf("unexpected state count %d", aw.Count())
	}

	snapshot, err := decodeAwareness(aw.EncodeAll())
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshot) != 2 || snapshot[0].clientID != 7 || snapshot[1].clientID != 9 {
		t.Fatalf("unexpected snapshot %#v", snapshot)
	}
}

func TestAwarenessStaleClockSkipped(t *testing.T) {
	aw := NewAwareness()
	_ = aw.ApplyUpdate(encodeEntries([]awWire{{clientID: 7, clock: 5, state: "new"}}), nil)

	fired := false
	aw.OnUpdate(func([]byte, any) { fired = true })
	_ = aw.ApplyUpdate(encodeEntries([]awWire{{clientID: 7, clock: 4, state: "old"}}), nil)

	if fired {
		t.Fatalf("stale update should not fan out")
	}
	snapshot, _ := decodeAwareness(aw.EncodeAll())
	if snapshot[0].state != "new" {
		t.Fatalf("stale state applied: %q", snapshot[0].state)
	}
}

func TestAwarenessRemoveEmitsRemoval(t *testing.T) {
	aw := NewAwareness()
	_ = aw.ApplyUpdate(encodeEntries([]awWire{{clientID: 7, clock: 2, state: "s"}}), nil)

	var emitted []byte
	var origin any
	aw.OnUpdate(func(u []byte, o any) { emitted, origin = u, o })

	aw.Remove([]uint32{7, 42}, "socket")

	if aw.Has(7) {
		t.Fatalf("client 7 still present")
	}
	if origin != "socket" {
		t.Fatalf("unexpected origin %v", origin)
	}
	entries, err := decodeAwareness(emitted)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].clientID != 7 || entries[0].state != "" || entries[0].clock != 3 {
		t.Fatalf("unexpected removal entries %#v", entries)
	}
}

func TestAwarenessEmptyStateRemoves(t *testing.T) {
	aw := NewAwareness()
	_ = aw.ApplyUpdate(encodeEntries([]awWire{{clientID: 3, clock: 1, state: "here"}}), nil)
	_ = aw.ApplyUpdate(encodeEntries([]awWire{{clientID: 3, clock: 2, state: ""}}), nil)
	if aw.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", aw.Count())
	}
}

func TestClientIDs(t *testing.T) {
	update := encodeEntries([]awWire{
		{clientID: 1, clock: 1, state: "a"},
		{clientID: 2, clock: 1, state: "b"},
	})
	ids, err := ClientIDs(update)
	if err != nil || len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("unexpected ids %v err=%v", ids, err)
	}
	if _, err := ClientIDs([]byte{0x05}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestAwarenessWireRoundTrip(t *testing.T) {
	in := []AwarenessEntry{{ClientID: 0xFFFF, Clock: 12, State: `{"sel":[1,2]}`}}
	out, err := DecodeAwarenessUpdate(EncodeAwarenessUpdate(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != in[0] {
		t.Fatalf("round trip mismatch: %#v", out)
	}
}
