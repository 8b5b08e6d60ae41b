package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"codehive/collab/internal/crdt"
	"codehive/collab/internal/models"
)

type fakeStore struct {
	mu        sync.Mutex
	loads     int
	persists  int
	loadErr   error
	loadDelay time.Duration
	loadPerms map[string]models.Role
}

func (f *fakeStore) LoadProjectState(ctx context.Context, roomID string, doc *crdt.Doc) (map[string]models.Role, error) {
	if f.loadDelay > 0 {
		time.Sleep(f.loadDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	perms := make(map[string]models.Role, len(f.loadPerms))
	for k, v := range f.loadPerms {
		perms[k] = v
	}
	return perms, nil
}

func (f *fakeStore) PersistProjectState(ctx context.Context, roomID string, doc *crdt.Doc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persists++
	return nil
}

func (f *fakeStore) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads, f.persists
}

func TestConcurrentAcquiresYieldOneRoom(t *testing.T) {
	store := &fakeStore{loadDelay: 10 * time.Millisecond}
	reg := NewRegistry(store, zap.NewNop())

	const n = 32
	rooms := make([]*Room, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := reg.GetOrCreate(context.Background(), "storm")
			if err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			rooms[i] = r
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if rooms[i] != rooms[0] {
			t.Fatalf("acquirer %d got a different room", i)
		}
	}
	if loads, _ := store.counts(); loads != 1 {
		t.Fatalf("expected a single load, got %d", loads)
	}
}

func TestLoadErrorPropagatesAndClearsPending(t *testing.T) {
	store := &fakeStore{loadErr: errors.New("boom")}
	reg := NewRegistry(store, zap.NewNop())

	if _, err := reg.GetOrCreate(context.Background(), "r"); err == nil {
		t.Fatalf("expected load error")
	}
	if _, ok := reg.Get("r"); ok {
		t.Fatalf("failed creation must not register a room")
	}

	store.mu.Lock()
	store.loadErr = nil
	store.mu.Unlock()
	if _, err := reg.GetOrCreate(context.Background(), "r"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestLoadedPermsApplied(t *testing.T) {
	store := &fakeStore{loadPerms: map[string]models.Role{"u1": models.RoleAdmin}}
	reg := NewRegistry(store, zap.NewNop())

	room, err := reg.GetOrCreate(context.Background(), "r")
	if err != nil {
		t.Fatal(err)
	}
	user := models.User{UserID: "u1", Role: models.RoleViewer}
	if got := room.EffectiveRole(user); got != models.RoleAdmin {
		t.Fatalf("persisted permission not applied, got %s", got)
	}
}

func TestReleaseDestroysEmptyRoom(t *testing.T) {
	store := &fakeStore{}
	reg := NewRegistry(store, zap.NewNop())

	room, err := reg.GetOrCreate(context.Background(), "r")
	if err != nil {
		t.Fatal(err)
	}
	room.Doc.Map("editor:files").SetText("f").Insert(0, "x") // marks dirty

	reg.Release(context.Background(), room)

	if _, ok := reg.Get("r"); ok {
		t.Fatalf("room still registered after release")
	}
	if _, persists := store.counts(); persists != 1 {
		t.Fatalf("expected one final flush, got %d", persists)
	}
	select {
	case <-room.Done():
	default:
		t.Fatalf("done channel not closed")
	}

	// a fresh acquisition builds a brand new room
	again, err := reg.GetOrCreate(context.Background(), "r")
	if err != nil {
		t.Fatal(err)
	}
	if again == room {
		t.Fatalf("destroyed room returned again")
	}
}

func TestReleaseSkipsOccupiedRoom(t *testing.T) {
	store := &fakeStore{}
	reg := NewRegistry(store, zap.NewNop())

	room, _ := reg.GetOrCreate(context.Background(), "r")
	c, _ := newTestClient(models.User{UserID: "u"}, "r")
	room.Join(c)

	reg.Release(context.Background(), room)

	if _, ok := reg.Get("r"); !ok {
		t.Fatalf("occupied room must never be destroyed")
	}
}

func TestRegistryLifecycleHooks(t *testing.T) {
	store := &fakeStore{}
	reg := NewRegistry(store, zap.NewNop())
	var opened, closed []string
	reg.RoomOpened = func(id string) { opened = append(opened, id) }
	reg.RoomClosed = func(id string) { closed = append(closed, id) }

	room, _ := reg.GetOrCreate(context.Background(), "r")
	reg.Release(context.Background(), room)

	if len(opened) != 1 || opened[0] != "r" || len(closed) != 1 || closed[0] != "r" {
		t.Fatalf("hooks not fired: opened=%v closed=%v", opened, closed)
	}
}
