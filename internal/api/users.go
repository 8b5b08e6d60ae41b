package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"codehive/collab/internal/models"
	"codehive/collab/internal/store"
)

// userDirectory resolves usernames to identities. Records live in memory
// and mirror to the store when one is configured, so login works the same
// in ephemeral mode. The first user to log in while no admin exists
// bootstraps as admin.
type userDirectory struct {
	gw *store.Gateway

	mu     sync.Mutex
	byName map[string]*models.UserRecord
}

func newUserDirectory(gw *store.Gateway) *userDirectory {
	return &userDirectory{gw: gw, byName: make(map[string]*models.UserRecord)}
}

func (d *userDirectory) Login(ctx context.Context, username string) (models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := d.byName[username]
	if rec == nil {
		stored, err := d.gw.LoadUser(ctx, username)
		if err != nil {
			return models.User{}, err
		}
		if stored != nil {
			rec = stored
			d.byName[username] = rec
		}
	}
	if rec == nil {
		role := models.RoleEditor
		if !d.adminExistsLocked(ctx) {
			role = models.RoleAdmin
		}
		rec = &models.UserRecord{
			ID:       uuid.NewString(),
			Username: username,
			JoinDate: time.Now().UTC(),
			Role:     role,
		}
		d.byName[username] = rec
		if err := d.gw.SaveUser(ctx, rec); err != nil {
			return models.User{}, err
		}
	}
	return models.User{UserID: rec.ID, Username: rec.Username, Role: rec.Role}, nil
}

func (d *userDirectory) adminExistsLocked(ctx context.Context) bool {
	for _, rec := range d.byName {
		if rec.Role == models.RoleAdmin {
			return true
		}
	}
	return d.gw.AdminExists(ctx)
}
