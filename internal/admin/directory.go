// Package admin manages the list of users allowed to run admin commands.
package admin

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/pawnbot/internal/storage"
)

// ErrForbidden is returned when a non-admin tries an admin-only operation.
var ErrForbidden = errors.New("access denied")

// Store defines the storage operations the Directory needs.
// Implemented by storage.Store.
type Store interface {
	AddAdmin(userID, addedBy int64) (bool, error)
	IsAdmin(userID int64) (bool, error)
	ListAdmins() ([]storage.Admin, error)
}

type Directory struct {
	store    Store
	defaults []int64
	logger   *slog.Logger
}

// New creates a Directory. defaults seed an empty admin table.
func New(store Store, defaults []int64) *Directory {
	return &Directory{store: store, defaults: defaults, logger: slog.Default()}
}

// Seed inserts the default admins when no admin exists yet.
func (d *Directory) Seed() error {
	admins, err := d.store.ListAdmins()
	if err != nil {
		return fmt.Errorf("listing admins: %w", err)
	}
	if len(admins) > 0 {
		return nil
	}
	for _, id := range d.defaults {
		if _, err := d.store.AddAdmin(id, 0); err != nil {
			return fmt.Errorf("seeding admin %d: %w", id, err)
		}
	}
	if len(d.defaults) > 0 {
		d.logger.Info("seeded default admins", "count", len(d.defaults))
	}
	return nil
}

// IsAdmin reports whether userID is an admin. Lookup failures deny access.
func (d *Directory) IsAdmin(userID int64) bool {
	ok, err := d.store.IsAdmin(userID)
	if err != nil {
		d.logger.Warn("admin lookup failed", "user_id", userID, "error", err)
		return false
	}
	return ok
}

// Add makes userID an admin on behalf of requester, who must be one.
// It reports false when userID already was an admin.
func (d *Directory) Add(requester, userID int64) (bool, error) {
	if !d.IsAdmin(requester) {
		return false, ErrForbidden
	}
	return d.Grant(userID, requester)
}

// Grant makes userID an admin without checking the caller.
func (d *Directory) Grant(userID, addedBy int64) (bool, error) {
	if userID <= 0 {
		return false, fmt.Errorf("invalid user id %d", userID)
	}
	added, err := d.store.AddAdmin(userID, addedBy)
	if err != nil {
		return false, fmt.Errorf("adding admin %d: %w", userID, err)
	}
	return added, nil
}

// List returns all admins.
func (d *Directory) List() ([]storage.Admin, error) {
	return d.store.ListAdmins()
}
