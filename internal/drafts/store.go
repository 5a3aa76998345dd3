// Package drafts persists per-user report drafts and bulk item queues.
package drafts

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kalambet/pawnbot/internal/report"
	"github.com/kalambet/pawnbot/internal/storage"
)

// Backend defines the storage operations the Store needs.
// Implemented by storage.Store.
type Backend interface {
	GetDraft(userID int64) (string, error)
	PutDraft(userID int64, payload string) error
	DeleteDraft(userID int64) error
	ListDrafts() ([]string, error)
	ListPending(userID int64) ([]storage.PendingItem, error)
	ReplacePending(userID int64, items []storage.PendingItem) error
	DeletePending(userID int64) error
}

// Store is the draft store. Load, Save and Delete are individually atomic;
// read-modify-write sequences must hold Lock for the user.
type Store struct {
	backend Backend
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Store on top of backend.
func New(backend Backend) *Store {
	return &Store{
		backend: backend,
		logger:  slog.Default(),
		locks:   make(map[int64]*userLock),
	}
}

// Lock acquires the per-user lock and returns its release func.
func (s *Store) Lock(userID int64) func() {
	s.mu.Lock()
	l, ok := s.locks[userID]
	if !ok {
		l = &userLock{}
		s.locks[userID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, userID)
		}
		s.mu.Unlock()
	}
}

// Load returns the user's draft. A missing or unreadable draft yields an
// empty one; read errors are logged, not returned.
func (s *Store) Load(userID int64) report.Draft {
	payload, err := s.backend.GetDraft(userID)
	if errors.Is(err, storage.ErrNotFound) {
		return report.Draft{}
	}
	if err != nil {
		s.logger.Warn("loading draft failed, starting empty", "user_id", userID, "error", err)
		return report.Draft{}
	}
	var d report.Draft
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		s.logger.Warn("decoding draft failed, starting empty", "user_id", userID, "error", err)
		return report.Draft{}
	}
	return d
}

func (s *Store) Save(userID int64, d report.Draft) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding draft: %w", err)
	}
	if err := s.backend.PutDraft(userID, string(b)); err != nil {
		return fmt.Errorf("saving draft for %d: %w", userID, err)
	}
	return nil
}

// Delete removes the draft and the pending item queue of a user.
func (s *Store) Delete(userID int64) error {
	if err := s.backend.DeleteDraft(userID); err != nil {
		return fmt.Errorf("deleting draft for %d: %w", userID, err)
	}
	if err := s.backend.DeletePending(userID); err != nil {
		return fmt.Errorf("deleting pending items for %d: %w", userID, err)
	}
	return nil
}

// Photos returns the image paths referenced by any stored draft. Drafts that
// fail to decode are skipped.
func (s *Store) Photos() ([]string, error) {
	payloads, err := s.backend.ListDrafts()
	if err != nil {
		return nil, fmt.Errorf("listing drafts: %w", err)
	}
	var out []string
	for _, p := range payloads {
		var d report.Draft
		if err := json.Unmarshal([]byte(p), &d); err != nil {
			continue
		}
		out = append(out, d.Photos()...)
	}
	return out, nil
}

// Pending returns the user's bulk item queue. Read errors are logged and
// yield an empty queue.
func (s *Store) Pending(userID int64) []report.PendingItem {
	rows, err := s.backend.ListPending(userID)
	if err != nil {
		s.logger.Warn("loading pending items failed", "user_id", userID, "error", err)
		return nil
	}
	items := make([]report.PendingItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, report.PendingItem{Description: r.Description, Evaluation: r.Evaluation})
	}
	return items
}

// SetPending replaces the user's bulk item queue.
func (s *Store) SetPending(userID int64, items []report.PendingItem) error {
	rows := make([]storage.PendingItem, len(items))
	for i, it := range items {
		rows[i] = storage.PendingItem{Position: i, Description: it.Description, Evaluation: it.Evaluation}
	}
	if err := s.backend.ReplacePending(userID, rows); err != nil {
		return fmt.Errorf("saving pending items for %d: %w", userID, err)
	}
	return nil
}
