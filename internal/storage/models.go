package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// PendingItem is one row of a user's bulk item queue.
type PendingItem struct {
	Position    int
	Description string
	Evaluation  string
}

type UserSettings struct {
	UserID         int64
	LastDepartment string
	LastRegion     string
	UpdatedAt      time.Time
}

type Admin struct {
	UserID    int64
	AddedBy   int64
	CreatedAt time.Time
}

type ArchiveEntry struct {
	ID         string
	Path       string // relative to the archive root
	ReportDate time.Time
	DateText   string
	Department string
	Issue      string
	Ticket     string
	Region     string
	ItemsJSON  string // JSON array stored as text
	CreatedAt  time.Time
}
