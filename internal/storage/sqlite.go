package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding drafts, pending item queues, user
// settings, admins and the archive index.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "pawnbot.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Drafts ---

// GetDraft returns the serialized draft of a user.
func (s *Store) GetDraft(userID int64) (string, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM drafts WHERE user_id = ?`, userID).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return payload, nil
}

func (s *Store) PutDraft(userID int64, payload string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO drafts (user_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		userID, payload, now,
	)
	return err
}

func (s *Store) DeleteDraft(userID int64) error {
	_, err := s.db.Exec(`DELETE FROM drafts WHERE user_id = ?`, userID)
	return err
}

// ListDrafts returns the serialized drafts of all users.
func (s *Store) ListDrafts() ([]string, error) {
	rows, err := s.db.Query(`SELECT payload FROM drafts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payloads []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
	return payloads, rows.Err()
}

// --- Pending items ---

// ListPending returns a user's pending items ordered by position.
func (s *Store) ListPending(userID int64) ([]PendingItem, error) {
	rows, err := s.db.Query(`
		SELECT position, description, evaluation FROM pending_items
		WHERE user_id = ? ORDER BY position ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []PendingItem
	for rows.Next() {
		var p PendingItem
		if err := rows.Scan(&p.Position, &p.Description, &p.Evaluation); err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// ReplacePending atomically swaps a user's queue for items, renumbering
// positions from zero.
func (s *Store) ReplacePending(userID int64, items []PendingItem) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning pending transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM pending_items WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clearing pending items: %w", err)
	}
	for i, it := range items {
		if _, err := tx.Exec(`INSERT INTO pending_items (user_id, position, description, evaluation) VALUES (?, ?, ?, ?)`,
			userID, i, it.Description, it.Evaluation); err != nil {
			return fmt.Errorf("inserting pending item %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (s *Store) DeletePending(userID int64) error {
	_, err := s.db.Exec(`DELETE FROM pending_items WHERE user_id = ?`, userID)
	return err
}

// --- User settings ---

// GetUserSettings returns stored settings, or zero settings when none exist.
func (s *Store) GetUserSettings(userID int64) (UserSettings, error) {
	u := UserSettings{UserID: userID}
	var updatedAt string
	err := s.db.QueryRow(`SELECT last_department, last_region, updated_at FROM user_settings WHERE user_id = ?`, userID).
		Scan(&u.LastDepartment, &u.LastRegion, &updatedAt)
	if err == sql.ErrNoRows {
		return u, nil
	}
	if err != nil {
		return UserSettings{}, err
	}
	if u.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return UserSettings{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return u, nil
}

// SaveUserSettings upserts settings. Empty fields keep their stored value.
func (s *Store) SaveUserSettings(u UserSettings) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO user_settings (user_id, last_department, last_region, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_department = CASE WHEN excluded.last_department = '' THEN user_settings.last_department ELSE excluded.last_department END,
			last_region = CASE WHEN excluded.last_region = '' THEN user_settings.last_region ELSE excluded.last_region END,
			updated_at = excluded.updated_at`,
		u.UserID, u.LastDepartment, u.LastRegion, now,
	)
	return err
}

// --- Admins ---

// AddAdmin inserts an admin. It reports false when the user already was one.
func (s *Store) AddAdmin(userID, addedBy int64) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`INSERT OR IGNORE INTO admins (user_id, added_by, created_at) VALUES (?, ?, ?)`, userID, addedBy, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) IsAdmin(userID int64) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM admins WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ListAdmins() ([]Admin, error) {
	rows, err := s.db.Query(`SELECT user_id, added_by, created_at FROM admins ORDER BY user_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var admins []Admin
	for rows.Next() {
		var a Admin
		var createdAt string
		if err := rows.Scan(&a.UserID, &a.AddedBy, &createdAt); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for admin %d: %w", a.UserID, err)
		}
		admins = append(admins, a)
	}
	return admins, rows.Err()
}

// --- Archive index ---

const reportDateLayout = "2006-01-02"

func (s *Store) SaveArchiveEntry(e ArchiveEntry) error {
	var reportDate sql.NullString
	if !e.ReportDate.IsZero() {
		reportDate = sql.NullString{String: e.ReportDate.Format(reportDateLayout), Valid: true}
	}
	itemsJSON := e.ItemsJSON
	if itemsJSON == "" {
		itemsJSON = "[]"
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO archive_entries (id, archive_path, report_date, date_text, department, issue, ticket, region, items_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Path, reportDate, e.DateText, e.Department, e.Issue, e.Ticket, e.Region, itemsJSON,
		createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListArchiveEntries returns dated entries whose report date falls within
// [start, end] (inclusive, day precision). An empty region matches all.
func (s *Store) ListArchiveEntries(start, end time.Time, region string) ([]ArchiveEntry, error) {
	query := `SELECT id, archive_path, report_date, date_text, department, issue, ticket, region, items_json, created_at
		FROM archive_entries
		WHERE report_date IS NOT NULL AND report_date >= ? AND report_date <= ?`
	args := []any{start.Format(reportDateLayout), end.Format(reportDateLayout)}
	if region != "" {
		query += ` AND region = ?`
		args = append(args, region)
	}
	query += ` ORDER BY report_date ASC, created_at ASC`
	return s.queryArchive(query, args...)
}

// RecentArchiveEntries returns the newest entries first.
func (s *Store) RecentArchiveEntries(limit int) ([]ArchiveEntry, error) {
	return s.queryArchive(`SELECT id, archive_path, report_date, date_text, department, issue, ticket, region, items_json, created_at
		FROM archive_entries ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
}

func (s *Store) queryArchive(query string, args ...any) ([]ArchiveEntry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ArchiveEntry
	for rows.Next() {
		var e ArchiveEntry
		var reportDate sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Path, &reportDate, &e.DateText, &e.Department, &e.Issue, &e.Ticket,
			&e.Region, &e.ItemsJSON, &createdAt); err != nil {
			return nil, err
		}
		if reportDate.Valid {
			if e.ReportDate, err = time.Parse(reportDateLayout, reportDate.String); err != nil {
				return nil, fmt.Errorf("parsing report_date for entry %s: %w", e.ID, err)
			}
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for entry %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
