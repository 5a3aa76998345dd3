package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) || len(v1) == 0 {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestDraftRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetDraft(1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetDraft(missing) = %v, want ErrNotFound", err)
	}

	if err := s.PutDraft(1, `{"state":"issue"}`); err != nil {
		t.Fatalf("PutDraft: %v", err)
	}
	if err := s.PutDraft(1, `{"state":"ticket"}`); err != nil {
		t.Fatalf("PutDraft overwrite: %v", err)
	}
	got, err := s.GetDraft(1)
	if err != nil {
		t.Fatalf("GetDraft: %v", err)
	}
	if got != `{"state":"ticket"}` {
		t.Errorf("payload = %s", got)
	}

	if err := s.DeleteDraft(1); err != nil {
		t.Fatalf("DeleteDraft: %v", err)
	}
	if _, err := s.GetDraft(1); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDraft after delete = %v, want ErrNotFound", err)
	}
	// Deleting a missing draft is not an error.
	if err := s.DeleteDraft(1); err != nil {
		t.Errorf("DeleteDraft(missing) = %v", err)
	}
}

func TestListDrafts(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ListDrafts()
	if err != nil || len(got) != 0 {
		t.Fatalf("ListDrafts(empty) = %v, %v", got, err)
	}
	s.PutDraft(2, `{"b":1}`)
	s.PutDraft(1, `{"a":1}`)
	got, err = s.ListDrafts()
	if err != nil {
		t.Fatalf("ListDrafts: %v", err)
	}
	if len(got) != 2 || got[0] != `{"a":1}` || got[1] != `{"b":1}` {
		t.Errorf("ListDrafts = %v", got)
	}
}

func TestPendingQueue(t *testing.T) {
	s := openTestStore(t)

	items := []PendingItem{
		{Description: "кольцо", Evaluation: "1500"},
		{Description: "цепь", Evaluation: "3000"},
	}
	if err := s.ReplacePending(7, items); err != nil {
		t.Fatalf("ReplacePending: %v", err)
	}
	if err := s.ReplacePending(8, items[:1]); err != nil {
		t.Fatalf("ReplacePending other user: %v", err)
	}

	got, err := s.ListPending(7)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(got) != 2 || got[0].Description != "кольцо" || got[1].Position != 1 {
		t.Fatalf("ListPending = %+v", got)
	}

	if err := s.ReplacePending(7, got[1:]); err != nil {
		t.Fatalf("ReplacePending shrink: %v", err)
	}
	got, _ = s.ListPending(7)
	if len(got) != 1 || got[0].Description != "цепь" || got[0].Position != 0 {
		t.Errorf("after shrink = %+v", got)
	}

	if err := s.DeletePending(7); err != nil {
		t.Fatalf("DeletePending: %v", err)
	}
	got, _ = s.ListPending(7)
	if len(got) != 0 {
		t.Errorf("after delete = %+v", got)
	}
	other, _ := s.ListPending(8)
	if len(other) != 1 {
		t.Errorf("other user's queue touched: %+v", other)
	}
}

func TestUserSettingsMerge(t *testing.T) {
	s := openTestStore(t)

	u, err := s.GetUserSettings(5)
	if err != nil || u.LastDepartment != "" {
		t.Fatalf("GetUserSettings(missing) = %+v, %v", u, err)
	}

	if err := s.SaveUserSettings(UserSettings{UserID: 5, LastDepartment: "385"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveUserSettings(UserSettings{UserID: 5, LastRegion: "Тюмень"}); err != nil {
		t.Fatal(err)
	}
	u, err = s.GetUserSettings(5)
	if err != nil {
		t.Fatal(err)
	}
	if u.LastDepartment != "385" || u.LastRegion != "Тюмень" {
		t.Errorf("settings = %+v", u)
	}
}

func TestAdmins(t *testing.T) {
	s := openTestStore(t)

	added, err := s.AddAdmin(100, 0)
	if err != nil || !added {
		t.Fatalf("AddAdmin = %v, %v", added, err)
	}
	added, err = s.AddAdmin(100, 1)
	if err != nil || added {
		t.Errorf("AddAdmin duplicate = %v, %v", added, err)
	}

	ok, err := s.IsAdmin(100)
	if err != nil || !ok {
		t.Errorf("IsAdmin(100) = %v, %v", ok, err)
	}
	ok, _ = s.IsAdmin(200)
	if ok {
		t.Error("IsAdmin(200) = true")
	}

	if _, err := s.AddAdmin(50, 100); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListAdmins()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].UserID != 50 || list[0].AddedBy != 100 {
		t.Errorf("ListAdmins = %+v", list)
	}
}

func TestArchiveEntries(t *testing.T) {
	s := openTestStore(t)

	day := func(d, m, y int) time.Time { return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC) }
	entries := []ArchiveEntry{
		{ID: "a", Path: "2025-11/a.pdf", ReportDate: day(1, 11, 2025), Region: "Тюмень"},
		{ID: "b", Path: "2025-11/b.pdf", ReportDate: day(30, 11, 2025), Region: "Курган"},
		{ID: "c", Path: "2025-12/c.pdf", ReportDate: day(1, 12, 2025), Region: "Тюмень"},
		{ID: "d", Path: "undated/d.pdf", Region: "Тюмень"},
	}
	for _, e := range entries {
		if err := s.SaveArchiveEntry(e); err != nil {
			t.Fatalf("SaveArchiveEntry(%s): %v", e.ID, err)
		}
	}

	got, err := s.ListArchiveEntries(day(1, 11, 2025), day(30, 11, 2025), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("November = %+v", got)
	}

	got, _ = s.ListArchiveEntries(day(1, 11, 2025), day(31, 12, 2025), "Тюмень")
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Errorf("Тюмень = %+v", got)
	}

	recent, err := s.RecentArchiveEntries(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 4 {
		t.Fatalf("recent = %d entries", len(recent))
	}
	if recent[0].ID != "d" || !recent[0].ReportDate.IsZero() || recent[0].ItemsJSON != "[]" {
		t.Errorf("newest = %+v", recent[0])
	}
}
