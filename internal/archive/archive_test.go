package archive

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/kalambet/pawnbot/internal/report"
	"github.com/kalambet/pawnbot/internal/storage"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(filepath.Join(t.TempDir(), "archive"), st)
}

func writeDoc(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestArchiveFilesByMonth(t *testing.T) {
	a := newTestArchive(t)
	doc := writeDoc(t, "report.pdf", "%PDF-1")
	d := report.Draft{Date: "21.11.2025", Region: "Тюмень", Ticket: "01230004567", Items: report.Items{{Description: "кольцо", Evaluation: "1500"}}}

	first, err := a.Archive(doc, d)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if want := filepath.Join(a.Root(), "2025-11", "report.pdf"); first != want {
		t.Errorf("archived to %q, want %q", first, want)
	}

	second, err := a.Archive(doc, d)
	if err != nil {
		t.Fatalf("second Archive: %v", err)
	}
	if filepath.Base(second) != "report_1.pdf" {
		t.Errorf("second copy = %q, want report_1.pdf", second)
	}

	entries, err := a.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Path != "2025-11/report_1.pdf" {
		t.Errorf("entries = %+v", entries)
	}
	if entries[1].ItemsJSON == "[]" || entries[1].Ticket != "01230004567" {
		t.Errorf("entry = %+v", entries[1])
	}
}

func TestArchiveUndated(t *testing.T) {
	a := newTestArchive(t)
	path, err := a.Archive(writeDoc(t, "x.pdf", "x"), report.Draft{Date: "когда-то"})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(filepath.Dir(path)) != "undated" {
		t.Errorf("path = %q", path)
	}
}

func TestArchiveMissingSource(t *testing.T) {
	a := newTestArchive(t)
	if _, err := a.Archive(filepath.Join(t.TempDir(), "none.pdf"), report.Draft{}); err == nil {
		t.Error("expected error for missing document")
	}
}

func TestPathsFiltersAndZips(t *testing.T) {
	a := newTestArchive(t)
	mustArchive := func(name, date, region string) string {
		t.Helper()
		p, err := a.Archive(writeDoc(t, name, name), report.Draft{Date: date, Region: region})
		if err != nil {
			t.Fatal(err)
		}
		return p
	}
	nov1 := mustArchive("a.pdf", "01.11.2025", "Тюмень")
	mustArchive("b.pdf", "30.11.2025", "Курган")
	mustArchive("c.pdf", "01.12.2025", "Тюмень")

	start := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC)

	all, err := a.Paths(start, end, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("Paths(November) = %v", all)
	}

	tyumen, err := a.Paths(start, end, "Тюмень")
	if err != nil {
		t.Fatal(err)
	}
	if len(tyumen) != 1 || tyumen[0] != nov1 {
		t.Fatalf("Paths(November, Тюмень) = %v", tyumen)
	}

	os.Remove(nov1)
	if gone, _ := a.Paths(start, end, "Тюмень"); len(gone) != 0 {
		t.Errorf("deleted file still listed: %v", gone)
	}

	var buf bytes.Buffer
	if err := Zip(&buf, all[1:]); err != nil {
		t.Fatalf("Zip: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "b.pdf" {
		t.Errorf("zip entries = %v", zr.File)
	}
}

func TestZipDeduplicatesNames(t *testing.T) {
	p1 := writeDoc(t, "same.pdf", "1")
	p2 := writeDoc(t, "same.pdf", "2")
	var buf bytes.Buffer
	if err := Zip(&buf, []string{p1, p2}); err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "same.pdf" || names[1] != "same_1.pdf" {
		t.Errorf("names = %v", names)
	}
}
