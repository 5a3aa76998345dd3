// Package archive files finalized documents into monthly directories and
// indexes them in SQLite for later export.
package archive

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/pawnbot/internal/report"
	"github.com/kalambet/pawnbot/internal/storage"
	"github.com/kalambet/pawnbot/internal/validate"
)

// Index stores archive entries. Implemented by storage.Store.
type Index interface {
	SaveArchiveEntry(e storage.ArchiveEntry) error
	ListArchiveEntries(start, end time.Time, region string) ([]storage.ArchiveEntry, error)
	RecentArchiveEntries(limit int) ([]storage.ArchiveEntry, error)
}

// Archive copies documents under root/YYYY-MM/ (or root/undated/).
type Archive struct {
	root  string
	index Index
	now   func() time.Time

	mu sync.Mutex
}

func New(root string, index Index) *Archive {
	return &Archive{root: root, index: index, now: time.Now}
}

// Root returns the archive directory.
func (a *Archive) Root() string { return a.root }

// Archive copies the document at path and records it. The returned path is
// the archived copy.
func (a *Archive) Archive(path string, d report.Draft) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("archiving %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("archiving %s: not a regular file", path)
	}

	reportDate, dateErr := time.Parse(validate.DateLayout, d.Date)
	month := "undated"
	if dateErr == nil {
		month = reportDate.Format("2006-01")
	} else {
		reportDate = time.Time{}
	}

	items, err := json.Marshal(d.Items)
	if err != nil {
		return "", fmt.Errorf("encoding items: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	dir := filepath.Join(a.root, month)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating archive directory: %w", err)
	}
	target := freeName(dir, filepath.Base(path))
	if err := copyFile(path, target); err != nil {
		return "", err
	}

	rel, err := filepath.Rel(a.root, target)
	if err != nil {
		return "", err
	}
	entry := storage.ArchiveEntry{
		ID:         uuid.NewString(),
		Path:       filepath.ToSlash(rel),
		ReportDate: reportDate,
		DateText:   d.Date,
		Department: d.Department,
		Issue:      d.Issue,
		Ticket:     d.Ticket,
		Region:     d.Region,
		ItemsJSON:  string(items),
		CreatedAt:  a.now(),
	}
	if err := a.index.SaveArchiveEntry(entry); err != nil {
		os.Remove(target)
		return "", fmt.Errorf("indexing archived document: %w", err)
	}
	return target, nil
}

// freeName returns dir/name, or dir/stem_N.ext for the first free N.
func freeName(dir, name string) string {
	target := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
			return target
		}
		target = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating archive copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copying document: %w", err)
	}
	return out.Close()
}

// Paths returns the archived files of reports dated within [start, end],
// optionally restricted to one region. Entries whose file is gone are skipped.
func (a *Archive) Paths(start, end time.Time, region string) ([]string, error) {
	entries, err := a.index.ListArchiveEntries(start, end, region)
	if err != nil {
		return nil, fmt.Errorf("listing archive: %w", err)
	}
	var paths []string
	for _, e := range entries {
		p := filepath.Join(a.root, filepath.FromSlash(e.Path))
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// Recent returns the newest index entries first.
func (a *Archive) Recent(limit int) ([]storage.ArchiveEntry, error) {
	return a.index.RecentArchiveEntries(limit)
}

// Zip writes paths into a zip stream, flattened to their base names.
func Zip(w io.Writer, paths []string) error {
	zw := zip.NewWriter(w)
	seen := make(map[string]int)
	for _, p := range paths {
		name := filepath.Base(p)
		if n := seen[name]; n > 0 {
			ext := filepath.Ext(name)
			name = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), n, ext)
		}
		seen[filepath.Base(p)]++
		if err := addFile(zw, p, name); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	dst, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: time.Now()})
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("compressing %s: %w", path, err)
	}
	return nil
}
