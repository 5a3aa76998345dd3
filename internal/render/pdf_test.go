package render

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pdfread "github.com/ledongthuc/pdf"

	"github.com/kalambet/pawnbot/internal/report"
)

var fontCandidates = []string{
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/TTF/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
}

func findFont(t *testing.T) string {
	t.Helper()
	if p := os.Getenv("PAWNBOT_TEST_FONT"); p != "" {
		return p
	}
	for _, p := range fontCandidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	t.Skip("no DejaVuSans.ttf available; set PAWNBOT_TEST_FONT")
	return ""
}

func writeJPEG(t *testing.T, dir string) string {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 800, 600)), nil); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "item.jpg")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func sampleDraft(photo string) report.Draft {
	return report.Draft{
		Department: "385",
		Issue:      "1",
		Ticket:     "01230004567",
		Date:       "21.11.2025",
		Region:     "Тюмень",
		Mode:       report.ModeFinal,
		Items: report.Items{
			{Photo: photo, Description: "кольцо", Evaluation: "1500"},
			{Photo: "/nonexistent.jpg", Description: "серьги", Evaluation: "700"},
		},
	}
}

func TestRenderMissingFont(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "nope.ttf"), t.TempDir())
	_, err := r.Render(context.Background(), sampleDraft(""), "Иван")
	if !errors.Is(err, ErrTemplateMissing) {
		t.Errorf("Render error = %v, want ErrTemplateMissing", err)
	}
}

func TestRenderProducesReadablePDF(t *testing.T) {
	font := findFont(t)
	dir := t.TempDir()
	r := New(font, filepath.Join(dir, "docs"))

	path, err := r.Render(context.Background(), sampleDraft(writeJPEG(t, dir)), "Иван Петров")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.HasSuffix(path, ".pdf") || !strings.Contains(filepath.Base(path), "01230004567") {
		t.Errorf("path = %q", path)
	}

	f, rd, err := pdfread.Open(path)
	if err != nil {
		t.Fatalf("reading back PDF: %v", err)
	}
	defer f.Close()
	if rd.NumPage() < 1 {
		t.Errorf("NumPage = %d", rd.NumPage())
	}
}

func TestRenderManyItemsPaginates(t *testing.T) {
	font := findFont(t)
	dir := t.TempDir()
	r := New(font, dir)

	d := sampleDraft("")
	d.Items = nil
	for i := 0; i < 30; i++ {
		d.Items.Push(report.Item{Description: "предмет", Evaluation: "100"})
	}
	path, err := r.Render(context.Background(), d, "")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	f, rd, err := pdfread.Open(path)
	if err != nil {
		t.Fatalf("reading back PDF: %v", err)
	}
	defer f.Close()
	if rd.NumPage() < 2 {
		t.Errorf("30 rows fit on %d page(s)", rd.NumPage())
	}
}

func TestFileName(t *testing.T) {
	d := report.Draft{Department: "385", Issue: "1", Ticket: "01230004567", Region: "Тюмень", Date: "21.11.2025"}
	got := FileName(d, time.Date(2025, 11, 21, 9, 5, 7, 0, time.UTC))
	want := "385, Заключение антиквариат № 1 (билет 01230004567), Тюмень, от 21.11.2025 09-05-07.pdf"
	if got != want {
		t.Errorf("FileName = %q, want %q", got, want)
	}

	d.Region = "a/b:c"
	if got := FileName(d, time.Time{}); strings.ContainsAny(got, `/:`) {
		t.Errorf("unsafe characters kept: %q", got)
	}
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()
	r := New("", dir)
	first := r.uniquePath("a.pdf")
	if err := os.WriteFile(first, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	second := r.uniquePath("a.pdf")
	if second == first || !strings.HasPrefix(filepath.Base(second), "a_") {
		t.Errorf("uniquePath collision: %q then %q", first, second)
	}
}
