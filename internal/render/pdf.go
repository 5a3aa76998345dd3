// Package render produces the appraisal report as a PDF document.
package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/google/uuid"

	"github.com/kalambet/pawnbot/internal/report"
)

// ErrTemplateMissing is returned when the font asset the document needs is absent.
var ErrTemplateMissing = errors.New("document template asset missing")

const fontFamily = "DejaVu"

// Renderer writes report PDFs into a directory.
type Renderer struct {
	fontPath string
	outDir   string
	now      func() time.Time
}

// New creates a Renderer. fontPath must point to a TrueType font with
// Cyrillic glyphs.
func New(fontPath, outDir string) *Renderer {
	return &Renderer{fontPath: fontPath, outDir: outDir, now: time.Now}
}

// Dir returns the output directory.
func (r *Renderer) Dir() string { return r.outDir }

// Render builds the document for d and returns its path. The caller owns the file.
func (r *Renderer) Render(ctx context.Context, d report.Draft, requester string) (string, error) {
	if _, err := os.Stat(r.fontPath); err != nil {
		return "", fmt.Errorf("%w: font %s: %v", ErrTemplateMissing, r.fontPath, err)
	}
	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		return "", fmt.Errorf("creating document directory: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(fmt.Sprintf("Заключение № %s", d.Issue), true)
	pdf.SetAuthor(requester, true)
	pdf.SetCreator("pawnbot", true)
	pdf.AddUTF8Font(fontFamily, "", r.fontPath)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	r.header(pdf, d, requester)
	r.items(pdf, d)

	pdf.Ln(4)
	pdf.SetFont(fontFamily, "", 12)
	pdf.CellFormat(0, 8, fmt.Sprintf("Всего предметов: %d, общая оценка: %s руб.", len(d.Items), d.Total().String()), "", 1, "L", false, 0, "")

	if err := pdf.Error(); err != nil {
		return "", fmt.Errorf("building document: %w", err)
	}

	path := r.uniquePath(FileName(d, r.now()))
	if err := pdf.OutputFileAndClose(path); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing document: %w", err)
	}
	return path, nil
}

func (r *Renderer) header(pdf *fpdf.Fpdf, d report.Draft, requester string) {
	if d.Mode == report.ModeDraft {
		pdf.SetFont(fontFamily, "", 10)
		pdf.SetTextColor(200, 0, 0)
		pdf.CellFormat(0, 6, "ТЕСТОВОЕ ЗАКЛЮЧЕНИЕ", "", 1, "R", false, 0, "")
		pdf.SetTextColor(0, 0, 0)
	}

	pdf.SetFont(fontFamily, "", 16)
	pdf.CellFormat(0, 10, fmt.Sprintf("Заключение антиквариат № %s", d.Issue), "", 1, "C", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont(fontFamily, "", 12)
	rows := [][2]string{
		{"Подразделение", d.Department},
		{"Залоговый билет", d.Ticket},
		{"Дата", d.Date},
		{"Регион", d.Region},
		{"Составил", requester},
	}
	for _, row := range rows {
		pdf.CellFormat(50, 7, row[0]+":", "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 7, row[1], "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

const (
	colNum   = 10.0
	colDesc  = 90.0
	colPhoto = 50.0
	colEval  = 30.0
	rowH     = 35.0
)

func (r *Renderer) items(pdf *fpdf.Fpdf, d report.Draft) {
	pdf.SetFont(fontFamily, "", 11)
	pdf.SetFillColor(230, 230, 230)
	pdf.CellFormat(colNum, 8, "№", "1", 0, "C", true, 0, "")
	pdf.CellFormat(colDesc, 8, "Описание", "1", 0, "C", true, 0, "")
	pdf.CellFormat(colPhoto, 8, "Фото", "1", 0, "C", true, 0, "")
	pdf.CellFormat(colEval, 8, "Оценка, руб.", "1", 1, "C", true, 0, "")

	_, pageH := pdf.GetPageSize()
	_, _, _, bottom := pdf.GetMargins()
	for i, it := range d.Items {
		if pdf.GetY()+rowH > pageH-bottom-15 {
			pdf.AddPage()
		}
		x, y := pdf.GetXY()

		pdf.CellFormat(colNum, rowH, fmt.Sprint(i+1), "1", 0, "C", false, 0, "")
		pdf.CellFormat(colDesc, rowH, "", "1", 0, "", false, 0, "")
		pdf.CellFormat(colPhoto, rowH, "", "1", 0, "", false, 0, "")
		pdf.CellFormat(colEval, rowH, orDash(it.Evaluation), "1", 1, "C", false, 0, "")

		pdf.SetXY(x+colNum+1, y+1)
		pdf.MultiCell(colDesc-2, 5, orDash(it.Description), "", "L", false)

		if it.Photo != "" {
			if _, err := os.Stat(it.Photo); err == nil {
				pdf.ImageOptions(it.Photo, x+colNum+colDesc+1, y+1, 0, rowH-2, false,
					fpdf.ImageOptions{ImageType: "JPG", ReadDpi: true}, 0, "")
			}
		}
		pdf.SetXY(x, y+rowH)
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "—"
	}
	return s
}

var unsafeChars = regexp.MustCompile(`[\\/:*?"<>|]`)

// FileName names the document after its header fields.
func FileName(d report.Draft, now time.Time) string {
	name := fmt.Sprintf("%s, Заключение антиквариат № %s (билет %s), %s, от %s %s",
		d.Department, d.Issue, d.Ticket, d.Region, d.Date, now.Format("15-04-05"))
	name = unsafeChars.ReplaceAllString(name, "_")
	if r := []rune(name); len(r) > 150 {
		name = string(r[:150])
	}
	return name + ".pdf"
}

func (r *Renderer) uniquePath(name string) string {
	path := filepath.Join(r.outDir, name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	stem := strings.TrimSuffix(name, ".pdf")
	return filepath.Join(r.outDir, fmt.Sprintf("%s_%s.pdf", stem, uuid.NewString()[:8]))
}
