// Package ledger keeps the spreadsheet of finalized reports, one row per item.
package ledger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/xuri/excelize/v2"

	"github.com/kalambet/pawnbot/internal/report"
)

// Headers is the first row of every ledger workbook.
var Headers = []string{
	"Ticket Number", "Conclusion Number", "Department Number",
	"Date", "Region", "Item Number", "Description", "Evaluation",
}

// Row is one ledger line.
type Row struct {
	Ticket      string `json:"ticket_number"`
	Issue       string `json:"issue_number"`
	Department  string `json:"department_number"`
	Date        string `json:"date"`
	Region      string `json:"region"`
	Item        int    `json:"item_number"`
	Description string `json:"description"`
	Evaluation  string `json:"evaluation"`
}

func (r Row) values() []any {
	return []any{r.Ticket, r.Issue, r.Department, r.Date, r.Region, r.Item, r.Description, r.Evaluation}
}

// Rows flattens a draft into ledger lines.
func Rows(d report.Draft) []Row {
	rows := make([]Row, len(d.Items))
	for i, it := range d.Items {
		rows[i] = Row{
			Ticket:      d.Ticket,
			Issue:       d.Issue,
			Department:  d.Department,
			Date:        d.Date,
			Region:      d.Region,
			Item:        i + 1,
			Description: it.Description,
			Evaluation:  it.Evaluation,
		}
	}
	return rows
}

// Ledger appends to and reads one XLSX file. Access is serialized.
type Ledger struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the workbook location.
func (l *Ledger) Path() string { return l.path }

// Append adds one row per item of d, creating the workbook on first use.
func (l *Ledger) Append(d report.Draft) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.open()
	if err != nil {
		return err
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	existing, err := f.GetRows(sheet)
	if err != nil {
		return fmt.Errorf("reading ledger: %w", err)
	}
	next := len(existing) + 1
	for _, r := range Rows(d) {
		if err := setRow(f, sheet, next, r.values()); err != nil {
			return err
		}
		next++
	}
	if err := f.SaveAs(l.path); err != nil {
		return fmt.Errorf("saving ledger: %w", err)
	}
	return nil
}

func (l *Ledger) open() (*excelize.File, error) {
	f, err := excelize.OpenFile(l.path)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	return newWorkbook()
}

func newWorkbook() (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	header := make([]any, len(Headers))
	for i, h := range Headers {
		header[i] = h
	}
	if err := setRow(f, sheet, 1, header); err != nil {
		f.Close()
		return nil, err
	}
	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		f.SetRowStyle(sheet, 1, 1, style)
	}
	f.SetColWidth(sheet, "A", "E", 18)
	f.SetColWidth(sheet, "G", "G", 40)
	return f, nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("writing ledger row %d: %w", row, err)
	}
	return nil
}

// All returns every row below the header. A missing workbook is empty.
func (l *Ledger) All() ([]Row, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := excelize.OpenFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	raw, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	if len(raw) <= 1 {
		return nil, nil
	}
	rows := make([]Row, 0, len(raw)-1)
	for _, cells := range raw[1:] {
		rows = append(rows, parseRow(cells))
	}
	return rows, nil
}

// Recent returns up to n trailing rows, oldest first.
func (l *Ledger) Recent(n int) ([]Row, error) {
	rows, err := l.All()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(rows) > n {
		rows = rows[len(rows)-n:]
	}
	return rows, nil
}

func parseRow(cells []string) Row {
	get := func(i int) string {
		if i < len(cells) {
			return cells[i]
		}
		return ""
	}
	item, _ := strconv.Atoi(get(5))
	return Row{
		Ticket:      get(0),
		Issue:       get(1),
		Department:  get(2),
		Date:        get(3),
		Region:      get(4),
		Item:        item,
		Description: get(6),
		Evaluation:  get(7),
	}
}

// Snapshot writes rows as a standalone workbook to w.
func Snapshot(w io.Writer, rows []Row) error {
	f, err := newWorkbook()
	if err != nil {
		return err
	}
	defer f.Close()
	sheet := f.GetSheetName(0)
	for i, r := range rows {
		if err := setRow(f, sheet, i+2, r.values()); err != nil {
			return err
		}
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}
