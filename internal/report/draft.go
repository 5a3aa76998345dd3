// Package report holds the report draft a user assembles step by step.
package report

import (
	"github.com/shopspring/decimal"

	"github.com/kalambet/pawnbot/internal/validate"
)

// Mode is the delivery mode chosen at the end of the wizard.
type Mode string

const (
	ModeUnset Mode = ""
	ModeDraft Mode = "draft"
	ModeFinal Mode = "final"
)

// Item is one photographed object of a report.
type Item struct {
	Photo       string `json:"photo"`
	Description string `json:"description"`
	Evaluation  string `json:"evaluation"`
	// Bound is set when the item was materialized from a PendingItem.
	Bound bool `json:"bound,omitempty"`
}

// Complete reports whether photo, description and evaluation are all set.
func (it Item) Complete() bool {
	return it.Photo != "" && it.Description != "" && it.Evaluation != ""
}

// PendingItem is a bulk-supplied item still waiting for its photo.
type PendingItem struct {
	Description string `json:"description" validate:"required,max=500"`
	Evaluation  string `json:"evaluation" validate:"required,number,max=12"`
}

// Items is the ordered item sequence of a draft. During collection it is only
// mutated at the tail, which is what back navigation relies on.
type Items []Item

// Push appends it to the tail.
func (s *Items) Push(it Item) {
	*s = append(*s, it)
}

// Pop removes and returns the tail item.
func (s *Items) Pop() (Item, bool) {
	n := len(*s)
	if n == 0 {
		return Item{}, false
	}
	it := (*s)[n-1]
	*s = (*s)[:n-1]
	return it, true
}

// Last returns a pointer to the tail item, or nil when empty.
func (s Items) Last() *Item {
	if len(s) == 0 {
		return nil
	}
	return &s[len(s)-1]
}

// Draft is the in-progress report of one user.
type Draft struct {
	State      string `json:"state,omitempty"`
	Department string `json:"department_number,omitempty"`
	Issue      string `json:"issue_number,omitempty"`
	Ticket     string `json:"ticket_number,omitempty"`
	Date       string `json:"date,omitempty"`
	Region     string `json:"region,omitempty"`
	Items      Items  `json:"items,omitempty"`
	Mode       Mode   `json:"mode,omitempty"`
}

// Empty reports whether no field has been entered yet. State is ignored.
func (d Draft) Empty() bool {
	return d.Department == "" && d.Issue == "" && d.Ticket == "" &&
		d.Date == "" && d.Region == "" && len(d.Items) == 0
}

// Locked reports whether the draft is read-only (mode chosen).
func (d Draft) Locked() bool {
	return d.Mode != ModeUnset
}

// Photos returns the image artifact paths referenced by the draft.
func (d Draft) Photos() []string {
	var out []string
	for _, it := range d.Items {
		if it.Photo != "" {
			out = append(out, it.Photo)
		}
	}
	return out
}

// Total sums the valuations that are plain digit strings. Anything else
// counts as zero.
func (d Draft) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range d.Items {
		if validate.Digits(it.Evaluation) != nil {
			continue
		}
		v, err := decimal.NewFromString(it.Evaluation)
		if err != nil {
			continue
		}
		sum = sum.Add(v)
	}
	return sum
}
