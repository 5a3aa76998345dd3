package wizard

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kalambet/pawnbot/internal/report"
	"github.com/kalambet/pawnbot/internal/validate"
)

// Kind tags the payload carried by an Input.
type Kind int

const (
	KindText Kind = iota
	KindPhoto
	KindBulk
)

// Photo is an inbound image that has not been downloaded yet.
type Photo struct {
	FileID string
	Size   int64 // as declared by the sender, 0 when unknown
	Open   func(ctx context.Context) (io.ReadCloser, error)
}

// Bulk is a structured submission that fills the header fields at once and
// queues items waiting for photos.
type Bulk struct {
	Department string               `json:"department_number" validate:"required,number,max=16"`
	Issue      string               `json:"issue_number" validate:"required,number,max=16"`
	Ticket     string               `json:"ticket_number" validate:"required,number,len=11"`
	Date       string               `json:"date" validate:"required"`
	Region     string               `json:"region" validate:"required"`
	Items      []report.PendingItem `json:"items" validate:"dive"`

	// Older forms send a single item inline.
	Description string `json:"description,omitempty"`
	Evaluation  string `json:"evaluation,omitempty"`
}

var structs = validator.New()

// Normalize validates b and rewrites the date and region into their
// canonical form. regions lists the accepted region names.
func (b *Bulk) Normalize(regions []string, now time.Time, maxItems int) error {
	if len(b.Items) == 0 && b.Description != "" {
		b.Items = []report.PendingItem{{Description: b.Description, Evaluation: b.Evaluation}}
	}
	b.Description, b.Evaluation = "", ""
	for i := range b.Items {
		b.Items[i].Description = strings.TrimSpace(b.Items[i].Description)
		b.Items[i].Evaluation = strings.TrimSpace(b.Items[i].Evaluation)
	}

	if err := structs.Struct(b); err != nil {
		return err
	}
	if len(b.Items) == 0 {
		return fmt.Errorf("no items")
	}
	if maxItems > 0 && len(b.Items) > maxItems {
		return fmt.Errorf("too many items: %d, limit %d", len(b.Items), maxItems)
	}

	date, err := validate.ParseDate(b.Date, now)
	if err != nil {
		return err
	}
	b.Date = date.Format(validate.DateLayout)

	region, err := validate.Region(b.Region, regions)
	if err != nil {
		return fmt.Errorf("%w: %s", err, b.Region)
	}
	b.Region = region
	return nil
}

// Input is an inbound payload, resolved once by the transport.
type Input struct {
	Kind  Kind
	Text  string
	Photo *Photo
	Bulk  *Bulk
}

func TextInput(s string) Input { return Input{Kind: KindText, Text: s} }

func PhotoInput(p Photo) Input { return Input{Kind: KindPhoto, Photo: &p} }

func BulkInput(b Bulk) Input { return Input{Kind: KindBulk, Bulk: &b} }

// Event is one inbound message of a user.
type Event struct {
	UserID    int64
	ChatID    int64
	Requester string // display name printed on the document
	Input     Input
}

func (in Input) text() string {
	if in.Kind != KindText {
		return ""
	}
	return strings.TrimSpace(in.Text)
}
