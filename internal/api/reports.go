package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kalambet/pawnbot/internal/delivery"
	"github.com/kalambet/pawnbot/internal/photo"
	"github.com/kalambet/pawnbot/internal/report"
	"github.com/kalambet/pawnbot/internal/wizard"
)

const maxReportBodySize = 1 << 20 // 1MB

const photoFetchTimeout = 30 * time.Second

// ReportRequest is a complete report submitted in one call. Photos are
// referenced by URL and fetched by the server.
type ReportRequest struct {
	Department string       `json:"department_number"`
	Issue      string       `json:"issue_number"`
	Ticket     string       `json:"ticket_number"`
	Date       string       `json:"date"`
	Region     string       `json:"region"`
	IsTest     bool         `json:"is_test"`
	Requester  string       `json:"requester"`
	Items      []ReportItem `json:"items" validate:"required,min=1,dive"`
}

type ReportItem struct {
	Description string `json:"description"`
	Evaluation  string `json:"evaluation"`
	PhotoURL    string `json:"photo_url" validate:"required,http_url"`
}

var requests = validator.New()

// bulk converts r into the shape validated by the chat form.
func (r ReportRequest) bulk() wizard.Bulk {
	b := wizard.Bulk{
		Department: r.Department,
		Issue:      r.Issue,
		Ticket:     r.Ticket,
		Date:       r.Date,
		Region:     r.Region,
		Items:      make([]report.PendingItem, len(r.Items)),
	}
	for i, it := range r.Items {
		b.Items[i] = report.PendingItem{Description: it.Description, Evaluation: it.Evaluation}
	}
	return b
}

// Delivery outcome header values of a non-test submission.
const (
	headerDelivery = "X-Delivery-Status"
	headerWarning  = "X-Report-Warning"
)

func handleSubmitReport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxReportBodySize)
		defer r.Body.Close()

		var req ReportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := requests.Struct(req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid report: %v", err)
			return
		}
		b := req.bulk()
		if err := b.Normalize(deps.regionNames(), deps.now(), deps.MaxItems); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid report: %v", err)
			return
		}
		if req.Requester == "" {
			req.Requester = "API"
		}

		d := report.Draft{
			Department: b.Department,
			Issue:      b.Issue,
			Ticket:     b.Ticket,
			Date:       b.Date,
			Region:     b.Region,
			Mode:       report.ModeFinal,
		}
		if req.IsTest {
			d.Mode = report.ModeDraft
		}

		var saved []string
		defer func() { deps.Images.Remove(saved...) }()
		for i, it := range b.Items {
			path, err := fetchPhoto(r.Context(), deps, req.Items[i].PhotoURL)
			if err != nil {
				code, errType := http.StatusBadGateway, "api_error"
				if errors.Is(err, photo.ErrTooLarge) || errors.Is(err, photo.ErrTooSmall) || errors.Is(err, photo.ErrNotImage) {
					code, errType = http.StatusUnprocessableEntity, "invalid_request_error"
				}
				httpError(w, code, errType, "item %d: %v", i+1, err)
				return
			}
			saved = append(saved, path)
			d.Items.Push(report.Item{Photo: path, Description: it.Description, Evaluation: it.Evaluation, Bound: true})
		}

		doc, err := deps.Renderer.Render(r.Context(), d, req.Requester)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "rendering report: %v", err)
			return
		}
		defer os.Remove(doc)

		data, err := os.ReadFile(doc)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading report: %v", err)
			return
		}

		if d.Mode == report.ModeFinal {
			publish(r.Context(), w, deps, d, doc, data)
		}

		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(doc)))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}
}

// publish posts the document to the region topic, then records it in the
// ledger and the archive. Failures do not fail the request; they surface as
// response headers.
func publish(ctx context.Context, w http.ResponseWriter, deps AppDeps, d report.Draft, path string, data []byte) {
	topic, ok := deps.topic(d.Region)
	if !ok {
		w.Header().Set(headerDelivery, delivery.Rejected.String())
		w.Header().Add(headerWarning, "unknown region topic")
	} else {
		res := deps.Sender.Send(ctx, delivery.Message{
			ChatID:   deps.GroupChatID,
			ThreadID: topic,
			Document: &delivery.Document{
				Name:    filepath.Base(path),
				Data:    data,
				MIME:    "application/pdf",
				Caption: wizard.GroupCaption(d),
			},
		})
		w.Header().Set(headerDelivery, res.Status.String())
		if res.Err != nil {
			w.Header().Add(headerWarning, "delivery: "+res.Err.Error())
		}
	}

	if err := deps.Ledger.Append(d); err != nil {
		slog.Error("ledger append failed", "ticket", d.Ticket, "error", err)
		w.Header().Add(headerWarning, "ledger: "+err.Error())
	}
	if _, err := deps.Archive.Archive(path, d); err != nil {
		slog.Error("archiving failed", "ticket", d.Ticket, "error", err)
		w.Header().Add(headerWarning, "archive: "+err.Error())
	}
}

func fetchPhoto(ctx context.Context, deps AppDeps, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, photoFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("invalid photo url: %w", err)
	}
	resp, err := deps.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching photo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("photo url returned status %d", resp.StatusCode)
	}
	size := resp.ContentLength
	if size < 0 {
		size = 0
	}
	return deps.Images.Save(ctx, resp.Body, size)
}
