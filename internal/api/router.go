// Package api exposes the HTTP surface of pawnbot: direct report submission
// and admin endpoints behind a bearer token, plus the MCP tool server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/pawnbot/internal/delivery"
	"github.com/kalambet/pawnbot/internal/ledger"
	"github.com/kalambet/pawnbot/internal/report"
	"github.com/kalambet/pawnbot/internal/storage"
	"github.com/kalambet/pawnbot/internal/wizard"
)

// Images turns fetched photos into processed artifacts. Implemented by
// photo.Processor.
type Images interface {
	Save(ctx context.Context, r io.Reader, size int64) (string, error)
	Remove(paths ...string)
}

// Renderer produces the report document. Implemented by render.Renderer.
type Renderer interface {
	Render(ctx context.Context, d report.Draft, requester string) (string, error)
}

// Sender delivers a message to the group. Implemented by delivery.Queue.
type Sender interface {
	Send(ctx context.Context, msg delivery.Message) delivery.Result
}

// Deliveries exposes the backlog of the outbound queue.
type Deliveries interface {
	Pending() []delivery.ChannelStatus
}

// Ledger is the spreadsheet of finalized reports.
type Ledger interface {
	Append(d report.Draft) error
	Recent(n int) ([]ledger.Row, error)
}

// Archiver files documents and finds them again by month and region.
type Archiver interface {
	Archive(path string, d report.Draft) (string, error)
	Paths(start, end time.Time, region string) ([]string, error)
}

// Admins is the admin directory.
type Admins interface {
	Grant(userID, addedBy int64) (bool, error)
	List() ([]storage.Admin, error)
}

// Link reports the circuit breaker state of the chat connection.
// Implemented by telegram.Transport.
type Link interface {
	State() string
}

type AppDeps struct {
	Token       string
	HTTPClient  *http.Client // fetches item photos
	Images      Images
	Renderer    Renderer
	Sender      Sender
	Deliveries  Deliveries
	Ledger      Ledger
	Archive     Archiver
	Admins      Admins
	Link        Link
	Regions     []wizard.Region
	GroupChatID int64
	MaxItems    int
	Clock       func() time.Time
}

func (d AppDeps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

func (d AppDeps) regionNames() []string {
	names := make([]string, len(d.Regions))
	for i, r := range d.Regions {
		names[i] = r.Name
	}
	return names
}

func (d AppDeps) topic(region string) (int, bool) {
	for _, r := range d.Regions {
		if r.Name == region {
			return r.Topic, true
		}
	}
	return 0, false
}

// NewAppHandler returns the HTTP handler. /health is public, everything
// else requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/api/reports", handleSubmitReport(deps))

		r.Get("/admin/history", handleHistory(deps))
		r.Get("/admin/archive", handleArchive(deps))
		r.Get("/admin/deliveries", handleDeliveries(deps))
		r.Get("/admin/admins", handleListAdmins(deps))
		r.Post("/admin/admins", handleAddAdmin(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]string{"status": "ok"}
		if deps.Link != nil {
			resp["telegram"] = deps.Link.State()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
