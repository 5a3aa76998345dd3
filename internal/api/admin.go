package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kalambet/pawnbot/internal/archive"
	"github.com/kalambet/pawnbot/internal/delivery"
	"github.com/kalambet/pawnbot/internal/ledger"
	"github.com/kalambet/pawnbot/internal/validate"
)

const maxAdminBodySize = 4 << 10

func handleHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 10, 1000)

		rows, err := deps.Ledger.Recent(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read ledger: %v", err)
			return
		}
		if rows == nil {
			rows = []ledger.Row{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)
	}
}

// handleArchive streams a zip of the documents archived in one month,
// optionally limited to a region.
func handleArchive(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		month := r.URL.Query().Get("month")
		start, end, err := validate.Month(month)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "month must be MM.YYYY")
			return
		}

		region := r.URL.Query().Get("region")
		if region != "" {
			region, err = validate.Region(region, deps.regionNames())
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown region %q", r.URL.Query().Get("region"))
				return
			}
		}

		paths, err := deps.Archive.Paths(start, end, region)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list archive: %v", err)
			return
		}
		if len(paths) == 0 {
			httpError(w, http.StatusNotFound, "not_found", "no documents for %s", month)
			return
		}

		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "archive_"+month+".zip"))
		if err := archive.Zip(w, paths); err != nil {
			// Headers are gone by now; the client sees a truncated zip.
			slog.Error("streaming archive failed", "month", month, "error", err)
		}
	}
}

func handleDeliveries(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending := deps.Deliveries.Pending()
		if pending == nil {
			pending = []delivery.ChannelStatus{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pending)
	}
}

type adminView struct {
	UserID    int64  `json:"user_id"`
	AddedBy   int64  `json:"added_by"`
	CreatedAt string `json:"created_at"`
}

func handleListAdmins(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		admins, err := deps.Admins.List()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list admins: %v", err)
			return
		}
		out := make([]adminView, len(admins))
		for i, a := range admins {
			out[i] = adminView{UserID: a.UserID, AddedBy: a.AddedBy, CreatedAt: a.CreatedAt.Format(time.RFC3339)}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

type addAdminRequest struct {
	UserID  int64 `json:"user_id"`
	AddedBy int64 `json:"added_by"`
}

func handleAddAdmin(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
		defer r.Body.Close()

		var req addAdminRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id must be positive")
			return
		}

		added, err := deps.Admins.Grant(req.UserID, req.AddedBy)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to add admin: %v", err)
			return
		}

		code := http.StatusOK
		if added {
			code = http.StatusCreated
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{"user_id": req.UserID, "added": added})
	}
}
