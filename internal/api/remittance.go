package api

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/remittance"
)

func (h *Handlers) ListContracts(w http.ResponseWriter, r *http.Request) {
	ids, err := h.remittance.ListContractIDs(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"contracts": ids})
}

func (h *Handlers) ListCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := h.remittance.ListCycles(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if cycles == nil {
		cycles = []domain.RemittanceCycle{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": cycles})
}

func (h *Handlers) InitiateCycle(w http.ResponseWriter, r *http.Request) {
	c, err := h.remittance.InitiateCycle(r.Context(), chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handlers) GetCycle(w http.ResponseWriter, r *http.Request) {
	d, err := h.remittance.GetCycle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handlers) CalculateCycle(w http.ResponseWriter, r *http.Request) {
	d, err := h.remittance.CalculateWaterfall(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handlers) LockCycle(w http.ResponseWriter, r *http.Request) {
	c, err := h.remittance.LockCycle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) MarkSent(w http.ResponseWriter, r *http.Request) {
	c, err := h.remittance.MarkSent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) SettleCycle(w http.ResponseWriter, r *http.Request) {
	c, err := h.remittance.SettleRemittance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GenerateExport renders the cycle in ?format= (csv by default) and returns
// the export's metadata. The content is fetched from /exports/{id}.
func (h *Handlers) GenerateExport(w http.ResponseWriter, r *http.Request) {
	format := domain.ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = domain.ExportCSV
	}
	e, err := h.remittance.GenerateExport(r.Context(), chi.URLParam(r, "id"), format)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         e.ID,
		"cycle_id":   e.CycleID,
		"format":     e.Format,
		"sha256":     e.SHA256,
		"size":       e.Size,
		"size_human": humanize.Bytes(uint64(e.Size)),
		"created_at": e.CreatedAt,
	})
}

func (h *Handlers) DownloadExport(w http.ResponseWriter, r *http.Request) {
	e, err := h.remittance.GetExport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", remittance.ContentType(e.Format))
	w.Header().Set("Content-Length", strconv.Itoa(len(e.Content)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("remittance-%s.%s", e.CycleID, e.Format)))
	w.Header().Set("X-Content-SHA256", e.SHA256)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(e.Content); err != nil {
		log.Printf("[api] write export %s: %v", e.ID, err)
	}
}

func (h *Handlers) VerifyExport(w http.ResponseWriter, r *http.Request) {
	v, err := h.remittance.VerifyExport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if !v.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, v)
}
