package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/exceptions"
	"github.com/wakala/paysettle/internal/ingestion"
	"github.com/wakala/paysettle/internal/messaging"
	"github.com/wakala/paysettle/internal/remittance"
	"github.com/wakala/paysettle/internal/repository"
)

const maxBodyBytes = 1 << 20

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	payments   *repository.PaymentRepo
	ledger     *repository.LedgerRepo
	outbox     *repository.OutboxRepo
	ingestion  *ingestion.Service
	exceptions *exceptions.Service
	remittance *remittance.Engine
	broker     BrokerState
	currency   string
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps a service error onto its HTTP status.
func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[api] ERROR: %v", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingestion.ErrInvalidEnvelope),
		errors.Is(err, remittance.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, exceptions.ErrNotReplayable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, remittance.ErrOpenCycleExists),
		errors.Is(err, remittance.ErrCycleState),
		errors.Is(err, remittance.ErrNotCalculated),
		errors.Is(err, remittance.ErrPeriodRemitted),
		errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, messaging.ErrPublishFailed),
		errors.Is(err, messaging.ErrNotConnected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return nil
		}
	}
	return &t
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return nil, false
	}
	return body, true
}

// --- Health ---

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	state := messaging.StateDisconnected
	if h.broker != nil {
		state = h.broker.State()
	}
	status := http.StatusOK
	if state != messaging.StateConnected {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"broker": state.String()})
}

// --- Payments ---

func (h *Handlers) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	env, err := ingestion.DecodeEnvelope(body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now().UTC()
	}

	res, err := h.ingestion.Submit(r.Context(), env)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handlers) SubmitLockbox(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required: "+err.Error())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read file: "+err.Error())
		return
	}

	code := strings.ToUpper(r.FormValue("currency"))
	if code == "" {
		code = h.currency
	}
	result, err := h.ingestion.SubmitLockbox(r.Context(), data, code, time.Now().UTC())
	if err != nil {
		if result != nil {
			writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "result": result})
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (h *Handlers) GetPayment(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	p, err := h.payments.GetByIdempotencyKey(r.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	lines, err := h.ledger.LinesByJournal(r.Context(), p.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if lines == nil {
		lines = []domain.LedgerLine{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payment":      p,
		"ledger_lines": lines,
	})
}

// --- Outbox ---

// ListOutbox shows relayed, waiting or parked outbox rows. Defaults to
// failed rows, the ones an operator has to act on.
func (h *Handlers) ListOutbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := domain.OutboxStatus(q.Get("status"))
	switch status {
	case "":
		status = domain.OutboxFailed
	case domain.OutboxPending, domain.OutboxDispatched, domain.OutboxFailed:
	default:
		writeError(w, http.StatusBadRequest, "status must be pending, dispatched or failed")
		return
	}
	limit := parseIntDefault(q.Get("limit"), 50)

	msgs, err := h.outbox.ListByStatus(r.Context(), status, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if msgs == nil {
		msgs = []domain.OutboxMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"status":   status,
		"limit":    limit,
	})
}

// --- Exceptions ---

func (h *Handlers) ListExceptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.ExceptionFilter{
		Category: q.Get("category"),
		Severity: q.Get("severity"),
		State:    q.Get("state"),
		From:     parseTime(q.Get("from")),
		To:       parseTime(q.Get("to")),
		Page:     parseIntDefault(q.Get("page"), 1),
		Limit:    parseIntDefault(q.Get("limit"), 50),
	}

	cases, total, err := h.exceptions.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if cases == nil {
		cases = []domain.ExceptionCase{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"exceptions": cases,
		"total":      total,
		"page":       filter.Page,
		"limit":      filter.Limit,
	})
}

func (h *Handlers) GetExceptionSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.exceptions.Summary(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handlers) GetException(w http.ResponseWriter, r *http.Request) {
	c, err := h.exceptions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) RetryException(w http.ResponseWriter, r *http.Request) {
	c, err := h.exceptions.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) EditRetryException(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	c, err := h.exceptions.EditAndRetry(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) PurgeException(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.exceptions.Purge(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(domain.ExceptionPurged)})
}

func (h *Handlers) ResolveException(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note string `json:"note"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}

	id := chi.URLParam(r, "id")
	if err := h.exceptions.Resolve(r.Context(), id, req.Note); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(domain.ExceptionResolved)})
}
