package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wakala/paysettle/internal/exceptions"
	"github.com/wakala/paysettle/internal/ingestion"
	"github.com/wakala/paysettle/internal/messaging"
	"github.com/wakala/paysettle/internal/remittance"
	"github.com/wakala/paysettle/internal/repository"
)

// BrokerState reports the broker connection for /healthz.
type BrokerState interface {
	State() messaging.State
}

// Deps are the services the router serves.
type Deps struct {
	Payments   *repository.PaymentRepo
	Ledger     *repository.LedgerRepo
	Outbox     *repository.OutboxRepo
	Ingestion  *ingestion.Service
	Exceptions *exceptions.Service
	Remittance *remittance.Engine
	Broker     BrokerState
	Currency   string
}

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(d Deps) http.Handler {
	h := &Handlers{
		payments:   d.Payments,
		ledger:     d.Ledger,
		outbox:     d.Outbox,
		ingestion:  d.Ingestion,
		exceptions: d.Exceptions,
		remittance: d.Remittance,
		broker:     d.Broker,
		currency:   d.Currency,
	}
	if h.currency == "" {
		h.currency = "USD"
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/healthz", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Ingress.
		r.Post("/payments", h.SubmitPayment)
		r.Post("/payments/lockbox", h.SubmitLockbox)
		r.Get("/payments/{key}", h.GetPayment)

		// Outbox.
		r.Get("/outbox", h.ListOutbox)

		// Exceptions.
		r.Get("/exceptions", h.ListExceptions)
		r.Get("/exceptions/summary", h.GetExceptionSummary)
		r.Get("/exceptions/{id}", h.GetException)
		r.Post("/exceptions/{id}/retry", h.RetryException)
		r.Post("/exceptions/{id}/edit-retry", h.EditRetryException)
		r.Post("/exceptions/{id}/purge", h.PurgeException)
		r.Post("/exceptions/{id}/resolve", h.ResolveException)

		// Remittance.
		r.Get("/contracts", h.ListContracts)
		r.Get("/contracts/{id}/cycles", h.ListCycles)
		r.Post("/contracts/{id}/cycles", h.InitiateCycle)
		r.Get("/cycles/{id}", h.GetCycle)
		r.Post("/cycles/{id}/calculate", h.CalculateCycle)
		r.Post("/cycles/{id}/lock", h.LockCycle)
		r.Post("/cycles/{id}/exports", h.GenerateExport)
		r.Post("/cycles/{id}/send", h.MarkSent)
		r.Post("/cycles/{id}/settle", h.SettleCycle)
		r.Get("/exports/{id}", h.DownloadExport)
		r.Get("/exports/{id}/verify", h.VerifyExport)
	})

	return r
}
