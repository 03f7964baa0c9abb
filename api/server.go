/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in the request log
  2. Logger:     One logrus entry per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/payment-types/*  Payment type reference data
  /api/growers/*        Growers and their advance balances
  /api/receipts/*       Receipts and receipt voids
  /api/imports/*        Import batch voids
  /api/batches/*        Payment batch lifecycle, allocations, locks
  /api/advances/*       Advance cheques and deductions
  /api/consolidations/* Consolidated cheques
  /api/reconciliation/* Advance ledger checks
  /api/exceptions/*     Reconciliation exceptions
  /api/scenarios/*      Demo scenarios
  /api/reset            Database reset (dev only)

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go, handlers_ledger.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/payment-types", func(r chi.Router) {
			r.Get("/", h.ListPaymentTypes)
			r.Post("/", h.CreatePaymentType)
			r.Get("/{id}", h.GetPaymentType)
		})

		r.Route("/growers", func(r chi.Router) {
			r.Get("/", h.ListGrowers)
			r.Post("/", h.CreateGrower)
			r.Get("/{id}", h.GetGrower)
			r.Get("/{id}/advances", h.GetGrowerAdvances)
			r.Get("/{id}/outstanding", h.GetGrowerOutstanding)
		})

		r.Route("/receipts", func(r chi.Router) {
			r.Post("/", h.CreateReceipt)
			r.Get("/{id}", h.GetReceipt)
			r.Get("/{id}/void-impact", h.ReceiptVoidImpact)
			r.Post("/{id}/void", h.VoidReceipt)
		})

		r.Post("/imports/{id}/void", h.VoidImport)

		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.ListBatches)
			r.Post("/", h.CreateBatch)
			r.Get("/{id}", h.GetBatch)
			r.Delete("/{id}", h.DeleteBatch)

			// Lifecycle
			r.Post("/{id}/approve", h.ApproveBatch())
			r.Post("/{id}/post", h.PostBatch())
			r.Post("/{id}/process", h.ProcessBatch())
			r.Post("/{id}/revert", h.RevertBatch)
			r.Post("/{id}/void", h.VoidBatch)

			r.Get("/{id}/totals", h.GetBatchTotals)
			r.Post("/{id}/totals", h.UpdateBatchTotals)
			r.Get("/{id}/allocations", h.ListAllocations)
			r.Post("/{id}/allocations", h.RecordAllocation)
			r.Get("/{id}/locks", h.ListLocks)
			r.Post("/{id}/locks", h.AcquireLocks)
			r.Delete("/{id}/locks", h.ReleaseLocks)
			r.Post("/{id}/deductions", h.ApplyDeductions)
			r.Get("/{id}/export", h.ExportBatch)

			r.Post("/{id}/reconcile", h.ReconcileBatch)
			r.Get("/{id}/reports", h.ListReports)
		})

		r.Route("/advances", func(r chi.Router) {
			r.Get("/", h.ListAdvances)
			r.Post("/", h.CreateAdvance)
			r.Get("/{id}", h.GetAdvance)
			r.Post("/{id}/print", h.PrintAdvance)
			r.Post("/{id}/deliver", h.DeliverAdvance)
			r.Post("/{id}/void", h.VoidAdvance)
			r.Get("/{id}/deductions", h.ListDeductions)
			r.Post("/{id}/reverse", h.ReverseDeductions)
			r.Get("/{id}/void-impact", h.AdvanceVoidImpact)
			r.Post("/{id}/void-cascade", h.VoidAdvanceCascade)
			r.Post("/{id}/repair", h.RepairAdvance)
		})

		r.Route("/consolidations", func(r chi.Router) {
			r.Post("/validate", h.ValidateConsolidation)
			r.Post("/", h.Consolidate)
			r.Get("/{id}", h.GetConsolidation)
			r.Post("/{id}/revert", h.RevertConsolidation)
		})

		r.Post("/reconciliation/advances", h.CheckAdvances)

		r.Route("/exceptions", func(r chi.Router) {
			r.Get("/", h.ListExceptions)
			r.Post("/{id}/resolve", h.ResolveException)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
		r.Post("/reset", h.ResetDatabase)
	})

	return r
}

// requestLogger writes one entry per request once the response is done.
func requestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				entry := logger.WithFields(logrus.Fields{
					"request_id": middleware.GetReqID(r.Context()),
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     ww.Status(),
					"bytes":      ww.BytesWritten(),
					"duration":   time.Since(start).String(),
				})
				if ww.Status() >= http.StatusInternalServerError {
					entry.Warn("request failed")
					return
				}
				entry.Debug("request served")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
