/*
handlers.go - HTTP API handlers for the grower payment ledger

PURPOSE:
  Exposes the ledger engines via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to the engines.

ENDPOINTS:
  Reference data:
    GET    /api/payment-types                 List payment types
    POST   /api/payment-types                 Create payment type
    GET    /api/payment-types/{id}            Get payment type (cached)
    GET    /api/growers                       List growers
    POST   /api/growers                       Create grower
    GET    /api/growers/{id}                  Get grower
    GET    /api/growers/{id}/advances         Grower's advances
    GET    /api/growers/{id}/outstanding      Σ outstanding advance balances
    POST   /api/receipts                      Record a receipt
    GET    /api/receipts/{id}                 Get receipt

  Batches:
    GET    /api/batches                       List (?status=, ?payment_type_id=)
    POST   /api/batches                       Create batch
    GET    /api/batches/{id}                  Get batch
    DELETE /api/batches/{id}                  Delete (hard or soft)
    POST   /api/batches/{id}/approve|post|process|revert|void
    POST   /api/batches/{id}/totals           Override totals (Draft/Approved)
    GET    /api/batches/{id}/totals           Live allocation totals
    GET    /api/batches/{id}/allocations      List allocations
    POST   /api/batches/{id}/allocations      Record allocation
    GET    /api/batches/{id}/locks            List schedule locks
    POST   /api/batches/{id}/locks            Acquire schedule locks
    DELETE /api/batches/{id}/locks            Release schedule locks
    POST   /api/batches/{id}/deductions       Apply advance deductions
    GET    /api/batches/{id}/export           Electronic payment CSV

  See handlers_ledger.go for advances, consolidation, voids and
  reconciliation.

ERROR HANDLING:
  Errors are returned as JSON {error, details} with HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (guarded transition, duplicate, confirmation required)
  - 500: Internal errors

  A guarded transition that matched no rows is a 409 "Transition did not
  apply"; it is not logged as an error.

SECURITY NOTE:
  No authentication. The actor is taken from the request body.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/warp/grower-ledger/advances"
	"github.com/warp/grower-ledger/batches"
	"github.com/warp/grower-ledger/cache"
	"github.com/warp/grower-ledger/config"
	"github.com/warp/grower-ledger/consolidation"
	"github.com/warp/grower-ledger/ledger"
	"github.com/warp/grower-ledger/reconciliation"
	"github.com/warp/grower-ledger/store/sqlstore"
	"github.com/warp/grower-ledger/voids"
)

const dateLayout = "2006-01-02"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Options tune the engines built by NewHandler.
type Options struct {
	Consolidation consolidation.Config
	// Locker serialises reconciliation runs. Nil disables it.
	Locker  cache.Locker
	LockTTL time.Duration
	// Clock overrides the engines' clock. Nil means UTC now.
	Clock ledger.Clock
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	store          *sqlstore.Store
	paymentTypes   *cache.PaymentTypes
	advances       *advances.Ledger
	batches        *batches.Engine
	consolidation  *consolidation.Engine
	voids          *voids.Engine
	reconciliation *reconciliation.Engine
	logger         logrus.FieldLogger
	validate       *validator.Validate
	now            ledger.Clock

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the engines over store.
func NewHandler(store *sqlstore.Store, paymentTypes *cache.PaymentTypes, opts Options, logger logrus.FieldLogger) *Handler {
	now := opts.Clock
	if now == nil {
		now = ledger.UTCNow
	}
	if opts.Consolidation == (consolidation.Config{}) {
		opts.Consolidation = consolidation.DefaultConfig()
	}

	adv := advances.New(store, logger).WithClock(now)
	be := batches.New(store, paymentTypes, adv, logger).WithClock(now)
	ce := consolidation.New(store, be, adv, opts.Consolidation, logger).WithClock(now)

	return &Handler{
		store:          store,
		paymentTypes:   paymentTypes,
		advances:       adv,
		batches:        be,
		consolidation:  ce,
		voids:          voids.New(store, be, adv, ce, logger).WithClock(now),
		reconciliation: reconciliation.New(store, opts.Locker, opts.LockTTL, logger).WithClock(now),
		logger:         logger.WithField("module", "api"),
		validate:       newValidator(),
		now:            now,
	}
}

// =============================================================================
// REQUEST / RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps the ledger error taxonomy onto HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, ledger.ErrConfirmationRequired):
		writeError(w, http.StatusConflict, "Confirmation required", err)
	case ledger.IsConflict(err), errors.Is(err, ledger.ErrDuplicate):
		writeError(w, http.StatusConflict, "Conflict", err)
	default:
		config.LogError(h.logger, "api", r.Method+" "+r.URL.Path, "request failed", nil, err)
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads and validates the JSON body into dst. It writes the 400
// response itself and reports false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		resp := ErrorResponse{Error: "Validation failed", Details: err.Error()}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			resp.Fields = make(map[string]string, len(verrs))
			for _, fe := range verrs {
				resp.Fields[fe.Field()] = fe.Tag()
			}
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}

// pathID parses the {id} URL parameter, writing a 400 when it is not a
// positive integer.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id", fmt.Errorf("id %q", chi.URLParam(r, "id")))
		return 0, false
	}
	return id, true
}

func queryID(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// writeTransition answers a guarded transition.
func (h *Handler) writeTransition(w http.ResponseWriter, r *http.Request, id int64, ok bool, err error, to string) {
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "Transition did not apply",
			fmt.Errorf("current state does not allow the transition to %s", to))
		return
	}
	writeJSON(w, http.StatusOK, TransitionResponse{ID: id, Applied: true, Status: to})
}

func parseDate(field, raw string) (time.Time, error) {
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, ledger.Invalid(field, "use YYYY-MM-DD")
	}
	return t, nil
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

// ListPaymentTypes returns all payment types.
func (h *Handler) ListPaymentTypes(w http.ResponseWriter, r *http.Request) {
	pts, err := h.store.ListPaymentTypes(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(pts))
}

func (h *Handler) CreatePaymentType(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentTypeRequest
	if !h.decode(w, r, &req) {
		return
	}
	pt := ledger.PaymentType{Code: req.Code, Description: req.Description, Active: req.Active == nil || *req.Active}
	if err := h.store.CreatePaymentType(r.Context(), &pt); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pt)
}

// GetPaymentType reads through the payment type cache.
func (h *Handler) GetPaymentType(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	pt, err := h.paymentTypes.Get(r.Context(), h.store, ledger.PaymentTypeID(id))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if pt == nil {
		writeError(w, http.StatusNotFound, "Payment type not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, pt)
}

func (h *Handler) ListGrowers(w http.ResponseWriter, r *http.Request) {
	growers, err := h.store.ListGrowers(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(growers))
}

func (h *Handler) CreateGrower(w http.ResponseWriter, r *http.Request) {
	var req CreateGrowerRequest
	if !h.decode(w, r, &req) {
		return
	}
	g := ledger.Grower{
		Number:             req.Number,
		Name:               req.Name,
		OnHold:             req.OnHold,
		PaysElectronically: req.PaysElectronically,
		CreatedAt:          h.now(),
	}
	if err := h.store.CreateGrower(r.Context(), &g); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *Handler) GetGrower(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	g, err := h.store.GetGrower(r.Context(), ledger.GrowerID(id))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if g == nil {
		writeError(w, http.StatusNotFound, "Grower not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// GetGrowerAdvances lists the grower's advances in deduction order.
func (h *Handler) GetGrowerAdvances(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	list, err := h.advances.List(r.Context(), ledger.AdvanceFilter{GrowerID: ledger.GrowerID(id)})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (h *Handler) GetGrowerOutstanding(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	total, err := h.advances.GetTotalOutstanding(r.Context(), ledger.GrowerID(id))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OutstandingResponse{GrowerID: ledger.GrowerID(id), Outstanding: total})
}

func (h *Handler) CreateReceipt(w http.ResponseWriter, r *http.Request) {
	var req CreateReceiptRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := parseDate("receipt_date", req.ReceiptDate)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !req.Amount.IsPositive() {
		h.writeEngineError(w, r, ledger.Invalid("amount", "must be positive"))
		return
	}
	rec := ledger.Receipt{
		Number:        req.Number,
		GrowerID:      ledger.GrowerID(req.GrowerID),
		ImportBatchID: req.ImportBatchID,
		ReceiptDate:   date,
		Amount:        ledger.Cents(req.Amount),
		Status:        ledger.ReceiptActive,
		CreatedAt:     h.now(),
	}
	if err := h.store.CreateReceipt(r.Context(), &rec); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.store.GetReceipt(r.Context(), ledger.ReceiptID(id))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "Receipt not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	ptID, err := queryID(r, "payment_type_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payment_type_id", err)
		return
	}
	list, err := h.batches.List(r.Context(), ledger.BatchFilter{
		Status:        ledger.BatchStatus(r.URL.Query().Get("status")),
		PaymentTypeID: ledger.PaymentTypeID(ptID),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := parseDate("batch_date", req.BatchDate)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	batch, err := h.batches.CreateBatch(r.Context(), ledger.PaymentTypeID(req.PaymentTypeID), date, req.Notes, req.Actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	batch, err := h.batches.Get(r.Context(), ledger.BatchID(id))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *Handler) DeleteBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ActorRequest
	if !h.decode(w, r, &req) {
		return
	}
	mode, err := h.batches.DeleteBatch(r.Context(), ledger.BatchID(id), req.Actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteBatchResponse{ID: ledger.BatchID(id), Mode: mode})
}

// batchTransition adapts a guarded batch transition taking only an actor.
func (h *Handler) batchTransition(to ledger.BatchStatus,
	fn func(e *batches.Engine, r *http.Request, id ledger.BatchID, actor string) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req ActorRequest
		if !h.decode(w, r, &req) {
			return
		}
		applied, err := fn(h.batches, r, ledger.BatchID(id), req.Actor)
		h.writeTransition(w, r, id, applied, err, string(to))
	}
}

func (h *Handler) ApproveBatch() http.HandlerFunc {
	return h.batchTransition(ledger.BatchApproved, func(e *batches.Engine, r *http.Request, id ledger.BatchID, actor string) (bool, error) {
		return e.Approve(r.Context(), id, actor)
	})
}

func (h *Handler) PostBatch() http.HandlerFunc {
	return h.batchTransition(ledger.BatchPosted, func(e *batches.Engine, r *http.Request, id ledger.BatchID, actor string) (bool, error) {
		return e.Post(r.Context(), id, actor)
	})
}

func (h *Handler) ProcessBatch() http.HandlerFunc {
	return h.batchTransition(ledger.BatchProcessed, func(e *batches.Engine, r *http.Request, id ledger.BatchID, actor string) (bool, error) {
		return e.Process(r.Context(), id, actor)
	})
}

// RevertBatch returns a frozen batch to Draft. "from" defaults to Posted and
// Finalized.
func (h *Handler) RevertBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req RevertBatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	applied, err := h.batches.RevertToDraft(r.Context(), ledger.BatchID(id), req.From, req.Actor)
	h.writeTransition(w, r, id, applied, err, string(ledger.BatchDraft))
}

func (h *Handler) VoidBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	applied, err := h.batches.VoidBatch(r.Context(), ledger.BatchID(id), req.Reason, req.Actor)
	h.writeTransition(w, r, id, applied, err, string(ledger.BatchVoided))
}

func (h *Handler) UpdateBatchTotals(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req UpdateTotalsRequest
	if !h.decode(w, r, &req) {
		return
	}
	applied, err := h.batches.UpdateTotals(r.Context(), ledger.BatchID(id), req.Growers, req.Receipts, req.Amount, req.Actor)
	h.writeTransition(w, r, id, applied, err, string(ledger.BatchCompleted))
}

func (h *Handler) GetBatchTotals(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	summary, err := h.batches.Totals(r.Context(), ledger.BatchID(id))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	allocs, err := h.batches.Allocations(r.Context(), ledger.BatchID(id))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(allocs))
}

func (h *Handler) RecordAllocation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req RecordAllocationRequest
	if !h.decode(w, r, &req) {
		return
	}
	alloc, err := h.batches.RecordAllocation(r.Context(), batches.AllocationInput{
		BatchID:         ledger.BatchID(id),
		GrowerID:        ledger.GrowerID(req.GrowerID),
		ReceiptID:       ledger.ReceiptID(req.ReceiptID),
		PriceScheduleID: ledger.PriceScheduleID(req.PriceScheduleID),
		Amount:          req.Amount,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, alloc)
}

func (h *Handler) ListLocks(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	locks, err := h.batches.Locks(r.Context(), ledger.BatchID(id))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(locks))
}

// AcquireLocks answers with the number of locks newly acquired; pairs
// already held are skipped.
func (h *Handler) AcquireLocks(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req AcquireLocksRequest
	if !h.decode(w, r, &req) {
		return
	}
	reqs := make([]batches.LockRequest, len(req.Locks))
	for i, l := range req.Locks {
		reqs[i] = batches.LockRequest{
			PriceScheduleID: ledger.PriceScheduleID(l.PriceScheduleID),
			PaymentTypeID:   ledger.PaymentTypeID(l.PaymentTypeID),
		}
	}
	n, err := h.batches.AcquireScheduleLocks(r.Context(), ledger.BatchID(id), reqs, req.Actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (h *Handler) ReleaseLocks(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ActorRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, err := h.batches.ReleaseLocks(r.Context(), ledger.BatchID(id), req.Actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (h *Handler) ApplyDeductions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ApplyDeductionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	total, err := h.advances.ApplyDeductions(r.Context(), ledger.GrowerID(req.GrowerID), ledger.BatchID(id), req.Amount, req.Actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeductionsResponse{Deducted: total})
}

// ExportBatch streams the electronic payment file as CSV.
func (h *Handler) ExportBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	payload, err := h.batches.ExportElectronicPayments(r.Context(), ledger.BatchID(id), batches.CSVGenerator{})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="batch-%d.csv"`, id))
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// nonNil keeps empty lists as [] in JSON.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
