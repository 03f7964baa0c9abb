/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Ledger entities are
  already JSON-tagged and are returned as-is; the types here cover request
  bodies and the few responses that wrap several values.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers

VALIDATION:
  Request structs carry validator/v10 tags checked by Handler.decode
  before any engine call. Amount rules (positive, two decimals) are
  enforced by the engines themselves.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/grower-ledger/batches"
	"github.com/warp/grower-ledger/ledger"
)

// =============================================================================
// COMMON
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ActorRequest is the body of state transitions that need nothing else.
type ActorRequest struct {
	Actor string `json:"actor" validate:"required"`
}

// ReasonRequest is the body of voids and reversals.
type ReasonRequest struct {
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

// TransitionResponse reports a guarded transition that applied.
type TransitionResponse struct {
	ID      int64  `json:"id"`
	Applied bool   `json:"applied"`
	Status  string `json:"status,omitempty"`
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

type CreatePaymentTypeRequest struct {
	Code        string `json:"code" validate:"required,alphanum,max=10"`
	Description string `json:"description" validate:"max=200"`
	Active      *bool  `json:"active"`
}

type CreateGrowerRequest struct {
	Number             string `json:"number" validate:"required,max=20"`
	Name               string `json:"name" validate:"required,max=200"`
	OnHold             bool   `json:"on_hold"`
	PaysElectronically bool   `json:"pays_electronically"`
}

type CreateReceiptRequest struct {
	Number        string          `json:"number" validate:"required,max=30"`
	GrowerID      int64           `json:"grower_id" validate:"required,gt=0"`
	ImportBatchID int64           `json:"import_batch_id" validate:"gte=0"`
	ReceiptDate   string          `json:"receipt_date" validate:"required,datetime=2006-01-02"`
	Amount        decimal.Decimal `json:"amount"`
}

type OutstandingResponse struct {
	GrowerID    ledger.GrowerID `json:"grower_id"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

// =============================================================================
// BATCHES
// =============================================================================

type CreateBatchRequest struct {
	PaymentTypeID int64  `json:"payment_type_id" validate:"required,gt=0"`
	BatchDate     string `json:"batch_date" validate:"required,datetime=2006-01-02"`
	Notes         string `json:"notes" validate:"max=1000"`
	Actor         string `json:"actor" validate:"required"`
}

type UpdateTotalsRequest struct {
	Growers  int             `json:"growers" validate:"gte=0"`
	Receipts int             `json:"receipts" validate:"gte=0"`
	Amount   decimal.Decimal `json:"amount"`
	Actor    string          `json:"actor" validate:"required"`
}

type RevertBatchRequest struct {
	From  []ledger.BatchStatus `json:"from" validate:"dive,oneof=Posted Finalized Approved Completed"`
	Actor string               `json:"actor" validate:"required"`
}

type DeleteBatchResponse struct {
	ID   ledger.BatchID     `json:"id"`
	Mode batches.DeleteMode `json:"mode"`
}

type RecordAllocationRequest struct {
	GrowerID        int64           `json:"grower_id" validate:"required,gt=0"`
	ReceiptID       int64           `json:"receipt_id" validate:"required,gt=0"`
	PriceScheduleID int64           `json:"price_schedule_id" validate:"required,gt=0"`
	Amount          decimal.Decimal `json:"amount"`
}

type LockRequest struct {
	PriceScheduleID int64 `json:"price_schedule_id" validate:"required,gt=0"`
	PaymentTypeID   int64 `json:"payment_type_id" validate:"required,gt=0"`
}

type AcquireLocksRequest struct {
	Locks []LockRequest `json:"locks" validate:"required,min=1,dive"`
	Actor string        `json:"actor" validate:"required"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type ApplyDeductionsRequest struct {
	GrowerID int64           `json:"grower_id" validate:"required,gt=0"`
	Amount   decimal.Decimal `json:"amount"`
	Actor    string          `json:"actor" validate:"required"`
}

type DeductionsResponse struct {
	Deducted decimal.Decimal `json:"deducted"`
}

// =============================================================================
// ADVANCES
// =============================================================================

type CreateAdvanceRequest struct {
	GrowerID int64           `json:"grower_id" validate:"required,gt=0"`
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason" validate:"max=500"`
	Actor    string          `json:"actor" validate:"required"`
}

type ConfirmedRequest struct {
	Actor     string `json:"actor" validate:"required"`
	Reason    string `json:"reason" validate:"max=500"`
	Confirmed bool   `json:"confirmed"`
}

// =============================================================================
// CONSOLIDATION
// =============================================================================

type ValidateConsolidationRequest struct {
	GrowerID int64   `json:"grower_id" validate:"required,gt=0"`
	BatchIDs []int64 `json:"batch_ids" validate:"required,min=1,dive,gt=0"`
}

type ConsolidateRequest struct {
	GrowerID int64           `json:"grower_id" validate:"required,gt=0"`
	BatchIDs []int64         `json:"batch_ids" validate:"required,min=1,dive,gt=0"`
	Amount   decimal.Decimal `json:"amount"`
	Actor    string          `json:"actor" validate:"required"`
}

type RevertConsolidationResponse struct {
	ChequeID ledger.ChequeID  `json:"cheque_id"`
	Reverted []ledger.BatchID `json:"reverted_batches"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type ReconcileResponse struct {
	Report     *ledger.ReconciliationReport `json:"report"`
	Exceptions []ledger.PaymentException    `json:"exceptions"`
}

type CheckAdvancesRequest struct {
	GrowerID *int64 `json:"grower_id" validate:"omitempty,gt=0"`
	Actor    string `json:"actor" validate:"required"`
}

type ResolveExceptionRequest struct {
	Notes string `json:"notes" validate:"required,max=1000"`
	Actor string `json:"actor" validate:"required"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ScenarioResult lists what a scenario seeded so clients can continue
// from it.
type ScenarioResult struct {
	Scenario ScenarioDTO        `json:"scenario"`
	Growers  []ledger.GrowerID  `json:"growers"`
	Batches  []ledger.BatchID   `json:"batches"`
	Receipts []ledger.ReceiptID `json:"receipts"`
	Advances []ledger.AdvanceID `json:"advances"`
	Cheques  []ledger.ChequeID  `json:"cheques"`
	Notes    []string           `json:"notes"`
}
