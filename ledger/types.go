/*
Package ledger provides the core types of the grower payment ledger.

PURPOSE:
  This package holds the domain-agnostic building blocks shared by every
  engine: identifiers, money helpers, the records persisted by the store,
  their status enums, the error taxonomy, and the Store interface.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: fixed-point decimal amounts with a one-cent tolerance
  - PaymentBatch / PaymentAllocation: what a batch pays and to whom
  - AdvanceCheque / AdvanceDeduction: money paid ahead of settlement
  - Cheque / ConsolidatedCheque: what was actually issued
  - ReconciliationReport / PaymentException: findings written as data

LEDGER IDENTITY:
  For every non-deleted advance:

    Current == Original - Σ(non-deleted deductions) + Σ(non-deleted voided deductions)

  which is Original minus the active deductions. The reconciliation engine
  exists to detect violations.

SEE ALSO:
  - store.go: persistence interfaces
  - errors.go: error taxonomy
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type GrowerID int64
type ReceiptID int64
type BatchID int64
type AllocationID int64
type AccountEntryID int64
type AdvanceID int64
type DeductionID int64
type ChequeID int64
type ConsolidationID int64
type PaymentTypeID int64
type PriceScheduleID int64
type LockID int64
type ReportID int64
type ExceptionID int64

// =============================================================================
// MONEY
// =============================================================================

// Tolerance is the epsilon used when deciding whether two amounts balance.
var Tolerance = decimal.New(1, -2)

// Balanced reports whether a and b agree within one cent.
func Balanced(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// Cents rounds an amount to two decimal places.
func Cents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

type PaymentType struct {
	ID          PaymentTypeID `json:"id"`
	Code        string        `json:"code"`
	Description string        `json:"description"`
	Active      bool          `json:"active"`
}

type Grower struct {
	ID                 GrowerID  `json:"id"`
	Number             string    `json:"number"`
	Name               string    `json:"name"`
	OnHold             bool      `json:"on_hold"`
	PaysElectronically bool      `json:"pays_electronically"`
	CreatedAt          time.Time `json:"created_at"`
}

type ReceiptStatus string

const (
	ReceiptActive ReceiptStatus = "Active"
	ReceiptVoided ReceiptStatus = "Voided"
)

type Receipt struct {
	ID            ReceiptID       `json:"id"`
	Number        string          `json:"number"`
	GrowerID      GrowerID        `json:"grower_id"`
	ImportBatchID int64           `json:"import_batch_id"`
	ReceiptDate   time.Time       `json:"receipt_date"`
	Amount        decimal.Decimal `json:"amount"`
	Status        ReceiptStatus   `json:"status"`
	Notes         string          `json:"notes"`
	VoidedAt      *time.Time      `json:"voided_at,omitempty"`
	VoidedBy      string          `json:"voided_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// =============================================================================
// PAYMENT BATCHES
// =============================================================================

type BatchStatus string

const (
	BatchDraft     BatchStatus = "Draft"
	BatchApproved  BatchStatus = "Approved"
	BatchPosted    BatchStatus = "Posted"
	BatchFinalized BatchStatus = "Finalized"
	BatchProcessed BatchStatus = "Processed"
	BatchCompleted BatchStatus = "Completed"
	BatchVoided    BatchStatus = "Voided"
)

// HasFrozenTotals reports whether totals must equal the allocation sums.
func (s BatchStatus) HasFrozenTotals() bool {
	return s == BatchPosted || s == BatchFinalized || s == BatchProcessed
}

type PaymentBatch struct {
	ID            BatchID             `json:"id"`
	Number        string              `json:"number"`
	PaymentTypeID PaymentTypeID       `json:"payment_type_id"`
	BatchDate     time.Time           `json:"batch_date"`
	Status        BatchStatus         `json:"status"`
	TotalAmount   decimal.NullDecimal `json:"total_amount"`
	TotalGrowers  *int                `json:"total_growers"`
	TotalReceipts *int                `json:"total_receipts"`
	Notes         string              `json:"notes"`
	CreatedAt     time.Time           `json:"created_at"`
	CreatedBy     string              `json:"created_by"`
	ModifiedAt    *time.Time          `json:"modified_at,omitempty"`
	ModifiedBy    string              `json:"modified_by,omitempty"`
	ProcessedAt   *time.Time          `json:"processed_at,omitempty"`
	ProcessedBy   string              `json:"processed_by,omitempty"`
	IsDeleted     bool                `json:"is_deleted"`
}

// BatchTotals are the frozen aggregates of a batch.
type BatchTotals struct {
	Amount   decimal.Decimal
	Growers  int
	Receipts int
}

type BatchFilter struct {
	Status        BatchStatus
	PaymentTypeID PaymentTypeID
}

type AllocationStatus string

const (
	AllocationPending AllocationStatus = "Pending"
	AllocationPosted  AllocationStatus = "Posted"
	AllocationPaid    AllocationStatus = "Paid"
	AllocationVoided  AllocationStatus = "Voided"
)

// PaymentAllocation is one receipt's value allocated to a grower in a batch.
type PaymentAllocation struct {
	ID              AllocationID     `json:"id"`
	BatchID         BatchID          `json:"batch_id"`
	GrowerID        GrowerID         `json:"grower_id"`
	ReceiptID       ReceiptID        `json:"receipt_id"`
	PriceScheduleID PriceScheduleID  `json:"price_schedule_id"`
	Amount          decimal.Decimal  `json:"amount"`
	Status          AllocationStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
}

// GrowerAccountEntry is a ledger line on a grower's account.
type GrowerAccountEntry struct {
	ID          AccountEntryID  `json:"id"`
	GrowerID    GrowerID        `json:"grower_id"`
	BatchID     BatchID         `json:"batch_id"`
	EntryDate   time.Time       `json:"entry_date"`
	Description string          `json:"description"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	IsDeleted   bool            `json:"is_deleted"`
	DeletedAt   *time.Time      `json:"deleted_at,omitempty"`
	DeletedBy   string          `json:"deleted_by,omitempty"`
}

// PriceScheduleLock claims a (price schedule, payment type) pair for a batch.
type PriceScheduleLock struct {
	ID              LockID          `json:"id"`
	PriceScheduleID PriceScheduleID `json:"price_schedule_id"`
	PaymentTypeID   PaymentTypeID   `json:"payment_type_id"`
	BatchID         BatchID         `json:"batch_id"`
	LockedAt        time.Time       `json:"locked_at"`
	LockedBy        string          `json:"locked_by"`
	IsDeleted       bool            `json:"is_deleted"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
	DeletedBy       string          `json:"deleted_by,omitempty"`
}

// =============================================================================
// ADVANCES
// =============================================================================

type AdvanceStatus string

const (
	AdvanceGenerated AdvanceStatus = "Generated"
	AdvancePrinted   AdvanceStatus = "Printed"
	AdvanceDelivered AdvanceStatus = "Delivered"
	AdvanceVoided    AdvanceStatus = "Voided"
)

// Outstanding reports whether deductions may be applied against the status.
func (s AdvanceStatus) Outstanding() bool {
	return s == AdvancePrinted || s == AdvanceDelivered
}

type AdvanceCheque struct {
	ID                  AdvanceID       `json:"id"`
	Number              string          `json:"number"`
	GrowerID            GrowerID        `json:"grower_id"`
	OriginalAmount      decimal.Decimal `json:"original_amount"`
	CurrentAmount       decimal.Decimal `json:"current_amount"`
	TotalDeducted       decimal.Decimal `json:"total_deducted"`
	Reason              string          `json:"reason"`
	Status              AdvanceStatus   `json:"status"`
	AdvanceDate         time.Time       `json:"advance_date"`
	CreatedAt           time.Time       `json:"created_at"`
	CreatedBy           string          `json:"created_by"`
	PrintedAt           *time.Time      `json:"printed_at,omitempty"`
	PrintedBy           string          `json:"printed_by,omitempty"`
	DeliveredAt         *time.Time      `json:"delivered_at,omitempty"`
	DeliveredBy         string          `json:"delivered_by,omitempty"`
	VoidedAt            *time.Time      `json:"voided_at,omitempty"`
	VoidedBy            string          `json:"voided_by,omitempty"`
	VoidReason          string          `json:"void_reason,omitempty"`
	DeductedAt          *time.Time      `json:"deducted_at,omitempty"`
	DeductedBy          string          `json:"deducted_by,omitempty"`
	DeductedFromBatchID *BatchID        `json:"deducted_from_batch_id,omitempty"`
	IsDeleted           bool            `json:"is_deleted"`
}

type AdvanceFilter struct {
	GrowerID GrowerID
	Statuses []AdvanceStatus
}

// AdvanceBalanceUpdate is a compare-and-swap on an advance's balance. The row
// is only written when its current amount still equals ExpectedCurrent.
// The deducted pointers are written as given; nil clears them.
type AdvanceBalanceUpdate struct {
	ID                  AdvanceID
	ExpectedCurrent     decimal.Decimal
	Current             decimal.Decimal
	TotalDeducted       decimal.Decimal
	DeductedAt          *time.Time
	DeductedBy          string
	DeductedFromBatchID *BatchID
}

type AdvanceDeduction struct {
	ID            DeductionID     `json:"id"`
	AdvanceID     AdvanceID       `json:"advance_id"`
	BatchID       BatchID         `json:"batch_id"`
	GrowerID      GrowerID        `json:"grower_id"` // read-only, joined from the advance
	Amount        decimal.Decimal `json:"amount"`
	DeductionDate time.Time       `json:"deduction_date"`
	IsVoided      bool            `json:"is_voided"`
	IsDeleted     bool            `json:"is_deleted"`
	CreatedAt     time.Time       `json:"created_at"`
	CreatedBy     string          `json:"created_by"`
	VoidedAt      *time.Time      `json:"voided_at,omitempty"`
	VoidedBy      string          `json:"voided_by,omitempty"`
}

// Active reports whether the deduction currently reduces its advance.
func (d AdvanceDeduction) Active() bool {
	return !d.IsDeleted && !d.IsVoided
}

// =============================================================================
// CHEQUES
// =============================================================================

type ChequeStatus string

const (
	ChequeGenerated ChequeStatus = "Generated"
	ChequePrinted   ChequeStatus = "Printed"
	ChequeIssued    ChequeStatus = "Issued"
	ChequeCleared   ChequeStatus = "Cleared"
	ChequeVoided    ChequeStatus = "Voided"
)

type Cheque struct {
	ID             ChequeID        `json:"id"`
	Number         string          `json:"number"`
	GrowerID       GrowerID        `json:"grower_id"`
	BatchID        *BatchID        `json:"batch_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	ChequeDate     time.Time       `json:"cheque_date"`
	Status         ChequeStatus    `json:"status"`
	IsConsolidated bool            `json:"is_consolidated"`
	CreatedAt      time.Time       `json:"created_at"`
	CreatedBy      string          `json:"created_by"`
	VoidedAt       *time.Time      `json:"voided_at,omitempty"`
	VoidedBy       string          `json:"voided_by,omitempty"`
	VoidReason     string          `json:"void_reason,omitempty"`
}

// ConsolidatedCheque is one source batch's share of a consolidated cheque.
type ConsolidatedCheque struct {
	ID        ConsolidationID `json:"id"`
	ChequeID  ChequeID        `json:"cheque_id"`
	BatchID   BatchID         `json:"batch_id"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
	CreatedBy string          `json:"created_by"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type ReconciliationStatus string

const (
	Reconciled  ReconciliationStatus = "Reconciled"
	Discrepancy ReconciliationStatus = "Discrepancy"
)

type ReconciliationReport struct {
	ID             ReportID             `json:"id"`
	BatchID        BatchID              `json:"batch_id"`
	ExpectedAmount decimal.Decimal      `json:"expected_amount"`
	ActualAmount   decimal.Decimal      `json:"actual_amount"`
	Difference     decimal.Decimal      `json:"difference"`
	Status         ReconciliationStatus `json:"status"`
	ExceptionCount int                  `json:"exception_count"`
	GeneratedAt    time.Time            `json:"generated_at"`
	GeneratedBy    string               `json:"generated_by"`
}

type ExceptionType string

const (
	ExceptionMissingPayment      ExceptionType = "MissingPayment"
	ExceptionAmountDiscrepancy   ExceptionType = "AmountDiscrepancy"
	ExceptionDuplicatePayment    ExceptionType = "DuplicatePayment"
	ExceptionTotalsMismatch      ExceptionType = "TotalsMismatch"
	ExceptionOrphanedLock        ExceptionType = "OrphanedLock"
	ExceptionAdvanceBalanceDrift ExceptionType = "AdvanceBalanceDrift"
)

type ExceptionStatus string

const (
	ExceptionOpen     ExceptionStatus = "Open"
	ExceptionResolved ExceptionStatus = "Resolved"
)

type PaymentException struct {
	ID              ExceptionID     `json:"id"`
	Type            ExceptionType   `json:"type"`
	BatchID         *BatchID        `json:"batch_id,omitempty"`
	GrowerID        *GrowerID       `json:"grower_id,omitempty"`
	AdvanceID       *AdvanceID      `json:"advance_id,omitempty"`
	ExpectedAmount  decimal.Decimal `json:"expected_amount"`
	ActualAmount    decimal.Decimal `json:"actual_amount"`
	Description     string          `json:"description"`
	Status          ExceptionStatus `json:"status"`
	DetectedAt      time.Time       `json:"detected_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
}

// SameScope reports whether two exceptions describe the same finding.
func (e PaymentException) SameScope(o PaymentException) bool {
	return e.Type == o.Type &&
		eqPtr(e.BatchID, o.BatchID) &&
		eqPtr(e.GrowerID, o.GrowerID) &&
		eqPtr(e.AdvanceID, o.AdvanceID)
}

type ExceptionFilter struct {
	BatchID   *BatchID
	AdvanceID *AdvanceID
	Status    ExceptionStatus
	Type      ExceptionType
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
