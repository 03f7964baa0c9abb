/*
store.go - Persistence interfaces for the payment ledger

PURPOSE:
  Defines the boundary between the engines and the database. Engines never
  hold SQL; they call these methods, usually inside WithTx.

KEY INTERFACES:
  ReferenceStore:      payment types, growers, receipts
  BatchStore:          batches, allocations, account entries, schedule locks
  AdvanceStore:        advance cheques and their deductions
  ChequeStore:         issued cheques and consolidation shares
  ReconciliationStore: reports and exceptions
  AuditLog:            who did what when
  SequenceStore:       named monotonic counters

CONDITIONAL WRITES:
  Transition*, UpdateAdvanceBalance, VoidDeduction and ResolveException are
  guarded UPDATEs. They return false when the guard matched no row. Engines
  decide whether that is a no-op or a ConflictError.

NOT FOUND:
  Get* methods return (nil, nil) when the row does not exist.

TRANSACTIONS:
  WithTx runs fn against a store bound to one transaction. Every read and
  write on that store goes through the transaction. Calling WithTx on a
  bound store joins the ambient transaction instead of opening a new one.

IMPLEMENTATIONS:
  - store/sqlstore: SQLite (default, tests) and MySQL

SEE ALSO:
  - types.go: records persisted here
*/
package ledger

import (
	"context"
	"time"
)

// Store is the full persistence surface used by the engines.
type Store interface {
	ReferenceStore
	BatchStore
	AdvanceStore
	ChequeStore
	ReconciliationStore
	AuditLog
	SequenceStore

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back and the error returned.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Transition is a compare-and-swap on a status column.
type Transition[ID ~int64, S ~string] struct {
	ID     ID
	From   []S
	To     S
	Actor  string
	Reason string
	At     time.Time
}

type BatchTransition = Transition[BatchID, BatchStatus]
type AdvanceTransition = Transition[AdvanceID, AdvanceStatus]
type ChequeTransition = Transition[ChequeID, ChequeStatus]
type ReceiptTransition = Transition[ReceiptID, ReceiptStatus]

// =============================================================================
// REFERENCE DATA
// =============================================================================

type ReferenceStore interface {
	CreatePaymentType(ctx context.Context, pt *PaymentType) error
	GetPaymentType(ctx context.Context, id PaymentTypeID) (*PaymentType, error)
	ListPaymentTypes(ctx context.Context) ([]PaymentType, error)

	CreateGrower(ctx context.Context, g *Grower) error
	GetGrower(ctx context.Context, id GrowerID) (*Grower, error)
	ListGrowers(ctx context.Context) ([]Grower, error)

	CreateReceipt(ctx context.Context, r *Receipt) error
	GetReceipt(ctx context.Context, id ReceiptID) (*Receipt, error)
	ReceiptsByImportBatch(ctx context.Context, importBatchID int64) ([]Receipt, error)

	// TransitionReceipt appends Reason to the receipt notes when it applies.
	TransitionReceipt(ctx context.Context, t ReceiptTransition) (bool, error)
}

// =============================================================================
// BATCHES
// =============================================================================

type BatchStore interface {
	// CreateBatch returns ErrDuplicate when the batch number is taken.
	CreateBatch(ctx context.Context, b *PaymentBatch) error
	GetBatch(ctx context.Context, id BatchID) (*PaymentBatch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]PaymentBatch, error)

	// TransitionBatch stamps modified audit, and processed audit when the
	// target is Processed.
	TransitionBatch(ctx context.Context, t BatchTransition) (bool, error)

	// UpdateBatchTotals writes the frozen totals; nil clears them.
	UpdateBatchTotals(ctx context.Context, id BatchID, totals *BatchTotals) error
	SoftDeleteBatch(ctx context.Context, id BatchID, actor string, at time.Time) error
	DeleteBatch(ctx context.Context, id BatchID) error
	HasPaymentAllocations(ctx context.Context, batchID BatchID) (bool, error)

	CreateAllocation(ctx context.Context, a *PaymentAllocation) error
	AllocationsByBatch(ctx context.Context, batchID BatchID) ([]PaymentAllocation, error)
	AllocationsByReceipt(ctx context.Context, receiptID ReceiptID) ([]PaymentAllocation, error)
	// SetAllocationStatus moves every non-voided allocation of the batch.
	SetAllocationStatus(ctx context.Context, batchID BatchID, to AllocationStatus) (int64, error)
	VoidAllocationsForReceipt(ctx context.Context, receiptID ReceiptID) (int64, error)
	VoidAllocationsForBatch(ctx context.Context, batchID BatchID) (int64, error)

	CreateAccountEntry(ctx context.Context, e *GrowerAccountEntry) error
	// AccountEntriesByBatch returns non-deleted entries.
	AccountEntriesByBatch(ctx context.Context, batchID BatchID) ([]GrowerAccountEntry, error)
	SoftDeleteAccountEntries(ctx context.Context, batchID BatchID, actor string, at time.Time) (int64, error)

	// InsertScheduleLock returns ErrDuplicate when an active lock already
	// holds the (schedule, payment type) pair.
	InsertScheduleLock(ctx context.Context, l *PriceScheduleLock) error
	// LocksByBatch returns active locks.
	LocksByBatch(ctx context.Context, batchID BatchID) ([]PriceScheduleLock, error)
	ReleaseLocks(ctx context.Context, batchID BatchID, actor string, at time.Time) (int64, error)
}

// =============================================================================
// ADVANCES
// =============================================================================

type AdvanceStore interface {
	CreateAdvance(ctx context.Context, a *AdvanceCheque) error
	GetAdvance(ctx context.Context, id AdvanceID) (*AdvanceCheque, error)
	ListAdvances(ctx context.Context, filter AdvanceFilter) ([]AdvanceCheque, error)
	// OutstandingAdvances returns Printed or Delivered non-deleted advances of
	// the grower with a positive balance, oldest advance date first, ties by id.
	OutstandingAdvances(ctx context.Context, growerID GrowerID) ([]AdvanceCheque, error)

	// TransitionAdvance stamps the printed, delivered or voided audit columns
	// matching the target status.
	TransitionAdvance(ctx context.Context, t AdvanceTransition) (bool, error)
	UpdateAdvanceBalance(ctx context.Context, u AdvanceBalanceUpdate) (bool, error)

	CreateDeduction(ctx context.Context, d *AdvanceDeduction) error
	// DeductionsByAdvance returns non-deleted deductions, voided included.
	DeductionsByAdvance(ctx context.Context, advanceID AdvanceID) ([]AdvanceDeduction, error)
	DeductionsByBatch(ctx context.Context, batchID BatchID) ([]AdvanceDeduction, error)
	// DeleteDeductions physically removes every deduction row of the advance.
	DeleteDeductions(ctx context.Context, advanceID AdvanceID) (int64, error)
	VoidDeduction(ctx context.Context, id DeductionID, actor string, at time.Time) (bool, error)
}

// =============================================================================
// CHEQUES
// =============================================================================

type ChequeStore interface {
	CreateCheque(ctx context.Context, c *Cheque) error
	CreateCheques(ctx context.Context, cs []*Cheque) error
	GetCheque(ctx context.Context, id ChequeID) (*Cheque, error)
	ChequesByBatch(ctx context.Context, batchID BatchID) ([]Cheque, error)
	ChequesByGrower(ctx context.Context, growerID GrowerID) ([]Cheque, error)
	TransitionCheque(ctx context.Context, t ChequeTransition) (bool, error)

	CreateConsolidation(ctx context.Context, c *ConsolidatedCheque) error
	ConsolidationsByCheque(ctx context.Context, chequeID ChequeID) ([]ConsolidatedCheque, error)
	ConsolidationsByBatch(ctx context.Context, batchID BatchID) ([]ConsolidatedCheque, error)
	DeleteConsolidations(ctx context.Context, chequeID ChequeID) (int64, error)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type ReconciliationStore interface {
	CreateReport(ctx context.Context, r *ReconciliationReport) error
	ReportsByBatch(ctx context.Context, batchID BatchID) ([]ReconciliationReport, error)

	CreateException(ctx context.Context, e *PaymentException) error
	GetException(ctx context.Context, id ExceptionID) (*PaymentException, error)
	ListExceptions(ctx context.Context, filter ExceptionFilter) ([]PaymentException, error)
	ResolveException(ctx context.Context, id ExceptionID, notes, actor string, at time.Time) (bool, error)
}

// =============================================================================
// SEQUENCES
// =============================================================================

type SequenceStore interface {
	// NextSequence returns the next value of the named counter, starting at 1.
	NextSequence(ctx context.Context, name string) (int64, error)
}
