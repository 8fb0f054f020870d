package store

import (
	"context"
	"database/sql"
	"errors"
)

var (
	// ErrNotFound is returned when a lookup by id matches nothing.
	ErrNotFound = errors.New("not found")

	// ErrPlanExists is returned when putting a plan id that is already stored.
	ErrPlanExists = errors.New("plan already exists")

	// ErrExecutionInProgress is returned when an execution claim is held by
	// a run that has not finished yet.
	ErrExecutionInProgress = errors.New("execution in progress")
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SnapshotSource provides the pending obligations for a scope.
type SnapshotSource interface {
	// TakeSnapshot returns the pending items matching scope, ordered by key.
	TakeSnapshot(ctx context.Context, scope Scope) (*Snapshot, error)
}

// DocumentRepository looks up candidate documents.
type DocumentRepository interface {
	// FindCandidates returns documents of a company matching subject and type.
	FindCandidates(ctx context.Context, companyKey, subjectID, typeID string) ([]Document, error)

	// GetDocument returns one document by id.
	GetDocument(ctx context.Context, docID string) (*Document, error)
}

// PlanStore is the append-only plan store. Plans are written once and never updated.
type PlanStore interface {
	// PutPlan stores a frozen plan. Returns ErrPlanExists if the id is taken.
	PutPlan(ctx context.Context, plan *SubmissionPlan) error

	// GetPlan returns a plan by id, or ErrNotFound.
	GetPlan(ctx context.Context, id string) (*SubmissionPlan, error)
}

// ExecutionStore records executions so a plan runs at most once per mode,
// along with the items those executions submitted.
type ExecutionStore interface {
	UploadLedger

	// ClaimExecution reserves the (plan, mode) slot. When the slot is already
	// taken it returns the finished prior result, or ErrExecutionInProgress
	// when the holder has not finished.
	ClaimExecution(ctx context.Context, planID string, mode ExecutionMode) (claimed bool, prior *ExecutionResult, err error)

	// CompleteExecution stores the result for a claimed slot.
	CompleteExecution(ctx context.Context, result *ExecutionResult) error

	// GetExecution returns the finished result for a plan and mode, or ErrNotFound.
	GetExecution(ctx context.Context, planID string, mode ExecutionMode) (*ExecutionResult, error)

	// ReleaseExecution drops a claim that never started uploading so the
	// slot can be claimed again. Finished claims are kept.
	ReleaseExecution(ctx context.Context, planID string, mode ExecutionMode) error
}

// UploadLedger records which items of a plan were submitted to the portal,
// across every real execution and headful run of that plan.
type UploadLedger interface {
	// ClaimUpload reserves an item before it is submitted. It returns false
	// when the item is already uploaded or another attempt holds it.
	ClaimUpload(ctx context.Context, planID, pendingItemKey string) (bool, error)

	// FinishUpload settles a claim. An uploaded item stays claimed for good;
	// otherwise the claim is dropped and the item may be tried again.
	FinishUpload(ctx context.Context, planID, pendingItemKey string, uploaded bool) error

	// UploadedItems returns the keys of the plan's uploaded items, sorted.
	UploadedItems(ctx context.Context, planID string) ([]string, error)
}
