package storage

import (
	"context"

	"github.com/dshills/insights-pipeline/pkg/types"
)

// EntityStore is the read side of the catalog consumed by the pipeline
type EntityStore interface {
	// CountMatching returns the number of records Scan would visit for the filter
	CountMatching(ctx context.Context, entityType string, filter types.Filter) (int, error)

	// Scan returns up to batchSize records after cursor, in stable id order
	Scan(ctx context.Context, entityType string, filter types.Filter, batchSize int, cursor string) (*ScanResult, error)

	// ListVersionsSince returns the version valid at window start followed by
	// every version recorded inside the window, oldest first
	ListVersionsSince(ctx context.Context, entityType, id string, window types.BackfillWindow) ([]types.EntityVersion, error)

	// GetRecord loads the current state of one entity
	GetRecord(ctx context.Context, entityType, id string) (*types.EntityRecord, error)
}

// EntityWriter loads entities into the store (seeding, tests)
type EntityWriter interface {
	UpsertEntity(ctx context.Context, record types.EntityRecord) error
	AddVersion(ctx context.Context, record types.EntityRecord) error
}

// RunStore persists run records
type RunStore interface {
	// LoadRunRecord returns the most recently started run of a job
	LoadRunRecord(ctx context.Context, jobID string) (*types.RunRecord, error)

	// GetRunRecord returns one run by id
	GetRunRecord(ctx context.Context, runID string) (*types.RunRecord, error)

	// SaveRunRecord inserts or updates a run. Updates to a run that already
	// reached a terminal status are ignored.
	SaveRunRecord(ctx context.Context, record *types.RunRecord) error

	// MarkStaleRunsStopped moves runs of the job still RUNNING to STOPPED
	MarkStaleRunsStopped(ctx context.Context, jobID string) (int, error)

	// ListRunRecords returns runs newest first; empty jobID lists every job
	ListRunRecords(ctx context.Context, jobID string, limit int) ([]*types.RunRecord, error)
}

// Storage is the complete persistence surface of the pipeline
type Storage interface {
	EntityStore
	EntityWriter
	RunStore
	Close() error
}

// ScanResult is one page of a Scan
type ScanResult struct {
	Records    []types.EntityRecord
	Errors     []types.RecordError
	NextCursor string
	HasMore    bool
}
