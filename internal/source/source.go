// Package source reads catalog entities in bounded, resumable batches.
package source

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dshills/insights-pipeline/internal/storage"
	"github.com/dshills/insights-pipeline/pkg/types"
)

// DefaultBatchSize is used when a non-positive batch size is given
const DefaultBatchSize = 100

// Source pulls batches of one entity type
type Source interface {
	EntityType() string
	// ReadNext returns the batch after cursor and the cursor to pass next.
	// It returns types.ErrSourceExhausted once IsDone reports true.
	ReadNext(ctx context.Context, cursor string) (types.Batch, string, error)
	IsDone() bool
	// UpdateStats records the outcome of a batch once it has been delivered
	UpdateStats(success, failed int)
	Stats() types.StepStats
}

// Options configure an EntitySource
type Options struct {
	BatchSize int
	Filter    types.Filter
	Logger    *slog.Logger
}

// EntitySource is a Source over an EntityStore using keyset pagination
type EntitySource struct {
	store      storage.EntityStore
	entityType string
	batchSize  int
	filter     types.Filter
	logger     *slog.Logger

	done  bool
	stats types.StepStats
}

// NewEntitySource builds a source for one entity type. The total is
// counted once here and never refreshed.
func NewEntitySource(ctx context.Context, store storage.EntityStore, entityType string, opts Options) (*EntitySource, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	total, err := store.CountMatching(ctx, entityType, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", entityType, err)
	}

	return &EntitySource{
		store:      store,
		entityType: entityType,
		batchSize:  opts.BatchSize,
		filter:     opts.Filter,
		logger:     opts.Logger.With("entity_type", entityType),
		stats:      types.StepStats{Total: total},
	}, nil
}

func (s *EntitySource) EntityType() string { return s.entityType }

func (s *EntitySource) IsDone() bool { return s.done }

func (s *EntitySource) ReadNext(ctx context.Context, cursor string) (types.Batch, string, error) {
	if s.done {
		return types.Batch{}, cursor, types.ErrSourceExhausted
	}

	page, err := s.store.Scan(ctx, s.entityType, s.filter, s.batchSize, cursor)
	if err != nil {
		return types.Batch{}, cursor, fmt.Errorf("failed to read %s: %w", s.entityType, err)
	}
	s.done = !page.HasMore

	if len(page.Errors) > 0 {
		ids := make([]string, 0, len(page.Errors))
		for _, e := range page.Errors {
			ids = append(ids, e.ID)
		}
		s.logger.Warn("records failed to decode", "count", len(page.Errors), "ids", ids)
	}

	return types.Batch{
		EntityType: s.entityType,
		Records:    page.Records,
		Errors:     page.Errors,
	}, page.NextCursor, nil
}

func (s *EntitySource) UpdateStats(success, failed int) {
	s.stats.Success += success
	s.stats.Failed += failed
}

func (s *EntitySource) Stats() types.StepStats { return s.stats }
