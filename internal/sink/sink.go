package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/dshills/insights-pipeline/internal/processor"
	"github.com/dshills/insights-pipeline/internal/search"
	"github.com/dshills/insights-pipeline/pkg/types"
)

// DefaultMaxBulkDocs bounds the documents of one bulk request
const DefaultMaxBulkDocs = 500

// ResetKind selects what happens to an index before a step writes to it
type ResetKind int

const (
	ResetNone ResetKind = iota
	ResetRecreate
	ResetEnsure
	ResetTimeRange
)

func (k ResetKind) String() string {
	switch k {
	case ResetNone:
		return "none"
	case ResetRecreate:
		return "recreate"
	case ResetEnsure:
		return "ensure"
	case ResetTimeRange:
		return "time_range"
	default:
		return fmt.Sprintf("reset(%d)", int(k))
	}
}

// ResetAction prepares one index. Start and End are used by ResetTimeRange.
type ResetAction struct {
	Kind  ResetKind
	Index string
	Start time.Time
	End   time.Time
}

// Recreate drops and creates the index
func Recreate(index string) ResetAction {
	return ResetAction{Kind: ResetRecreate, Index: index}
}

// Ensure creates the index when it is missing
func Ensure(index string) ResetAction {
	return ResetAction{Kind: ResetEnsure, Index: index}
}

// TimeRange ensures the index and deletes its documents in [start, end)
func TimeRange(index string, start, end time.Time) ResetAction {
	return ResetAction{Kind: ResetTimeRange, Index: index, Start: start, End: end}
}

// WindowRange is TimeRange over a backfill window
func WindowRange(index string, w types.BackfillWindow) ResetAction {
	return TimeRange(index, w.Start, w.End)
}

func (a ResetAction) String() string {
	if a.Kind == ResetTimeRange {
		return fmt.Sprintf("%s %s [%s, %s)", a.Kind, a.Index,
			a.Start.Format(time.RFC3339), a.End.Format(time.RFC3339))
	}
	return a.Kind.String() + " " + a.Index
}

// WriteResult is the per-document outcome of one Write call
type WriteResult struct {
	Accepted        int
	Rejected        int
	RejectedIDs     []string
	RejectedSources []string // distinct source ids (or document ids) of rejected documents
	// Settled holds the origin of every document the backend answered for,
	// accepted or rejected, one entry per document. When Write fails part
	// way, documents missing from it were never written.
	Settled []string
}

// Sink persists shaped documents
type Sink interface {
	Reset(ctx context.Context, action ResetAction) error
	Write(ctx context.Context, docs []search.Document, rc *processor.RunContext) (WriteResult, error)
}

// Options configures a BulkSink
type Options struct {
	MaxBulkDocs     int
	WritesPerSecond float64 // 0 means unthrottled
	Retry           RetryConfig
	Logger          *slog.Logger
}

// BulkSink writes documents to a search backend in bulk requests
type BulkSink struct {
	backend search.Backend
	maxBulk int
	limiter *rate.Limiter
	retry   RetryConfig
	logger  *slog.Logger
}

// New creates a BulkSink over backend
func New(backend search.Backend, opts Options) *BulkSink {
	if opts.MaxBulkDocs <= 0 {
		opts.MaxBulkDocs = DefaultMaxBulkDocs
	}
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry = DefaultRetryConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	limit := rate.Inf
	if opts.WritesPerSecond > 0 {
		limit = rate.Limit(opts.WritesPerSecond)
	}
	return &BulkSink{
		backend: backend,
		maxBulk: opts.MaxBulkDocs,
		limiter: rate.NewLimiter(limit, 1),
		retry:   opts.Retry,
		logger:  opts.Logger,
	}
}

// Backend returns the destination of the sink
func (s *BulkSink) Backend() search.Backend {
	return s.backend
}

// Reset applies action to its index. Failures after retries are fatal.
func (s *BulkSink) Reset(ctx context.Context, action ResetAction) error {
	if action.Kind == ResetNone {
		return nil
	}
	if err := search.ValidateIndexName(action.Index); err != nil {
		return types.Fatal("sink", err)
	}

	var err error
	switch action.Kind {
	case ResetRecreate:
		err = s.recreate(ctx, action.Index)
	case ResetEnsure:
		err = s.ensure(ctx, action.Index)
	case ResetTimeRange:
		if err = s.ensure(ctx, action.Index); err != nil {
			break
		}
		var deleted int
		deleted, _, err = retryWithBackoff(ctx, s.retry, func() (int, error) {
			return s.backend.DeleteByTimeRange(ctx, action.Index, action.Start, action.End)
		})
		if err == nil {
			s.logger.Info("cleared index range", "index", action.Index,
				"start", action.Start, "end", action.End, "deleted", deleted)
		}
	default:
		return fmt.Errorf("unknown reset kind %v", action.Kind)
	}

	if err != nil {
		return types.Fatal("sink", fmt.Errorf("%w: reset %s: %v", types.ErrDestinationUnreachable, action, err))
	}
	return nil
}

func (s *BulkSink) ensure(ctx context.Context, index string) error {
	exists, _, err := retryWithBackoff(ctx, s.retry, func() (bool, error) {
		return s.backend.IndexExists(ctx, index)
	})
	if err != nil || exists {
		return err
	}
	_, _, err = retryWithBackoff(ctx, s.retry, func() (struct{}, error) {
		return struct{}{}, s.backend.CreateIndex(ctx, index)
	})
	return err
}

func (s *BulkSink) recreate(ctx context.Context, index string) error {
	exists, _, err := retryWithBackoff(ctx, s.retry, func() (bool, error) {
		return s.backend.IndexExists(ctx, index)
	})
	if err != nil {
		return err
	}
	if exists {
		if _, _, err := retryWithBackoff(ctx, s.retry, func() (struct{}, error) {
			return struct{}{}, s.backend.DeleteIndex(ctx, index)
		}); err != nil {
			return err
		}
	}
	_, _, err = retryWithBackoff(ctx, s.retry, func() (struct{}, error) {
		return struct{}{}, s.backend.CreateIndex(ctx, index)
	})
	if err == nil {
		s.logger.Info("recreated index", "index", index)
	}
	return err
}

// Write sends docs in bulk requests grouped by index. An in-flight write is
// never cut short by cancellation of ctx. Rejected documents are reported
// in the result; a backend that stays unreachable after retries yields a
// *types.FatalError together with the result of the chunks already written.
func (s *BulkSink) Write(ctx context.Context, docs []search.Document, rc *processor.RunContext) (WriteResult, error) {
	var result WriteResult
	if len(docs) == 0 {
		return result, nil
	}
	ctx = context.WithoutCancel(ctx)

	defaultIndex := ""
	if rc != nil {
		defaultIndex = rc.IndexName
	}
	groups, order := groupByIndex(docs, defaultIndex)
	seenSources := make(map[string]bool)

	for _, index := range order {
		if err := search.ValidateIndexName(index); err != nil {
			return result, types.Fatal("sink", err)
		}
		for _, chunk := range chunks(groups[index], s.maxBulk) {
			if err := s.limiter.Wait(ctx); err != nil {
				return result, types.Fatal("sink", err)
			}

			out, attempts, err := retryWithBackoff(ctx, s.retry, func() (*search.BulkResult, error) {
				return s.backend.BulkWrite(ctx, index, chunk)
			})
			if err != nil {
				s.logger.Error("bulk write failed", "index", index, "docs", len(chunk), "attempts", attempts, "error", err)
				return result, types.Fatal("sink", fmt.Errorf("%w: bulk write to %s after %d attempts: %v",
					types.ErrDestinationUnreachable, index, attempts, err))
			}
			if attempts > 1 {
				s.logger.Warn("bulk write succeeded after retry", "index", index, "attempts", attempts)
			}

			result.Accepted += out.Accepted
			for _, d := range chunk {
				result.Settled = append(result.Settled, d.Origin())
			}
			for _, r := range out.Rejected {
				result.Rejected++
				result.RejectedIDs = append(result.RejectedIDs, r.ID)
				src := r.SourceID
				if src == "" {
					src = r.ID
				}
				if !seenSources[src] {
					seenSources[src] = true
					result.RejectedSources = append(result.RejectedSources, src)
				}
			}
			if len(out.Rejected) > 0 {
				s.logger.Warn("documents rejected", "index", index, "rejected", len(out.Rejected),
					"first", out.Rejected[0].ID, "reason", out.Rejected[0].Reason)
			}
		}
	}
	return result, nil
}

// groupByIndex buckets documents by target index, keeping first-seen order
func groupByIndex(docs []search.Document, defaultIndex string) (map[string][]search.Document, []string) {
	groups := make(map[string][]search.Document)
	var order []string
	for _, d := range docs {
		index := d.Index
		if index == "" {
			index = defaultIndex
		}
		if _, ok := groups[index]; !ok {
			order = append(order, index)
		}
		groups[index] = append(groups[index], d)
	}
	return groups, order
}

func chunks(docs []search.Document, size int) [][]search.Document {
	var out [][]search.Document
	for i := 0; i < len(docs); i += size {
		end := min(i+size, len(docs))
		out = append(out, docs[i:end])
	}
	return out
}
