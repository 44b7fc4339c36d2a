package processor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dshills/insights-pipeline/internal/search"
	"github.com/dshills/insights-pipeline/pkg/types"
)

const (
	// UnusedAfter is how long without access makes an asset unused
	UnusedAfter = 30 * types.Day
	// FrequentlyUsedWithin is the access recency of a frequently used asset
	FrequentlyUsedWithin = 7 * types.Day
)

// Entity fields read by the cost stages
const (
	FieldSizeBytes      = "sizeBytes"
	FieldLastAccessedAt = "lastAccessedAt"
)

// CostFact is the raw size and usage of one table on one day
type CostFact struct {
	EntityID     string
	Name         string
	Service      string
	ServiceType  string
	Database     string
	Schema       string
	SizeBytes    int64
	LastAccessed *time.Time
	Day          time.Time
}

// Unused reports whether the asset has not been read within UnusedAfter of now
func (f CostFact) Unused(now time.Time) bool {
	return f.LastAccessed == nil || now.Sub(*f.LastAccessed) > UnusedAfter
}

// FrequentlyUsed reports whether the asset was read within FrequentlyUsedWithin of now
func (f CostFact) FrequentlyUsed(now time.Time) bool {
	return f.LastAccessed != nil && now.Sub(*f.LastAccessed) <= FrequentlyUsedWithin
}

// CostFacts extracts size and last access from each record
func CostFacts() Processor[[]types.EntityRecord, []CostFact] {
	return Func[[]types.EntityRecord, []CostFact](func(ctx context.Context, records []types.EntityRecord, rc *RunContext) ([]CostFact, error) {
		fails := newFailures("cost_facts")
		day := types.StartOfDay(rc.Now)
		facts := make([]CostFact, 0, len(records))

		for _, r := range records {
			size, err := int64Field(r.Field(FieldSizeBytes))
			if err != nil {
				fails.add(r.ID, fmt.Errorf("%s: %w", FieldSizeBytes, err))
				continue
			}
			accessed, err := timeField(r.Field(FieldLastAccessedAt))
			if err != nil {
				fails.add(r.ID, fmt.Errorf("%s: %w", FieldLastAccessedAt, err))
				continue
			}
			facts = append(facts, CostFact{
				EntityID:     r.ID,
				Name:         r.Name,
				Service:      r.Service,
				ServiceType:  r.ServiceType,
				Database:     r.Database,
				Schema:       r.Schema,
				SizeBytes:    size,
				LastAccessed: accessed,
				Day:          day,
			})
		}
		return facts, fails.result(len(records))
	})
}

func int64Field(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		if x < 0 {
			return 0, fmt.Errorf("negative value %v", x)
		}
		return int64(x), nil
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

// timeField accepts RFC 3339 strings and epoch milliseconds
func timeField(v any) (*time.Time, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		if x == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, x)
		if err != nil {
			return nil, err
		}
		return &t, nil
	case float64:
		t := time.UnixMilli(int64(x)).UTC()
		return &t, nil
	case time.Time:
		return &x, nil
	default:
		return nil, fmt.Errorf("unexpected type %T", v)
	}
}

// AccumulateCost adds facts to the run's rollup and shapes the raw documents
func AccumulateCost() Processor[[]CostFact, []search.Document] {
	return Func[[]CostFact, []search.Document](func(ctx context.Context, facts []CostFact, rc *RunContext) ([]search.Document, error) {
		if rc.CostRollup == nil {
			return nil, fmt.Errorf("cost rollup not initialized")
		}
		shaper := rc.Shaper()
		docs := make([]search.Document, 0, len(facts))

		for _, f := range facts {
			rc.CostRollup.Add(f, rc.Now)

			body := map[string]any{
				"entityId":       f.EntityID,
				"name":           f.Name,
				"service":        f.Service,
				"serviceType":    f.ServiceType,
				"database":       f.Database,
				"schema":         f.Schema,
				"sizeBytes":      f.SizeBytes,
				"day":            f.Day,
				"unused":         f.Unused(rc.Now),
				"frequentlyUsed": f.FrequentlyUsed(rc.Now),
			}
			if f.LastAccessed != nil {
				body["lastAccessedAt"] = *f.LastAccessed
			}
			docs = append(docs, search.Document{
				ID:        SnapshotID(f.EntityID, f.Day),
				SourceID:  f.EntityID,
				Timestamp: f.Day,
				Body:      shaper.Shape(body, ""),
			})
		}
		return docs, nil
	})
}

type costKey struct {
	service, database, schema string
}

// CostAggregate summarizes the assets of one service/database/schema
type CostAggregate struct {
	Service             string
	ServiceType         string
	Database            string
	Schema              string
	TotalCount          int
	TotalSize           int64
	UnusedCount         int
	UnusedSize          int64
	FrequentlyUsedCount int
	FrequentlyUsedSize  int64
}

// CostRollup accumulates cost facts across the batches of one run
type CostRollup struct {
	mu     sync.Mutex
	day    time.Time
	groups map[costKey]*CostAggregate
}

// NewCostRollup creates an empty rollup for one day
func NewCostRollup(day time.Time) *CostRollup {
	return &CostRollup{day: types.StartOfDay(day), groups: make(map[costKey]*CostAggregate)}
}

// Add folds one fact into its group
func (c *CostRollup) Add(f CostFact, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := costKey{f.Service, f.Database, f.Schema}
	agg, ok := c.groups[key]
	if !ok {
		agg = &CostAggregate{Service: f.Service, ServiceType: f.ServiceType, Database: f.Database, Schema: f.Schema}
		c.groups[key] = agg
	}
	agg.TotalCount++
	agg.TotalSize += f.SizeBytes
	if f.Unused(now) {
		agg.UnusedCount++
		agg.UnusedSize += f.SizeBytes
	}
	if f.FrequentlyUsed(now) {
		agg.FrequentlyUsedCount++
		agg.FrequentlyUsedSize += f.SizeBytes
	}
}

// Aggregates returns the groups sorted by service, database and schema
func (c *CostRollup) Aggregates() []CostAggregate {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]CostAggregate, 0, len(c.groups))
	for _, agg := range c.groups {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Service != b.Service {
			return a.Service < b.Service
		}
		if a.Database != b.Database {
			return a.Database < b.Database
		}
		return a.Schema < b.Schema
	})
	return out
}

// AggregateID keys an aggregate document by group and day, so a re-run of
// the same day overwrites instead of adding rows
func AggregateID(agg CostAggregate, day time.Time) string {
	return strings.Join([]string{agg.Service, agg.Database, agg.Schema, day.Format(time.DateOnly)}, ".")
}

// Finalize emits one aggregate document per group into the aggregate index
func (c *CostRollup) Finalize(ctx context.Context, rc *RunContext) ([]search.Document, error) {
	shaper := rc.Shaper()
	aggs := c.Aggregates()
	docs := make([]search.Document, 0, len(aggs))

	for _, agg := range aggs {
		body := map[string]any{
			"service":             agg.Service,
			"serviceType":         agg.ServiceType,
			"database":            agg.Database,
			"schema":              agg.Schema,
			"day":                 c.day,
			"totalCount":          agg.TotalCount,
			"totalSize":           agg.TotalSize,
			"unusedCount":         agg.UnusedCount,
			"unusedSize":          agg.UnusedSize,
			"frequentlyUsedCount": agg.FrequentlyUsedCount,
			"frequentlyUsedSize":  agg.FrequentlyUsedSize,
		}
		docs = append(docs, search.Document{
			ID:        AggregateID(agg, c.day),
			Index:     rc.AggregateIndex,
			SourceID:  agg.Service + "." + agg.Database + "." + agg.Schema,
			Timestamp: c.day,
			Body:      shaper.Shape(body, ""),
		})
	}
	return docs, nil
}
