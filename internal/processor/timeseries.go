package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/insights-pipeline/internal/search"
	"github.com/dshills/insights-pipeline/pkg/types"
)

// TimeSeriesDocuments shapes pre-computed time series records (test case
// results, web analytic events) without enrichment. Records outside the
// run window fail.
func TimeSeriesDocuments() Processor[[]types.EntityRecord, []search.Document] {
	return Func[[]types.EntityRecord, []search.Document](func(ctx context.Context, records []types.EntityRecord, rc *RunContext) ([]search.Document, error) {
		shaper := rc.Shaper()
		fails := newFailures("timeseries")
		docs := make([]search.Document, 0, len(records))

		for _, r := range records {
			if !rc.Window.IsZero() && !rc.Window.Contains(r.UpdatedAt) {
				fails.add(r.ID, fmt.Errorf("timestamp %s outside window %s", r.UpdatedAt.Format(time.RFC3339), rc.Window))
				continue
			}
			body := map[string]any{
				"id":                 r.ID,
				"entityType":         r.EntityType,
				"fullyQualifiedName": r.FullyQualifiedName,
				"timestamp":          r.UpdatedAt,
			}
			for k, v := range r.Fields {
				if _, taken := body[k]; !taken {
					body[k] = v
				}
			}
			docs = append(docs, search.Document{
				ID:        r.ID,
				SourceID:  r.ID,
				Timestamp: r.UpdatedAt,
				Body:      shaper.Shape(body, ""),
			})
		}
		return docs, fails.result(len(records))
	})
}
