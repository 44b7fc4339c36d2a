package processor

import (
	"context"
	"errors"
	"strings"

	"github.com/dshills/insights-pipeline/internal/search"
	"github.com/dshills/insights-pipeline/pkg/types"
)

var errMissingName = errors.New("record has neither name nor fully qualified name")

// recordBody is the canonical body of an entity
func recordBody(r types.EntityRecord) map[string]any {
	owners := make([]any, 0, len(r.Owners))
	for _, o := range r.Owners {
		owners = append(owners, map[string]any{"id": o.ID, "type": o.Type, "name": o.Name})
	}
	tags := make([]any, 0, len(r.Tags))
	for _, t := range r.Tags {
		tags = append(tags, t)
	}

	body := map[string]any{
		"id":                 r.ID,
		"entityType":         r.EntityType,
		"name":               r.Name,
		"fullyQualifiedName": r.FullyQualifiedName,
		"description":        r.Description,
		"owners":             owners,
		"tags":               tags,
		"service":            r.Service,
		"serviceType":        r.ServiceType,
		"database":           r.Database,
		"schema":             r.Schema,
		"version":            r.Version,
		"deleted":            r.Deleted,
		"updatedAt":          r.UpdatedAt,
	}
	if len(r.Fields) > 0 {
		body["fields"] = r.Fields
	}
	return body
}

// recordText is the full-text content of an entity
func recordText(r types.EntityRecord) string {
	parts := []string{r.Name, r.FullyQualifiedName, r.Description}
	parts = append(parts, r.Tags...)
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}

// ReindexDocuments maps every record to one search document keyed by the
// entity id. Records without any name cannot be searched and fail.
func ReindexDocuments() Processor[[]types.EntityRecord, []search.Document] {
	return Func[[]types.EntityRecord, []search.Document](func(ctx context.Context, records []types.EntityRecord, rc *RunContext) ([]search.Document, error) {
		shaper := rc.Shaper()
		fails := newFailures("reindex")
		docs := make([]search.Document, 0, len(records))

		for _, r := range records {
			if r.Name == "" && r.FullyQualifiedName == "" {
				fails.add(r.ID, errMissingName)
				continue
			}
			docs = append(docs, search.Document{
				ID:        r.ID,
				SourceID:  r.ID,
				Timestamp: r.UpdatedAt,
				Body:      shaper.Shape(recordBody(r), recordText(r)),
			})
		}
		return docs, fails.result(len(records))
	})
}
