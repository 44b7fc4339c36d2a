package search

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Dialect selects the search backend implementation
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectSurreal
)

func (d Dialect) String() string {
	switch d {
	case DialectSQLite:
		return "sqlite"
	case DialectSurreal:
		return "surrealdb"
	default:
		return fmt.Sprintf("dialect(%d)", int(d))
	}
}

// ParseDialect maps a configuration value to a Dialect
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite":
		return DialectSQLite, nil
	case "surreal", "surrealdb":
		return DialectSurreal, nil
	default:
		return 0, fmt.Errorf("unknown search dialect %q", s)
	}
}

// Document is one shaped search document
type Document struct {
	ID        string
	Index     string // overrides the run's index when set
	SourceID  string // entity the document was built from
	Timestamp time.Time
	Body      map[string]any
}

// Origin is the id of the entity the document was built from, or the
// document id when none was recorded
func (d Document) Origin() string {
	if d.SourceID != "" {
		return d.SourceID
	}
	return d.ID
}

// Rejection is a document the backend refused
type Rejection struct {
	ID       string
	SourceID string
	Reason   string
}

// BulkResult reports per-document outcomes of a bulk write
type BulkResult struct {
	Accepted int
	Rejected []Rejection
}

// Backend is a search/analytics destination. Methods return an error only
// when the request as a whole failed; individual document rejections are
// reported in BulkResult.
type Backend interface {
	Dialect() Dialect
	IndexExists(ctx context.Context, name string) (bool, error)
	CreateIndex(ctx context.Context, name string) error
	DeleteIndex(ctx context.Context, name string) error
	BulkWrite(ctx context.Context, name string, docs []Document) (*BulkResult, error)
	DeleteByTimeRange(ctx context.Context, name string, start, end time.Time) (int, error)
	Count(ctx context.Context, name string) (int, error)
	Close() error
}

// Hit is one full-text search result
type Hit struct {
	ID    string
	Score float64
	Body  map[string]any
}

// Searcher is implemented by backends that can answer full-text queries
type Searcher interface {
	Search(ctx context.Context, name, query string, limit int) ([]Hit, error)
}

var indexNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateIndexName rejects names that are not plain identifiers
func ValidateIndexName(name string) error {
	if !indexNamePattern.MatchString(name) {
		return fmt.Errorf("invalid index name %q", name)
	}
	return nil
}
