package search

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dshills/insights-pipeline/pkg/types"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

func init() {
	// WebSocket upgrade needs HTTP/1.1; stop wss:// from negotiating HTTP/2
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// SurrealConfig holds SurrealDB connection configuration
type SurrealConfig struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string // "root" or "database"
}

// SurrealBackend stores each index as a SurrealDB table. Documents are
// records keyed by document id with the shaped body under "body".
type SurrealBackend struct {
	conn   *rews.Connection[*gorillaws.Connection]
	db     *surrealdb.DB
	logger *slog.Logger
}

// NewSurrealBackend connects with an auto-reconnecting WebSocket, signs in
// and selects the namespace and database.
func NewSurrealBackend(ctx context.Context, cfg SurrealConfig, log *slog.Logger) (*SurrealBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	sdkLogger := logger.New(log.Handler())
	codec := surrealcbor.New()

	// gorillaws appends /rpc itself
	baseURL := strings.TrimSuffix(cfg.URL, "/rpc")

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			}), nil
		},
		5*time.Second,
		codec,
		sdkLogger,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = 1 * time.Second
	retryer.MaxDelay = 30 * time.Second
	retryer.Multiplier = 2.0
	retryer.MaxRetries = 10
	conn.Retryer = retryer

	log.Info("connecting to SurrealDB", "url", cfg.URL)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("from connection: %w", err)
	}

	auth := surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}
	if cfg.AuthLevel == "database" {
		auth.Namespace = cfg.Namespace
		auth.Database = cfg.Database
	}
	if _, err := db.SignIn(ctx, auth); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("signin: %w", err)
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("use: %w", err)
	}

	return &SurrealBackend{conn: conn, db: db, logger: log}, nil
}

func (b *SurrealBackend) Dialect() Dialect { return DialectSurreal }

// Close closes the connection
func (b *SurrealBackend) Close() error {
	b.logger.Info("closing SurrealDB connection")
	return b.conn.Close(context.Background())
}

func (b *SurrealBackend) IndexExists(ctx context.Context, name string) (bool, error) {
	results, err := surrealdb.Query[map[string]any](ctx, b.db, "INFO FOR DB", nil)
	if err != nil {
		return false, fmt.Errorf("info for db: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return false, nil
	}
	tables, _ := (*results)[0].Result["tables"].(map[string]any)
	_, ok := tables[name]
	return ok, nil
}

func (b *SurrealBackend) CreateIndex(ctx context.Context, name string) error {
	if err := ValidateIndexName(name); err != nil {
		return err
	}
	sql := fmt.Sprintf(`
		DEFINE TABLE IF NOT EXISTS %[1]s SCHEMALESS;
		DEFINE INDEX IF NOT EXISTS %[1]s_ts ON %[1]s FIELDS ts;
	`, name)
	if _, err := surrealdb.Query[any](ctx, b.db, sql, nil); err != nil {
		return fmt.Errorf("create index %s: %w", name, err)
	}
	return nil
}

func (b *SurrealBackend) DeleteIndex(ctx context.Context, name string) error {
	if err := ValidateIndexName(name); err != nil {
		return err
	}
	if _, err := surrealdb.Query[any](ctx, b.db, fmt.Sprintf("REMOVE TABLE IF EXISTS %s", name), nil); err != nil {
		return fmt.Errorf("delete index %s: %w", name, err)
	}
	return nil
}

const upsertStatement = `UPSERT type::record($tb, $id_%[1]d) SET body = $body_%[1]d, source_id = $source_%[1]d, ` +
	"ts = IF $ts_%[1]d THEN type::datetime($ts_%[1]d) ELSE NONE END RETURN NONE;\n"

// upsertBatch builds one UPSERT statement per document with an id. The
// statements of sent are numbered in order.
func upsertBatch(name string, docs []Document) (sql string, vars map[string]any, sent []Document, rejected []Rejection) {
	var sb strings.Builder
	vars = map[string]any{"tb": name}
	sent = make([]Document, 0, len(docs))
	for _, doc := range docs {
		if doc.ID == "" {
			rejected = append(rejected, Rejection{ID: doc.ID, SourceID: doc.SourceID, Reason: "missing document id"})
			continue
		}
		i := len(sent)
		var ts string
		if !doc.Timestamp.IsZero() {
			ts = doc.Timestamp.UTC().Format(time.RFC3339Nano)
		}
		fmt.Fprintf(&sb, upsertStatement, i)
		vars[fmt.Sprintf("id_%d", i)] = doc.ID
		vars[fmt.Sprintf("body_%d", i)] = doc.Body
		vars[fmt.Sprintf("source_%d", i)] = doc.SourceID
		vars[fmt.Sprintf("ts_%d", i)] = ts
		sent = append(sent, doc)
	}
	return sb.String(), vars, sent, rejected
}

// BulkWrite upserts the documents in one query. Statements run outside a
// transaction, so a statement the database refuses rejects its document
// only; a failed request fails the whole write.
func (b *SurrealBackend) BulkWrite(ctx context.Context, name string, docs []Document) (*BulkResult, error) {
	if err := ValidateIndexName(name); err != nil {
		return nil, err
	}

	sql, vars, sent, rejected := upsertBatch(name, docs)
	result := &BulkResult{Rejected: rejected}
	if len(sent) == 0 {
		return result, nil
	}

	results, err := surrealdb.Query[any](ctx, b.db, sql, vars)
	if results == nil {
		if err == nil {
			err = errors.New("empty response")
		}
		return nil, fmt.Errorf("bulk upsert into %s: %w", name, err)
	}
	if len(*results) != len(sent) {
		return nil, fmt.Errorf("bulk upsert into %s: %d results for %d documents", name, len(*results), len(sent))
	}
	for i, r := range *results {
		if r.Error != nil {
			result.Rejected = append(result.Rejected, Rejection{ID: sent[i].ID, SourceID: sent[i].SourceID, Reason: r.Error.Message})
			continue
		}
		result.Accepted++
	}
	return result, nil
}

func (b *SurrealBackend) DeleteByTimeRange(ctx context.Context, name string, start, end time.Time) (int, error) {
	sql := `
		DELETE type::table($tb)
		WHERE ts >= type::datetime($start) AND ts < type::datetime($end)
		RETURN BEFORE
	`
	results, err := surrealdb.Query[[]map[string]any](ctx, b.db, sql, map[string]any{
		"tb":    name,
		"start": start.UTC().Format(time.RFC3339Nano),
		"end":   end.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return 0, fmt.Errorf("delete range of %s: %w", name, err)
	}
	if results == nil || len(*results) == 0 {
		return 0, nil
	}
	return len((*results)[0].Result), nil
}

type countRow struct {
	C int `json:"c"`
}

func (b *SurrealBackend) Count(ctx context.Context, name string) (int, error) {
	exists, err := b.IndexExists(ctx, name)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s", types.ErrIndexNotFound, name)
	}
	results, err := surrealdb.Query[[]countRow](ctx, b.db,
		"SELECT count() AS c FROM type::table($tb) GROUP ALL", map[string]any{"tb": name})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", name, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, nil
	}
	return (*results)[0].Result[0].C, nil
}
