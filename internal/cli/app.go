package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dshills/insights-pipeline/internal/config"
	"github.com/dshills/insights-pipeline/internal/driver"
	"github.com/dshills/insights-pipeline/internal/notify"
	"github.com/dshills/insights-pipeline/internal/search"
	"github.com/dshills/insights-pipeline/internal/sink"
	"github.com/dshills/insights-pipeline/internal/storage"
	"github.com/dshills/insights-pipeline/pkg/types"
)

// ProgressPath is where the progress hub is served
const ProgressPath = "/progress"

// app holds the wired pipeline of one command invocation
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *storage.SQLiteStorage
	backend search.Backend
	driver  *driver.Driver
	hub     *notify.Hub
}

// openApp opens the catalog and the search backend and wires the driver.
// The progress hub is created only when a progress address is configured.
func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	store, err := storage.NewSQLiteStorage(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	dialect, err := search.ParseDialect(cfg.SearchDialect)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var backend search.Backend
	switch dialect {
	case search.DialectSurreal:
		backend, err = search.NewSurrealBackend(ctx, cfg.SurrealConfig(), logger)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect to search backend: %w", err)
		}
	default:
		backend = search.NewSQLiteBackend(store.DB())
	}

	a := &app{cfg: cfg, logger: logger, store: store, backend: backend}

	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.ProgressAddr != "" {
		a.hub = notify.NewHub(logger)
		notifiers = append(notifiers, a.hub)
	}

	snk := sink.New(backend, sink.Options{
		MaxBulkDocs:     cfg.MaxBulkDocs,
		WritesPerSecond: cfg.WritesPerSecond,
		Retry:           sink.DefaultRetryConfig(),
		Logger:          logger,
	})
	a.driver = driver.New(store, snk, dialect, driver.Options{
		RetentionDays:    cfg.RetentionDays,
		IndexPrefix:      cfg.IndexPrefix,
		CostServiceTypes: cfg.CostServiceTypes,
		TeamCacheSize:    cfg.TeamCacheSize,
		Logger:           logger,
		Notifier:         notifiers,
	})
	return a, nil
}

// serveProgress serves the hub until the returned function is called
func (a *app) serveProgress() (func(), error) {
	if a.hub == nil {
		return func() {}, nil
	}

	ln, err := net.Listen("tcp", a.cfg.ProgressAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", a.cfg.ProgressAddr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(ProgressPath, a.hub)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("progress server failed", "error", err)
		}
	}()
	a.logger.Info("progress hub listening", "addr", ln.Addr().String(), "path", ProgressPath)

	return func() {
		a.hub.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func (a *app) Close() error {
	var errs []error
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// driverConfig converts a configured job into a run configuration
func driverConfig(j config.JobConfig, defaultBatch int) (driver.Config, error) {
	dc := driver.Config{
		Workflow:      types.Workflow(j.Workflow),
		EntityTypes:   j.EntityTypes,
		BatchSize:     j.BatchSize,
		RecreateIndex: j.RecreateIndex,
		Resume:        j.Resume,
	}
	if dc.Workflow == "" {
		dc.Workflow = types.WorkflowReindex
	}
	if dc.BatchSize == 0 {
		dc.BatchSize = defaultBatch
	}
	w, err := j.Window()
	if err != nil {
		return dc, fmt.Errorf("job %s: %w", j.ID, err)
	}
	dc.BackfillWindow = w
	return dc, nil
}

// configuredJobs converts every configured job
func configuredJobs(c config.Config) (map[string]driver.Config, error) {
	jobs := make(map[string]driver.Config, len(c.Jobs))
	for _, j := range c.Jobs {
		dc, err := driverConfig(j, c.DefaultBatchSize)
		if err != nil {
			return nil, err
		}
		jobs[j.ID] = dc
	}
	return jobs, nil
}
