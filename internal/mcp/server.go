package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/insights-pipeline/internal/driver"
	"github.com/dshills/insights-pipeline/internal/search"
	"github.com/dshills/insights-pipeline/internal/storage"
)

const (
	// ServerName is the MCP server name
	ServerName = "insights-pipeline"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Options configures a Server
type Options struct {
	// Jobs are named run configurations; run_pipeline uses them as defaults
	Jobs   map[string]driver.Config
	Logger *slog.Logger
}

// Server wraps the MCP server with the pipeline dependencies
type Server struct {
	mcp     *server.MCPServer
	driver  *driver.Driver
	runs    storage.RunStore
	backend search.Backend
	jobs    map[string]driver.Config
	logger  *slog.Logger

	// base outlives tool calls; background runs are bound to it
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new MCP server instance
func NewServer(d *driver.Driver, runs storage.RunStore, backend search.Backend, opts Options) (*Server, error) {
	if d == nil || runs == nil {
		return nil, errors.New("driver and run store are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		mcp:     server.NewMCPServer(ServerName, ServerVersion),
		driver:  d,
		runs:    runs,
		backend: backend,
		jobs:    opts.Jobs,
		logger:  opts.Logger,
		base:    base,
		cancel:  cancel,
	}
	s.registerTools()
	return s, nil
}

// Serve starts the MCP server on stdio and blocks until the client
// disconnects. Background runs are stopped and awaited before returning.
func (s *Server) Serve(ctx context.Context) error {
	defer s.Shutdown()
	return server.ServeStdio(s.mcp)
}

// Shutdown stops background runs and waits for their records to be saved
func (s *Server) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(runPipelineTool(), s.handleRunPipeline)
	s.mcp.AddTool(getRunStatusTool(), s.handleGetRunStatus)
	s.mcp.AddTool(stopRunTool(), s.handleStopRun)
	s.mcp.AddTool(listRunsTool(), s.handleListRuns)

	if _, ok := s.backend.(search.Searcher); ok {
		s.mcp.AddTool(searchIndexTool(), s.handleSearchIndex)
	}
}
