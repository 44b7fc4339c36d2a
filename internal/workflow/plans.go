package workflow

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/dshills/insights-pipeline/internal/processor"
	"github.com/dshills/insights-pipeline/internal/search"
	"github.com/dshills/insights-pipeline/internal/sink"
	"github.com/dshills/insights-pipeline/internal/storage"
	"github.com/dshills/insights-pipeline/pkg/types"
)

// Destination indexes of the data insight workflows
const (
	DataAssetsIndex        = "di_data_assets"
	RawCostIndex           = "di_raw_cost_analysis"
	AggregatedCostIndex    = "di_aggregated_cost_analysis"
	TestCaseResultsIndex   = "di_test_case_results"
	WebAnalyticEventsIndex = "di_web_analytic_events"
)

// Entity types read by the analytics workflows
const (
	TestCaseResultType     = "testCaseResult"
	WebAnalyticEventType   = "webAnalyticEvent"
	CostAnalysisEntityType = "table"
)

const searchIndexSuffix = "_search_index"

// DefaultEntityTypes are reindexed when a job names none
var DefaultEntityTypes = []string{
	"chart", "container", "dashboard", "database", "databaseSchema",
	"glossaryTerm", "mlmodel", "pipeline", "table", "tag", "team",
	"topic", "user",
}

// DefaultDataAssetTypes are snapshotted by the data assets workflow
var DefaultDataAssetTypes = []string{
	"container", "dashboard", "mlmodel", "pipeline", "table", "topic",
}

// DefaultCostServiceTypes are the warehouses with usage data
var DefaultCostServiceTypes = []string{"BigQuery", "Redshift", "Snowflake"}

// StepSpec describes one Source -> Processor -> Sink triad
type StepSpec struct {
	Name           string
	EntityType     string
	Filter         types.Filter
	Processor      processor.Processor[[]types.EntityRecord, []search.Document]
	Index          string
	AggregateIndex string
	Resets         []sink.ResetAction
	Finalizer      processor.Finalizer
	StartCursor    string
}

// Plan is the ordered list of steps of one workflow run
type Plan struct {
	Workflow   types.Workflow
	Window     types.BackfillWindow
	Now        time.Time
	CostRollup *processor.CostRollup
	Steps      []StepSpec

	// Resumable plans can continue from the cursors of an interrupted run.
	// Plans that clear a time range on start always begin from scratch.
	Resumable bool
}

// PlanConfig selects and parameterizes a plan
type PlanConfig struct {
	Workflow         types.Workflow
	EntityTypes      []string
	RecreateIndex    bool
	Resuming         bool
	IndexPrefix      string
	Window           types.BackfillWindow // already clamped; zero means today
	Now              time.Time
	CostServiceTypes []string
	TeamCacheSize    int

	// StartCursor starts the first step after this cursor. Indexes that
	// step writes to are ensured rather than recreated, so the records
	// before the cursor stay searchable.
	StartCursor string
}

// Resumable reports whether runs of wf can continue from the cursors of
// an interrupted run
func Resumable(wf types.Workflow) bool {
	return wf == types.WorkflowReindex
}

// ReindexIndexName is the search index of one entity type
func ReindexIndexName(prefix, entityType string) string {
	return prefix + entityType + searchIndexSuffix
}

// BuildPlan returns the plan of cfg.Workflow. Steps are ordered by entity type.
func BuildPlan(store storage.EntityStore, cfg PlanConfig) (Plan, error) {
	if cfg.Now.IsZero() {
		cfg.Now = time.Now().UTC()
	}
	if cfg.Window.IsZero() {
		cfg.Window = types.DayWindow(cfg.Now)
	}

	plan := Plan{Workflow: cfg.Workflow, Window: cfg.Window, Now: cfg.Now}
	var err error
	switch cfg.Workflow {
	case types.WorkflowReindex:
		plan.Steps = reindexSteps(cfg)
	case types.WorkflowDataAssets:
		plan.Steps, err = dataAssetSteps(store, cfg)
	case types.WorkflowCostAnalysis:
		plan.CostRollup = processor.NewCostRollup(cfg.Now)
		plan.Steps = costAnalysisSteps(cfg, plan.CostRollup)
	case types.WorkflowDataQuality:
		plan.Steps = timeSeriesSteps(cfg, TestCaseResultType, TestCaseResultsIndex)
	case types.WorkflowWebAnalytics:
		plan.Steps = timeSeriesSteps(cfg, WebAnalyticEventType, WebAnalyticEventsIndex)
	default:
		return Plan{}, fmt.Errorf("%w: %q", types.ErrUnknownWorkflow, cfg.Workflow)
	}
	if err != nil {
		return Plan{}, err
	}
	plan.Resumable = Resumable(cfg.Workflow)
	if cfg.StartCursor != "" && len(plan.Steps) > 0 {
		plan.Steps[0].StartCursor = cfg.StartCursor
		keepIndexes(plan.Steps, plan.Steps[0].Index, plan.Steps[0].AggregateIndex)
	}

	for _, s := range plan.Steps {
		for _, index := range []string{s.Index, s.AggregateIndex} {
			if index == "" {
				continue
			}
			if err := search.ValidateIndexName(index); err != nil {
				return Plan{}, fmt.Errorf("step %s: %w", s.Name, err)
			}
		}
	}
	return plan, nil
}

// keepIndexes turns every recreate of the named indexes into an ensure.
// Steps may share an index, so all of them are rewritten.
func keepIndexes(steps []StepSpec, indexes ...string) {
	for i := range steps {
		resets := slices.Clone(steps[i].Resets)
		for j, r := range resets {
			if r.Kind == sink.ResetRecreate && slices.Contains(indexes, r.Index) {
				resets[j] = sink.Ensure(r.Index)
			}
		}
		steps[i].Resets = resets
	}
}

func sortedTypes(requested, defaults []string) []string {
	src := requested
	if len(src) == 0 {
		src = defaults
	}
	seen := make(map[string]bool, len(src))
	out := make([]string, 0, len(src))
	for _, t := range src {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func reindexSteps(cfg PlanConfig) []StepSpec {
	entityTypes := sortedTypes(cfg.EntityTypes, DefaultEntityTypes)
	steps := make([]StepSpec, 0, len(entityTypes))
	for _, et := range entityTypes {
		index := ReindexIndexName(cfg.IndexPrefix, et)
		reset := sink.Ensure(index)
		if cfg.RecreateIndex && !cfg.Resuming {
			reset = sink.Recreate(index)
		}
		steps = append(steps, StepSpec{
			Name:       et,
			EntityType: et,
			Processor:  processor.ReindexDocuments(),
			Index:      index,
			Resets:     []sink.ResetAction{reset},
		})
	}
	return steps
}

func dataAssetSteps(store storage.EntityStore, cfg PlanConfig) ([]StepSpec, error) {
	enricher, err := processor.NewEnricher(store, cfg.TeamCacheSize)
	if err != nil {
		return nil, err
	}
	chain := processor.Chain(
		processor.Chain(processor.ExplodeDailySnapshots(store), processor.Processor[[]processor.Snapshot, []processor.Snapshot](enricher)),
		processor.SnapshotDocuments(),
	)

	reset := sink.WindowRange(DataAssetsIndex, cfg.Window)
	if cfg.RecreateIndex {
		reset = sink.Recreate(DataAssetsIndex)
	}

	entityTypes := sortedTypes(cfg.EntityTypes, DefaultDataAssetTypes)
	steps := make([]StepSpec, 0, len(entityTypes))
	for _, et := range entityTypes {
		// Deleted entities still contribute the days before their deletion
		steps = append(steps, StepSpec{
			Name:       et,
			EntityType: et,
			Filter:     types.Filter{IncludeDeleted: true},
			Processor:  chain,
			Index:      DataAssetsIndex,
			Resets:     []sink.ResetAction{reset},
		})
	}
	return steps, nil
}

func costAnalysisSteps(cfg PlanConfig, rollup *processor.CostRollup) []StepSpec {
	serviceTypes := cfg.CostServiceTypes
	if len(serviceTypes) == 0 {
		serviceTypes = DefaultCostServiceTypes
	}
	today := types.DayWindow(cfg.Now)
	return []StepSpec{{
		Name:           CostAnalysisEntityType,
		EntityType:     CostAnalysisEntityType,
		Filter:         types.Filter{ServiceTypes: serviceTypes},
		Processor:      processor.Chain(processor.CostFacts(), processor.AccumulateCost()),
		Index:          RawCostIndex,
		AggregateIndex: AggregatedCostIndex,
		Resets: []sink.ResetAction{
			sink.WindowRange(RawCostIndex, today),
			sink.WindowRange(AggregatedCostIndex, today),
		},
		Finalizer: rollup.Finalize,
	}}
}

func timeSeriesSteps(cfg PlanConfig, entityType, index string) []StepSpec {
	window := cfg.Window
	reset := sink.WindowRange(index, window)
	if cfg.RecreateIndex {
		reset = sink.Recreate(index)
	}
	return []StepSpec{{
		Name:       entityType,
		EntityType: entityType,
		Filter:     types.Filter{Window: &window},
		Processor:  processor.TimeSeriesDocuments(),
		Index:      index,
		Resets:     []sink.ResetAction{reset},
	}}
}
