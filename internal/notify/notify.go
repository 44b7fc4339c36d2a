package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/dshills/insights-pipeline/pkg/types"
)

// Event classifies an update
type Event string

const (
	EventRunStarted  Event = "run_started"
	EventProgress    Event = "progress"
	EventRunFinished Event = "run_finished"
)

// Update is one run status change pushed to subscribers
type Update struct {
	Event    Event                 `json:"event"`
	RunID    string                `json:"runId"`
	JobID    string                `json:"jobId"`
	Workflow types.Workflow        `json:"workflow"`
	Status   types.RunStatus       `json:"status"`
	Step     string                `json:"step,omitempty"`
	Stats    types.JobStats        `json:"stats"`
	Warnings []string              `json:"warnings,omitempty"`
	Failure  *types.FailureContext `json:"failure,omitempty"`
	Time     time.Time             `json:"time"`
}

// FromRecord builds an update from the current state of a run
func FromRecord(event Event, rec *types.RunRecord, step string) Update {
	return Update{
		Event:    event,
		RunID:    rec.RunID,
		JobID:    rec.JobID,
		Workflow: rec.Workflow,
		Status:   rec.Status,
		Step:     step,
		Stats:    rec.Stats.Clone(),
		Warnings: append([]string(nil), rec.Warnings...),
		Failure:  rec.Failure,
		Time:     rec.UpdatedAt,
	}
}

// Notifier publishes run updates. Broadcast is fire-and-forget: it must not
// block the pipeline and has no error to report.
type Notifier interface {
	Broadcast(ctx context.Context, u Update)
}

// Discard drops every update
type Discard struct{}

func (Discard) Broadcast(context.Context, Update) {}

// LogNotifier writes updates to a logger. Progress goes to debug level.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier logging to logger (nil means slog.Default)
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Broadcast(ctx context.Context, u Update) {
	level := slog.LevelInfo
	switch {
	case u.Event == EventProgress:
		level = slog.LevelDebug
	case u.Status == types.RunStatusFailed:
		level = slog.LevelWarn
	}
	n.logger.Log(ctx, level, "run "+string(u.Event),
		"job_id", u.JobID,
		"run_id", u.RunID,
		"workflow", u.Workflow,
		"status", u.Status,
		"step", u.Step,
		"stats", u.Stats.Job,
	)
}

// Multi fans an update out to several notifiers
type Multi []Notifier

func (m Multi) Broadcast(ctx context.Context, u Update) {
	for _, n := range m {
		if n != nil {
			n.Broadcast(ctx, u)
		}
	}
}
