package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/dshills/insights-pipeline/internal/stats"
	"github.com/dshills/insights-pipeline/pkg/types"
)

// Theme holds the color scheme for run output.
type Theme struct {
	Running lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Stopped lipgloss.Color
	Hint    lipgloss.Color
}

var defaultTheme = Theme{
	Running: lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Stopped: lipgloss.Color("#FFAF00"), // amber
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle(s types.RunStatus) lipgloss.Style {
	style := lipgloss.NewStyle().Bold(true)
	switch s {
	case types.RunStatusCompleted:
		return style.Foreground(t.Success)
	case types.RunStatusFailed:
		return style.Foreground(t.Error)
	case types.RunStatusStopped:
		return style.Foreground(t.Stopped)
	default:
		return style.Foreground(t.Running)
	}
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// printRecord writes a human-readable summary of a run
func printRecord(w io.Writer, rec *types.RunRecord) {
	fmt.Fprintf(w, "Run: %s\n", rec.RunID)
	fmt.Fprintf(w, "  Job: %s\n", rec.JobID)
	fmt.Fprintf(w, "  Workflow: %s\n", rec.Workflow)
	fmt.Fprintf(w, "  Status: %s\n", defaultTheme.statusStyle(rec.Status).Render(string(rec.Status)))
	fmt.Fprintf(w, "  Started: %s\n", rec.StartedAt.Format(time.RFC3339))
	if rec.EndedAt != nil {
		fmt.Fprintf(w, "  Ended: %s\n", rec.EndedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "  Duration: %s\n", rec.Duration().Round(time.Millisecond))

	job := rec.Stats.Job
	fmt.Fprintf(w, "\n%-28s %8s %8s %8s\n", "STEP", "TOTAL", "SUCCESS", "FAILED")
	for _, name := range rec.Stats.StepNames() {
		s := rec.Stats.Steps[name]
		fmt.Fprintf(w, "%-28s %8d %8d %8d\n", name, s.Total, s.Success, s.Failed)
	}
	fmt.Fprintf(w, "%-28s %8d %8d %8d\n", types.JobStepName, job.Total, job.Success, job.Failed)

	if rec.Failure != nil {
		fmt.Fprintf(w, "\nFailure in %s: %s\n", rec.Failure.Step, rec.Failure.Message)
	}
	for _, warning := range rec.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warning)
	}
	if len(rec.Cursors) > 0 && rec.Status != types.RunStatusCompleted {
		fmt.Fprintln(w, defaultTheme.hintStyle().Render("Resume with: pipeline run "+rec.JobID+" --resume"))
	}
}

// printRunTable writes one line per run
func printRunTable(w io.Writer, records []*types.RunRecord) {
	fmt.Fprintf(w, "%-36s %-16s %-14s %-10s %-12s %s\n", "RUN", "JOB", "WORKFLOW", "STATUS", "PROGRESS", "STARTED")
	fmt.Fprintln(w, "----------------------------------------------------------------------------------------------------------")
	for _, rec := range records {
		job := rec.Stats.Job
		progress := fmt.Sprintf("%d/%d", job.Processed(), job.Total)
		// pad before styling; escape codes would break the column width
		status := defaultTheme.statusStyle(rec.Status).Render(fmt.Sprintf("%-10s", rec.Status))
		fmt.Fprintf(w, "%-36s %-16s %-14s %s %-12s %s\n",
			rec.RunID, rec.JobID, rec.Workflow, status, progress, rec.StartedAt.Format("2006-01-02 15:04:05"))
	}
}

// printCombined writes the totals of several runs merged step by step
func printCombined(w io.Writer, records []*types.RunRecord) {
	runs := make([]types.JobStats, 0, len(records))
	for _, rec := range records {
		if rec != nil {
			runs = append(runs, rec.Stats)
		}
	}
	merged := stats.Merge(runs...)

	fmt.Fprintf(w, "Combined (%d runs)\n", len(runs))
	fmt.Fprintf(w, "%-28s %8s %8s %8s\n", "STEP", "TOTAL", "SUCCESS", "FAILED")
	for _, name := range merged.StepNames() {
		s := merged.Steps[name]
		fmt.Fprintf(w, "%-28s %8d %8d %8d\n", name, s.Total, s.Success, s.Failed)
	}
	job := merged.Job
	fmt.Fprintf(w, "%-28s %8d %8d %8d\n", types.JobStepName, job.Total, job.Success, job.Failed)
	fmt.Fprintf(w, "Success rate: %.2f%%\n", merged.SuccessRate()*100)
}
