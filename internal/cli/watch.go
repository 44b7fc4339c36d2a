package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/dshills/insights-pipeline/internal/notify"
	"github.com/dshills/insights-pipeline/pkg/types"
)

var (
	watchAddr   string
	watchFollow bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [job-id]",
	Short: "Follow live progress of running jobs",
	Long: `Connect to the progress hub of a running pipeline and print updates.
Without a job id every job is shown. The command returns once the watched
job finishes unless --follow is set.

The hub address defaults to progress_addr from the config.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchAddr, "addr", "", "progress hub address (host:port)")
	watchCmd.Flags().BoolVarP(&watchFollow, "follow", "f", false, "keep watching after the run finishes")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := watchAddr
	if addr == "" {
		addr = cfg.ProgressAddr
	}
	if addr == "" {
		return errors.New("no progress address; set --addr or progress_addr")
	}
	jobID := ""
	if len(args) == 1 {
		jobID = args[0]
	}

	u := progressURL(addr, jobID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", u, err)
	}
	defer func() { _ = conn.Close() }()

	// unblock ReadJSON on interrupt
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	return watchUpdates(conn, cmd.OutOrStdout(), jobID != "" && !watchFollow)
}

// progressURL builds the hub URL; a bare ":port" means localhost
func progressURL(addr, jobID string) string {
	host := addr
	if h, p, err := net.SplitHostPort(addr); err == nil && h == "" {
		host = net.JoinHostPort("localhost", p)
	}
	u := url.URL{Scheme: "ws", Host: host, Path: ProgressPath}
	if jobID != "" {
		u.RawQuery = url.Values{"job": {jobID}}.Encode()
	}
	return u.String()
}

type updateReader interface {
	ReadJSON(v interface{}) error
}

// watchUpdates prints updates until the connection closes, or until the
// first run_finished when untilFinished is set
func watchUpdates(conn updateReader, w io.Writer, untilFinished bool) error {
	for {
		var u notify.Update
		if err := conn.ReadJSON(&u); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read update: %w", err)
		}
		printUpdate(w, u)
		if untilFinished && u.Event == notify.EventRunFinished {
			return nil
		}
	}
}

func printUpdate(w io.Writer, u notify.Update) {
	job := u.Stats.Job
	status := defaultTheme.statusStyle(u.Status).Render(string(u.Status))
	line := fmt.Sprintf("%s  %-16s %s %s  %d/%d processed, %d failed",
		u.Time.Format("15:04:05"), u.JobID, status, u.Workflow, job.Processed(), job.Total, job.Failed)
	if u.Step != "" {
		line += "  [" + u.Step + "]"
	}
	fmt.Fprintln(w, line)

	if u.Event != notify.EventRunFinished {
		return
	}
	if u.Failure != nil {
		fmt.Fprintf(w, "  failure in %s: %s\n", u.Failure.Step, u.Failure.Message)
	}
	for _, warning := range u.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", strings.TrimSpace(warning))
	}
	if u.Status == types.RunStatusStopped {
		fmt.Fprintln(w, defaultTheme.hintStyle().Render("  resume with: pipeline run "+u.JobID+" --resume"))
	}
}
