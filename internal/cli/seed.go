package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/insights-pipeline/internal/storage"
	"github.com/dshills/insights-pipeline/pkg/types"
)

// maxSeedLine bounds one JSON line of seed input
const maxSeedLine = 4 * 1024 * 1024

var seedHistory bool

var seedCmd = &cobra.Command{
	Use:   "seed [file]",
	Short: "Load entity records into the catalog",
	Long: `Read entity records as JSON lines from a file, or stdin when no file
is given, and upsert them into the catalog. Every upsert is also recorded
as a version. With --history lines are recorded as past versions only and
the current state is left alone; the analytics workflows replay those
inside their backfill window.

Example line:
  {"id":"t1","entityType":"table","name":"orders","updatedAt":"2024-06-01T00:00:00Z"}`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().BoolVar(&seedHistory, "history", false, "record lines as past versions only")
}

func runSeed(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	store, err := storage.NewSQLiteStorage(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer func() { _ = store.Close() }()

	n, err := seedRecords(cmd.Context(), store, in, seedHistory)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d records into %s\n", n, cfg.DBPath)
	return nil
}

// seedRecords upserts every JSON line of r, or only adds it as a version
// when history is set. Blank lines are skipped.
func seedRecords(ctx context.Context, w storage.EntityWriter, r io.Reader, history bool) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSeedLine)

	n, line := 0, 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var rec types.EntityRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		write := w.UpsertEntity
		if history {
			write = w.AddVersion
		}
		if err := write(ctx, rec); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("read input: %w", err)
	}
	return n, nil
}
