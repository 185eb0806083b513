package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	units "github.com/docker/go-units"
	"github.com/riftops/pipeloor/pkg/config"
	"github.com/riftops/pipeloor/pkg/pipeline"
	"github.com/riftops/pipeloor/pkg/tracker"
	"github.com/riftops/pipeloor/pkg/tracker/indexstore"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	runsOutput string
	runsStatus string
	runsLimit  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded pipeline runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the full record of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)

	runsListCmd.Flags().StringVar(&runsStatus, "status", "",
		"Filter by run status (succeeded, failed, running)")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 50, "Maximum runs to list")
	runsShowCmd.Flags().StringVarP(&runsOutput, "output", "o", "json",
		"Output format (json, yaml)")
}

func runRunsList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()

	if cfg.Tracker.Index.Enabled {
		return listFromIndex(ctx, cfg)
	}

	return listFromTracker(ctx, cfg)
}

func listFromIndex(ctx context.Context, cfg *config.Config) error {
	index := indexstore.NewStore(log, &cfg.Tracker.Index)
	if err := index.Start(ctx); err != nil {
		return fmt.Errorf("starting run index: %w", err)
	}

	defer func() {
		if err := index.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop run index")
		}
	}()

	var (
		rows []indexstore.Run
		err  error
	)

	if runsStatus != "" {
		rows, err = index.ListRunsByStatus(ctx, runsStatus)
	} else {
		rows, err = index.ListRuns(ctx, runsLimit, 0)
	}

	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	printRunsHeader()

	for _, row := range rows {
		duration := "-"
		if row.DurationSeconds > 0 {
			duration = units.HumanDuration(
				time.Duration(row.DurationSeconds * float64(time.Second)))
		}

		printRunsRow(row.RunID, row.Status, row.Branch, row.Iterations,
			time.Unix(row.Timestamp, 0), duration)
	}

	return nil
}

func listFromTracker(ctx context.Context, cfg *config.Config) error {
	tr := tracker.NewTracker(log, cfg.Tracker.Dir)
	if err := tr.Start(ctx); err != nil {
		return fmt.Errorf("starting tracker: %w", err)
	}

	defer func() {
		if err := tr.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop tracker")
		}
	}()

	ids, err := tr.ListRunIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	printRunsHeader()

	count := 0

	for _, id := range ids {
		if runsLimit > 0 && count >= runsLimit {
			break
		}

		run, err := tr.LoadRun(ctx, id)
		if err != nil {
			log.WithError(err).WithField("run_id", id).Warn("Failed to load run")

			continue
		}

		if runsStatus != "" && string(run.Status) != runsStatus {
			continue
		}

		duration := "-"
		if d := run.Duration(); d > 0 {
			duration = units.HumanDuration(d)
		}

		printRunsRow(run.ID, string(run.Status), run.Branch,
			len(run.Iterations), run.StartedAt, duration)

		count++
	}

	return nil
}

func printRunsHeader() {
	fmt.Printf("%-26s %-10s %-32s %-6s %-20s %s\n",
		"RUN ID", "STATUS", "BRANCH", "ITERS", "STARTED", "DURATION")
}

func printRunsRow(
	id, status, branch string,
	iterations int,
	started time.Time,
	duration string,
) {
	if branch == "" {
		branch = "-"
	}

	fmt.Printf("%-26s %-10s %-32s %-6d %-20s %s\n",
		id, status, branch, iterations,
		started.Format("2006-01-02 15:04:05"), duration)
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()

	tr := tracker.NewTracker(log, cfg.Tracker.Dir)
	if err := tr.Start(ctx); err != nil {
		return fmt.Errorf("starting tracker: %w", err)
	}

	defer func() {
		if err := tr.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop tracker")
		}
	}()

	run, err := tr.LoadRun(ctx, args[0])
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}

	return printRun(run)
}

func printRun(run *pipeline.Run) error {
	switch runsOutput {
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)

		if err := enc.Encode(run); err != nil {
			return fmt.Errorf("encoding run: %w", err)
		}

		return enc.Close()
	case "json":
		out, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding run: %w", err)
		}

		fmt.Println(string(out))

		return nil
	default:
		return fmt.Errorf("unknown output format %q", runsOutput)
	}
}
