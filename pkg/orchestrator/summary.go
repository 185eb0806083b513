package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/riftops/pipeloor/pkg/pipeline"
	"github.com/sirupsen/logrus"
)

// report logs the per-iteration summary, writes the run summary files
// and uploads the results directory when configured.
func (o *orchestrator) report(ctx context.Context, run *pipeline.Run) {
	log := o.log.WithField("run_id", run.ID)

	for _, iter := range run.Iterations {
		fields := logrus.Fields{
			"iteration": iter.Index,
			"status":    iter.Status,
			"duration":  iter.Duration.Round(time.Millisecond).String(),
		}

		for _, st := range iter.Stages {
			fields["stage_"+string(st.Kind)] = string(st.Status)
		}

		log.WithFields(fields).Info("Iteration summary")
	}

	log.WithFields(logrus.Fields{
		"status":     run.Status,
		"iterations": len(run.Iterations),
		"duration":   units.HumanDuration(run.Duration()),
	}).Info("Pipeline run finished")

	dir, err := o.writeSummaryFiles(run)
	if err != nil {
		log.WithError(err).Warn("Failed to write run summary")

		return
	}

	if o.collab.Uploader != nil && o.cfg.Upload.S3 != nil && o.cfg.Upload.S3.UploadResults {
		if err := o.collab.Uploader.UploadDir(ctx, dir); err != nil {
			log.WithError(err).Warn("Failed to upload run results")
		}
	}
}

// writeSummaryFiles writes summary.json and summary.md into the run's
// results directory and returns that directory.
func (o *orchestrator) writeSummaryFiles(run *pipeline.Run) (string, error) {
	dir := filepath.Join(o.cfg.Pipeline.ResultsDir, run.ID)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating results dir: %w", err)
	}

	raw, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding run: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "summary.json"), raw, 0o644); err != nil {
		return "", fmt.Errorf("writing summary.json: %w", err)
	}

	md := renderMarkdownSummary(run)
	if err := os.WriteFile(filepath.Join(dir, "summary.md"), []byte(md), 0o644); err != nil {
		return "", fmt.Errorf("writing summary.md: %w", err)
	}

	return dir, nil
}

// renderMarkdownSummary builds the human-readable run report.
func renderMarkdownSummary(run *pipeline.Run) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Pipeline run %s\n\n", run.ID)
	fmt.Fprintf(&b, "- Status: **%s**\n", run.Status)

	if run.Branch != "" {
		fmt.Fprintf(&b, "- Branch: `%s`\n", run.Branch)
	}

	fmt.Fprintf(&b, "- Started: %s\n", run.StartedAt.Format(time.RFC3339))

	if !run.EndedAt.IsZero() {
		fmt.Fprintf(&b, "- Duration: %s\n", run.Duration().Round(time.Millisecond))
	}

	if env := run.Environment; env != nil {
		fmt.Fprintf(&b, "- Host: %s (%s, %d CPUs, %s RAM)\n",
			env.Hostname, env.Platform, env.CPUCount,
			units.BytesSize(float64(env.MemoryTotal)))
	}

	b.WriteString("\n## Iterations\n\n")
	b.WriteString("| # | Status | Build | Test | Deploy | Duration |\n")
	b.WriteString("|---|--------|-------|------|--------|----------|\n")

	for _, iter := range run.Iterations {
		stages := map[pipeline.StageKind]string{}

		for _, st := range iter.Stages {
			cell := string(st.Status)
			if st.TimedOut {
				cell += " (timeout)"
			}

			stages[st.Kind] = cell
		}

		fmt.Fprintf(&b, "| %d | %s | %s | %s | %s | %s |\n",
			iter.Index,
			iter.Status,
			stageCell(stages, pipeline.StageBuild),
			stageCell(stages, pipeline.StageTest),
			stageCell(stages, pipeline.StageDeploy),
			iter.Duration.Round(time.Millisecond),
		)
	}

	for _, iter := range run.Iterations {
		for _, st := range iter.Stages {
			if st.Error == "" {
				continue
			}

			fmt.Fprintf(&b, "\n### Iteration %d, %s stage\n\n```\n%s\n```\n",
				iter.Index, st.Kind, st.Error)
		}
	}

	return b.String()
}

func stageCell(stages map[pipeline.StageKind]string, kind pipeline.StageKind) string {
	if cell, ok := stages[kind]; ok {
		return cell
	}

	return "-"
}
