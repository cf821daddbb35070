package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/parget/parget/internal/output"
	"github.com/parget/parget/internal/scheduler"
	"github.com/parget/parget/internal/utils"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type batchFile struct {
	Downloads []utils.DownloadEntry `yaml:"downloads"`
}

func newBatchCmd() *cobra.Command {
	var numLinks int

	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			utils.InitLogger(debug)
			data, err := utils.ReadDownloadList(args[0])
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			var batch batchFile
			if err := yaml.Unmarshal(data, &batch); err != nil {
				output.PrintError(fmt.Sprintf("Error parsing YAML file: %v", err))
				os.Exit(1)
			}
			jobs := buildJobsFromBatch(batch, numLinks)
			if len(jobs) == 0 {
				output.PrintError("No valid jobs found in the batch file")
				os.Exit(1)
			}
			output.PrintHeader(fmt.Sprintf("Batch of %d downloads, %d at a time", len(jobs), numLinks))
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := scheduler.Run(ctx, jobs, numLinks); err != nil {
				fmt.Println()
				output.PrintError("Encountered failed operation(s)")
				os.Exit(1)
			}
		},
	}

	cmd.Flags().IntVarP(&numLinks, "workers", "w", 2, "Number of links to download in parallel")
	return cmd
}

func buildJobsFromBatch(batch batchFile, numLinks int) []utils.DownloadJob {
	// Per-link connection budget shrinks so the batch never exceeds the
	// global connection cap.
	connectionsPerLink := connections
	if numLinks*connectionsPerLink > utils.MaxTotalConns {
		connectionsPerLink = max(utils.MaxTotalConns/numLinks, 1)
	}
	var jobs []utils.DownloadJob
	for _, entry := range batch.Downloads {
		if entry.URL == "" {
			output.PrintWarning("Skipping entry with empty link")
			continue
		}
		job, err := buildJob(entry.URL, entry.OutputPath)
		if err != nil {
			output.PrintWarning(fmt.Sprintf("Skipping %s: %v", entry.URL, err))
			continue
		}
		job.ID = uuid.NewString()
		job.Connections = connectionsPerLink
		jobs = append(jobs, *job)
	}
	return jobs
}
