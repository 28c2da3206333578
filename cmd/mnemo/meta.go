package main

import (
	"os"
	"sort"

	"github.com/spf13/cobra"

	"mnemo/internal/api"
	"mnemo/internal/config"
	"mnemo/internal/format"
	"mnemo/internal/models"
)

func newJobCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Inspect and control extraction jobs"}
	cmd.AddCommand(
		newJobSwitchCmd(cfg, jsonOutput, true),
		newJobSwitchCmd(cfg, jsonOutput, false),
		newJobStateCmd(cfg, jsonOutput),
	)
	cmd.AddCommand(&cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one extraction job",
		Args:  requireExactlyArgs(1, "job id is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				job, err := client.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJob(job, *jsonOutput)
			})
		},
	})
	return cmd
}

// newJobSwitchCmd builds "job pause" or "job resume". The switch is
// persisted, so it holds across server and worker restarts.
func newJobSwitchCmd(cfg *config.Config, jsonOutput *bool, paused bool) *cobra.Command {
	use, short := "resume", "Let workers claim extraction jobs again"
	if paused {
		use, short = "pause", "Stop workers from claiming new extraction jobs"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.SetJobsPaused(cmd.Context(), paused)
				if err != nil {
					return err
				}
				return writeJobPause(resp, *jsonOutput)
			})
		},
	}
}

func newJobStateCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show whether job processing is paused",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.JobPauseState(cmd.Context())
				if err != nil {
					return err
				}
				return writeJobPause(resp, *jsonOutput)
			})
		},
	}
}

func writeJobPause(resp api.JobPauseResponse, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(resp)
	}
	if resp.UpdatedAt == nil {
		return writePlain("job processing: %s\n", resp.State)
	}
	return writePlain("job processing: %s (since %s)\n", resp.State, format.Time(*resp.UpdatedAt))
}

func newTypesCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the document type registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				types, err := client.DocumentTypes(cmd.Context())
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(types)
				}
				table := format.NewTable(os.Stdout, "id", "category", "strategy", "name")
				for _, dt := range types {
					table.Row(dt.ID, dt.Category, string(dt.DefaultStrategy), dt.Name)
				}
				return table.Flush()
			})
		},
	}
}

func newBackendsCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "Report extraction backend availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.Backends(cmd.Context())
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(resp)
				}
				table := format.NewTable(os.Stdout, "strategy", "available", "backend", "error")
				for _, b := range resp.Backends {
					available := "no"
					if b.Available {
						available = "yes"
					}
					table.Row(string(b.Strategy), available, b.Backend, b.Error)
				}
				return table.Flush()
			})
		},
	}
}

func newGCCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		dryRun    bool
		batchSize int
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reclaim blob bytes no attachment references",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.GCBlobs(cmd.Context(), api.BlobGCRequest{DryRun: dryRun, BatchSize: batchSize})
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(resp)
				}
				if resp.DryRun {
					return writePlain("%d unreferenced blobs (dry run)\n", resp.CandidateCount)
				}
				return writePlain("deleted %d of %d blobs, reclaimed %s, %d failed\n",
					resp.DeletedCount, resp.CandidateCount, format.Size(resp.ReclaimedBytes), resp.FailedCount)
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report candidates without deleting")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "blobs deleted per batch (default from attachments.gc_batch_size)")
	return cmd
}

func newInfoCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show database and blob store info",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.GetInfo(cmd.Context())
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(resp)
				}

				_ = writePlain("db_path: %s\n", resp.DBPath)
				_ = writePlain("blob_root: %s\n", resp.BlobRoot)
				_ = writePlain("schema_version: %d\n", resp.SchemaVersion)
				_ = writePlain("total_notes: %d\n", resp.TotalNotes)
				_ = writePlain("total_attachments: %d\n", resp.TotalAttachments)
				writeCounts(resp.AttachmentCounts)
				_ = writePlain("jobs:\n")
				writeCounts(resp.JobCounts)
				_ = writePlain("total_blobs: %d (%d unreferenced)\n", resp.TotalBlobs, resp.UnreferencedBlobs)
				return writePlain("stored: %s\n", format.Size(resp.StoredBytes))
			})
		},
	}
}

func writeCounts[K models.AttachmentStatus | models.JobStatus](counts map[K]int) {
	keys := make([]K, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		_ = writePlain("  %s: %d\n", k, counts[k])
	}
}
