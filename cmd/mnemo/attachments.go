package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"mnemo/internal/api"
	"mnemo/internal/config"
)

type attachAddOptions struct {
	typeID      string
	contentType string
	filename    string
}

func newAttachCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{Use: "attach", Short: "Manage attachments"}
	cmd.AddCommand(
		newAttachAddCmd(cfg, jsonOutput),
		newAttachListCmd(cfg, jsonOutput),
		newAttachShowCmd(cfg, jsonOutput),
		newAttachGetCmd(cfg),
		newAttachRemoveCmd(cfg, jsonOutput),
		newAttachRetryCmd(cfg, jsonOutput),
		newAttachJobsCmd(cfg, jsonOutput),
		newAttachFactsCmd(cfg, jsonOutput),
	)
	return cmd
}

func newAttachAddCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	opts := &attachAddOptions{}
	cmd := &cobra.Command{
		Use:   "add <note-id> <path>",
		Short: "Upload a file and attach it to a note",
		Long: "Upload a file in two steps: request an upload ticket, then stream the bytes\n" +
			"to the ticket's URL. Extraction runs asynchronously; use \"attach show\" to follow it.",
		Args: requireExactlyArgs(2, "note id and path are required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[1]
			file, err := os.Open(path)
			if err != nil {
				return err
			}
			defer file.Close()

			filename := chooseFirst(opts.filename, filepath.Base(path))
			return withClient(cfg, func(client *api.Client) error {
				ticket, err := client.RequestUpload(cmd.Context(), api.UploadRequest{
					NoteID:         args[0],
					Filename:       filename,
					ContentType:    opts.contentType,
					OverrideTypeID: opts.typeID,
				})
				if err != nil {
					return err
				}
				if info, err := file.Stat(); err == nil && ticket.MaxBytes > 0 && info.Size() > ticket.MaxBytes {
					return fmt.Errorf("%s is %d bytes; the server accepts at most %d", path, info.Size(), ticket.MaxBytes)
				}

				resp, err := client.Upload(cmd.Context(), ticket.Token, filename, file)
				if err != nil {
					return err
				}
				return writeAttachment(resp, *jsonOutput)
			})
		},
	}
	cmd.Flags().StringVar(&opts.typeID, "type", "", "document type id overriding type resolution")
	cmd.Flags().StringVar(&opts.contentType, "content-type", "", "declared content type (MIME)")
	cmd.Flags().StringVar(&opts.filename, "filename", "", "filename to record instead of the path's base name")
	return cmd
}

func newAttachListCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "list <note-id>",
		Short: "List attachments of a note",
		Args:  requireExactlyArgs(1, "note id is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				attachments, err := client.ListNoteAttachments(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(attachments)
				}
				return writeAttachmentList(attachments)
			})
		},
	}
}

func newAttachShowCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "show <attachment-id>",
		Short: "Show one attachment with its extraction state",
		Args:  requireExactlyArgs(1, "attachment id is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.GetAttachment(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeAttachment(resp, *jsonOutput)
			})
		},
	}
}

func newAttachGetCmd(cfg *config.Config) *cobra.Command {
	var (
		outPath string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "get <attachment-id>",
		Short: "Download attachment content",
		Args:  requireExactlyArgs(1, "attachment id is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			toStdout := strings.TrimSpace(outPath) == "-"
			if strings.TrimSpace(outPath) == "" {
				return fmt.Errorf("--output is required (use - for stdout)")
			}
			if !force && !toStdout {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("output file exists (use --force to overwrite)")
				}
			}

			return withClient(cfg, func(client *api.Client) error {
				ticket, err := client.RequestDownload(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				var w io.Writer = os.Stdout
				if !toStdout {
					f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}

				if _, err := client.Download(cmd.Context(), ticket.Token, w); err != nil {
					return err
				}
				if toStdout {
					return nil
				}
				return writePlain("%s\n", outPath)
			})
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "", "output path, or - for stdout")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite output path if it exists")
	return cmd
}

func newAttachRemoveCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <attachment-id>",
		Short: "Remove one attachment; its bytes are reclaimed by gc",
		Args:  requireExactlyArgs(1, "attachment id is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				if err := client.DeleteAttachment(cmd.Context(), args[0]); err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(map[string]string{"id": args[0], "status": "deleted"})
				}
				return writePlain("%s\n", args[0])
			})
		},
	}
}

func newAttachRetryCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <attachment-id>",
		Short: "Queue a new extraction job for a failed attachment",
		Args:  requireExactlyArgs(1, "attachment id is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.RetryAttachment(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(resp)
				}
				return writePlain("%s %s: job %s %s\n", resp.Attachment.ID, resp.Attachment.Status, resp.Job.ID, resp.Job.Status)
			})
		},
	}
}

func newAttachJobsCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs <attachment-id>",
		Short: "List extraction jobs of an attachment",
		Args:  requireExactlyArgs(1, "attachment id is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				jobs, err := client.ListAttachmentJobs(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(jobs)
				}
				return writeJobList(jobs)
			})
		},
	}
}

func newAttachFactsCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "facts <attachment-id>",
		Short: "Show capture facts (location, time, device) read from an image",
		Args:  requireExactlyArgs(1, "attachment id is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				facts, err := client.GetCaptureFacts(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeCaptureFacts(facts, *jsonOutput)
			})
		},
	}
}

func chooseFirst(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
