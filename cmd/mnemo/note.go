package main

import (
	"strings"

	"github.com/spf13/cobra"

	"mnemo/internal/api"
	"mnemo/internal/config"
)

func newNoteCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{Use: "note", Short: "Manage notes that own attachments"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create <title>",
			Short: "Create a note",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cfg, func(client *api.Client) error {
					note, err := client.CreateNote(cmd.Context(), api.NoteCreateRequest{Title: strings.Join(args, " ")})
					if err != nil {
						return err
					}
					return writeNote(note, *jsonOutput)
				})
			},
		},
		&cobra.Command{
			Use:   "show <note-id>",
			Short: "Show a note",
			Args:  requireExactlyArgs(1, "note id is required"),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cfg, func(client *api.Client) error {
					note, err := client.GetNote(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return writeNote(note, *jsonOutput)
				})
			},
		},
	)
	return cmd
}
