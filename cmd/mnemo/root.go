package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mnemo/internal/config"
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	var (
		jsonOutput bool
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           "mnemo",
		Short:         "Mnemo ingests note attachments and extracts searchable text from them",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			warning, err := setupLogging(logLevel, cfg.LogLevel, jsonOutput)
			if err != nil {
				return err
			}
			if warning != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), warning)
			}
			return nil
		},
	}

	cmd.Version = version
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newSrvCmd(cfg),
		newWorkerCmd(cfg),
		newNoteCmd(cfg, &jsonOutput),
		newAttachCmd(cfg, &jsonOutput),
		newJobCmd(cfg, &jsonOutput),
		newTypesCmd(cfg, &jsonOutput),
		newBackendsCmd(cfg, &jsonOutput),
		newGCCmd(cfg, &jsonOutput),
		newInfoCmd(cfg, &jsonOutput),
		newMigrateCmd(cfg, &jsonOutput),
		newConfigCmd(cfg, &jsonOutput),
	)

	return cmd
}
