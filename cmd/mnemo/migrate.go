package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mnemo/internal/config"
	"mnemo/internal/store"
)

func newMigrateCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var inspect bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run or inspect database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.DBPath == "" {
				return fmt.Errorf("db path is required")
			}
			if !inspect {
				// Open applies pending migrations, as on server start.
				st, err := store.Open(cfg.DBPath)
				if err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				if err := st.Close(); err != nil {
					return err
				}
			}

			plan, err := store.InspectMigrations(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("inspect migrations: %w", err)
			}
			if *jsonOutput {
				return writeJSON(plan)
			}

			_ = writePlain("current_version: %d\n", plan.CurrentVersion)
			_ = writePlain("available_version: %d\n", plan.AvailableVersion)
			if len(plan.Pending) == 0 {
				return writePlain("no pending migrations\n")
			}
			_ = writePlain("pending:\n")
			for _, m := range plan.Pending {
				_ = writePlain("  %d: %s\n", m.Version, m.Description)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&inspect, "inspect", false, "show migration status without applying")
	cmd.Flags().BoolVar(&inspect, "dry-run", false, "alias of --inspect")
	return cmd
}
