package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mnemo/internal/config"
	"mnemo/internal/format"
)

func newConfigCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Get or set configuration",
	}
	cmd.AddCommand(newConfigGetCmd(cfg, jsonOutput), newConfigSetCmd())
	return cmd
}

func newConfigGetCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "get [key]",
		Short: "Print one effective config value, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := config.AllowedKeys()
			if len(args) == 1 {
				if !config.IsAllowedKey(args[0]) {
					return fmt.Errorf("unknown key: %s (run \"mnemo config get\" to list keys)", args[0])
				}
				keys = args[:1]
			}

			values := make(map[string]string, len(keys))
			for _, key := range keys {
				value, err := cfg.Get(key)
				if err != nil {
					return err
				}
				values[key] = value
			}

			out := cmd.OutOrStdout()
			switch {
			case *jsonOutput:
				return format.JSONFormatter{Indent: true}.Write(out, values)
			case len(args) == 1:
				_, err := fmt.Fprintln(out, values[args[0]])
				return err
			}
			table := format.NewTable(out, "key", "value")
			for _, key := range keys {
				table.Row(key, values[key])
			}
			return table.Flush()
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	var global bool

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write a config value to the project or global file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pathFn := config.ProjectPath
			if global {
				pathFn = config.GlobalPath
			}
			path, err := pathFn()
			if err != nil {
				return err
			}
			if err := config.SetKey(path, args[0], args[1]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s = %s (%s)\n", args[0], args[1], path)
			return err
		},
	}

	cmd.Flags().BoolVar(&global, "global", false, "write to the global config file (~/.mnemo.toml)")
	return cmd
}
