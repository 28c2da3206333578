package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// requireExactlyArgs fails with message and the command's usage line.
func requireExactlyArgs(count int, message string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) == count {
			return nil
		}
		return fmt.Errorf("%s (usage: %s)", message, cmd.UseLine())
	}
}
