package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nightwatch-av/procaudio/internal/conf"
)

// configInitCommand scaffolds a default YAML configuration file so an
// operator has something concrete to edit instead of guessing at keys.
func configInitCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "config-init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := conf.WriteDefaultConfig(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default configuration to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "procaudio.yaml", "path to write the default configuration to")
	return cmd
}
