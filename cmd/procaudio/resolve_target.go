package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nightwatch-av/procaudio/internal/conf"
	"github.com/nightwatch-av/procaudio/internal/target"
)

// resolveTargetCommand re-resolves settings.Capture.Target against the
// live process list and prints the result, without starting capture.
func resolveTargetCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve-target",
		Short: "Resolve the configured target process against the live process list",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := target.Parse(settings.Capture.Target)
			if err != nil {
				return err
			}
			resolved, err := target.Resolve(context.Background(), spec)
			if err != nil {
				return fmt.Errorf("resolving target %q: %w", spec, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resolved.String())
			return nil
		},
	}
}
