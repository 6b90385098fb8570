// Package main implements the procaudio command-line entry point: a
// Cobra root command wiring configuration, logging, target resolution,
// and the capture/re-timing/mixing pipeline together.
package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nightwatch-av/procaudio/internal/conf"
	"github.com/nightwatch-av/procaudio/internal/logging"
)

var configPath string

// rootCommand builds the procaudio CLI.
func rootCommand() *cobra.Command {
	settings := conf.Defaults()

	root := &cobra.Command{
		Use:   "procaudio",
		Short: "Capture, re-time, and mix a target process's audio",
		Long: "procaudio intercepts a target process's system audio, reconciles each " +
			"stream's timing against a fixed output clock, mixes the in-window streams, " +
			"and emits the result to a downstream sink.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := conf.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			fromFlags := *settings
			*settings = *loaded
			for name, apply := range map[string]func(){
				"debug":               func() { settings.Debug = fromFlags.Debug },
				"target":              func() { settings.Capture.Target = fromFlags.Capture.Target },
				"output-frames":       func() { settings.Capture.OutputFrames = fromFlags.Capture.OutputFrames },
				"sample-rate":         func() { settings.Capture.SampleRate = fromFlags.Capture.SampleRate },
				"channels":            func() { settings.Capture.Channels = fromFlags.Capture.Channels },
				"max-buffering-ticks": func() { settings.Capture.MaxBufferingTicks = fromFlags.Capture.MaxBufferingTicks },
			} {
				if cmd.Flags().Changed(name) {
					apply()
				}
			}
			conf.SetActive(settings)
			logging.Init()
			if settings.Debug {
				logging.SetLevel(slog.LevelDebug)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	root.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "enable debug logging")
	root.PersistentFlags().StringVar(&settings.Capture.Target, "target", settings.Capture.Target, `target process, "<exe_name>:<pid>"`)
	root.PersistentFlags().IntVar(&settings.Capture.OutputFrames, "output-frames", settings.Capture.OutputFrames, "mix engine tick size, in frames")
	root.PersistentFlags().IntVar(&settings.Capture.SampleRate, "sample-rate", settings.Capture.SampleRate, "mix engine output sample rate, in Hz")
	root.PersistentFlags().IntVar(&settings.Capture.Channels, "channels", settings.Capture.Channels, "mix engine output channel count")
	root.PersistentFlags().IntVar(&settings.Capture.MaxBufferingTicks, "max-buffering-ticks", settings.Capture.MaxBufferingTicks, "cap on the cumulative number of injected catch-up ticks")

	root.AddCommand(captureCommand(settings), resolveTargetCommand(settings), configInitCommand())
	return root
}
