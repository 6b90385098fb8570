// Package conf loads and validates procaudio's runtime configuration.
package conf

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// RotationType selects how file logs are rotated.
type RotationType string

const (
	RotationDaily  RotationType = "daily"
	RotationWeekly RotationType = "weekly"
	RotationSize   RotationType = "size"
)

// LogConfig controls the on-disk log file lumberjack manages.
type LogConfig struct {
	Enabled  bool         `mapstructure:"enabled" yaml:"enabled"`
	Path     string       `mapstructure:"path" yaml:"path"`
	Rotation RotationType `mapstructure:"rotation" yaml:"rotation"`
	MaxSize  int64        `mapstructure:"maxsize" yaml:"maxsize"` // bytes, used when Rotation == RotationSize
}

// CaptureConfig describes the target process and the audio shape the
// mix engine produces, independent of whatever format individual streams
// arrive in.
type CaptureConfig struct {
	// Target identifies the process being captured, "<exe_name>:<pid>".
	Target string `mapstructure:"target" yaml:"target"`

	// OutputFrames is the mix engine's fixed tick size in frames.
	// Matches AUDIO_OUTPUT_FRAMES in the upstream project (1024 @ 48kHz/stereo).
	OutputFrames int `mapstructure:"output_frames" yaml:"output_frames"`

	// SampleRate is the mix engine's output sample rate in Hz.
	SampleRate int `mapstructure:"sample_rate" yaml:"sample_rate"`

	// Channels is the mix engine's output channel count.
	Channels int `mapstructure:"channels" yaml:"channels"`

	// MaxBufferingTicks caps the cumulative number of synthetic catch-up
	// ticks the mixer injects over its lifetime when a stream starts
	// earlier than the current mix window.
	MaxBufferingTicks int `mapstructure:"max_buffering_ticks" yaml:"max_buffering_ticks"`
}

// Settings is the top-level, process-wide configuration object.
type Settings struct {
	Debug   bool          `mapstructure:"debug" yaml:"debug"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
}

var (
	settingsMu       sync.RWMutex
	activeSettings   *Settings
	settingsOnceLock sync.Once
)

// Defaults returns a Settings populated with the values procaudio ships
// with out of the box.
func Defaults() *Settings {
	return &Settings{
		Debug: false,
		Log: LogConfig{
			Enabled:  true,
			Path:     "logs/procaudio.log",
			Rotation: RotationSize,
			MaxSize:  100 * 1024 * 1024,
		},
		Capture: CaptureConfig{
			OutputFrames:      1024,
			SampleRate:        48000,
			Channels:          2,
			MaxBufferingTicks: 45,
		},
	}
}

// Load reads configuration from the given path (if non-empty), environment
// variables prefixed PROCAUDIO_, and falls back to Defaults() for anything
// left unset. It does not mutate package-level state; call SetActive to
// publish the result for ForService/NewFileLogger-style callers.
func Load(configPath string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PROCAUDIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Defaults()
	v.SetDefault("debug", defaults.Debug)
	v.SetDefault("log.enabled", defaults.Log.Enabled)
	v.SetDefault("log.path", defaults.Log.Path)
	v.SetDefault("log.rotation", string(defaults.Log.Rotation))
	v.SetDefault("log.maxsize", defaults.Log.MaxSize)
	v.SetDefault("capture.target", defaults.Capture.Target)
	v.SetDefault("capture.output_frames", defaults.Capture.OutputFrames)
	v.SetDefault("capture.sample_rate", defaults.Capture.SampleRate)
	v.SetDefault("capture.channels", defaults.Capture.Channels)
	v.SetDefault("capture.max_buffering_ticks", defaults.Capture.MaxBufferingTicks)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshalling configuration: %w", err)
	}

	if err := validate(&s); err != nil {
		return nil, err
	}

	return &s, nil
}

// WriteDefaultConfig marshals Defaults() as YAML and writes it to path,
// failing if a file already exists there so an operator never loses an
// edited configuration to a re-run of the scaffolding command.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing config at %s", path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking for existing config at %s: %w", path, err)
	}

	data, err := yaml.Marshal(Defaults())
	if err != nil {
		return fmt.Errorf("marshalling default configuration: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing default config to %s: %w", path, err)
	}
	return nil
}

func validate(s *Settings) error {
	if s.Capture.OutputFrames <= 0 {
		return fmt.Errorf("capture.output_frames must be positive, got %d", s.Capture.OutputFrames)
	}
	if s.Capture.SampleRate <= 0 {
		return fmt.Errorf("capture.sample_rate must be positive, got %d", s.Capture.SampleRate)
	}
	if s.Capture.Channels <= 0 {
		return fmt.Errorf("capture.channels must be positive, got %d", s.Capture.Channels)
	}
	if s.Capture.MaxBufferingTicks <= 0 {
		return fmt.Errorf("capture.max_buffering_ticks must be positive, got %d", s.Capture.MaxBufferingTicks)
	}
	switch s.Log.Rotation {
	case RotationDaily, RotationWeekly, RotationSize:
	default:
		return fmt.Errorf("log.rotation must be one of daily, weekly, size, got %q", s.Log.Rotation)
	}
	return nil
}

// SetActive publishes s as the process-wide active configuration. Packages
// that need ambient config (logging's file rotation settings, for example)
// read it through Active.
func SetActive(s *Settings) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	activeSettings = s
}

// Active returns the process-wide configuration, falling back to Defaults()
// if SetActive has not been called yet (e.g. in tests).
func Active() *Settings {
	settingsMu.RLock()
	s := activeSettings
	settingsMu.RUnlock()
	if s != nil {
		return s
	}
	settingsOnceLock.Do(func() {
		settingsMu.Lock()
		if activeSettings == nil {
			activeSettings = Defaults()
		}
		settingsMu.Unlock()
	})
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return activeSettings
}
