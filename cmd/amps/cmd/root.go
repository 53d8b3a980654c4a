// Package cmd implements the CLI commands for amps.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/amps-project/amps/internal/config"
	"github.com/amps-project/amps/internal/observability"
	"github.com/amps-project/amps/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "amps",
	Short:   "Dynamic M3U playlist and media relay server",
	Version: version.Short(),
	Long: `amps publishes a playlist of logical channels and relays their media
on demand: each requested channel is served by a supervised FFmpeg
child whose output is fanned out to every connected client, optionally
wrapped in HLS/DASH segment directories or stripped to audio.

Channels, FFmpeg profiles and scheduled windows live in one YAML file
that is hot-reloaded while the server runs.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// unreachableError marks failures to reach a running server, so client
// commands can exit with a distinct code.
type unreachableError struct {
	err error
}

func (e *unreachableError) Error() string { return e.err.Error() }
func (e *unreachableError) Unwrap() error { return e.err }

// ExitCode maps a command error to the process exit code: 2 when the
// server could not be reached, 1 for everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ue *unreachableError
	if errors.As(err, &ue) {
		return 2
	}
	return 1
}

func init() {
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// Accept underscore spellings for flags, matching the config keys.
	rootCmd.PersistentFlags().SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default ./config.yaml, or $AMPS_CONFIG)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// configPath resolves the config file location: --config flag, then the
// AMPS_CONFIG environment variable, then config.Load's own discovery.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return os.Getenv("AMPS_CONFIG")
}

// loadConfig reads the application config, applying the logging flags
// on top when set.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	if level := flagValue("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if format := flagValue("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	return cfg, nil
}

// initLogging sets a default logger early so command plumbing can log
// before the config file is read. serve replaces it with the fully
// configured logger.
func initLogging() error {
	logCfg := config.LoggingConfig{Level: "info", Format: "text"}
	if level := flagValue("log-level"); level != "" {
		logCfg.Level = level
	}
	if format := flagValue("log-format"); format != "" {
		logCfg.Format = format
	}
	observability.SetDefault(observability.NewLoggerWithWriter(logCfg, os.Stderr))
	return nil
}

func flagValue(name string) string {
	if !rootCmd.PersistentFlags().Changed(name) {
		return ""
	}
	v, _ := rootCmd.PersistentFlags().GetString(name)
	return strings.ToLower(v)
}

// serverURL builds the base URL client commands talk to, rewriting
// wildcard bind addresses to loopback.
func serverURL(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "0.0.0.0" || host == "::" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}
