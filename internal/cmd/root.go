// Package cmd is the goscribe command tree.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goscribe/internal/config"
	"github.com/3leaps/goscribe/internal/observability"
	"github.com/3leaps/goscribe/internal/server/handlers"
)

// exitFailure is the generic non-zero exit for failures with no more
// specific foundry code.
const exitFailure = 1

var (
	cfgFile  string
	verbose  bool
	logLevel string
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var rootCmd = &cobra.Command{
	Use:   "goscribe",
	Short: "Multi-agent long-form narrative pipeline",
	Long: `goscribe drives a staged pipeline of language-model agents from a
production brief to a finished manuscript.

Each job runs its stages in order, checkpoints after every stage, enforces a
per-job budget ceiling and can be resumed after a failure. Jobs run in the
foreground with 'goscribe run' or behind the HTTP API with 'goscribe serve'.

Configuration is read from goscribe.yaml (current directory or
~/.config/goscribe), GOSCRIBE_* environment variables and command flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger(config.AppName, verbose)
		config.SetConfigFile(cfgFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./goscribe.yaml or ~/.config/goscribe/goscribe.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose CLI output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Component log level (overrides logging.level)")
}

// SetVersionInfo records build metadata for the version command and the
// health endpoints.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		observability.CLILogger.Debug("command failed", zap.Error(err))
		return ExitCode(err)
	}
	return 0
}

// exitCodeError carries the process exit code for a failed command.
type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return &exitCodeError{code: code, message: message, err: err}
}

// ExitCode returns the exit code carried by err, 1 for other errors and 0
// for nil.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return exitFailure
}
