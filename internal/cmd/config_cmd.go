package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/goscribe/internal/config"
	"github.com/3leaps/goscribe/internal/observability"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the effective configuration after defaults, config file,
environment and flags are merged. Secrets are redacted.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configShowCmd.Flags().Bool("json", false, "Output as JSON")
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	if _, err := loadConfig(cmd, nil); err != nil {
		return err
	}
	settings := config.Settings()

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		return writeJSON(cmd.OutOrStdout(), settings)
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to render config", err)
	}
	return enc.Close()
}

// loadConfig loads configuration with the root flags and any command
// overrides applied.
func loadConfig(cmd *cobra.Command, overrides map[string]any) (*config.Config, error) {
	merged := map[string]any{}
	if logLevel != "" {
		merged["logging.level"] = logLevel
	}
	for k, v := range overrides {
		merged[k] = v
	}
	cfg, err := config.Load(cmd.Context(), merged)
	if err != nil {
		observability.CLILogger.Error("Invalid configuration", zap.Error(err))
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("store", cfg.Store.Driver),
		zap.String("provider", cfg.Provider.Kind),
		zap.Int("stages", len(cfg.Pipeline.Stages)))
	return cfg, nil
}

// flagOverrides maps changed flags to config keys.
func flagOverrides(cmd *cobra.Command, keys map[string]string) map[string]any {
	out := make(map[string]any, len(keys))
	for name, key := range keys {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		out[key] = f.Value.String()
	}
	return out
}
