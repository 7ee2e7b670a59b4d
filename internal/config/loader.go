// Package config loads goscribe configuration with viper.
//
// Precedence, lowest to highest: built-in defaults, config file,
// GOSCRIBE_* environment variables, runtime overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/goscribe/pkg/agent"
	"github.com/3leaps/goscribe/pkg/llm"
	"github.com/3leaps/goscribe/pkg/orchestrator"
	"github.com/3leaps/goscribe/pkg/pipeline"
	"github.com/3leaps/goscribe/pkg/publish"
	"github.com/3leaps/goscribe/pkg/quality"
	"github.com/3leaps/goscribe/pkg/stage"
)

const (
	// AppName is the binary and config file base name.
	AppName = "goscribe"

	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "GOSCRIBE"
)

var (
	configMu    sync.RWMutex
	appConfig   *Config
	appSettings map[string]any
	configFile  string
)

// secretKeys are blanked by Settings.
var secretKeys = []string{
	"provider.api_key",
	"store.auth_token",
	"store.dsn",
	"publish.s3.secret_access_key",
}

// EnvSpec maps a short environment variable onto a config path.
type EnvSpec struct {
	Name string
	Path string
}

// SetConfigFile pins the config file used by subsequent loads. An empty path
// restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds the configuration, validates it, and makes it the current one
// returned by GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.RLock()
	file := configFile
	configMu.RUnlock()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, envName(spec.Path), spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	if err := readConfigFile(v, file); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		for k, val := range flatten("", o) {
			v.Set(k, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	appSettings = v.AllSettings()
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Settings returns the merged settings of the last load as a nested map with
// secrets blanked.
func Settings() map[string]any {
	configMu.RLock()
	defer configMu.RUnlock()
	if appSettings == nil {
		return nil
	}
	out := deepCopy(appSettings)
	for _, key := range secretKeys {
		redact(out, strings.Split(key, "."))
	}
	return out
}

func readConfigFile(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
		return nil
	}
	v.SetConfigName(AppName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// getUserConfigPaths lists per-user config directories searched after ".".
func getUserConfigPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}
	return []string{filepath.Join(home, ".config", AppName)}
}

// getEnvSpecs lists the short environment aliases. Every config path is also
// reachable as GOSCRIBE_<PATH> with dots replaced by underscores.
func getEnvSpecs() []EnvSpec {
	p := EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "METRICS_PORT", Path: "metrics.port"},
		{Name: p + "DB_PATH", Path: "store.path"},
		{Name: p + "DB_DSN", Path: "store.dsn"},
		{Name: p + "API_KEY", Path: "provider.api_key"},
		{Name: p + "BASE_URL", Path: "provider.base_url"},
		{Name: p + "STAGES", Path: "pipeline.stages"},
		{Name: p + "WORKERS", Path: "executor.workers"},
		{Name: p + "DEFAULT_BUDGET", Path: "budget.default_ceiling"},
		{Name: p + "MAX_BUDGET", Path: "budget.max_ceiling"},
	}
}

func envName(path string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", ProfileStructured)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("store.driver", StoreSQLite)
	v.SetDefault("store.path", filepath.Join(".goscribe", "goscribe.db"))
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.dsn", "")

	v.SetDefault("checkpoints.backend", CheckpointsStore)
	v.SetDefault("checkpoints.dir", filepath.Join(".goscribe", "checkpoints"))
	v.SetDefault("checkpoints.firestore.project", "")
	v.SetDefault("checkpoints.firestore.collection", "goscribe-jobs")

	v.SetDefault("pipeline.stages", pipeline.DefaultStageNames())

	v.SetDefault("models.tiers", []map[string]any{
		{"tier": 1, "model": "gpt-4o-mini", "input_per_1k": 0.00015, "output_per_1k": 0.0006},
		{"tier": 2, "model": "gpt-4.1", "input_per_1k": 0.002, "output_per_1k": 0.008},
		{"tier": 3, "model": "gpt-4.5-preview", "input_per_1k": 0.075, "output_per_1k": 0.15},
	})

	inv := agent.DefaultConfig()
	v.SetDefault("provider.kind", ProviderOpenAI)
	v.SetDefault("provider.base_url", llm.DefaultBaseURL)
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.temperature", 0.7)
	v.SetDefault("provider.call_timeout", inv.CallTimeout.String())
	v.SetDefault("provider.max_attempts", inv.MaxAttempts)
	v.SetDefault("provider.backoff_initial", inv.BackoffInitial.String())
	v.SetDefault("provider.backoff_max", inv.BackoffMax.String())
	v.SetDefault("provider.backoff_jitter", inv.BackoffJitter)
	v.SetDefault("provider.rate_limit", 0)
	v.SetDefault("provider.burst", 1)

	thresholds := make(map[string]any, len(pipeline.AllAxes))
	for _, a := range pipeline.AllAxes {
		thresholds[string(a)] = quality.DefaultThreshold
	}
	v.SetDefault("quality.thresholds", thresholds)
	v.SetDefault("quality.max_repair_attempts", quality.DefaultMaxRepairAttempts)
	v.SetDefault("quality.review_max_tokens", quality.DefaultReviewMaxTokens)

	v.SetDefault("executor.workers", stage.DefaultWorkers)
	v.SetDefault("executor.unit_attempts", stage.DefaultUnitAttempts)
	v.SetDefault("executor.default_max_tokens", stage.DefaultMaxTokens)
	v.SetDefault("executor.max_tokens", map[string]any{})
	v.SetDefault("executor.chunk_size", stage.DefaultChunkSize)
	v.SetDefault("executor.max_input_chars", stage.DefaultMaxInputChars)

	v.SetDefault("budget.default_ceiling", orchestrator.DefaultCeiling)
	v.SetDefault("budget.max_ceiling", orchestrator.DefaultMaxCeiling)
	v.SetDefault("budget.warn_fraction", orchestrator.DefaultWarnFraction)

	v.SetDefault("runner.lock_ttl", orchestrator.DefaultLockTTL.String())
	v.SetDefault("runner.heartbeat_interval", orchestrator.DefaultHeartbeatInterval.String())

	v.SetDefault("plan.words_per_chapter", stage.DefaultWordsPerChapter)
	v.SetDefault("plan.scenes_per_chapter", stage.DefaultScenesPerChapter)

	v.SetDefault("events.jsonl_path", "")
	v.SetDefault("events.subscriber_buffer", 256)
	v.SetDefault("events.pubsub.project", "")
	v.SetDefault("events.pubsub.topic", "")

	v.SetDefault("publish.target", publish.TargetNone)
	v.SetDefault("publish.dir", "manuscripts")
	v.SetDefault("publish.s3.bucket", "")
	v.SetDefault("publish.s3.region", "")
	v.SetDefault("publish.s3.endpoint", "")
	v.SetDefault("publish.s3.prefix", "")
	v.SetDefault("publish.s3.profile", "")
	v.SetDefault("publish.s3.access_key_id", "")
	v.SetDefault("publish.s3.secret_access_key", "")
	v.SetDefault("publish.s3.force_path_style", false)
}

func normalize(cfg *Config) {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.Checkpoints.Backend = strings.ToLower(strings.TrimSpace(cfg.Checkpoints.Backend))
	cfg.Provider.Kind = strings.ToLower(strings.TrimSpace(cfg.Provider.Kind))
	cfg.Publish.Target = strings.ToLower(strings.TrimSpace(cfg.Publish.Target))
	stages := cfg.Pipeline.Stages[:0]
	for _, s := range cfg.Pipeline.Stages {
		if s = strings.TrimSpace(s); s != "" {
			stages = append(stages, s)
		}
	}
	cfg.Pipeline.Stages = stages
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range in {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok && len(nested) > 0 {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func deepCopy(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if m, ok := v.(map[string]any); ok {
			out[k] = deepCopy(m)
			continue
		}
		out[k] = v
	}
	return out
}

func redact(m map[string]any, path []string) {
	for len(path) > 1 {
		next, ok := m[path[0]].(map[string]any)
		if !ok {
			return
		}
		m, path = next, path[1:]
	}
	if s, ok := m[path[0]].(string); ok && s != "" {
		m[path[0]] = "********"
	}
}
