package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/3leaps/goscribe/pkg/agent"
	"github.com/3leaps/goscribe/pkg/llm"
	"github.com/3leaps/goscribe/pkg/orchestrator"
	"github.com/3leaps/goscribe/pkg/pipeline"
	"github.com/3leaps/goscribe/pkg/publish"
	"github.com/3leaps/goscribe/pkg/quality"
	"github.com/3leaps/goscribe/pkg/stage"
	"github.com/3leaps/goscribe/pkg/tier"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Checkpoint backends.
const (
	CheckpointsStore     = "store"
	CheckpointsFile      = "file"
	CheckpointsFirestore = "firestore"
)

// Provider kinds.
const (
	ProviderOpenAI   = "openai"
	ProviderScripted = "scripted"
)

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

// Config is the full goscribe configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Store       StoreConfig       `mapstructure:"store"`
	Checkpoints CheckpointsConfig `mapstructure:"checkpoints"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Models      ModelsConfig      `mapstructure:"models"`
	Provider    ProviderConfig    `mapstructure:"provider"`
	Quality     QualityConfig     `mapstructure:"quality"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	Budget      BudgetConfig      `mapstructure:"budget"`
	Runner      RunnerConfig      `mapstructure:"runner"`
	Plan        PlanConfig        `mapstructure:"plan"`
	Events      EventsConfig      `mapstructure:"events"`
	Publish     PublishConfig     `mapstructure:"publish"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig controls the Prometheus endpoint started by serve.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// StoreConfig selects the job repository.
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
	DSN       string `mapstructure:"dsn"`
}

// CheckpointsConfig selects where checkpoints are written. "store" reuses
// the job repository.
type CheckpointsConfig struct {
	Backend   string          `mapstructure:"backend"`
	Dir       string          `mapstructure:"dir"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
}

// FirestoreConfig locates the Firestore checkpoint collection.
type FirestoreConfig struct {
	Project    string `mapstructure:"project"`
	Collection string `mapstructure:"collection"`
}

// PipelineConfig holds the ordered stage list.
type PipelineConfig struct {
	Stages []string `mapstructure:"stages"`
}

// ModelsConfig maps tiers to concrete models.
type ModelsConfig struct {
	Tiers []tier.Model `mapstructure:"tiers"`
}

// ProviderConfig configures the LLM provider and call policy.
type ProviderConfig struct {
	Kind           string        `mapstructure:"kind"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Temperature    float64       `mapstructure:"temperature"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	BackoffJitter  float64       `mapstructure:"backoff_jitter"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	Burst          int           `mapstructure:"burst"`
}

// QualityConfig tunes the quality gate. Thresholds are keyed by axis name.
type QualityConfig struct {
	Thresholds        map[string]float64 `mapstructure:"thresholds"`
	MaxRepairAttempts int                `mapstructure:"max_repair_attempts"`
	ReviewMaxTokens   int                `mapstructure:"review_max_tokens"`
}

// ExecutorConfig tunes the stage executor. MaxTokens is keyed by task kind.
type ExecutorConfig struct {
	Workers          int            `mapstructure:"workers"`
	UnitAttempts     int            `mapstructure:"unit_attempts"`
	DefaultMaxTokens int            `mapstructure:"default_max_tokens"`
	MaxTokens        map[string]int `mapstructure:"max_tokens"`
	ChunkSize        int            `mapstructure:"chunk_size"`
	MaxInputChars    int            `mapstructure:"max_input_chars"`
}

// BudgetConfig bounds per-job spend.
type BudgetConfig struct {
	DefaultCeiling float64 `mapstructure:"default_ceiling"`
	MaxCeiling     float64 `mapstructure:"max_ceiling"`
	WarnFraction   float64 `mapstructure:"warn_fraction"`
}

// RunnerConfig sets the job lock lease shared by every process using the
// same store.
type RunnerConfig struct {
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// PlanConfig controls the fallback chapter layout.
type PlanConfig struct {
	WordsPerChapter  int `mapstructure:"words_per_chapter"`
	ScenesPerChapter int `mapstructure:"scenes_per_chapter"`
}

// EventsConfig configures progress event sinks.
type EventsConfig struct {
	JSONLPath        string       `mapstructure:"jsonl_path"`
	SubscriberBuffer int          `mapstructure:"subscriber_buffer"`
	PubSub           PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig locates the Pub/Sub topic. Empty project disables the sink.
type PubSubConfig struct {
	Project string `mapstructure:"project"`
	Topic   string `mapstructure:"topic"`
}

// PublishConfig selects where finished manuscripts go.
type PublishConfig struct {
	Target string           `mapstructure:"target"`
	Dir    string           `mapstructure:"dir"`
	S3     publish.S3Config `mapstructure:"s3"`
}

// Validate checks the whole configuration, including everything the
// component constructors would reject.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			errs = append(errs, fmt.Errorf("metrics.port %d out of range", c.Metrics.Port))
		} else if c.Metrics.Port == c.Server.Port {
			errs = append(errs, fmt.Errorf("metrics.port %d collides with server.port", c.Metrics.Port))
		}
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch strings.ToUpper(c.Logging.Profile) {
	case ProfileStructured, ProfileConsole:
	default:
		errs = append(errs, fmt.Errorf("logging.profile %q must be structured or console", c.Logging.Profile))
	}

	switch c.Store.Driver {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be memory, sqlite or postgres", c.Store.Driver))
	}

	switch c.Checkpoints.Backend {
	case CheckpointsStore:
	case CheckpointsFile:
		if c.Checkpoints.Dir == "" {
			errs = append(errs, errors.New("checkpoints.dir is required for the file backend"))
		}
	case CheckpointsFirestore:
		if c.Checkpoints.Firestore.Project == "" || c.Checkpoints.Firestore.Collection == "" {
			errs = append(errs, errors.New("checkpoints.firestore project and collection are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("checkpoints.backend %q must be store, file or firestore", c.Checkpoints.Backend))
	}

	stages, err := c.StageDefs()
	if err != nil {
		errs = append(errs, fmt.Errorf("pipeline.stages: %w", err))
	}
	if _, err := tier.New(c.Models.Tiers); err != nil {
		errs = append(errs, fmt.Errorf("models.tiers: %w", err))
	}

	switch c.Provider.Kind {
	case ProviderOpenAI:
		if c.Provider.BaseURL == "" {
			errs = append(errs, errors.New("provider.base_url is required"))
		}
	case ProviderScripted:
	default:
		errs = append(errs, fmt.Errorf("provider.kind %q must be openai or scripted", c.Provider.Kind))
	}
	if err := c.InvokerConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("provider: %w", err))
	}

	if q, err := c.GateConfig(); err != nil {
		errs = append(errs, err)
	} else if err := q.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("quality: %w", err))
	}
	if e, err := c.ExecutorSettings(); err != nil {
		errs = append(errs, err)
	} else if err := e.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("executor: %w", err))
	}
	if c.Plan.WordsPerChapter < 1 || c.Plan.ScenesPerChapter < 1 {
		errs = append(errs, errors.New("plan.words_per_chapter and plan.scenes_per_chapter must be >= 1"))
	}

	if stages != nil {
		if err := c.ManagerConfig(stages).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("budget/runner: %w", err))
		}
	}

	if c.Events.SubscriberBuffer < 1 {
		errs = append(errs, errors.New("events.subscriber_buffer must be >= 1"))
	}
	if c.Events.PubSub.Project != "" && c.Events.PubSub.Topic == "" {
		errs = append(errs, errors.New("events.pubsub.topic is required when a project is set"))
	}

	switch c.Publish.Target {
	case publish.TargetNone:
	case publish.TargetFile:
		if c.Publish.Dir == "" {
			errs = append(errs, errors.New("publish.dir is required for the file target"))
		}
	case publish.TargetS3:
		if err := c.Publish.S3.Validate(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("publish.target %q must be none, file or s3", c.Publish.Target))
	}

	return errors.Join(errs...)
}

// StageDefs resolves the configured stage ordering.
func (c *Config) StageDefs() ([]pipeline.StageDef, error) {
	return pipeline.ResolveStages(c.Pipeline.Stages)
}

// InvokerConfig returns the agent call policy.
func (c *Config) InvokerConfig() agent.Config {
	return agent.Config{
		CallTimeout:    c.Provider.CallTimeout,
		MaxAttempts:    c.Provider.MaxAttempts,
		BackoffInitial: c.Provider.BackoffInitial,
		BackoffMax:     c.Provider.BackoffMax,
		BackoffJitter:  c.Provider.BackoffJitter,
		RateLimit:      c.Provider.RateLimit,
		Burst:          c.Provider.Burst,
	}
}

// OpenAIConfig returns the HTTP provider settings.
func (c *Config) OpenAIConfig() llm.OpenAIConfig {
	return llm.OpenAIConfig{
		BaseURL:     c.Provider.BaseURL,
		APIKey:      c.Provider.APIKey,
		Temperature: float32(c.Provider.Temperature),
	}
}

// GateConfig converts the quality section, rejecting unknown axes.
func (c *Config) GateConfig() (quality.Config, error) {
	out := quality.DefaultConfig()
	for name, v := range c.Quality.Thresholds {
		a := pipeline.Axis(strings.ToLower(strings.TrimSpace(name)))
		if !knownAxis(a) {
			return quality.Config{}, fmt.Errorf("quality.thresholds: unknown axis %q", name)
		}
		out.Thresholds[a] = v
	}
	out.MaxRepairAttempts = c.Quality.MaxRepairAttempts
	if c.Quality.ReviewMaxTokens > 0 {
		out.ReviewMaxTokens = c.Quality.ReviewMaxTokens
	}
	return out, nil
}

// ExecutorSettings converts the executor and plan sections, rejecting
// unknown task kinds.
func (c *Config) ExecutorSettings() (stage.Config, error) {
	out := stage.DefaultConfig()
	out.Workers = c.Executor.Workers
	out.UnitAttempts = c.Executor.UnitAttempts
	if c.Executor.DefaultMaxTokens > 0 {
		out.DefaultMaxTokens = c.Executor.DefaultMaxTokens
	}
	if c.Executor.ChunkSize > 0 {
		out.ChunkSize = c.Executor.ChunkSize
	}
	if c.Executor.MaxInputChars > 0 {
		out.MaxInputChars = c.Executor.MaxInputChars
	}
	if c.Plan.WordsPerChapter > 0 {
		out.WordsPerChapter = c.Plan.WordsPerChapter
	}
	if c.Plan.ScenesPerChapter > 0 {
		out.ScenesPerChapter = c.Plan.ScenesPerChapter
	}
	if len(c.Executor.MaxTokens) > 0 {
		out.MaxTokens = make(map[pipeline.TaskKind]int, len(c.Executor.MaxTokens))
		for name, n := range c.Executor.MaxTokens {
			k := pipeline.TaskKind(strings.ToLower(strings.TrimSpace(name)))
			if !knownTask(k) {
				return stage.Config{}, fmt.Errorf("executor.max_tokens: unknown task kind %q", name)
			}
			out.MaxTokens[k] = n
		}
	}
	return out, nil
}

// ManagerConfig returns the orchestration settings for stages.
func (c *Config) ManagerConfig(stages []pipeline.StageDef) orchestrator.Config {
	return orchestrator.Config{
		Stages:         stages,
		DefaultCeiling: c.Budget.DefaultCeiling,
		MaxCeiling:     c.Budget.MaxCeiling,
		WarnFraction:   c.Budget.WarnFraction,

		LockTTL:           c.Runner.LockTTL,
		HeartbeatInterval: c.Runner.HeartbeatInterval,
	}
}

func knownAxis(a pipeline.Axis) bool {
	for _, k := range pipeline.AllAxes {
		if k == a {
			return true
		}
	}
	return false
}

func knownTask(k pipeline.TaskKind) bool {
	for _, t := range pipeline.AllTaskKinds {
		if t == k {
			return true
		}
	}
	return false
}
