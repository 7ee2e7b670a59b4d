package cmd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/goscribe/internal/config"
	"github.com/3leaps/goscribe/pkg/agent"
	"github.com/3leaps/goscribe/pkg/checkpoint"
	"github.com/3leaps/goscribe/pkg/events"
	"github.com/3leaps/goscribe/pkg/llm"
	"github.com/3leaps/goscribe/pkg/metrics"
	"github.com/3leaps/goscribe/pkg/orchestrator"
	"github.com/3leaps/goscribe/pkg/publish"
	"github.com/3leaps/goscribe/pkg/quality"
	"github.com/3leaps/goscribe/pkg/stage"
	"github.com/3leaps/goscribe/pkg/store"
	"github.com/3leaps/goscribe/pkg/store/sqlstore"
	"github.com/3leaps/goscribe/pkg/tier"
)

// components is everything a command needs to drive jobs.
type components struct {
	cfg         *config.Config
	logger      *zap.Logger
	repo        store.Repository
	checkpoints checkpoint.Store
	bus         *events.Bus
	manager     *orchestrator.Manager

	closers []func() error
}

type buildOptions struct {
	logger *zap.Logger

	// metrics receives provider, budget and stage metrics; nil drops them.
	metrics metrics.Recorder

	// sinks receive every event in addition to the configured ones.
	sinks []events.Sink

	// provider replaces the configured provider.
	provider llm.Provider

	// inspect skips event sinks and publishing; the manager is only used
	// to read and cancel jobs.
	inspect bool

	// bus enables the in-process event bus for SSE subscribers.
	bus bool
}

// buildComponents wires repository, checkpoints, provider, agents, executor,
// event sinks, publisher and manager from cfg. Close releases them.
func buildComponents(ctx context.Context, cfg *config.Config, opts buildOptions) (*components, error) {
	logger := opts.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &components{cfg: cfg, logger: logger}
	if err := c.build(ctx, opts); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *components) build(ctx context.Context, opts buildOptions) error {
	cfg, logger := c.cfg, c.logger

	sqlStore, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	if err := c.openCheckpoints(ctx, sqlStore); err != nil {
		return err
	}

	stages, err := cfg.StageDefs()
	if err != nil {
		return fmt.Errorf("pipeline stages: %w", err)
	}
	selector, err := tier.New(cfg.Models.Tiers)
	if err != nil {
		return fmt.Errorf("model tiers: %w", err)
	}
	provider := opts.provider
	if provider == nil {
		provider = newProvider(cfg)
	}
	invoker := agent.NewInvoker(provider, selector, cfg.InvokerConfig(),
		agent.WithLogger(logger), agent.WithMetrics(opts.metrics))

	gateCfg, err := cfg.GateConfig()
	if err != nil {
		return err
	}
	gate, err := quality.NewGate(gateCfg, quality.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("quality gate: %w", err)
	}
	execCfg, err := cfg.ExecutorSettings()
	if err != nil {
		return err
	}
	exec, err := stage.New(invoker, gate, c.repo, execCfg, stage.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("stage executor: %w", err)
	}

	mgrOpts := []orchestrator.Option{orchestrator.WithLogger(logger), orchestrator.WithMetrics(opts.metrics)}
	if opts.bus {
		c.bus = events.NewBus(cfg.Events.SubscriberBuffer, logger)
		mgrOpts = append(mgrOpts, orchestrator.WithBus(c.bus))
	}
	if !opts.inspect {
		sinks, err := c.openSinks(ctx)
		if err != nil {
			return err
		}
		sinks = append(sinks, opts.sinks...)
		if len(sinks) > 0 {
			mgrOpts = append(mgrOpts, orchestrator.WithSinks(sinks...))
		}
		pub, err := newPublisher(ctx, cfg)
		if err != nil {
			return err
		}
		if pub != nil {
			mgrOpts = append(mgrOpts, orchestrator.WithPublisher(pub))
		}
	}

	c.manager, err = orchestrator.NewManager(cfg.ManagerConfig(stages), c.repo, c.checkpoints, exec, mgrOpts...)
	if err != nil {
		return fmt.Errorf("job manager: %w", err)
	}
	return nil
}

func (c *components) openStore(ctx context.Context) (*sqlstore.Store, error) {
	if c.cfg.Store.Driver == config.StoreMemory {
		c.repo = store.NewMemoryRepository()
		return nil, nil
	}
	st, err := sqlstore.Open(ctx, sqlstore.Config{
		Driver:    c.cfg.Store.Driver,
		Path:      c.cfg.Store.Path,
		URL:       c.cfg.Store.URL,
		AuthToken: c.cfg.Store.AuthToken,
		DSN:       c.cfg.Store.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	c.repo = st
	c.closers = append(c.closers, st.Close)
	return st, nil
}

func (c *components) openCheckpoints(ctx context.Context, sqlStore *sqlstore.Store) error {
	switch c.cfg.Checkpoints.Backend {
	case config.CheckpointsFile:
		c.checkpoints = checkpoint.NewFileStore(c.cfg.Checkpoints.Dir)
	case config.CheckpointsFirestore:
		fs, err := checkpoint.NewFirestoreStore(ctx, c.cfg.Checkpoints.Firestore.Project, c.cfg.Checkpoints.Firestore.Collection)
		if err != nil {
			return fmt.Errorf("open firestore checkpoints: %w", err)
		}
		c.checkpoints = fs
		c.closers = append(c.closers, fs.Close)
	default:
		if sqlStore != nil {
			c.checkpoints = sqlStore.Checkpoints()
		} else {
			c.checkpoints = checkpoint.NewMemoryStore()
		}
	}
	return nil
}

func (c *components) openSinks(ctx context.Context) ([]events.Sink, error) {
	var sinks []events.Sink
	if path := c.cfg.Events.JSONLPath; path != "" {
		js, err := events.OpenJSONLFile(path)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		sinks = append(sinks, js)
		c.closers = append(c.closers, js.Close)
	}
	if ps := c.cfg.Events.PubSub; ps.Project != "" {
		sink, err := events.NewPubSubSink(ctx, ps.Project, ps.Topic, c.logger)
		if err != nil {
			return nil, fmt.Errorf("open pubsub sink: %w", err)
		}
		sinks = append(sinks, sink)
		c.closers = append(c.closers, sink.Close)
	}
	return sinks, nil
}

func newProvider(cfg *config.Config) llm.Provider {
	if cfg.Provider.Kind == config.ProviderScripted {
		return llm.NewScripted()
	}
	return llm.NewOpenAIClient(cfg.OpenAIConfig())
}

func newPublisher(ctx context.Context, cfg *config.Config) (orchestrator.Publisher, error) {
	switch cfg.Publish.Target {
	case publish.TargetFile:
		p, err := publish.NewFilePublisher(cfg.Publish.Dir)
		if err != nil {
			return nil, fmt.Errorf("file publisher: %w", err)
		}
		return p, nil
	case publish.TargetS3:
		p, err := publish.NewS3Publisher(ctx, cfg.Publish.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 publisher: %w", err)
		}
		return p, nil
	default:
		return nil, nil
	}
}

// Close releases resources in reverse order of acquisition.
func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
