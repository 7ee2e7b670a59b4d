// Package agent wraps single provider calls: tier selection, budget
// reservation, rate limiting, per-call timeout, retry with backoff, and cost
// recording.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/goscribe/pkg/budget"
	"github.com/3leaps/goscribe/pkg/llm"
	"github.com/3leaps/goscribe/pkg/metrics"
	"github.com/3leaps/goscribe/pkg/pipeline"
	"github.com/3leaps/goscribe/pkg/tier"
)

// ErrRetriesExhausted is wrapped when every attempt failed transiently.
var ErrRetriesExhausted = errors.New("provider retries exhausted")

// IsRetriesExhausted returns true if err indicates exhausted transient retries.
func IsRetriesExhausted(err error) bool {
	return errors.Is(err, ErrRetriesExhausted)
}

// CallError describes a failed Invoke.
type CallError struct {
	Agent    string
	Task     pipeline.TaskKind
	Unit     string
	Attempts int
	Kind     Kind
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("agent %s (%s) unit %s: %s after %d attempt(s): %v", e.Agent, e.Task, e.Unit, e.Kind, e.Attempts, e.Err)
}

// Unwrap exposes both the underlying error and, for exhausted transient
// failures, ErrRetriesExhausted.
func (e *CallError) Unwrap() []error {
	if e.Kind == Transient {
		return []error{ErrRetriesExhausted, e.Err}
	}
	return []error{e.Err}
}

// CostRecorder persists a cost snapshot. It is called once per billed
// provider call, before the ledger is charged; when it fails the ledger is
// left untouched and the call fails.
type CostRecorder interface {
	RecordCost(ctx context.Context, snap *pipeline.CostSnapshot) error
}

// CostObserver is implemented by recorders that report a snapshot once it
// has been charged to the ledger.
type CostObserver interface {
	CostCharged(ctx context.Context, snap *pipeline.CostSnapshot)
}

// CostRecorderFunc adapts a function to CostRecorder.
type CostRecorderFunc func(ctx context.Context, snap *pipeline.CostSnapshot) error

// RecordCost implements CostRecorder.
func (f CostRecorderFunc) RecordCost(ctx context.Context, snap *pipeline.CostSnapshot) error {
	return f(ctx, snap)
}

// Config tunes the invoker.
type Config struct {
	CallTimeout    time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64

	// RateLimit is provider calls per second across all jobs; 0 disables it.
	RateLimit float64
	Burst     int
}

// DefaultConfig returns the built-in tuning.
func DefaultConfig() Config {
	return Config{
		CallTimeout:    120 * time.Second,
		MaxAttempts:    4,
		BackoffInitial: 2 * time.Second,
		BackoffMax:     30 * time.Second,
		BackoffJitter:  0.2,
	}
}

// Validate checks the call policy.
func (c Config) Validate() error {
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be > 0, got %s", c.CallTimeout)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.BackoffInitial < 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("backoff must satisfy 0 <= initial <= max, got %s..%s", c.BackoffInitial, c.BackoffMax)
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		return fmt.Errorf("backoff_jitter must be in [0,1], got %.2f", c.BackoffJitter)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be >= 0, got %.2f", c.RateLimit)
	}
	return nil
}

// Invoker performs agent calls. It is shared by all jobs; per-job state
// (ledger, recorder) travels with each call.
type Invoker struct {
	provider llm.Provider
	selector *tier.Selector
	cfg      Config
	limiter  *rate.Limiter
	logger   *zap.Logger
	metrics  metrics.Recorder
	now      func() time.Time
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(inv *Invoker) {
		if l != nil {
			inv.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(r metrics.Recorder) Option {
	return func(inv *Invoker) {
		if r != nil {
			inv.metrics = r
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(inv *Invoker) { inv.now = now }
}

// NewInvoker builds an invoker.
func NewInvoker(provider llm.Provider, selector *tier.Selector, cfg Config, opts ...Option) *Invoker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	inv := &Invoker{
		provider: provider,
		selector: selector,
		cfg:      cfg,
		logger:   zap.NewNop(),
		metrics:  metrics.Nop(),
		now:      time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		inv.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Selector returns the tier selector the invoker prices calls with.
func (inv *Invoker) Selector() *tier.Selector {
	return inv.selector
}

// Call is one agent request.
type Call struct {
	JobID     string
	Stage     pipeline.Stage
	Unit      string
	Agent     string
	Task      pipeline.TaskKind
	Pivotal   bool
	System    string
	Prompt    string
	MaxTokens int
}

// Result is a successful call.
type Result struct {
	Text      string
	Selection tier.Selection
	Snapshot  pipeline.CostSnapshot
	Attempts  int
}

// Invoke runs call under ledger. Budget denial returns an error wrapping
// budget.ErrBudgetExceeded without contacting the provider. Exhausted
// transient failures wrap ErrRetriesExhausted. A failed call that still
// reported token usage is recorded and charged like a successful one.
func (inv *Invoker) Invoke(ctx context.Context, ledger *budget.Ledger, rec CostRecorder, call Call) (Result, error) {
	sel, err := inv.selector.Select(call.Task, call.Pivotal)
	if err != nil {
		return Result{}, &CallError{Agent: call.Agent, Task: call.Task, Unit: call.Unit, Kind: Fatal, Err: err}
	}
	estimate := sel.Model.Estimate(len(call.System)+len(call.Prompt), call.MaxTokens)
	log := inv.logger.With(
		zap.String("job_id", call.JobID),
		zap.String("stage", string(call.Stage)),
		zap.String("unit", call.Unit),
		zap.String("agent", call.Agent),
		zap.String("model", sel.Model.ID),
	)
	tags := metrics.Tags{"stage": string(call.Stage), "model": sel.Model.ID}

	var (
		snap      pipeline.CostSnapshot
		recordErr error
	)
	policy := RetryPolicy{
		MaxAttempts: inv.cfg.MaxAttempts,
		Backoff: Backoff{
			Initial:    inv.cfg.BackoffInitial,
			Max:        inv.cfg.BackoffMax,
			Multiplier: 2,
			Jitter:     inv.cfg.BackoffJitter,
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			log.Warn("provider call failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err))
			inv.count(metrics.ProviderRetries, 1, tags)
		},
	}

	out, attempts := Retry(ctx, policy, func(ctx context.Context, attempt int) Outcome {
		decision, reservation, err := ledger.Check(estimate)
		if err != nil {
			inv.count(metrics.BudgetDenials, 1, metrics.Tags{"stage": string(call.Stage)})
			return Outcome{Kind: Fatal, Err: err}
		}
		if decision == budget.Warn {
			log.Debug("budget near ceiling", zap.Float64("estimate", estimate))
		}

		if inv.limiter != nil {
			if err := inv.limiter.Wait(ctx); err != nil {
				reservation.Release()
				return Outcome{Kind: Fatal, Err: err}
			}
		}

		resp, err := inv.generate(ctx, sel, call)
		inv.count(metrics.ProviderCalls, 1, metrics.Tags{
			"stage": string(call.Stage), "model": sel.Model.ID, "outcome": Classify(err).String(),
		})
		billed := resp.TokensIn > 0 || resp.TokensOut > 0
		if err != nil && !billed {
			reservation.Release()
			return Failed(err)
		}

		charged, cerr := inv.charge(ctx, log, ledger, rec, reservation, sel, call, resp)
		if cerr != nil {
			recordErr = cerr
			return Outcome{Kind: Fatal, Err: cerr}
		}
		if err != nil {
			log.Warn("billed provider call failed",
				zap.Int("tokens_in", resp.TokensIn),
				zap.Int("tokens_out", resp.TokensOut),
				zap.Float64("cost", charged.Cost),
				zap.Error(err))
			return Failed(err)
		}
		snap = charged
		return Ok(resp)
	})

	if recordErr != nil {
		return Result{}, fmt.Errorf("record cost snapshot: %w", recordErr)
	}
	if out.Kind != OK {
		return Result{}, &CallError{
			Agent: call.Agent, Task: call.Task, Unit: call.Unit,
			Attempts: attempts, Kind: out.Kind, Err: out.Err,
		}
	}

	log.Debug("provider call completed",
		zap.Int("attempts", attempts),
		zap.Int("tokens_in", snap.TokensIn),
		zap.Int("tokens_out", snap.TokensOut),
		zap.Float64("cost", snap.Cost))

	return Result{Text: out.Resp.Text, Selection: sel, Snapshot: snap, Attempts: attempts}, nil
}

// charge appends the call's cost snapshot and then settles the reservation
// with the actual cost. The ledger is only charged once the append succeeded.
func (inv *Invoker) charge(ctx context.Context, log *zap.Logger, ledger *budget.Ledger, rec CostRecorder,
	reservation *budget.Reservation, sel tier.Selection, call Call, resp llm.Response,
) (pipeline.CostSnapshot, error) {
	cost := sel.Model.Cost(resp.TokensIn, resp.TokensOut)
	snap := pipeline.CostSnapshot{
		ID:        uuid.NewString(),
		JobID:     call.JobID,
		Stage:     call.Stage,
		Unit:      call.Unit,
		Agent:     call.Agent,
		Task:      call.Task,
		Model:     sel.Model.ID,
		Tier:      sel.Tier,
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
		Cost:      cost,
		CreatedAt: inv.now().UTC(),
	}
	if rec != nil {
		if err := rec.RecordCost(ctx, &snap); err != nil {
			reservation.Release()
			return snap, err
		}
	}

	tags := metrics.Tags{"stage": string(call.Stage), "model": sel.Model.ID}
	if over := reservation.Commit(cost, int64(resp.TokensIn+resp.TokensOut)); over > 0 {
		log.Warn("call cost exceeded its reservation",
			zap.Float64("reserved", reservation.Amount()),
			zap.Float64("cost", cost),
			zap.Float64("overrun", over),
			zap.Float64("total_overrun", ledger.Overrun()),
			zap.Int("max_tokens", call.MaxTokens),
			zap.Int("tokens_out", resp.TokensOut))
		inv.count(metrics.BudgetOverruns, over, tags)
	}
	inv.count(metrics.CostUSD, cost, tags)

	if obs, ok := rec.(CostObserver); ok {
		obs.CostCharged(ctx, &snap)
	}
	return snap, nil
}

func (inv *Invoker) count(name string, value float64, tags metrics.Tags) {
	if err := inv.metrics.Counter(name, value, tags); err != nil {
		inv.logger.Debug("metric emit failed", zap.String("metric", name), zap.Error(err))
	}
}

// generate makes one provider call bounded by the per-call timeout. A timeout
// is reported as llm.ErrTimeout so it is retried; cancellation of ctx itself
// is passed through. Token usage reported with an error is kept.
func (inv *Invoker) generate(ctx context.Context, sel tier.Selection, call Call) (llm.Response, error) {
	callCtx := ctx
	if inv.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, inv.cfg.CallTimeout)
		defer cancel()
	}
	resp, err := inv.provider.Generate(callCtx, llm.Request{
		Model:     sel.Model.ID,
		System:    call.System,
		Prompt:    call.Prompt,
		MaxTokens: call.MaxTokens,
		Task:      call.Task,
		Agent:     call.Agent,
		Unit:      call.Unit,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !llm.IsTimeout(err) {
			return resp, fmt.Errorf("%w: %v", llm.ErrTimeout, err)
		}
		return resp, err
	}
	return resp, nil
}
