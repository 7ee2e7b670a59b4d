package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goscribe/internal/observability"
	"github.com/3leaps/goscribe/pkg/brief"
	"github.com/3leaps/goscribe/pkg/events"
	"github.com/3leaps/goscribe/pkg/orchestrator"
	"github.com/3leaps/goscribe/pkg/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create a job from a brief and run it in the foreground",
	Long: `Create a job from a production brief and run every configured stage
in this process.

The first interrupt (Ctrl-C) requests cooperative cancellation: in-flight
agent calls finish and the job ends as cancelled. A second interrupt aborts
immediately and leaves the job failed as interrupted, resumable later.

Examples:
  goscribe run --brief harbor.yaml
  goscribe run --brief harbor.yaml --budget 40 --events-jsonl events.jsonl`,
	RunE: runRun,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job_id>",
	Short: "Resume a failed job from its latest checkpoint",
	Long: `Resume a failed job in the foreground. Completed stages are not re-run.

A job that failed on its budget ceiling needs --budget above the current
limit.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)

	runCmd.Flags().String("brief", "", "Path to the job brief (YAML or JSON)")
	runCmd.Flags().Float64("budget", 0, "Budget ceiling in USD (overrides the brief)")
	runCmd.Flags().String("events-jsonl", "", "Append progress events to this JSONL file")
	runCmd.Flags().Bool("json", false, "Print the final job as JSON")
	_ = runCmd.MarkFlagRequired("brief")

	resumeCmd.Flags().Float64("budget", 0, "Raised budget ceiling in USD")
	resumeCmd.Flags().String("events-jsonl", "", "Append progress events to this JSONL file")
	resumeCmd.Flags().Bool("json", false, "Print the final job as JSON")
}

func runRun(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("brief")
	b, err := brief.Load(path)
	if err != nil {
		observability.CLILogger.Error("Invalid brief", zap.String("path", path), zap.Error(err))
		if errors.Is(err, brief.ErrValidationFailed) {
			return exitError(foundry.ExitInvalidArgument, "Invalid brief", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to read brief", err)
	}
	if cmd.Flags().Changed("budget") {
		b.BudgetLimit, _ = cmd.Flags().GetFloat64("budget")
	}

	cfg, err := loadConfig(cmd, flagOverrides(cmd, map[string]string{"events-jsonl": "events.jsonl_path"}))
	if err != nil {
		return err
	}
	comps, err := buildComponents(cmd.Context(), cfg, buildOptions{
		logger: observability.CLILogger,
		sinks:  []events.Sink{progressSink(observability.CLILogger)},
	})
	if err != nil {
		observability.CLILogger.Error("Failed to initialize pipeline", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize pipeline", err)
	}
	defer func() { _ = comps.Close() }()

	job, err := comps.manager.CreateJob(cmd.Context(), *b)
	if err != nil {
		return exitError(managerExitCode(err), "Failed to create job", err)
	}
	observability.CLILogger.Info("Job created",
		zap.String("job_id", job.ID),
		zap.String("title", job.Brief.Title),
		zap.String("budget", formatUSD(job.BudgetLimit)))
	return runForeground(cmd, comps, job.ID)
}

func runResume(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	var raised *float64
	if cmd.Flags().Changed("budget") {
		v, _ := cmd.Flags().GetFloat64("budget")
		raised = &v
	}

	cfg, err := loadConfig(cmd, flagOverrides(cmd, map[string]string{"events-jsonl": "events.jsonl_path"}))
	if err != nil {
		return err
	}
	comps, err := buildComponents(cmd.Context(), cfg, buildOptions{
		logger: observability.CLILogger,
		sinks:  []events.Sink{progressSink(observability.CLILogger)},
	})
	if err != nil {
		observability.CLILogger.Error("Failed to initialize pipeline", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize pipeline", err)
	}
	defer func() { _ = comps.Close() }()

	// Another process may have died holding the lock.
	if n, err := comps.manager.RecoverInterrupted(cmd.Context()); err != nil {
		observability.CLILogger.Warn("Interrupted-job recovery failed", zap.Error(err))
	} else if n > 0 {
		observability.CLILogger.Info("Recovered interrupted jobs", zap.Int("count", n))
	}

	job, err := comps.manager.PrepareResume(cmd.Context(), jobID, raised)
	if err != nil {
		observability.CLILogger.Error("Cannot resume job", zap.String("job_id", jobID), zap.Error(err))
		return exitError(managerExitCode(err), "Cannot resume job", err)
	}
	observability.CLILogger.Info("Resuming job",
		zap.String("job_id", job.ID),
		zap.Int("completed_stages", len(job.CompletedStages)),
		zap.String("budget", formatUSD(job.BudgetLimit)))
	return runForeground(cmd, comps, jobID)
}

// runForeground drives jobID to a terminal state. The first interrupt
// cancels the job cooperatively, the second cancels the run context.
func runForeground(cmd *cobra.Command, comps *components, jobID string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		observability.CLILogger.Warn("Interrupt received, cancelling job (interrupt again to abort)",
			zap.String("job_id", jobID))
		if _, err := comps.manager.CancelJob(context.Background(), jobID); err != nil {
			observability.CLILogger.Warn("Cancel request failed", zap.Error(err))
		}
		select {
		case <-sigCh:
			observability.CLILogger.Warn("Aborting run")
			cancel()
		case <-ctx.Done():
		}
	}()

	job, err := comps.manager.Run(ctx, jobID)
	if err != nil {
		observability.CLILogger.Error("Job run failed", zap.String("job_id", jobID), zap.Error(err))
		return exitError(managerExitCode(err), "Job run failed", err)
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		if err := writeJSON(cmd.OutOrStdout(), job); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	} else {
		renderJob(cmd.OutOrStdout(), job)
	}
	return jobExitError(job)
}

// jobExitError maps a finished job to the command result.
func jobExitError(job *pipeline.Job) error {
	switch job.Status {
	case pipeline.JobCompleted:
		return nil
	case pipeline.JobCancelled:
		return exitError(foundry.ExitSignalInt, "Job cancelled", fmt.Errorf("job %s", job.ID))
	}
	cause := fmt.Errorf("job %s did not complete", job.ID)
	code := exitFailure
	if f := job.Failure; f != nil {
		cause = fmt.Errorf("job %s failed in %s: %s", job.ID, dash(string(f.Stage)), f.Message)
		switch f.Category {
		case pipeline.FailureTransientExhausted, pipeline.FailureProviderFatal:
			code = foundry.ExitExternalServiceUnavailable
		case pipeline.FailureInterrupted:
			code = foundry.ExitSignalInt
		}
	}
	return exitError(code, "Job failed", cause)
}

// managerExitCode maps job lifecycle errors to exit codes.
func managerExitCode(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrJobNotFound),
		errors.Is(err, orchestrator.ErrInvalidBudget),
		errors.Is(err, orchestrator.ErrBudgetNotRaised),
		errors.Is(err, orchestrator.ErrNotResumable),
		errors.Is(err, orchestrator.ErrJobFinished),
		errors.Is(err, orchestrator.ErrQuotaExceeded):
		return foundry.ExitInvalidArgument
	case errors.Is(err, context.Canceled):
		return foundry.ExitSignalInt
	default:
		return exitFailure
	}
}

// progressSink reports stage-level progress on the CLI logger.
func progressSink(logger *zap.Logger) events.Sink {
	return events.SinkFunc(func(_ context.Context, ev events.Event) error {
		base := []zap.Field{zap.Float64("percent", ev.Percent), zap.String("cost", formatUSD(ev.Cost))}
		switch ev.Type {
		case events.TypeJobStarted, events.TypeJobResumed:
			logger.Info("Job running", append(base, zap.String("event", string(ev.Type)))...)
		case events.TypeStageStarted:
			logger.Info("Stage started", zap.String("stage", string(ev.Stage)))
		case events.TypeStageCompleted:
			logger.Info("Stage completed", append(base, zap.String("stage", string(ev.Stage)))...)
		case events.TypeUnitCompleted:
			logger.Debug("Unit completed", zap.String("stage", string(ev.Stage)), zap.String("unit", ev.Unit))
		case events.TypeRepairAttempt:
			logger.Info("Quality gate failed, repairing", zap.String("stage", string(ev.Stage)), zap.String("unit", ev.Unit))
		case events.TypeBudgetWarning:
			logger.Warn("Budget warning", append(base, zap.String("message", ev.Message))...)
		case events.TypeArtifactsOrphans:
			logger.Info("Orphaned artifacts ignored", zap.String("message", ev.Message))
		case events.TypePublishCompleted:
			logger.Info("Manuscript published", zap.String("message", ev.Message))
		case events.TypePublishFailed:
			logger.Warn("Manuscript publish failed", zap.String("message", ev.Message))
		}
		return nil
	})
}
