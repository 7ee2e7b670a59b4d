package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goscribe/internal/observability"
	"github.com/3leaps/goscribe/pkg/pipeline"
	"github.com/3leaps/goscribe/pkg/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage jobs",
	Long: `Inspect jobs recorded in the configured store.

All subcommands accept --json for machine-readable output.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a pending job",
	Long: `Cancel a job that has not started. Jobs running in another process are
cancelled through that process (Ctrl-C for 'goscribe run', or
POST /v1/jobs/{id}/cancel against 'goscribe serve').`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsCancel,
}

var costsCmd = &cobra.Command{
	Use:   "costs <job_id>",
	Short: "Show the cost history of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCosts,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(costsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsCancelCmd)

	jobsListCmd.Flags().String("status", "", "Filter by status: pending, running, completed, failed, cancelled")
	jobsListCmd.Flags().String("owner", "", "Filter by brief owner")
	jobsListCmd.Flags().Int("limit", 50, "Maximum jobs to list (0 = no limit)")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsCancelCmd.Flags().Bool("json", false, "Output as JSON")
	costsCmd.Flags().Bool("json", false, "Output as JSON")
}

// inspectComponents builds components for read-mostly commands: no event
// sinks and no publisher.
func inspectComponents(cmd *cobra.Command) (*components, error) {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return nil, err
	}
	comps, err := buildComponents(cmd.Context(), cfg, buildOptions{logger: observability.CLILogger, inspect: true})
	if err != nil {
		observability.CLILogger.Error("Failed to open store", zap.Error(err))
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open store", err)
	}
	return comps, nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	status, _ := cmd.Flags().GetString("status")
	owner, _ := cmd.Flags().GetString("owner")
	limit, _ := cmd.Flags().GetInt("limit")
	if limit < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --limit value", fmt.Errorf("limit must be >= 0"))
	}
	if status != "" && !validStatus(pipeline.JobStatus(status)) {
		return exitError(foundry.ExitInvalidArgument, "Invalid --status value", fmt.Errorf("unknown status %q", status))
	}

	comps, err := inspectComponents(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = comps.Close() }()

	jobs, err := comps.manager.ListJobs(cmd.Context(), store.JobFilter{
		Status: pipeline.JobStatus(status),
		Owner:  owner,
		Limit:  limit,
	})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list jobs", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if jobs == nil {
			jobs = []*pipeline.Job{}
		}
		return writeJSON(out, jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}
	renderJobs(out, jobs)
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	comps, err := inspectComponents(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = comps.Close() }()

	job, err := comps.manager.GetJob(cmd.Context(), args[0])
	if err != nil {
		return exitError(managerExitCode(err), "Failed to get job", err)
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), job)
	}
	renderJob(cmd.OutOrStdout(), job)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	comps, err := inspectComponents(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = comps.Close() }()

	job, err := comps.manager.CancelJob(cmd.Context(), args[0])
	if err != nil {
		return exitError(managerExitCode(err), "Failed to cancel job", err)
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), job)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s\n", job.ID, job.Status)
	return nil
}

func runCosts(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	comps, err := inspectComponents(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = comps.Close() }()

	ctx := cmd.Context()
	snaps, err := comps.manager.GetCostSnapshots(ctx, args[0])
	if err != nil {
		return exitError(managerExitCode(err), "Failed to get costs", err)
	}
	budget, err := comps.manager.CheckBudget(ctx, args[0])
	if err != nil {
		return exitError(managerExitCode(err), "Failed to get budget", err)
	}

	if jsonOutput {
		if snaps == nil {
			snaps = []pipeline.CostSnapshot{}
		}
		total, tokens := store.SumCosts(snaps)
		return writeJSON(cmd.OutOrStdout(), map[string]any{
			"snapshots":    snaps,
			"total_cost":   total,
			"total_tokens": tokens,
			"budget":       budget,
		})
	}
	renderCosts(cmd.OutOrStdout(), snaps, budget)
	return nil
}

func validStatus(s pipeline.JobStatus) bool {
	switch s {
	case pipeline.JobPending, pipeline.JobRunning, pipeline.JobCompleted, pipeline.JobFailed, pipeline.JobCancelled:
		return true
	}
	return false
}
