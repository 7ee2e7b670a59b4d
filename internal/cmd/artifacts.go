package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/goscribe/pkg/pipeline"
	"github.com/3leaps/goscribe/pkg/store"
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Inspect job artifacts",
}

var artifactsListCmd = &cobra.Command{
	Use:   "list <job_id>",
	Short: "List the artifacts of a job",
	Long: `List artifact versions produced by a job.

--key is a glob over "<type>/<key>" and supports ** (doublestar syntax).

Examples:
  goscribe artifacts list 6f1c... --type prose
  goscribe artifacts list 6f1c... --key 'prose/ch01-*' --latest`,
	Args: cobra.ExactArgs(1),
	RunE: runArtifactsList,
}

var artifactsGetCmd = &cobra.Command{
	Use:   "get <artifact_id>",
	Short: "Print one artifact version",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactsGet,
}

func init() {
	rootCmd.AddCommand(artifactsCmd)
	artifactsCmd.AddCommand(artifactsListCmd)
	artifactsCmd.AddCommand(artifactsGetCmd)

	artifactsListCmd.Flags().String("type", "", "Filter by artifact type (e.g. outline, prose, manuscript)")
	artifactsListCmd.Flags().String("key", "", "Glob over <type>/<key>")
	artifactsListCmd.Flags().Bool("latest", false, "Only the newest version of each artifact")
	artifactsListCmd.Flags().Bool("json", false, "Output as JSON")
	artifactsGetCmd.Flags().Bool("json", false, "Output the artifact record as JSON")
	artifactsGetCmd.Flags().StringP("output", "o", "", "Write content to this file instead of stdout")
}

func runArtifactsList(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	typ, _ := cmd.Flags().GetString("type")
	key, _ := cmd.Flags().GetString("key")
	latest, _ := cmd.Flags().GetBool("latest")

	filter := store.ArtifactFilter{Type: pipeline.ArtifactType(typ), RefGlob: key, LatestOnly: latest}
	if err := filter.Validate(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --key value", err)
	}

	comps, err := inspectComponents(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = comps.Close() }()

	arts, err := comps.manager.ListArtifacts(cmd.Context(), args[0], filter)
	if err != nil {
		return exitError(managerExitCode(err), "Failed to list artifacts", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if arts == nil {
			arts = []*pipeline.Artifact{}
		}
		return writeJSON(out, arts)
	}
	if len(arts) == 0 {
		_, _ = fmt.Fprintln(out, "No artifacts found")
		return nil
	}
	renderArtifacts(out, arts)
	return nil
}

func runArtifactsGet(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	outPath, _ := cmd.Flags().GetString("output")

	comps, err := inspectComponents(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = comps.Close() }()

	a, err := comps.manager.GetArtifact(cmd.Context(), args[0])
	if err != nil {
		if store.IsNotFound(err) {
			return exitError(foundry.ExitInvalidArgument, "Artifact not found", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to get artifact", err)
	}

	var w io.Writer = cmd.OutOrStdout()
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	if jsonOutput {
		return writeJSON(w, a)
	}
	if _, err := io.WriteString(w, a.Content); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write artifact", err)
	}
	return nil
}
