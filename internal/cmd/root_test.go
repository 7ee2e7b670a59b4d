package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer SetVersionInfo(origVersion, origCommit, origBuildDate)

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2026-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("bad flag")
	err := exitError(foundry.ExitInvalidArgument, "Invalid --limit value", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, fmt.Sprintf("Invalid --limit value: bad flag (exit code %d)", foundry.ExitInvalidArgument), err.Error())

	wrapped := fmt.Errorf("outer: %w", err)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(wrapped))
}

func TestExitErrorWithoutCause(t *testing.T) {
	err := exitError(exitFailure, "Job failed", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Job failed")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, exitFailure, ExitCode(errors.New("plain")))
	assert.Equal(t, int(foundry.ExitSignalInt), ExitCode(exitError(foundry.ExitSignalInt, "cancelled", nil)))
}
