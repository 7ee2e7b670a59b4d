package brief

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

func validBriefYAML() string {
	return `title: Harbor Lights
genre: mystery
target_words: 60000
premise: A storm strands a fishing town and a stranger with it.
`
}

func fullBriefYAML() string {
	return `$schema: https://3leaps.dev/schemas/goscribe/v1.0.0/job-brief.schema.json
title: "  Harbor Lights  "
genre: mystery
production_type: novella
target_words: 45000
budget_limit: 12.5
premise: A storm strands a fishing town.
tone: wry
audience: adult
owner: team-a
notes: Keep the body count low.
`
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		filename    string
		errContains string
		check       func(t *testing.T, b *pipeline.Brief)
	}{
		{
			name:     "minimal yaml",
			content:  validBriefYAML(),
			filename: "brief.yaml",
			check: func(t *testing.T, b *pipeline.Brief) {
				assert.Equal(t, "Harbor Lights", b.Title)
				assert.Equal(t, 60000, b.TargetWords)
				assert.Equal(t, DefaultProductionType, b.ProductionType)
				assert.Zero(t, b.BudgetLimit)
			},
		},
		{
			name:     "full yaml",
			content:  fullBriefYAML(),
			filename: "brief.yml",
			check: func(t *testing.T, b *pipeline.Brief) {
				assert.Equal(t, "Harbor Lights", b.Title)
				assert.Equal(t, pipeline.ProductionNovella, b.ProductionType)
				assert.Equal(t, 12.5, b.BudgetLimit)
				assert.Equal(t, "team-a", b.Owner)
				assert.Equal(t, "wry", b.Tone)
			},
		},
		{
			name:     "json",
			content:  `{"title":"Harbor","genre":"mystery","target_words":30000,"premise":"Storm."}`,
			filename: "brief.json",
			check: func(t *testing.T, b *pipeline.Brief) {
				assert.Equal(t, "Harbor", b.Title)
				assert.Equal(t, 30000, b.TargetWords)
			},
		},
		{
			name:     "unknown extension falls back to yaml",
			content:  validBriefYAML(),
			filename: "brief.txt",
			check: func(t *testing.T, b *pipeline.Brief) {
				assert.Equal(t, "mystery", b.Genre)
			},
		},
		{
			name:        "target below minimum",
			content:     strings.Replace(validBriefYAML(), "60000", "1000", 1),
			filename:    "brief.yaml",
			errContains: "/target_words",
		},
		{
			name:        "missing premise",
			content:     "title: Harbor\ngenre: mystery\ntarget_words: 60000\n",
			filename:    "brief.yaml",
			errContains: "premise",
		},
		{
			name:        "unknown field",
			content:     validBriefYAML() + "chapters: 12\n",
			filename:    "brief.yaml",
			errContains: "chapters",
		},
		{
			name:        "bad production type",
			content:     validBriefYAML() + "production_type: screenplay\n",
			filename:    "brief.yaml",
			errContains: "production_type",
		},
		{
			name:        "malformed json",
			content:     `{"title":`,
			filename:    "brief.json",
			errContains: "invalid JSON",
		},
		{
			name:        "not a mapping",
			content:     "- one\n- two\n",
			filename:    "brief.yaml",
			errContains: "mapping",
		},
		{
			name:        "empty",
			content:     "   \n",
			filename:    "brief.yaml",
			errContains: "empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.filename)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			b, err := Load(path)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			tt.check(t, b)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoadFromReader(t *testing.T) {
	b, err := LoadFromReader(strings.NewReader(validBriefYAML()), "")
	require.NoError(t, err)
	assert.Equal(t, "Harbor Lights", b.Title)
}

func TestValidationErrorsUnwrap(t *testing.T) {
	_, err := LoadFromBytes([]byte("title: Harbor\n"), "brief.yaml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidationFailed))

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.NotEmpty(t, verrs)
}

func TestValidate(t *testing.T) {
	b := &pipeline.Brief{Title: "Harbor", Genre: "mystery", TargetWords: 50_000, Premise: "Storm."}
	assert.NoError(t, Validate(b))

	b.BudgetLimit = -3
	assert.Error(t, Validate(b))

	assert.Error(t, Validate(&pipeline.Brief{Title: "Harbor"}))
}

func TestApplyDefaults(t *testing.T) {
	b := pipeline.Brief{Title: " T ", Owner: " o "}
	ApplyDefaults(&b)
	assert.Equal(t, "T", b.Title)
	assert.Equal(t, "o", b.Owner)
	assert.Equal(t, pipeline.ProductionNovel, b.ProductionType)
}
