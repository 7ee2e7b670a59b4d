package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/3leaps/goscribe/pkg/pipeline"
	"github.com/3leaps/goscribe/pkg/store"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.Style().Options.SeparateRows = false
	return tw
}

func renderJobs(w io.Writer, jobs []*pipeline.Job) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"JOB ID", "TITLE", "STATUS", "STAGE", "COST", "BUDGET", "CREATED"})
	for _, j := range jobs {
		tw.AppendRow(table.Row{
			j.ID,
			truncate(j.Brief.Title, 32),
			j.Status,
			dash(string(j.CurrentStage)),
			formatUSD(j.ActualCost),
			formatUSD(j.BudgetLimit),
			formatTime(j.CreatedAt),
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	tw.Render()
}

func renderJob(w io.Writer, j *pipeline.Job) {
	tw := newTable(w)
	tw.AppendRows([]table.Row{
		{"Job", j.ID},
		{"Title", j.Brief.Title},
		{"Genre", j.Brief.Genre},
		{"Status", j.Status},
		{"Current stage", dash(string(j.CurrentStage))},
		{"Completed stages", dash(joinStages(j.CompletedStages))},
		{"Cost", fmt.Sprintf("%s of %s", formatUSD(j.ActualCost), formatUSD(j.BudgetLimit))},
		{"Tokens", j.TokensUsed},
		{"Created", formatTime(j.CreatedAt)},
	})
	if j.StartedAt != nil {
		tw.AppendRow(table.Row{"Started", formatTime(*j.StartedAt)})
	}
	if j.EndedAt != nil {
		tw.AppendRow(table.Row{"Ended", formatTime(*j.EndedAt)})
	}
	if f := j.Failure; f != nil {
		tw.AppendSeparator()
		tw.AppendRows([]table.Row{
			{"Failure", f.Category},
			{"Failed stage", dash(string(f.Stage))},
			{"Message", f.Message},
			{"Last checkpoint", f.LastCheckpointSeq},
		})
	}
	tw.Render()
}

func renderCosts(w io.Writer, snaps []pipeline.CostSnapshot, budget pipeline.BudgetStatus) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"SEQ", "STAGE", "UNIT", "TASK", "MODEL", "TIER", "TOKENS IN", "TOKENS OUT", "COST"})
	for _, s := range snaps {
		tw.AppendRow(table.Row{s.Seq, s.Stage, dash(s.Unit), s.Task, s.Model, s.Tier, s.TokensIn, s.TokensOut, formatUSD(s.Cost)})
	}
	total, tokens := store.SumCosts(snaps)
	tw.AppendFooter(table.Row{"", "", "", "", "", "TOTAL", "", tokens, formatUSD(total)})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
	})
	tw.Render()
	_, _ = fmt.Fprintf(w, "Budget: %s used of %s, %s remaining\n",
		formatUSD(budget.Used), formatUSD(budget.Limit), formatUSD(budget.Remaining))
}

func renderArtifacts(w io.Writer, arts []*pipeline.Artifact) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"ARTIFACT ID", "TYPE", "KEY", "VERSION", "STAGE", "MODEL", "WORDS", "QUALITY", "CREATED"})
	for _, a := range arts {
		quality := "-"
		if a.Quality != nil {
			quality = "fail"
			if a.Quality.Passed {
				quality = "pass"
			}
		}
		tw.AppendRow(table.Row{
			a.ID, a.Type, a.Key, a.Version, a.Stage, dash(a.Model),
			len(strings.Fields(a.Content)), quality, formatTime(a.CreatedAt),
		})
	}
	tw.Render()
}

func formatUSD(v float64) string {
	return fmt.Sprintf("$%.4f", v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func joinStages(stages []pipeline.Stage) string {
	parts := make([]string, len(stages))
	for i, s := range stages {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
