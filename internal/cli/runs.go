package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tabulate-labs/tabulator/internal/engine"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage pipeline runs",
}

var runsStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Create a new pipeline run",
	RunE: func(cmd *cobra.Command, args []string) error {
		api := newAPIClient(cmd)

		var view engine.RunView
		if err := api.post("/api/v1/runs", nil, &view); err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return printJSON(cmd, view)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created run %s\n", view.RunID)
		return nil
	},
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		api := newAPIClient(cmd)
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		var resp struct {
			Runs  []engine.RunView `json:"runs"`
			Total int              `json:"total"`
		}
		if err := api.get(fmt.Sprintf("/api/v1/runs?limit=%d&offset=%d", limit, offset), &resp); err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return printJSON(cmd, resp.Runs)
		}

		if len(resp.Runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tCREATED\tLOCKED\tSTAGES")
		for _, run := range resp.Runs {
			locked := 0
			for _, s := range run.Stages {
				if s.Status == engine.StatusLocked {
					locked++
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n",
				run.RunID,
				run.CreatedAt.Format("2006-01-02 15:04:05"),
				locked, len(run.Stages),
				stageSummary(run.Stages))
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run with per-stage status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := newAPIClient(cmd)

		var view engine.RunView
		if err := api.get("/api/v1/runs/"+args[0], &view); err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return printJSON(cmd, view)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Run %s (created %s)\n\n",
			view.RunID, view.CreatedAt.Format("2006-01-02 15:04:05"))

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tSTATUS\tUI\tARTIFACT\tPROGRESS")
		for _, s := range view.Stages {
			art := "-"
			if s.Artifact != nil {
				art = fmt.Sprintf("%s (%s)", shortID(s.Artifact.ID), s.Artifact.Kind)
				if len(s.Artifact.Warnings) > 0 {
					art += fmt.Sprintf(" %d warning(s)", len(s.Artifact.Warnings))
				}
			}
			prog := "-"
			if s.Progress != nil {
				prog = fmt.Sprintf("%d/%d files", s.Progress.ProcessedFiles, s.Progress.TotalFiles)
				if s.Progress.ProcessedRows > 0 {
					prog += fmt.Sprintf(", %d rows", s.Progress.ProcessedRows)
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Status, s.UI, art, prog)
		}
		return w.Flush()
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run and release its artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := newAPIClient(cmd)
		if err := api.delete("/api/v1/runs/" + args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
		return nil
	},
}

// stageSummary shows the furthest locked stage, or "new" for a fresh run.
func stageSummary(stages []engine.StageView) string {
	last := ""
	for _, s := range stages {
		if s.Status == engine.StatusLocked {
			last = string(s.ID)
		}
	}
	if last == "" {
		return "new"
	}
	return "through " + last
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func init() {
	runsStartCmd.Flags().String("format", "text", "Output format: text or json")
	runsListCmd.Flags().String("format", "table", "Output format: table or json")
	runsListCmd.Flags().Int("limit", 20, "Maximum runs to list")
	runsListCmd.Flags().Int("offset", 0, "Offset into the run list")
	runsShowCmd.Flags().String("format", "text", "Output format: text or json")

	runsCmd.AddCommand(runsStartCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsDeleteCmd)
}
