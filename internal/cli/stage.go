package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tabulate-labs/tabulator/internal/engine"
)

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Operate individual stages of a run",
}

func stagePath(runID, stageID, op string) string {
	return fmt.Sprintf("/api/v1/runs/%s/stages/%s/%s", runID, stageID, op)
}

var stageBeginCmd = &cobra.Command{
	Use:   "begin <run-id> <stage>",
	Short: "Mark a stage as in progress",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := newAPIClient(cmd)
		var si engine.StageInstance
		if err := api.post(stagePath(args[0], args[1], "begin"), nil, &si); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stage %s is %s\n", args[1], si.Status)
		return nil
	},
}

var stageLockCmd = &cobra.Command{
	Use:   "lock <run-id> <stage>",
	Short: "Lock a stage with a payload read from --file or stdin",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")

		var payload []byte
		var err error
		if file != "" && file != "-" {
			payload, err = os.ReadFile(file)
		} else {
			payload, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}

		api := newAPIClient(cmd)
		var si engine.StageInstance
		if err := api.post(stagePath(args[0], args[1], "lock"), payload, &si); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Locked %s (artifact %s)\n", args[1], shortID(si.Artifact.ID))
		for _, warn := range si.Artifact.Warnings {
			fmt.Fprintf(cmd.OutOrStdout(), "  warning: %s\n", warn)
		}
		return nil
	},
}

var stageSkipCmd = &cobra.Command{
	Use:   "skip <run-id> <stage>",
	Short: "Skip an optional stage with its default artifact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := newAPIClient(cmd)
		var si engine.StageInstance
		if err := api.post(stagePath(args[0], args[1], "skip"), nil, &si); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Skipped %s\n", args[1])
		return nil
	},
}

var stageUnlockCmd = &cobra.Command{
	Use:   "unlock <run-id> <stage>",
	Short: "Unlock a stage (dry-run unless --confirm)",
	Long: `Without --confirm, prints the downstream stages that would be invalidated
and changes nothing. With --confirm, unlocks the stage and invalidates
everything downstream of it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		api := newAPIClient(cmd)
		path := stagePath(args[0], args[1], "unlock")
		if confirm {
			path += "?confirm=true"
			var si engine.StageInstance
			if err := api.post(path, nil, &si); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unlocked %s\n", args[1])
			return nil
		}

		var preview engine.UnlockPreview
		if err := api.post(path, nil, &preview); err != nil {
			return err
		}
		if len(preview.WouldInvalidate) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Unlocking %s invalidates nothing downstream\n", args[1])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Unlocking %s would invalidate:\n", args[1])
		for _, inv := range preview.WouldInvalidate {
			note := ""
			if inv.HadArtifact {
				note = " (artifact discarded)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  %s [%s]%s\n", inv.ID, inv.Status, note)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Re-run with --confirm to proceed")
		return nil
	},
}

var stageCancelCmd = &cobra.Command{
	Use:   "cancel <run-id> <stage>",
	Short: "Cancel an in-progress stage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := newAPIClient(cmd)
		if err := api.post(stagePath(args[0], args[1], "cancel"), nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[1])
		return nil
	},
}

var stageProgressCmd = &cobra.Command{
	Use:   "progress <run-id> <stage>",
	Short: "Show the progress of a stage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := newAPIClient(cmd)
		var resp struct {
			Status   engine.Status    `json:"status"`
			Progress *engine.Progress `json:"progress"`
		}
		if err := api.get(stagePath(args[0], args[1], "progress"), &resp); err != nil {
			return err
		}
		if resp.Progress == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[1], resp.Status)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %d/%d files", args[1], resp.Status,
			resp.Progress.ProcessedFiles, resp.Progress.TotalFiles)
		if resp.Progress.ProcessedRows > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), ", %d rows", resp.Progress.ProcessedRows)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}

var stageDispatchCmd = &cobra.Command{
	Use:   "dispatch <run-id> <stage>",
	Short: "Enqueue background work for a long-running stage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, _ := cmd.Flags().GetStringSlice("param")

		body := struct {
			Params map[string]string `json:"params,omitempty"`
		}{}
		for _, p := range params {
			k, v, found := strings.Cut(p, "=")
			if !found {
				return fmt.Errorf("invalid --param %q: expected key=value", p)
			}
			if body.Params == nil {
				body.Params = make(map[string]string)
			}
			body.Params[k] = v
		}

		data, err := json.Marshal(body)
		if err != nil {
			return err
		}

		api := newAPIClient(cmd)
		var resp struct {
			TaskID string `json:"task_id"`
		}
		if err := api.post(stagePath(args[0], args[1], "dispatch"), data, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Dispatched %s (task %s)\n", args[1], resp.TaskID)
		return nil
	},
}

func init() {
	stageLockCmd.Flags().String("file", "", "Payload file (default: stdin)")
	stageUnlockCmd.Flags().Bool("confirm", false, "Apply the unlock instead of previewing it")
	stageDispatchCmd.Flags().StringSlice("param", nil, "Task parameter as key=value (repeatable)")

	stageCmd.AddCommand(stageBeginCmd)
	stageCmd.AddCommand(stageLockCmd)
	stageCmd.AddCommand(stageSkipCmd)
	stageCmd.AddCommand(stageUnlockCmd)
	stageCmd.AddCommand(stageCancelCmd)
	stageCmd.AddCommand(stageProgressCmd)
	stageCmd.AddCommand(stageDispatchCmd)
}
