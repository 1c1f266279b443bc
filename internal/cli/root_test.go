package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/tabulate-labs/tabulator/internal/api"
	"github.com/tabulate-labs/tabulator/internal/artifact"
	"github.com/tabulate-labs/tabulator/internal/engine"
	"github.com/tabulate-labs/tabulator/internal/registry"
	"github.com/tabulate-labs/tabulator/internal/store/memory"
)

// resetHelpFlags clears the sticky help flag left behind by a previous
// `--help` invocation, so each executeCommand call behaves like a fresh
// process despite rootCmd being a shared global.
func resetHelpFlags(cmd *cobra.Command) {
	if f := cmd.Flags().Lookup("help"); f != nil {
		_ = f.Value.Set("false")
		f.Changed = false
	}
	for _, sub := range cmd.Commands() {
		resetHelpFlags(sub)
	}
}

func executeCommand(args ...string) (string, error) {
	resetHelpFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func testAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	artifacts := artifact.NewMemoryStore()
	eng := engine.New(registry.Default(), memory.NewRunStore(), artifacts, logger)
	srv := httptest.NewServer(api.NewRouter(logger, eng, artifacts, nil))
	t.Cleanup(srv.Close)
	return srv
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, sub := range []string{"runs", "stage", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestStageSubcommands(t *testing.T) {
	subcmds := []string{"begin", "lock", "skip", "unlock", "cancel", "progress", "dispatch"}
	for _, sub := range subcmds {
		out, err := executeCommand("stage", sub, "--help")
		if err != nil {
			t.Errorf("stage %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("stage %s --help produced no output", sub)
		}
	}
}

func TestRunsLifecycleAgainstServer(t *testing.T) {
	srv := testAPIServer(t)

	out, err := executeCommand("runs", "start", "--api", srv.URL, "--format", "json")
	if err != nil {
		t.Fatalf("runs start: %v", err)
	}
	var view engine.RunView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("runs start output is not a run view: %s", out)
	}

	out, err = executeCommand("runs", "show", view.RunID.String(), "--api", srv.URL)
	if err != nil {
		t.Fatalf("runs show: %v", err)
	}
	if !strings.Contains(out, "selection") || !strings.Contains(out, "available") {
		t.Errorf("show output missing stage table: %s", out)
	}

	out, err = executeCommand("runs", "list", "--api", srv.URL)
	if err != nil {
		t.Fatalf("runs list: %v", err)
	}
	if !strings.Contains(out, view.RunID.String()) {
		t.Errorf("list output missing run: %s", out)
	}

	out, err = executeCommand("runs", "delete", view.RunID.String(), "--api", srv.URL)
	if err != nil {
		t.Fatalf("runs delete: %v", err)
	}
	if !strings.Contains(out, "Deleted") {
		t.Errorf("unexpected delete output: %s", out)
	}
}

func TestStageLockAndUnlockPreview(t *testing.T) {
	srv := testAPIServer(t)

	out, err := executeCommand("runs", "start", "--api", srv.URL, "--format", "json")
	if err != nil {
		t.Fatal(err)
	}
	var view engine.RunView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatal(err)
	}
	runID := view.RunID.String()

	payload := `{"source":"files","files":[{"path":"/data/orders.csv"}]}`
	rootCmd.SetIn(strings.NewReader(payload))
	out, err = executeCommand("stage", "lock", runID, "selection", "--api", srv.URL)
	if err != nil {
		t.Fatalf("stage lock: %v", err)
	}
	if !strings.Contains(out, "Locked selection") {
		t.Errorf("unexpected lock output: %s", out)
	}

	out, err = executeCommand("stage", "unlock", runID, "selection", "--api", srv.URL)
	if err != nil {
		t.Fatalf("stage unlock preview: %v", err)
	}
	if !strings.Contains(out, "invalidates nothing") {
		t.Errorf("unexpected preview output: %s", out)
	}

	out, err = executeCommand("stage", "unlock", runID, "selection", "--confirm", "--api", srv.URL)
	if err != nil {
		t.Fatalf("stage unlock confirm: %v", err)
	}
	if !strings.Contains(out, "Unlocked selection") {
		t.Errorf("unexpected unlock output: %s", out)
	}
}

func TestGatingErrorIsReadable(t *testing.T) {
	srv := testAPIServer(t)

	out, err := executeCommand("runs", "start", "--api", srv.URL, "--format", "json")
	if err != nil {
		t.Fatal(err)
	}
	var view engine.RunView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatal(err)
	}

	_, err = executeCommand("stage", "begin", view.RunID.String(), "discovery", "--api", srv.URL)
	if err == nil {
		t.Fatal("expected gating error")
	}
	if !strings.Contains(err.Error(), "GATING_UNMET") {
		t.Errorf("error should surface the API code: %v", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCommand("nonexistent")
	if err == nil {
		t.Error("expected error for unknown command, got nil")
	}
}
