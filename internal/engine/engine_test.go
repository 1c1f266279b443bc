package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulate-labs/tabulator/internal/artifact"
	"github.com/tabulate-labs/tabulator/internal/engine"
	"github.com/tabulate-labs/tabulator/internal/registry"
	"github.com/tabulate-labs/tabulator/internal/store/memory"
)

func newTestEngine(t *testing.T) (*engine.Engine, *artifact.MemoryStore) {
	t.Helper()
	artifacts := artifact.NewMemoryStore()
	eng := engine.New(registry.Default(), memory.NewRunStore(), artifacts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return eng, artifacts
}

func startRun(t *testing.T, eng *engine.Engine) uuid.UUID {
	t.Helper()
	st, err := eng.StartRun(context.Background())
	require.NoError(t, err)
	return st.ID
}

func lockWith(t *testing.T, eng *engine.Engine, artifacts *artifact.MemoryStore, runID uuid.UUID, stage registry.StageID, payload any) *artifact.Ref {
	t.Helper()
	ctx := context.Background()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	kind, warnings, err := artifact.Validate(stage, data)
	require.NoError(t, err)

	ref, err := artifacts.Put(ctx, data, kind, warnings)
	require.NoError(t, err)

	_, err = eng.LockStage(ctx, runID, stage, ref)
	require.NoError(t, err)
	return ref
}

// lockThrough walks the pipeline in order, locking (or skipping nothing —
// optional stages are locked too) every stage up to and including `until`.
func lockThrough(t *testing.T, eng *engine.Engine, artifacts *artifact.MemoryStore, runID uuid.UUID, until registry.StageID) {
	t.Helper()
	for _, def := range eng.Registry().Definitions() {
		lockWith(t, eng, artifacts, runID, def.ID, payloadFor(def.ID))
		if def.ID == until {
			return
		}
	}
	t.Fatalf("stage %q not in registry", until)
}

func payloadFor(stage registry.StageID) any {
	switch stage {
	case registry.StageSelection:
		return artifact.SelectionPayload{
			Source: artifact.SourceFiles,
			Files:  []artifact.FileEntry{{Path: "/data/orders.csv", Size: 1024}},
		}
	case registry.StageDiscovery:
		return artifact.DiscoveryPayload{
			Tables: []artifact.TableMeta{{File: "/data/orders.csv", Name: "orders"}},
		}
	case registry.StageTableAvailability:
		return artifact.AvailabilityPayload{Available: []string{"orders"}}
	case registry.StageContext:
		return artifact.ContextPayload{Mappings: map[string]string{"orders": "sales"}}
	case registry.StageTableSelection:
		return artifact.TableSelectionPayload{Selected: []string{"orders"}}
	case registry.StagePreview:
		return artifact.PreviewPayload{SampledRows: 10}
	case registry.StageParse:
		return artifact.ParsePayload{RowCount: 42, Tables: []artifact.TableCount{{Name: "orders", Rows: 42}}}
	case registry.StageExport:
		return artifact.ExportPayload{Format: "csv", DatasetID: "ds-1"}
	default:
		return map[string]any{}
	}
}

func TestStartRun_AllStagesIdle(t *testing.T) {
	eng, _ := newTestEngine(t)
	st, err := eng.StartRun(context.Background())
	require.NoError(t, err)

	assert.Len(t, st.Stages, 8)
	for id, si := range st.Stages {
		assert.Equal(t, engine.StatusIdle, si.Status, "stage %s", id)
		assert.Nil(t, si.Artifact, "stage %s", id)
	}
}

func TestBeginStage_GatingRejectsUnmetDependency(t *testing.T) {
	eng, _ := newTestEngine(t)
	runID := startRun(t, eng)

	_, err := eng.BeginStage(context.Background(), runID, registry.StageDiscovery)
	var gerr *engine.GatingError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, registry.StageSelection, gerr.Unmet)
}

func TestBeginStage_NamesFirstUnmetDependency(t *testing.T) {
	eng, artifacts := newTestEngine(t)
	runID := startRun(t, eng)

	// Selection and discovery locked, availability not: entering
	// table_selection must name table_availability... but gating is checked
	// against the immediate predecessor chain, so the nearest unmet
	// requirement is reported.
	lockThrough(t, eng, artifacts, runID, registry.StageDiscovery)

	_, err := eng.BeginStage(context.Background(), runID, registry.StageTableSelection)
	var gerr *engine.GatingError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, registry.StageContext, gerr.Unmet)
}

func TestBeginStage_IdempotentWhileInProgress(t *testing.T) {
	eng, _ := newTestEngine(t)
	runID := startRun(t, eng)
	ctx := context.Background()

	si1, err := eng.BeginStage(ctx, runID, registry.StageSelection)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusInProgress, si1.Status)

	si2, err := eng.BeginStage(ctx, runID, registry.StageSelection)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusInProgress, si2.Status)
}

func TestBeginStage_AllowedFromCancelledAndFailed(t *testing.T) {
	eng, _ := newTestEngine(t)
	runID := startRun(t, eng)
	ctx := context.Background()

	_, err := eng.BeginStage(ctx, runID, registry.StageSelection)
	require.NoError(t, err)
	require.NoError(t, eng.CancelStage(ctx, runID, registry.StageSelection))

	si, err := eng.BeginStage(ctx, runID, registry.StageSelection)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusInProgress, si.Status)

	require.NoError(t, eng.FailStage(ctx, runID, registry.StageSelection, "boom"))
	si, err = eng.BeginStage(ctx, runID, registry.StageSelection)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusInProgress, si.Status)
	assert.Empty(t, si.Error, "error message cleared on re-begin")
}

func TestLockStage_SetsArtifactAndTimestamp(t *testing.T) {
	eng, artifacts := newTestEngine(t)
	runID := startRun(t, eng)

	lockWith(t, eng, artifacts, runID, registry.StageSelection, payloadFor(registry.StageSelection))

	st, err := eng.GetRun(context.Background(), runID)
	require.NoError(t, err)
	si := st.Stages[registry.StageSelection]
	assert.Equal(t, engine.StatusLocked, si.Status)
	require.NotNil(t, si.Artifact)
	assert.NotNil(t, si.LockedAt)
}

func TestArtifactStatusInvariant(t *testing.T) {
	eng, artifacts := newTestEngine(t)
	runID := startRun(t, eng)
	ctx := context.Background()

	check := func() {
		st, err := eng.GetRun(ctx, runID)
		require.NoError(t, err)
		for id, si := range st.Stages {
			if si.Status == engine.StatusLocked {
				assert.NotNil(t, si.Artifact, "locked stage %s must hold an artifact", id)
			} else {
				assert.Nil(t, si.Artifact, "non-locked stage %s must not hold an artifact", id)
			}
		}
	}

	check()
	lockThrough(t, eng, artifacts, runID, registry.StageTableAvailability)
	check()

	_, _, err := eng.UnlockStage(ctx, runID, registry.StageDiscovery, true)
	require.NoError(t, err)
	check()
}

func TestLockStage_GatingRejected(t *testing.T) {
	eng, artifacts := newTestEngine(t)
	runID := startRun(t, eng)
	ctx := context.Background()

	data, _ := json.Marshal(payloadFor(registry.StageDiscovery))
	ref, err := artifacts.Put(ctx, data, artifact.KindFileBased, nil)
	require.NoError(t, err)

	_, err = eng.LockStage(ctx, runID, registry.StageDiscovery, ref)
	var gerr *engine.GatingError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, registry.StageSelection, gerr.Unmet)
}

func TestRelockSameContent_NoCascade(t *testing.T) {
	eng, artifacts := newTestEngine(t)
	runID := startRun(t, eng)
	ctx := context.Background()

	lockThrough(t, eng, artifacts, runID, registry.StageTableAvailability)

	// Re-lock selection with byte-identical content: downstream stays locked.
	lockWith(t, eng, artifacts, runID, registry.StageSelection, payloadFor(registry.StageSelection))

	st, err := eng.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusLocked, st.Stages[registry.StageDiscovery].Status)
	assert.Equal(t, engine.StatusLocked, st.Stages[registry.StageTableAvailability].Status)
}

func TestRelockDifferentContent_CascadesLikeUnlock(t *testing.T) {
	eng, artifacts := newTestEngine(t)
	runID := startRun(t, eng)
	ctx := context.Background()

	lockThrough(t, eng, artifacts, runID, registry.StageTableAvailability)

	lockWith(t, eng, artifacts, runID, registry.StageSelection, artifact.SelectionPayload{
		Source: artifact.SourceFiles,
		Files:  []artifact.FileEntry{{Path: "/data/other.csv"}},
	})

	st, err := eng.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusLocked, st.Stages[registry.StageSelection].Status)
	assert.Equal(t, engine.StatusIdle, st.Stages[registry.StageDiscovery].Status)
	assert.Equal(t, engine.StatusIdle, st.Stages[registry.StageTableAvailability].Status)
	assert.Nil(t, st.Stages[registry.StageDiscovery].Artifact)
}

func TestUnlock_CascadeResetsEntireSuffix(t *testing.T) {
	eng, artifacts := newTestEngine(t)
	runID := startRun(t, eng)
	ctx := context.Background()

	lockThrough(t, eng, artifacts, runID, registry.StageExport)

	_, si, err := eng.UnlockStage(ctx, runID, registry.StageDiscovery, true)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusIdle, si.Status)

	st, err := eng.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusLocked, st.Stages[registry.StageSelection].Status, "upstream untouched")
	for _, id := range eng.Registry().Successors(registry.StageDiscovery) {
		assert.Equal(t, engine.StatusIdle, st.Stages[id].Status, "stage %s", id)
		assert.Nil(t, st.Stages[id].Artifact, "stage %s", id)
	}
}

func TestUnlock_CascadeReleasesArtifacts(t *testing.T) {
	eng, artifacts := newTestEngine(t)
	runID := startRun(t, eng)
	ctx := context.Background()

	lockThrough(t, eng, artifacts, runID, registry.StageExport)
	held := artifacts.Len()
	require.Equal(t, 8, held)

	_, _, err := eng.UnlockStage(ctx, runID, registry.StageSelection, true)
	require.NoError(t, err)

	assert.Equal(t, 0, artifacts.Len(), "all artifact refs released after full cascade")
}

func TestUnlockPreview_DoesNotMutate(t *testing.T) {
	eng, artifacts := newTestEngine(t)
	runID := startRun(t, eng)
	ctx := context.Background()

	lockThrough(t, eng, artifacts, runID, registry.StageTableSelection)

	preview, si, err := eng.UnlockStage(ctx, runID, registry.StageDiscovery, false)
	require.NoError(t, err)
	assert.Nil(t, si)
	require.NotNil(t, preview)

	wantInvalidated := []registry.StageID{
		registry.StageTableAvailability,
		registry.StageContext,
		registry.StageTableSelection,
	}
	require.Len(t, preview.WouldInvalidate, len(wantInvalidated))
	for i, inv := range preview.WouldInvalidate {
		assert.Equal(t, wantInvalidated[i], inv.ID)
		assert.True(t, inv.HadArtifact)
	}

	// Nothing changed.
	st, err := eng.GetRun(ctx, runID)
	require.NoError(t, err)
	for _, id := range wantInvalidated {
		assert.Equal(t, engine.StatusLocked, st.Stages[id].Status)
	}
	assert.Equal(t, 5, artifacts.Len())
}

func TestUnlock_NotLocked(t *testing.T) {
	eng, _ := newTestEngine(t)
	runID := startRun(t, eng)

	_, _, err := eng.UnlockStage(context.Background(), runID, registry.StageSelection, true)
	var nerr *engine.NotLockedError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, engine.StatusIdle, nerr.Status)
}

func TestUnlock_Idempotence(t *testing.T) {
	eng, artifacts := newTestEngine(t)
	runID := startRun(t, eng)
	ctx := context.Background()

	lockThrough(t, eng, artifacts, runID, registry.StageTableAvailability)

	_, _, err := eng.UnlockStage(ctx, runID, registry.StageDiscovery, true)
	require.NoError(t, err)

	// A second unlock finds the stage idle and reports it as not locked; the
	// run state is unchanged either way.
	_, _, err = eng.UnlockStage(ctx, runID, registry.StageDiscovery, true)
	var nerr *engine.NotLockedError
	require.ErrorAs(t, err, &nerr)

	st, err := eng.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusLocked, st.Stages[registry.StageSelection].Status)
	assert.Equal(t, engine.StatusIdle, st.Stages[registry.StageDiscovery].Status)
}

func TestSkipStage_OptionalOnly(t *testing.T) {
	eng, artifacts := newTestEngine(t)
	runID := startRun(t, eng)
	ctx := context.Background()

	lockThrough(t, eng, artifacts, runID, registry.StageTableAvailability)

	si, err := eng.SkipStage(ctx, runID, registry.StageContext)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusLocked, si.Status)
	require.NotNil(t, si.Artifact)
	assert.Equal(t, artifact.KindDefault, si.Artifact.Kind)

	// Successors gate on the skipped stage as if it were locked normally.
	_, err = eng.BeginStage(ctx, runID, registry.StageTableSelection)
	require.NoError(t, err)
}

func TestSkipStage_MandatoryRejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	runID := startRun(t, eng)

	_, err := eng.SkipStage(context.Background(), runID, registry.StageSelection)
	var nerr *engine.NotOptionalError
	require.ErrorAs(t, err, &nerr)
}

func TestCancelStage_DiscardsProgressByDefault(t *testing.T) {
	eng, _ := newTestEngine(t)
	runID := startRun(t, eng)
	ctx := context.Background()

	_, err := eng.BeginStage(ctx, runID, registry.StageSelection)
	require.NoError(t, err)
	require.NoError(t, eng.UpdateProgress(ctx, runID, registry.StageSelection, engine.Progress{ProcessedFiles: 3, TotalFiles: 10}))

	require.NoError(t, eng.CancelStage(ctx, runID, registry.StageSelection))

	st, err := eng.GetRun(ctx, runID)
	require.NoError(t, err)
	si := st.Stages[registry.StageSelection]
	assert.Equal(t, engine.StatusCancelled, si.Status)
	assert.Nil(t, si.Progress)
}

func TestCancelStage_RetainProgress(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.SetRetainCancelledProgress(true)
	runID := startRun(t, eng)
	ctx := context.Background()

	_, err := eng.BeginStage(ctx, runID, registry.StageSelection)
	require.NoError(t, err)
	require.NoError(t, eng.UpdateProgress(ctx, runID, registry.StageSelection, engine.Progress{ProcessedFiles: 3, TotalFiles: 10}))
	require.NoError(t, eng.CancelStage(ctx, runID, registry.StageSelection))

	st, err := eng.GetRun(ctx, runID)
	require.NoError(t, err)
	si := st.Stages[registry.StageSelection]
	assert.Equal(t, engine.StatusCancelled, si.Status)
	require.NotNil(t, si.Progress)
	assert.Equal(t, 3, si.Progress.ProcessedFiles)
}

func TestUpdateProgress_OnlyWhileInProgress(t *testing.T) {
	eng, _ := newTestEngine(t)
	runID := startRun(t, eng)

	err := eng.UpdateProgress(context.Background(), runID, registry.StageSelection, engine.Progress{ProcessedFiles: 1})
	var ierr *engine.InvalidStateError
	require.ErrorAs(t, err, &ierr)
}

// recordingCanceler records cancel requests and optionally fails them.
type recordingCanceler struct {
	mu     sync.Mutex
	calls  []registry.StageID
	failOn registry.StageID
}

func (c *recordingCanceler) Cancel(_ context.Context, _ uuid.UUID, stage registry.StageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stage == c.failOn {
		return fmt.Errorf("worker unreachable")
	}
	c.calls = append(c.calls, stage)
	return nil
}

func TestCascade_CancelsInFlightDownstreamWork(t *testing.T) {
	eng, artifacts := newTestEngine(t)
	canceler := &recordingCanceler{}
	eng.SetCanceler(canceler)
	runID := startRun(t, eng)
	ctx := context.Background()

	lockThrough(t, eng, artifacts, runID, registry.StageSelection)
	_, err := eng.BeginStage(ctx, runID, registry.StageDiscovery)
	require.NoError(t, err)

	_, _, err = eng.UnlockStage(ctx, runID, registry.StageSelection, true)
	require.NoError(t, err)

	assert.Equal(t, []registry.StageID{registry.StageDiscovery}, canceler.calls)

	st, err := eng.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusIdle, st.Stages[registry.StageDiscovery].Status)
}

func TestCascade_FailedCancelAbortsWholeOperation(t *testing.T) {
	eng, artifacts := newTestEngine(t)
	canceler := &recordingCanceler{failOn: registry.StageDiscovery}
	eng.SetCanceler(canceler)
	runID := startRun(t, eng)
	ctx := context.Background()

	lockThrough(t, eng, artifacts, runID, registry.StageSelection)
	_, err := eng.BeginStage(ctx, runID, registry.StageDiscovery)
	require.NoError(t, err)

	_, _, err = eng.UnlockStage(ctx, runID, registry.StageSelection, true)
	var cerr *engine.CascadeConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, registry.StageDiscovery, cerr.Stage)

	// All-or-nothing: nothing changed.
	st, err := eng.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusLocked, st.Stages[registry.StageSelection].Status)
	assert.Equal(t, engine.StatusInProgress, st.Stages[registry.StageDiscovery].Status)
}

// failingStore wraps the memory store and fails Save on demand.
type failingStore struct {
	engine.RunStore
	failSave bool
}

func (s *failingStore) Save(ctx context.Context, st *engine.RunState) error {
	if s.failSave {
		return errors.New("disk full")
	}
	return s.RunStore.Save(ctx, st)
}

func TestMutation_RolledBackOnStoreError(t *testing.T) {
	artifacts := artifact.NewMemoryStore()
	fs := &failingStore{RunStore: memory.NewRunStore()}
	eng := engine.New(registry.Default(), fs, artifacts, slog.New(slog.NewTextHandler(io.Discard, nil)))

	runID := startRun(t, eng)
	ctx := context.Background()

	lockWith(t, eng, artifacts, runID, registry.StageSelection, payloadFor(registry.StageSelection))

	fs.failSave = true
	data, _ := json.Marshal(payloadFor(registry.StageDiscovery))
	ref, err := artifacts.Put(ctx, data, artifact.KindFileBased, nil)
	require.NoError(t, err)

	_, err = eng.LockStage(ctx, runID, registry.StageDiscovery, ref)
	require.Error(t, err)

	st, err := eng.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusIdle, st.Stages[registry.StageDiscovery].Status, "failed write leaves no partial state")
}

func TestDeleteRun_ReleasesArtifacts(t *testing.T) {
	eng, artifacts := newTestEngine(t)
	runID := startRun(t, eng)
	ctx := context.Background()

	lockThrough(t, eng, artifacts, runID, registry.StageTableAvailability)
	require.Equal(t, 3, artifacts.Len())

	require.NoError(t, eng.DeleteRun(ctx, runID))
	assert.Equal(t, 0, artifacts.Len())

	_, err := eng.GetRun(ctx, runID)
	assert.ErrorIs(t, err, engine.ErrRunNotFound)
}

func TestGetRun_Unknown(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.GetRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, engine.ErrRunNotFound)
}

func TestConcurrentLockAndUnlock_InvariantHolds(t *testing.T) {
	eng, artifacts := newTestEngine(t)
	runID := startRun(t, eng)
	ctx := context.Background()

	lockThrough(t, eng, artifacts, runID, registry.StageExport)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				_, _, _ = eng.UnlockStage(ctx, runID, registry.StageDiscovery, true)
			case 1:
				data, _ := json.Marshal(payloadFor(registry.StageSelection))
				kind, warnings, _ := artifact.Validate(registry.StageSelection, data)
				ref, err := artifacts.Put(ctx, data, kind, warnings)
				if err == nil {
					if _, lerr := eng.LockStage(ctx, runID, registry.StageSelection, ref); lerr != nil {
						_ = artifacts.Release(ctx, ref.ID)
					}
				}
			default:
				_, _ = eng.GetRun(ctx, runID)
			}
		}(i)
	}
	wg.Wait()

	st, err := eng.GetRun(ctx, runID)
	require.NoError(t, err)
	for id, si := range st.Stages {
		if si.Status == engine.StatusLocked {
			assert.NotNil(t, si.Artifact, "stage %s", id)
		} else {
			assert.Nil(t, si.Artifact, "stage %s", id)
		}
	}
}
