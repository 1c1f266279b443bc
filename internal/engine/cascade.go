package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/tabulate-labs/tabulator/internal/registry"
)

// InvalidatedStage describes one downstream stage reset by a cascade, as it
// was before the reset.
type InvalidatedStage struct {
	ID          registry.StageID `json:"id"`
	Status      Status           `json:"status"`
	HadArtifact bool             `json:"had_artifact"`
}

// UnlockPreview is the dry-run result of an unlock request: the downstream
// stages that would be invalidated, without any mutation.
type UnlockPreview struct {
	Stage           registry.StageID   `json:"stage"`
	WouldInvalidate []InvalidatedStage `json:"would_invalidate"`
}

// cascade resets every non-idle stage after `from` in pipeline order back to
// idle, queueing their artifacts for release. Traversal is strictly forward;
// the linear chain makes the invalidation set exactly the pipeline suffix.
//
// If a downstream stage is in_progress its in-flight work must be cancelled
// first so a stale completion cannot land after the reset. A failed cancel
// request aborts the whole operation with CascadeConflictError — the caller's
// mutation is discarded and no state changes.
func (e *Engine) cascade(ctx context.Context, st *RunState, runID uuid.UUID, from registry.StageID, m *mutation) ([]InvalidatedStage, error) {
	var invalidated []InvalidatedStage

	for _, id := range e.reg.Successors(from) {
		si := stageOf(st, id)
		if si.Status == StatusIdle {
			continue
		}

		if si.Status == StatusInProgress && e.canceler != nil {
			if err := e.canceler.Cancel(ctx, runID, id); err != nil {
				return nil, &CascadeConflictError{Stage: id, Cause: err}
			}
		}

		invalidated = append(invalidated, InvalidatedStage{
			ID:          id,
			Status:      si.Status,
			HadArtifact: si.Artifact != nil,
		})
		if si.Artifact != nil {
			m.release = append(m.release, si.Artifact)
		}
		si.reset()
	}

	return invalidated, nil
}

// previewCascade computes the invalidation set without mutating anything.
func previewCascade(reg *registry.Registry, st *RunState, from registry.StageID) []InvalidatedStage {
	var out []InvalidatedStage
	for _, id := range reg.Successors(from) {
		si, ok := st.Stages[id]
		if !ok || si == nil || si.Status == StatusIdle {
			continue
		}
		out = append(out, InvalidatedStage{
			ID:          id,
			Status:      si.Status,
			HadArtifact: si.Artifact != nil,
		})
	}
	return out
}
