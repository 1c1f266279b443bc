package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tabulate-labs/tabulator/internal/artifact"
	"github.com/tabulate-labs/tabulator/internal/registry"
)

// UIStatus is the derived, UI-facing status of a stage. It is a pure
// projection of the stage map; polling it has no side effects.
type UIStatus string

const (
	// UILocked means gating is unmet: a required stage is not yet locked.
	UILocked UIStatus = "locked"
	// UIAvailable means gating is met and the stage is idle.
	UIAvailable UIStatus = "available"
	// UIInProgress means work on the stage is running.
	UIInProgress UIStatus = "in_progress"
	// UICompleted means the stage is locked with a clean artifact.
	UICompleted UIStatus = "completed"
	// UIWarning means the stage is locked but its artifact carries
	// validation warnings.
	UIWarning UIStatus = "warning"
	UIFailed    UIStatus = "failed"
	UICancelled UIStatus = "cancelled"
)

// StageView is the per-stage projection served to UI collaborators.
type StageView struct {
	ID       registry.StageID `json:"id"`
	Title    string           `json:"title"`
	Optional bool             `json:"optional"`
	Status   Status           `json:"status"`
	UI       UIStatus         `json:"ui_status"`
	Artifact *artifact.Ref    `json:"artifact,omitempty"`
	Progress *Progress        `json:"progress,omitempty"`
	Error    string           `json:"error,omitempty"`
	LockedAt *time.Time       `json:"locked_at,omitempty"`
}

// RunView is the full run projection: stages in pipeline order with derived
// UI statuses.
type RunView struct {
	RunID     uuid.UUID   `json:"run_id"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Stages    []StageView `json:"stages"`
}

// ViewRun returns the derived projection of a run.
func (e *Engine) ViewRun(ctx context.Context, runID uuid.UUID) (*RunView, error) {
	st, err := e.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return ProjectView(e.reg, st), nil
}

// ProjectView builds the UI projection from a run snapshot.
func ProjectView(reg *registry.Registry, st *RunState) *RunView {
	view := &RunView{
		RunID:     st.ID,
		CreatedAt: st.CreatedAt,
		UpdatedAt: st.UpdatedAt,
		Stages:    make([]StageView, 0, reg.Len()),
	}

	for _, def := range reg.Definitions() {
		si := st.Stages[def.ID]
		if si == nil {
			// Runs persisted under an older pipeline definition may lack
			// stages added since; they present as idle.
			si = &StageInstance{Status: StatusIdle}
		}
		view.Stages = append(view.Stages, StageView{
			ID:       def.ID,
			Title:    def.Title,
			Optional: def.Optional,
			Status:   si.Status,
			UI:       deriveUI(reg, st, def, si),
			Artifact: si.Artifact.Clone(),
			Progress: si.Progress,
			Error:    si.Error,
			LockedAt: si.LockedAt,
		})
	}
	return view
}

func deriveUI(reg *registry.Registry, st *RunState, def registry.Definition, si *StageInstance) UIStatus {
	switch si.Status {
	case StatusLocked:
		if si.Artifact != nil && len(si.Artifact.Warnings) > 0 {
			return UIWarning
		}
		return UICompleted
	case StatusInProgress:
		return UIInProgress
	case StatusFailed:
		return UIFailed
	case StatusCancelled:
		return UICancelled
	default:
		for _, req := range def.Requires {
			if dep, ok := st.Stages[req]; !ok || dep.Status != StatusLocked {
				return UILocked
			}
		}
		return UIAvailable
	}
}
