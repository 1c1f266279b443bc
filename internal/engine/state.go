// Package engine is the stage pipeline orchestration core: per-run stage
// state, gating, locking, and the downstream invalidation cascade.
package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/tabulate-labs/tabulator/internal/artifact"
	"github.com/tabulate-labs/tabulator/internal/registry"
)

// Status is the lifecycle state of one stage within a run. Transitions are
// performed only by the Engine; collaborators never mutate instances directly.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusInProgress Status = "in_progress"
	StatusLocked     Status = "locked"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Progress carries incremental counters reported by long-running stage work.
// Only meaningful while the stage is in_progress.
type Progress struct {
	ProcessedFiles int `json:"processed_files,omitempty"`
	TotalFiles     int `json:"total_files,omitempty"`
	ProcessedRows  int `json:"processed_rows,omitempty"`
}

// StageInstance is the per-run state of one stage.
//
// Invariant: Artifact is non-nil if and only if Status == StatusLocked.
type StageInstance struct {
	Status   Status        `json:"status"`
	Artifact *artifact.Ref `json:"artifact,omitempty"`
	Progress *Progress     `json:"progress,omitempty"`
	Error    string        `json:"error,omitempty"`
	LockedAt *time.Time    `json:"locked_at,omitempty"`
}

// Clone returns a deep copy of the instance.
func (si *StageInstance) Clone() *StageInstance {
	if si == nil {
		return nil
	}
	c := *si
	c.Artifact = si.Artifact.Clone()
	if si.Progress != nil {
		p := *si.Progress
		c.Progress = &p
	}
	if si.LockedAt != nil {
		t := *si.LockedAt
		c.LockedAt = &t
	}
	return &c
}

// reset returns the instance to a fresh idle state, discarding artifact,
// progress, and error together so the artifact/status invariant holds.
func (si *StageInstance) reset() {
	si.Status = StatusIdle
	si.Artifact = nil
	si.Progress = nil
	si.Error = ""
	si.LockedAt = nil
}

// RunState is the full stage map of one pipeline run. It exclusively owns its
// StageInstances; instances are never shared across runs.
type RunState struct {
	ID        uuid.UUID                           `json:"run_id"`
	CreatedAt time.Time                           `json:"created_at"`
	UpdatedAt time.Time                           `json:"updated_at"`
	Stages    map[registry.StageID]*StageInstance `json:"stages"`
}

// NewRunState creates a run with every registry stage idle.
func NewRunState(reg *registry.Registry) *RunState {
	now := time.Now().UTC()
	st := &RunState{
		ID:        uuid.New(),
		CreatedAt: now,
		UpdatedAt: now,
		Stages:    make(map[registry.StageID]*StageInstance, reg.Len()),
	}
	for _, def := range reg.Definitions() {
		st.Stages[def.ID] = &StageInstance{Status: StatusIdle}
	}
	return st
}

// Clone returns a deep copy of the run state. Mutations operate on a clone
// and swap it in only after persistence succeeds, so a failed write never
// leaves partial state visible.
func (rs *RunState) Clone() *RunState {
	c := *rs
	c.Stages = make(map[registry.StageID]*StageInstance, len(rs.Stages))
	for id, si := range rs.Stages {
		c.Stages[id] = si.Clone()
	}
	return &c
}
