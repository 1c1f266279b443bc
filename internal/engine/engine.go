package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabulate-labs/tabulator/internal/artifact"
	"github.com/tabulate-labs/tabulator/internal/registry"
)

// RunStore persists RunState snapshots. The engine is the single writer; the
// store only ever sees complete, consistent states.
type RunStore interface {
	Create(ctx context.Context, st *RunState) error
	Save(ctx context.Context, st *RunState) error
	// Load returns ErrRunNotFound for unknown IDs.
	Load(ctx context.Context, id uuid.UUID) (*RunState, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*RunState, error)
}

// Canceler asks the external work collaborator to cancel in-flight stage work.
// The engine's own state transitions do not wait for the work to stop; a late
// completion callback is rejected by the status check on its way back in.
type Canceler interface {
	Cancel(ctx context.Context, runID uuid.UUID, stage registry.StageID) error
}

// Engine is the run controller. All mutating operations on a run are
// serialized behind a per-run mutex; operations on different runs proceed in
// parallel. Every mutation works on a clone of the run state and swaps it in
// only after the store write succeeds, so callers never observe partial state
// and a StoreError rolls the whole operation back.
type Engine struct {
	reg       *registry.Registry
	store     RunStore
	artifacts artifact.Store
	logger    *slog.Logger

	canceler       Canceler
	retainProgress bool

	mu   sync.Mutex
	runs map[uuid.UUID]*runHandle
}

type runHandle struct {
	mu    sync.Mutex
	state *RunState
}

func New(reg *registry.Registry, store RunStore, artifacts artifact.Store, logger *slog.Logger) *Engine {
	return &Engine{
		reg:       reg,
		store:     store,
		artifacts: artifacts,
		logger:    logger,
		runs:      make(map[uuid.UUID]*runHandle),
	}
}

// SetCanceler registers the collaborator used to cancel in-flight stage work
// during cascades.
func (e *Engine) SetCanceler(c Canceler) { e.canceler = c }

// SetRetainCancelledProgress keeps progress counters on cancelled stages for
// inspection instead of discarding them.
func (e *Engine) SetRetainCancelledProgress(v bool) { e.retainProgress = v }

// Registry returns the stage registry this engine runs.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// StartRun creates a fresh run with every stage idle.
func (e *Engine) StartRun(ctx context.Context) (*RunState, error) {
	st := NewRunState(e.reg)
	if err := e.store.Create(ctx, st); err != nil {
		return nil, fmt.Errorf("persist new run: %w", err)
	}

	e.mu.Lock()
	e.runs[st.ID] = &runHandle{state: st}
	e.mu.Unlock()

	e.logger.Info("run started", slog.String("run_id", st.ID.String()))
	return st.Clone(), nil
}

// GetRun returns a snapshot of the run's stage map.
func (e *Engine) GetRun(ctx context.Context, runID uuid.UUID) (*RunState, error) {
	h, err := e.handle(ctx, runID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Clone(), nil
}

// ListRuns returns persisted run snapshots, newest first.
func (e *Engine) ListRuns(ctx context.Context, limit, offset int) ([]*RunState, error) {
	return e.store.List(ctx, limit, offset)
}

// DeleteRun removes the run and releases every artifact it holds.
func (e *Engine) DeleteRun(ctx context.Context, runID uuid.UUID) error {
	h, err := e.handle(ctx, runID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := e.store.Delete(ctx, runID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}

	for id, si := range h.state.Stages {
		if si != nil && si.Artifact != nil {
			e.release(ctx, runID, id, si.Artifact)
		}
	}

	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()

	e.logger.Info("run deleted", slog.String("run_id", runID.String()))
	return nil
}

// BeginStage transitions a stage to in_progress after checking gating.
// Re-entering a stage that is already in_progress is idempotent.
func (e *Engine) BeginStage(ctx context.Context, runID uuid.UUID, stage registry.StageID) (*StageInstance, error) {
	st, err := e.mutate(ctx, runID, func(st *RunState, m *mutation) error {
		if _, ok := e.reg.Get(stage); !ok {
			return &UnknownStageError{Stage: stage}
		}
		si := stageOf(st, stage)

		if si.Status == StatusInProgress {
			return errNoop
		}
		if unmet, ok := e.firstUnmet(st, stage); ok {
			return &GatingError{Stage: stage, Unmet: unmet}
		}
		switch si.Status {
		case StatusIdle, StatusCancelled, StatusFailed:
			si.reset()
			si.Status = StatusInProgress
			return nil
		default:
			return &InvalidStateError{Stage: stage, Status: si.Status, Op: "begin"}
		}
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("stage begun",
		slog.String("run_id", runID.String()),
		slog.String("stage", string(stage)))
	return st.Stages[stage].Clone(), nil
}

// UpdateProgress records incremental counters for an in_progress stage.
func (e *Engine) UpdateProgress(ctx context.Context, runID uuid.UUID, stage registry.StageID, p Progress) error {
	_, err := e.mutate(ctx, runID, func(st *RunState, m *mutation) error {
		if _, ok := e.reg.Get(stage); !ok {
			return &UnknownStageError{Stage: stage}
		}
		si := stageOf(st, stage)
		if si.Status != StatusInProgress {
			return &InvalidStateError{Stage: stage, Status: si.Status, Op: "update progress on"}
		}
		prog := p
		si.Progress = &prog
		return nil
	})
	return err
}

// LockStage installs the stage's artifact and freezes the stage, making its
// successors enterable. Re-locking with identical content is a no-op;
// re-locking with different content first cascades invalidation through every
// downstream stage, exactly as an explicit unlock followed by a lock would.
func (e *Engine) LockStage(ctx context.Context, runID uuid.UUID, stage registry.StageID, ref *artifact.Ref) (*StageInstance, error) {
	var invalidated []InvalidatedStage

	st, err := e.mutate(ctx, runID, func(st *RunState, m *mutation) error {
		if _, ok := e.reg.Get(stage); !ok {
			return &UnknownStageError{Stage: stage}
		}
		si := stageOf(st, stage)

		if unmet, ok := e.firstUnmet(st, stage); ok {
			return &GatingError{Stage: stage, Unmet: unmet}
		}

		if si.Status == StatusLocked {
			if si.Artifact.Same(ref) {
				// Identical content: nothing changes downstream. Balance the
				// caller's Put so the store's refcount stays accurate.
				m.release = append(m.release, ref)
				return errNoop
			}
			inv, err := e.cascade(ctx, st, runID, stage, m)
			if err != nil {
				return err
			}
			invalidated = inv
			m.release = append(m.release, si.Artifact)
		}

		now := time.Now().UTC()
		si.reset()
		si.Status = StatusLocked
		si.Artifact = ref.Clone()
		si.LockedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("stage locked",
		slog.String("run_id", runID.String()),
		slog.String("stage", string(stage)),
		slog.Int("invalidated", len(invalidated)))
	return st.Stages[stage].Clone(), nil
}

// SkipStage locks an optional stage with its default artifact.
func (e *Engine) SkipStage(ctx context.Context, runID uuid.UUID, stage registry.StageID) (*StageInstance, error) {
	def, ok := e.reg.Get(stage)
	if !ok {
		return nil, &UnknownStageError{Stage: stage}
	}
	if !def.Optional {
		return nil, &NotOptionalError{Stage: stage}
	}

	ref, err := e.artifacts.Put(ctx, artifact.Default(stage), artifact.KindDefault, nil)
	if err != nil {
		return nil, fmt.Errorf("store default artifact: %w", err)
	}
	return e.LockStage(ctx, runID, stage, ref)
}

// CancelStage aborts an in_progress stage. The transition is immediate and
// authoritative; the cancel signal to the external worker is best-effort.
func (e *Engine) CancelStage(ctx context.Context, runID uuid.UUID, stage registry.StageID) error {
	_, err := e.mutate(ctx, runID, func(st *RunState, m *mutation) error {
		if _, ok := e.reg.Get(stage); !ok {
			return &UnknownStageError{Stage: stage}
		}
		si := stageOf(st, stage)
		if si.Status != StatusInProgress {
			return &InvalidStateError{Stage: stage, Status: si.Status, Op: "cancel"}
		}
		si.Status = StatusCancelled
		if !e.retainProgress {
			si.Progress = nil
		}
		return nil
	})
	if err != nil {
		return err
	}

	if e.canceler != nil {
		if cerr := e.canceler.Cancel(ctx, runID, stage); cerr != nil {
			e.logger.Warn("cancel signal failed",
				slog.String("run_id", runID.String()),
				slog.String("stage", string(stage)),
				slog.String("error", cerr.Error()))
		}
	}
	return nil
}

// FailStage marks an in_progress stage as failed, retaining the message for
// display. The stage may be re-begun afterwards.
func (e *Engine) FailStage(ctx context.Context, runID uuid.UUID, stage registry.StageID, msg string) error {
	_, err := e.mutate(ctx, runID, func(st *RunState, m *mutation) error {
		if _, ok := e.reg.Get(stage); !ok {
			return &UnknownStageError{Stage: stage}
		}
		si := stageOf(st, stage)
		if si.Status != StatusInProgress {
			return &InvalidStateError{Stage: stage, Status: si.Status, Op: "fail"}
		}
		si.Status = StatusFailed
		si.Error = msg
		si.Progress = nil
		return nil
	})
	return err
}

// UnlockStage reverts a locked stage to idle. With confirm=false it is a
// dry-run returning the downstream stages that would be invalidated, without
// mutating anything. With confirm=true the cascade runs first, then the stage
// itself is reset.
func (e *Engine) UnlockStage(ctx context.Context, runID uuid.UUID, stage registry.StageID, confirm bool) (*UnlockPreview, *StageInstance, error) {
	if !confirm {
		h, err := e.handle(ctx, runID)
		if err != nil {
			return nil, nil, err
		}
		h.mu.Lock()
		defer h.mu.Unlock()

		if _, ok := e.reg.Get(stage); !ok {
			return nil, nil, &UnknownStageError{Stage: stage}
		}
		si := stageOf(h.state, stage)
		if si.Status != StatusLocked {
			return nil, nil, &NotLockedError{Stage: stage, Status: si.Status}
		}
		return &UnlockPreview{
			Stage:           stage,
			WouldInvalidate: previewCascade(e.reg, h.state, stage),
		}, nil, nil
	}

	var invalidated []InvalidatedStage
	st, err := e.mutate(ctx, runID, func(st *RunState, m *mutation) error {
		if _, ok := e.reg.Get(stage); !ok {
			return &UnknownStageError{Stage: stage}
		}
		si := stageOf(st, stage)
		if si.Status != StatusLocked {
			return &NotLockedError{Stage: stage, Status: si.Status}
		}

		inv, err := e.cascade(ctx, st, runID, stage, m)
		if err != nil {
			return err
		}
		invalidated = inv

		m.release = append(m.release, si.Artifact)
		si.reset()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info("stage unlocked",
		slog.String("run_id", runID.String()),
		slog.String("stage", string(stage)),
		slog.Int("invalidated", len(invalidated)))
	return nil, st.Stages[stage].Clone(), nil
}

// mutation accumulates side effects to apply only after the state swap
// commits.
type mutation struct {
	release []*artifact.Ref
}

// mutate runs fn on a clone of the run state under the per-run lock, persists
// the clone, swaps it in, and then applies deferred artifact releases. If fn
// or the store write fails, the clone is discarded and nothing is released.
func (e *Engine) mutate(ctx context.Context, runID uuid.UUID, fn func(*RunState, *mutation) error) (*RunState, error) {
	h, err := e.handle(ctx, runID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	next := h.state.Clone()
	m := &mutation{}

	if err := fn(next, m); err != nil {
		if err == errNoop {
			for _, ref := range m.release {
				e.release(ctx, runID, "", ref)
			}
			return h.state, nil
		}
		return nil, err
	}

	next.UpdatedAt = time.Now().UTC()
	if err := e.store.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}
	h.state = next

	for _, ref := range m.release {
		e.release(ctx, runID, "", ref)
	}
	return next, nil
}

// handle returns the in-memory handle for a run, loading it from the store on
// first access.
func (e *Engine) handle(ctx context.Context, runID uuid.UUID) (*runHandle, error) {
	e.mu.Lock()
	if h, ok := e.runs[runID]; ok {
		e.mu.Unlock()
		return h, nil
	}
	e.mu.Unlock()

	st, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Another goroutine may have loaded it while we were reading.
	if h, ok := e.runs[runID]; ok {
		return h, nil
	}
	h := &runHandle{state: st}
	e.runs[runID] = h
	return h, nil
}

// stageOf returns the run's instance for a registry stage, materializing an
// idle one for runs persisted under an older pipeline definition.
func stageOf(st *RunState, stage registry.StageID) *StageInstance {
	si, ok := st.Stages[stage]
	if !ok || si == nil {
		si = &StageInstance{Status: StatusIdle}
		st.Stages[stage] = si
	}
	return si
}

// firstUnmet returns the first required stage (in declaration order) that is
// not locked.
func (e *Engine) firstUnmet(st *RunState, stage registry.StageID) (registry.StageID, bool) {
	def, _ := e.reg.Get(stage)
	for _, req := range def.Requires {
		if si, ok := st.Stages[req]; !ok || si.Status != StatusLocked {
			return req, true
		}
	}
	return "", false
}

// release drops an artifact reference, logging rather than failing: the state
// change has already committed and ref release is cleanup.
func (e *Engine) release(ctx context.Context, runID uuid.UUID, stage registry.StageID, ref *artifact.Ref) {
	if ref == nil {
		return
	}
	if err := e.artifacts.Release(ctx, ref.ID); err != nil {
		e.logger.Warn("artifact release failed",
			slog.String("run_id", runID.String()),
			slog.String("stage", string(stage)),
			slog.String("artifact_id", ref.ID),
			slog.String("error", err.Error()))
	}
}
