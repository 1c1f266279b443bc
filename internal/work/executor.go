package work

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/valkey-io/valkey-go"

	"github.com/tabulate-labs/tabulator/internal/engine"
	"github.com/tabulate-labs/tabulator/internal/registry"
)

// ErrCancelled is returned by executors that observed a cancel request.
var ErrCancelled = errors.New("work: cancelled")

// Executor performs the out-of-band work for one stage and returns the
// artifact payload to lock it with.
type Executor interface {
	Stage() registry.StageID
	Execute(ctx context.Context, task StageTask, rep Reporter) ([]byte, error)
}

// Reporter lets executors report incremental progress and observe cancel
// requests between units of work.
type Reporter interface {
	Progress(ctx context.Context, p engine.Progress) error
	Cancelled(ctx context.Context) bool
}

// Worker consumes stage tasks and drives executors. All run-state changes go
// through the API client, never directly into the engine's store.
type Worker struct {
	api       *Client
	vk        valkey.Client
	executors map[registry.StageID]Executor
	logger    *slog.Logger
}

func NewWorker(api *Client, vk valkey.Client, logger *slog.Logger) *Worker {
	return &Worker{
		api:       api,
		vk:        vk,
		executors: make(map[registry.StageID]Executor),
		logger:    logger,
	}
}

// Register adds an executor for its stage.
func (w *Worker) Register(ex Executor) {
	w.executors[ex.Stage()] = ex
}

// Handle processes one stage task end to end: begin, execute with progress,
// then lock or fail. A task for an unknown stage is dropped with a warning so
// it is not redelivered forever.
func (w *Worker) Handle(ctx context.Context, task StageTask) error {
	ex, ok := w.executors[task.Stage]
	if !ok {
		w.logger.Warn("no executor for stage", slog.String("stage", string(task.Stage)))
		return nil
	}

	log := w.logger.With(
		slog.String("run_id", task.RunID.String()),
		slog.String("stage", string(task.Stage)))

	if err := w.api.Begin(ctx, task.RunID, task.Stage); err != nil {
		// The stage may have been begun already (idempotent) or the run state
		// moved on; either way there is nothing for this task to do.
		log.Warn("begin stage rejected", slog.String("error", err.Error()))
		return nil
	}

	rep := &taskReporter{worker: w, task: task}
	payload, err := ex.Execute(ctx, task, rep)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			ClearCancel(ctx, w.vk, task.RunID, task.Stage)
			log.Info("stage work cancelled")
			return nil
		}
		log.Error("stage work failed", slog.String("error", err.Error()))
		if ferr := w.api.Fail(ctx, task.RunID, task.Stage, err.Error()); ferr != nil {
			log.Warn("fail callback rejected", slog.String("error", ferr.Error()))
		}
		return nil
	}

	if err := w.api.Lock(ctx, task.RunID, task.Stage, payload); err != nil {
		// A lock rejected after a cancel/invalidation is the late-completion
		// case: the engine's status check discards it, and so do we.
		log.Warn("lock callback rejected", slog.String("error", err.Error()))
		return nil
	}

	log.Info("stage work completed")
	return nil
}

type taskReporter struct {
	worker *Worker
	task   StageTask
}

func (r *taskReporter) Progress(ctx context.Context, p engine.Progress) error {
	if err := r.worker.api.Progress(ctx, r.task.RunID, r.task.Stage, p); err != nil {
		return fmt.Errorf("report progress: %w", err)
	}
	return nil
}

func (r *taskReporter) Cancelled(ctx context.Context) bool {
	if r.worker.vk == nil {
		return false
	}
	return CancelRequested(ctx, r.worker.vk, r.task.RunID, r.task.Stage)
}
