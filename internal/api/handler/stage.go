package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tabulate-labs/tabulator/internal/artifact"
	"github.com/tabulate-labs/tabulator/internal/engine"
	"github.com/tabulate-labs/tabulator/internal/registry"
	"github.com/tabulate-labs/tabulator/internal/work"
	"github.com/tabulate-labs/tabulator/pkg/apierr"
)

// maxPayloadBytes bounds inline artifact payloads; larger datasets belong in
// the blob store via the worker path.
const maxPayloadBytes = 8 << 20

// Dispatcher enqueues background stage tasks. Nil when Valkey is not
// configured.
type Dispatcher interface {
	Enqueue(ctx context.Context, task work.StageTask) (string, error)
}

type StageHandler struct {
	logger     *slog.Logger
	eng        *engine.Engine
	artifacts  artifact.Store
	dispatcher Dispatcher
}

func NewStageHandler(logger *slog.Logger, eng *engine.Engine, artifacts artifact.Store, dispatcher Dispatcher) *StageHandler {
	return &StageHandler{logger: logger, eng: eng, artifacts: artifacts, dispatcher: dispatcher}
}

func (h *StageHandler) Begin(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r, h.logger)
	if !ok {
		return
	}
	stage := registry.StageID(chi.URLParam(r, "stageID"))

	si, err := h.eng.BeginStage(r.Context(), runID, stage)
	if err != nil {
		writeAPIError(w, h.logger, mapEngineError(err))
		return
	}
	writeJSON(w, http.StatusOK, si)
}

// Lock validates the stage payload, stores it, and asks the engine to lock
// the stage with the resulting ref. Validation failures return field detail.
func (h *StageHandler) Lock(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r, h.logger)
	if !ok {
		return
	}
	stage := registry.StageID(chi.URLParam(r, "stageID"))

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeAPIError(w, h.logger, apierr.InvalidRequestBody())
		return
	}

	kind, warnings, err := artifact.Validate(stage, payload)
	if err != nil {
		writeAPIError(w, h.logger, mapEngineError(err))
		return
	}

	ref, err := h.artifacts.Put(r.Context(), payload, kind, warnings)
	if err != nil {
		writeAPIError(w, h.logger, apierr.StoreWriteFailed(err))
		return
	}

	si, err := h.eng.LockStage(r.Context(), runID, stage, ref)
	if err != nil {
		// Lock was refused; drop the reference taken above.
		_ = h.artifacts.Release(r.Context(), ref.ID)
		writeAPIError(w, h.logger, mapEngineError(err))
		return
	}
	writeJSON(w, http.StatusOK, si)
}

func (h *StageHandler) Skip(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r, h.logger)
	if !ok {
		return
	}
	stage := registry.StageID(chi.URLParam(r, "stageID"))

	si, err := h.eng.SkipStage(r.Context(), runID, stage)
	if err != nil {
		writeAPIError(w, h.logger, mapEngineError(err))
		return
	}
	writeJSON(w, http.StatusOK, si)
}

// Unlock handles both the dry-run preview (?confirm=false, the default) and
// the confirmed cascade.
func (h *StageHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r, h.logger)
	if !ok {
		return
	}
	stage := registry.StageID(chi.URLParam(r, "stageID"))
	confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))

	preview, si, err := h.eng.UnlockStage(r.Context(), runID, stage, confirm)
	if err != nil {
		writeAPIError(w, h.logger, mapEngineError(err))
		return
	}
	if preview != nil {
		writeJSON(w, http.StatusOK, preview)
		return
	}
	writeJSON(w, http.StatusOK, si)
}

func (h *StageHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r, h.logger)
	if !ok {
		return
	}
	stage := registry.StageID(chi.URLParam(r, "stageID"))

	st, err := h.eng.GetRun(r.Context(), runID)
	if err != nil {
		writeAPIError(w, h.logger, mapEngineError(err))
		return
	}
	si, found := st.Stages[stage]
	if !found {
		writeAPIError(w, h.logger, apierr.StageNotFound(string(stage)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   si.Status,
		"progress": si.Progress,
	})
}

func (h *StageHandler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r, h.logger)
	if !ok {
		return
	}
	stage := registry.StageID(chi.URLParam(r, "stageID"))

	var p engine.Progress
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeAPIError(w, h.logger, apierr.InvalidRequestBody())
		return
	}

	if err := h.eng.UpdateProgress(r.Context(), runID, stage, p); err != nil {
		writeAPIError(w, h.logger, mapEngineError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StageHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r, h.logger)
	if !ok {
		return
	}
	stage := registry.StageID(chi.URLParam(r, "stageID"))

	if err := h.eng.CancelStage(r.Context(), runID, stage); err != nil {
		writeAPIError(w, h.logger, mapEngineError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StageHandler) Fail(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r, h.logger)
	if !ok {
		return
	}
	stage := registry.StageID(chi.URLParam(r, "stageID"))

	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, h.logger, apierr.InvalidRequestBody())
		return
	}

	if err := h.eng.FailStage(r.Context(), runID, stage, body.Error); err != nil {
		writeAPIError(w, h.logger, mapEngineError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Dispatch enqueues background work for a long-running stage.
func (h *StageHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r, h.logger)
	if !ok {
		return
	}
	stage := registry.StageID(chi.URLParam(r, "stageID"))

	if h.dispatcher == nil {
		writeAPIError(w, h.logger, apierr.DispatchUnavailable())
		return
	}

	var body struct {
		Params map[string]string `json:"params"`
	}
	if r.Body != nil {
		// Params are optional; an empty body is fine.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	// Reject obviously invalid requests before enqueueing.
	if _, err := h.eng.GetRun(r.Context(), runID); err != nil {
		writeAPIError(w, h.logger, mapEngineError(err))
		return
	}
	if _, found := h.eng.Registry().Get(stage); !found {
		writeAPIError(w, h.logger, apierr.StageNotFound(string(stage)))
		return
	}

	msgID, err := h.dispatcher.Enqueue(r.Context(), work.StageTask{
		RunID:  runID,
		Stage:  stage,
		Params: body.Params,
	})
	if err != nil {
		writeAPIError(w, h.logger, apierr.DispatchFailed(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": msgID})
}
