package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tabulate-labs/tabulator/internal/engine"
	"github.com/tabulate-labs/tabulator/pkg/apierr"
)

type RunHandler struct {
	logger *slog.Logger
	eng    *engine.Engine
}

func NewRunHandler(logger *slog.Logger, eng *engine.Engine) *RunHandler {
	return &RunHandler{logger: logger, eng: eng}
}

func (h *RunHandler) Create(w http.ResponseWriter, r *http.Request) {
	st, err := h.eng.StartRun(r.Context())
	if err != nil {
		writeAPIError(w, h.logger, apierr.RunCreateFailed(err))
		return
	}
	writeJSON(w, http.StatusCreated, engine.ProjectView(h.eng.Registry(), st))
}

func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	runs, err := h.eng.ListRuns(r.Context(), limit, offset)
	if err != nil {
		writeAPIError(w, h.logger, apierr.RunListFailed(err))
		return
	}

	views := make([]*engine.RunView, 0, len(runs))
	for _, st := range runs {
		views = append(views, engine.ProjectView(h.eng.Registry(), st))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  views,
		"total": len(views),
	})
}

func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r, h.logger)
	if !ok {
		return
	}

	view, err := h.eng.ViewRun(r.Context(), runID)
	if err != nil {
		writeAPIError(w, h.logger, mapEngineError(err))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *RunHandler) Delete(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.eng.DeleteRun(r.Context(), runID); err != nil {
		if err == engine.ErrRunNotFound {
			writeAPIError(w, h.logger, apierr.RunNotFound())
			return
		}
		writeAPIError(w, h.logger, apierr.RunDeleteFailed(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseRunID(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (uuid.UUID, bool) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		writeAPIError(w, logger, apierr.InvalidRunID())
		return uuid.Nil, false
	}
	return runID, true
}
