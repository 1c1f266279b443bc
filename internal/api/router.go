package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	apihandler "github.com/tabulate-labs/tabulator/internal/api/handler"
	apimw "github.com/tabulate-labs/tabulator/internal/api/middleware"
	"github.com/tabulate-labs/tabulator/internal/artifact"
	"github.com/tabulate-labs/tabulator/internal/engine"
)

// RouterDeps holds optional dependencies for the router.
type RouterDeps struct {
	Pool       *pgxpool.Pool
	Dispatcher apihandler.Dispatcher
}

func NewRouter(logger *slog.Logger, eng *engine.Engine, artifacts artifact.Store, deps *RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(apimw.Logger(logger))
	r.Use(apimw.CORS)
	r.Use(chimw.Recoverer)

	if deps == nil {
		deps = &RouterDeps{}
	}

	// Health checks
	health := apihandler.NewHealthHandler(deps.Pool)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		runs := apihandler.NewRunHandler(logger, eng)
		stages := apihandler.NewStageHandler(logger, eng, artifacts, deps.Dispatcher)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runs.List)
			r.Post("/", runs.Create)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", runs.Get)
				r.Delete("/", runs.Delete)

				r.Route("/stages/{stageID}", func(r chi.Router) {
					r.Post("/begin", stages.Begin)
					r.Post("/lock", stages.Lock)
					r.Post("/skip", stages.Skip)
					r.Post("/unlock", stages.Unlock)
					r.Get("/progress", stages.GetProgress)
					r.Post("/progress", stages.UpdateProgress)
					r.Post("/cancel", stages.Cancel)
					r.Post("/fail", stages.Fail)
					r.Post("/dispatch", stages.Dispatch)
				})
			})
		})
	})

	return r
}
