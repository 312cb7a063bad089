package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"broll/internal/httpapi/handlers"
	"broll/internal/pkg/logger"
	"broll/internal/pkg/middleware"
)

type Deps struct {
	handlers.Deps
	// AuthSecret enables bearer auth on job routes when non-empty.
	AuthSecret string
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))

	h := handlers.New(d.Deps)

	// ---- HEALTH ----
	r.Get("/health", h.Health)

	// ---- JOBS ----
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(d.AuthSecret))

		r.Post("/run", middleware.WrapHandler(log, h.Run))
		r.Post("/runsync", middleware.WrapHandler(log, h.RunSync))
		r.Get("/status/{jobId}", middleware.WrapHandler(log, h.Status))
		r.Get("/video/{jobId}", middleware.WrapHandler(log, h.Video))
	})

	return r
}
