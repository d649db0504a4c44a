// Package httpapi exposes jobs over HTTP: uploads, status, live logs as
// server-sent events, results and the one-off reinpaint flow.
package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/CZERTAINLY/Camelia/internal/model"
	"github.com/CZERTAINLY/Camelia/internal/registry"
	"github.com/CZERTAINLY/Camelia/internal/service"
)

// memory part of a multipart form, the rest is spooled to disk
const maxMemory = 32 << 20

type Config struct {
	// KeepAlive is the longest time a log stream stays silent.
	KeepAlive      time.Duration
	MaxUploadBytes int64
}

func ConfigFromModel(cfg model.Service) (Config, error) {
	keepAlive, err := model.OptionalDuration(cfg.KeepAlive)
	if err != nil {
		return Config{}, fmt.Errorf("service.keepalive: %w", err)
	}
	if keepAlive <= 0 {
		keepAlive = time.Second
	}
	return Config{
		KeepAlive:      keepAlive,
		MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
	}, nil
}

type Server struct {
	cfg    Config
	reg    *registry.Registry
	runner *service.JobRunner
}

func New(cfg Config, reg *registry.Registry, runner *service.JobRunner) *Server {
	return &Server{
		cfg:    cfg,
		reg:    reg,
		runner: runner,
	}
}

// Handler returns the router with all API routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger,
		middleware.Recoverer,
		cors,
	)

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/process", s.process)
		r.Get("/jobs", s.jobs)
		r.Get("/status/{jobID}", s.status)
		r.Get("/logs/{jobID}", s.logs)
		r.Post("/cancel/{jobID}", s.cancel)
		r.Get("/results/{jobID}/{filename}", s.result)
		r.Get("/original/{filename}", s.original)
		r.Get("/original/{jobID}/{filename}", s.jobOriginal)
		r.Post("/reinpaint/{jobID}/{filename}", s.reinpaint)
	})
	return r
}
