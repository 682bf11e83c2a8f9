// Package api exposes the engagement runtime over HTTP: lead ingress,
// partner-marketplace endpoints, carrier webhooks, and operator stats.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cadencehq/cadence/internal/breaker"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/engine"
	"github.com/cadencehq/cadence/internal/ingest"
	"github.com/cadencehq/cadence/internal/modelrouter"
	"github.com/cadencehq/cadence/internal/queue"
	"github.com/cadencehq/cadence/internal/scheduler"
	"github.com/cadencehq/cadence/internal/template"
)

// Handlers carries the components the HTTP layer fronts.
type Handlers struct {
	Engine   *engine.Engine
	Router   *modelrouter.Router
	Breakers *breaker.Registry
	Sched    *scheduler.Scheduler
	Scanner  *ingest.Scanner
	Pressure *queue.BackpressureMonitor
	Tmpl     *template.Engine
	Cfg      *config.Config
}

// SetupRoutes configures the full route tree.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	// Lead ingress
	r.Post("/leads", h.CreateLead)
	r.Post("/leads/bulk", h.BulkLeads)

	// Partner marketplace (XML responses)
	r.Post("/postLead", h.PostLead)
	r.Get("/ping", h.Ping)
	r.Get("/leadStatus/{id}", h.LeadStatus)

	// Carrier webhooks
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/email", h.EmailWebhook)
		r.Post("/sms", h.SMSWebhook)
		r.Post("/handover/confirmation", h.HandoverConfirmation)
	})

	// Operator API
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", h.Stats)
		r.Get("/model/calls", h.ModelCalls)
		r.Post("/queue/replay", h.ReplayDeadJobs)
		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", h.SaveCampaign)
			r.Get("/{id}/sequence", h.ExportSequence)
			r.Put("/{id}/sequence", h.ImportSequence)
		})
		r.Post("/templates", h.SaveTemplate)
	})

	return r
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

// Server wraps the HTTP listener with graceful shutdown.
type Server struct {
	srv *http.Server
}

// NewServer builds the HTTP server from config.
func NewServer(h *Handlers) *Server {
	addr := fmt.Sprintf("%s:%d", h.Cfg.Server.GetHost(), h.Cfg.Server.Port)
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      SetupRoutes(h),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	log.Printf("[API] Listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
