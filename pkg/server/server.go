/*
Copyright 2025 The Jarvis Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package server exposes the HTTP surface: the alert webhook, pattern and
// analytics queries, maintenance windows, self-restart handoff control, and
// operational endpoints.
package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexushome/jarvis/internal/config"
	"github.com/nexushome/jarvis/pkg/pipeline"
	"github.com/nexushome/jarvis/pkg/queue"
	"github.com/nexushome/jarvis/pkg/selfpreserve"
	"github.com/nexushome/jarvis/pkg/store"
	"github.com/nexushome/jarvis/pkg/types"
)

// maxWebhookBytes bounds the inbound payload. Alert batches are small;
// anything larger is malformed or hostile.
const maxWebhookBytes = 100 * 1024

const shutdownGrace = 10 * time.Second

// HostStatusReader exposes the monitor's view for /health. Satisfied by
// *hostmonitor.Monitor.
type HostStatusReader interface {
	Statuses() []types.HostStatus
}

// Server is the HTTP front end.
type Server struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	queue    *queue.Queue
	store    *store.Store
	monitor  HostStatusReader
	restarts *selfpreserve.Manager
	registry *prometheus.Registry
	logger   logr.Logger

	httpServer *http.Server
}

// New wires the server.
func New(cfg *config.Config, pl *pipeline.Pipeline, q *queue.Queue, st *store.Store,
	monitor HostStatusReader, restarts *selfpreserve.Manager,
	registry *prometheus.Registry, logger logr.Logger) *Server {

	s := &Server{
		cfg:      cfg,
		pipeline: pl,
		queue:    q,
		store:    st,
		monitor:  monitor,
		restarts: restarts,
		registry: registry,
		logger:   logger,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// Webhooks and restart initiation carry credentials; everything else
	// stays on the trusted bind address. The orchestrator's /resume
	// callback must work without credentials or a restarted service could
	// never be acknowledged.
	r.Group(func(r chi.Router) {
		r.Use(s.basicAuth)
		r.Post("/webhook", s.handleWebhook)
		r.Post("/self-restart", s.handleSelfRestartInitiate)
	})

	r.Get("/patterns", s.handleListPatterns)
	r.Get("/patterns/{id}", s.handleGetPattern)
	r.Get("/analytics", s.handleAnalytics)
	r.Get("/self-restart/status", s.handleSelfRestartStatus)
	r.Post("/self-restart/cancel", s.handleSelfRestartCancel)
	r.Post("/resume", s.handleResumeCallback)

	r.Route("/maintenance", func(r chi.Router) {
		r.Post("/start", s.handleMaintenanceStart)
		r.Post("/end", s.handleMaintenanceEnd)
		r.Get("/status", s.handleMaintenanceStatus)
	})

	return r
}

// basicAuth guards mutating endpoints with constant-time credential
// comparison.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.WebhookAuthUsername)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.WebhookAuthPassword)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="jarvis"`)
			respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}
