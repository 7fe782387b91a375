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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nexushome/jarvis/pkg/selfpreserve"
	"github.com/nexushome/jarvis/pkg/store"
	"github.com/nexushome/jarvis/pkg/types"
)

// processTimeout bounds one background remediation flow, LLM loop and SSH
// retries included.
const processTimeout = 10 * time.Minute

// handleWebhook accepts an alert batch and returns immediately; processing
// is asynchronous. The router only needs to know the batch was received.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxWebhookBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "payload exceeds 100KB")
		return
	}

	var webhook types.AlertRouterWebhook
	if err := json.Unmarshal(body, &webhook); err != nil {
		respondError(w, http.StatusBadRequest, "malformed webhook payload")
		return
	}
	if len(webhook.Alerts) == 0 {
		respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()
		if err := s.pipeline.ProcessPayload(ctx, body); err != nil {
			s.logger.V(1).Info("webhook batch finished with errors", "error", err.Error())
		}
	}()

	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbHealthy := s.store.Healthy()
	status := "healthy"
	if !dbHealthy {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"version":     s.cfg.Version,
		"db":          dbHealthy,
		"queue_depth": s.queue.Depth(),
		"hosts":       s.monitor.Statuses(),
	})
}

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	minConfidence := 0.0
	if v := r.URL.Query().Get("min_confidence"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid min_confidence")
			return
		}
		minConfidence = f
	}
	patterns, err := s.store.ListPatterns(r.Context(), minConfidence, 200)
	if err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": patterns,
		"count":    len(patterns),
	})
}

func (s *Server) handleGetPattern(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid pattern id")
		return
	}
	pattern, err := s.store.GetPattern(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pattern)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	analytics, err := s.store.GetAnalytics(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, analytics)
}

func (s *Server) handleMaintenanceStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DurationMinutes int    `json:"duration_minutes"`
		Reason          string `json:"reason"`
		CreatedBy       string `json:"created_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.DurationMinutes <= 0 {
		req.DurationMinutes = 60
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "api"
	}

	id, err := s.store.StartMaintenanceWindow(r.Context(), req.Reason, req.CreatedBy,
		time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("maintenance window started",
		"id", id,
		"durationMinutes", req.DurationMinutes,
		"reason", req.Reason,
	)
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"window_id": id,
		"ends_at":   time.Now().UTC().Add(time.Duration(req.DurationMinutes) * time.Minute),
		"reason":    req.Reason,
	})
}

func (s *Server) handleMaintenanceEnd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WindowID int64 `json:"window_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WindowID == 0 {
		respondError(w, http.StatusBadRequest, "window_id required")
		return
	}
	if err := s.store.EndMaintenanceWindow(r.Context(), req.WindowID); err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("maintenance window ended", "windowID", req.WindowID)
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleMaintenanceStatus(w http.ResponseWriter, r *http.Request) {
	windows, err := s.store.ActiveMaintenanceWindows(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"active":  len(windows) > 0,
		"windows": windows,
	})
}

func (s *Server) handleSelfRestartInitiate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		respondError(w, http.StatusBadRequest, "restart target required")
		return
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}

	h, err := s.restarts.Initiate(r.Context(), req.Target, req.Reason, nil)
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, h)
	case errors.Is(err, store.ErrHandoffConflict):
		respondError(w, http.StatusConflict, "a handoff is already active")
	case errors.Is(err, selfpreserve.ErrNoOrchestrator):
		respondError(w, http.StatusServiceUnavailable, "no orchestrator configured")
	default:
		respondError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleSelfRestartStatus(w http.ResponseWriter, r *http.Request) {
	var (
		h   *types.SelfRestartHandoff
		err error
	)
	if id := r.URL.Query().Get("id"); id != "" {
		h, err = s.restarts.Status(r.Context(), id)
	} else {
		h, err = s.restarts.Active(r.Context())
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "no matching handoff")
			return
		}
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h)
}

func (s *Server) handleSelfRestartCancel(w http.ResponseWriter, r *http.Request) {
	handoffID := r.URL.Query().Get("handoff_id")
	if handoffID == "" {
		respondError(w, http.StatusBadRequest, "handoff_id required")
		return
	}
	reason := r.URL.Query().Get("reason")
	if err := s.restarts.Cancel(r.Context(), handoffID, reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusConflict, "handoff not active")
			return
		}
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// handleResumeCallback receives the orchestrator's progress reports for an
// active handoff.
func (s *Server) handleResumeCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	handoffID := q.Get("handoff_id")
	status := q.Get("status")
	if handoffID == "" || status == "" {
		respondError(w, http.StatusBadRequest, "handoff_id and status required")
		return
	}
	if err := s.restarts.Acknowledge(r.Context(), handoffID, status, q.Get("error")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusConflict, "handoff not active")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// storeError maps store failures onto HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrStoreUnavailable):
		respondError(w, http.StatusServiceUnavailable, "database unavailable")
	default:
		s.logger.Error(err, "request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
