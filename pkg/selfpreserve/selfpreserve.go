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

// Package selfpreserve manages self-restart handoffs. When remediating an
// alert would require restarting the service itself (or its database, the
// container runtime, or the host), the work is handed to an external
// orchestrator: Jarvis records the handoff, notifies the orchestrator, and
// goes down expecting to be restarted.
//
// At most one handoff is active at a time; the database's partial unique
// index is the mutex, this package only surfaces its verdict.
package selfpreserve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/nexushome/jarvis/pkg/notifier"
	"github.com/nexushome/jarvis/pkg/store"
	"github.com/nexushome/jarvis/pkg/types"
)

// ErrNoOrchestrator indicates no orchestrator webhook is configured; a
// self-restart cannot be handed off and must be escalated instead.
var ErrNoOrchestrator = errors.New("no orchestrator configured")

const sweepInterval = 60 * time.Second

// HandoffStore is the slice of the store this package needs. Satisfied by
// *store.Store.
type HandoffStore interface {
	CreateHandoff(ctx context.Context, h *types.SelfRestartHandoff) error
	GetHandoff(ctx context.Context, handoffID string) (*types.SelfRestartHandoff, error)
	GetActiveHandoff(ctx context.Context) (*types.SelfRestartHandoff, error)
	UpdateHandoffStatus(ctx context.Context, handoffID, status, errMsg string) error
	SweepExpiredHandoffs(ctx context.Context, timeout time.Duration) ([]types.SelfRestartHandoff, error)
}

// Notifier receives handoff lifecycle events. Satisfied by
// *notifier.Notifier.
type Notifier interface {
	Notify(ctx context.Context, ev notifier.Event)
}

// Config for the manager.
type Config struct {
	OrchestratorWebhookURL string
	CallbackURL            string
	HealthURL              string
	SelfHost               string
	HandoffTimeout         time.Duration
}

// Manager owns the handoff lifecycle.
type Manager struct {
	store      HandoffStore
	notify     Notifier
	cfg        Config
	httpClient *http.Client
	logger     logr.Logger
}

// New builds a manager.
func New(st HandoffStore, notify Notifier, cfg Config, logger logr.Logger) *Manager {
	return &Manager{
		store:      st,
		notify:     notify,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// handoffRequest is the payload posted to the orchestrator.
type handoffRequest struct {
	HandoffID   string `json:"handoff_id"`
	Target      string `json:"target"`
	Reason      string `json:"reason"`
	CallbackURL string `json:"callback_url"`
	SSHHost     string `json:"ssh_host,omitempty"`
	HealthURL   string `json:"health_url,omitempty"`
	TimeoutS    int    `json:"timeout_s"`
}

// Initiate records a handoff and posts it to the orchestrator. Returns
// store.ErrHandoffConflict when another handoff is already active, and
// ErrNoOrchestrator when no webhook is configured. When the orchestrator
// rejects the request the handoff is marked failed before the error is
// returned, releasing the mutex.
func (m *Manager) Initiate(ctx context.Context, target, reason string, extra map[string]string) (*types.SelfRestartHandoff, error) {
	if m.cfg.OrchestratorWebhookURL == "" {
		return nil, ErrNoOrchestrator
	}
	if !validTarget(target) {
		return nil, fmt.Errorf("invalid restart target %q", target)
	}

	h := &types.SelfRestartHandoff{
		HandoffID:     uuid.NewString(),
		RestartTarget: target,
		Reason:        reason,
		Context:       marshalContext(extra),
		Status:        types.HandoffPending,
		CallbackURL:   m.cfg.CallbackURL,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.store.CreateHandoff(ctx, h); err != nil {
		return nil, err
	}

	if err := m.postOrchestrator(ctx, h); err != nil {
		if uerr := m.store.UpdateHandoffStatus(ctx, h.HandoffID, types.HandoffFailed, err.Error()); uerr != nil {
			m.logger.Error(uerr, "failed to mark handoff failed", "handoffID", h.HandoffID)
		}
		return nil, fmt.Errorf("orchestrator rejected handoff: %w", err)
	}

	m.logger.Info("self-restart handoff initiated",
		"handoffID", h.HandoffID,
		"target", target,
		"reason", reason,
	)
	return h, nil
}

// Status returns the handoff record.
func (m *Manager) Status(ctx context.Context, handoffID string) (*types.SelfRestartHandoff, error) {
	return m.store.GetHandoff(ctx, handoffID)
}

// Active returns the currently active handoff, or store.ErrNotFound.
func (m *Manager) Active(ctx context.Context) (*types.SelfRestartHandoff, error) {
	return m.store.GetActiveHandoff(ctx)
}

// Cancel aborts an active handoff. Already-terminal handoffs cannot be
// cancelled; the store reports that as ErrNotFound.
func (m *Manager) Cancel(ctx context.Context, handoffID, reason string) error {
	if reason == "" {
		reason = "cancelled by operator"
	}
	if err := m.store.UpdateHandoffStatus(ctx, handoffID, types.HandoffCancelled, reason); err != nil {
		return err
	}
	m.logger.Info("handoff cancelled", "handoffID", handoffID, "reason", reason)
	return nil
}

// Acknowledge applies an orchestrator callback: in_progress while it works,
// completed or failed when done.
func (m *Manager) Acknowledge(ctx context.Context, handoffID, status, errMsg string) error {
	switch status {
	case types.HandoffInProgress, types.HandoffCompleted, types.HandoffFailed:
	default:
		return fmt.Errorf("invalid handoff status %q", status)
	}
	return m.store.UpdateHandoffStatus(ctx, handoffID, status, errMsg)
}

// Resume closes out a handoff after the service comes back up. Called once
// at startup: an active handoff at boot means the restart we asked for has
// happened, so the handoff is marked completed and the recovery announced.
func (m *Manager) Resume(ctx context.Context) error {
	h, err := m.store.GetActiveHandoff(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to check for active handoff: %w", err)
	}

	if err := m.store.UpdateHandoffStatus(ctx, h.HandoffID, types.HandoffCompleted, ""); err != nil {
		return fmt.Errorf("failed to complete handoff %s: %w", h.HandoffID, err)
	}
	m.logger.Info("resumed after self-restart",
		"handoffID", h.HandoffID,
		"target", h.RestartTarget,
		"downFor", time.Since(h.CreatedAt).Round(time.Second).String(),
	)
	if m.notify != nil {
		m.notify.Notify(ctx, notifier.Event{
			Kind:      notifier.KindRecovery,
			AlertName: "SelfRestart",
			Analysis:  fmt.Sprintf("service back after %s restart (%s)", h.RestartTarget, h.Reason),
		})
	}
	return nil
}

// RunSweeper times out stale handoffs every minute until ctx is cancelled.
// A timed-out handoff releases the mutex and pages the operator: the
// orchestrator took the job and never reported back.
func (m *Manager) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	expired, err := m.store.SweepExpiredHandoffs(ctx, m.cfg.HandoffTimeout)
	if err != nil {
		m.logger.V(1).Info("handoff sweep failed", "error", err.Error())
		return
	}
	for _, h := range expired {
		m.logger.Info("handoff timed out",
			"handoffID", h.HandoffID,
			"target", h.RestartTarget,
			"age", time.Since(h.CreatedAt).Round(time.Second).String(),
		)
		if m.notify != nil {
			m.notify.Notify(ctx, notifier.Event{
				Kind:      notifier.KindEscalation,
				AlertName: "SelfRestartHandoffTimeout",
				Analysis:  fmt.Sprintf("orchestrator never completed %s restart (handoff %s)", h.RestartTarget, h.HandoffID),
				Error:     "handoff timed out",
			})
		}
	}
}

func (m *Manager) postOrchestrator(ctx context.Context, h *types.SelfRestartHandoff) error {
	body, err := json.Marshal(handoffRequest{
		HandoffID:   h.HandoffID,
		Target:      h.RestartTarget,
		Reason:      h.Reason,
		CallbackURL: h.CallbackURL,
		SSHHost:     m.cfg.SelfHost,
		HealthURL:   m.cfg.HealthURL,
		TimeoutS:    int(m.cfg.HandoffTimeout.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal handoff request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.OrchestratorWebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create handoff request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("orchestrator webhook call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("orchestrator returned %d", resp.StatusCode)
	}
	return nil
}

func validTarget(target string) bool {
	switch target {
	case types.RestartTargetService, types.RestartTargetDatabase,
		types.RestartTargetContainerRuntime, types.RestartTargetHost:
		return true
	}
	return false
}

func marshalContext(extra map[string]string) json.RawMessage {
	if len(extra) == 0 {
		return nil
	}
	raw, err := json.Marshal(extra)
	if err != nil {
		return nil
	}
	return raw
}
