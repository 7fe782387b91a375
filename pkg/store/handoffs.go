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

package store

import (
	"context"
	"time"

	"github.com/nexushome/jarvis/pkg/types"
)

// CreateHandoff inserts a pending handoff row. The partial unique index on
// status IN (pending, in_progress) is the only mutex: a second concurrent
// create surfaces as ErrHandoffConflict, never as a second active row.
func (s *Store) CreateHandoff(ctx context.Context, h *types.SelfRestartHandoff) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	if h.Status == "" {
		h.Status = types.HandoffPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO self_preservation_handoffs
		 (handoff_id, restart_target, reason, context, status, callback_url,
		  executor_id, error, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		h.HandoffID, h.RestartTarget, h.Reason, h.Context, h.Status,
		h.CallbackURL, h.ExecutorID, h.Error, h.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrHandoffConflict
		}
		return s.wrap("create handoff", err)
	}
	return nil
}

// GetHandoff returns a handoff by id, or ErrNotFound.
func (s *Store) GetHandoff(ctx context.Context, handoffID string) (*types.SelfRestartHandoff, error) {
	var h types.SelfRestartHandoff
	err := s.db.GetContext(ctx, &h,
		`SELECT * FROM self_preservation_handoffs WHERE handoff_id = $1`, handoffID)
	if err != nil {
		return nil, s.wrap("get handoff", err)
	}
	return &h, nil
}

// GetActiveHandoff returns the single pending or in-progress handoff, or
// ErrNotFound when none is active.
func (s *Store) GetActiveHandoff(ctx context.Context) (*types.SelfRestartHandoff, error) {
	var h types.SelfRestartHandoff
	err := s.db.GetContext(ctx, &h,
		`SELECT * FROM self_preservation_handoffs
		 WHERE status IN ($1, $2)`,
		types.HandoffPending, types.HandoffInProgress)
	if err != nil {
		return nil, s.wrap("get active handoff", err)
	}
	return &h, nil
}

// UpdateHandoffStatus transitions a handoff. Terminal transitions set
// completed_at; rows already in a terminal state are left untouched
// (terminal transitions are irreversible) and ErrNotFound is returned.
func (s *Store) UpdateHandoffStatus(ctx context.Context, handoffID, status, errMsg string) error {
	var completedAt *time.Time
	if types.HandoffTerminal(status) {
		now := time.Now().UTC()
		completedAt = &now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE self_preservation_handoffs
		 SET status = $2, error = $3, completed_at = COALESCE($4, completed_at)
		 WHERE handoff_id = $1
		   AND status IN ($5, $6)`,
		handoffID, status, errMsg, completedAt,
		types.HandoffPending, types.HandoffInProgress)
	if err != nil {
		return s.wrap("update handoff", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap("update handoff", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepExpiredHandoffs marks active handoffs older than timeout as timed
// out and returns them so the caller can notify the operator.
func (s *Store) SweepExpiredHandoffs(ctx context.Context, timeout time.Duration) ([]types.SelfRestartHandoff, error) {
	expired := []types.SelfRestartHandoff{}
	err := s.db.SelectContext(ctx, &expired,
		`UPDATE self_preservation_handoffs
		 SET status = $1, error = 'handoff timed out', completed_at = now()
		 WHERE status IN ($2, $3) AND created_at < $4
		 RETURNING *`,
		types.HandoffTimeout, types.HandoffPending, types.HandoffInProgress,
		time.Now().UTC().Add(-timeout))
	if err != nil {
		return nil, s.wrap("sweep handoffs", err)
	}
	return expired, nil
}
