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

	"github.com/nexushome/jarvis/pkg/types"
)

// UpsertHostStatus writes the durable per-host reachability record.
func (s *Store) UpsertHostStatus(ctx context.Context, h *types.HostStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO host_status_log
		 (host_name, status, consecutive_failures, last_success, last_attempt, last_error)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (host_name) DO UPDATE SET
		   status               = EXCLUDED.status,
		   consecutive_failures = EXCLUDED.consecutive_failures,
		   last_success         = COALESCE(EXCLUDED.last_success, host_status_log.last_success),
		   last_attempt         = EXCLUDED.last_attempt,
		   last_error           = EXCLUDED.last_error`,
		h.HostName, h.Status, h.ConsecutiveFailures, h.LastSuccess,
		h.LastAttempt, h.LastError)
	return s.wrap("upsert host status", err)
}

// GetHostStatuses returns every tracked host's durable status.
func (s *Store) GetHostStatuses(ctx context.Context) ([]types.HostStatus, error) {
	statuses := []types.HostStatus{}
	err := s.db.SelectContext(ctx, &statuses,
		`SELECT * FROM host_status_log ORDER BY host_name`)
	if err != nil {
		return nil, s.wrap("get host statuses", err)
	}
	return statuses, nil
}
