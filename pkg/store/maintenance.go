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

// StartMaintenanceWindow opens a window and returns its id.
func (s *Store) StartMaintenanceWindow(ctx context.Context, reason, createdBy string, duration time.Duration) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := s.db.GetContext(ctx, &id,
		`INSERT INTO maintenance_windows (starts_at, ends_at, reason, created_by)
		 VALUES ($1,$2,$3,$4)
		 RETURNING id`,
		now, now.Add(duration), reason, createdBy)
	if err != nil {
		return 0, s.wrap("start maintenance window", err)
	}
	return id, nil
}

// EndMaintenanceWindow closes a window immediately. Ending an unknown or
// already-closed window returns ErrNotFound.
func (s *Store) EndMaintenanceWindow(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE maintenance_windows SET ends_at = $2
		 WHERE id = $1 AND ends_at > $2`,
		id, time.Now().UTC())
	if err != nil {
		return s.wrap("end maintenance window", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap("end maintenance window", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveMaintenanceWindows returns windows covering the current time.
func (s *Store) ActiveMaintenanceWindows(ctx context.Context) ([]types.MaintenanceWindow, error) {
	windows := []types.MaintenanceWindow{}
	now := time.Now().UTC()
	err := s.db.SelectContext(ctx, &windows,
		`SELECT * FROM maintenance_windows
		 WHERE starts_at <= $1 AND ends_at > $1`, now)
	if err != nil {
		return nil, s.wrap("active maintenance windows", err)
	}
	return windows, nil
}

// InMaintenance reports whether any maintenance window is currently active.
func (s *Store) InMaintenance(ctx context.Context) (bool, error) {
	windows, err := s.ActiveMaintenanceWindows(ctx)
	if err != nil {
		return false, err
	}
	return len(windows) > 0, nil
}
