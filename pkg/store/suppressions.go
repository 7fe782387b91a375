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

// InsertSuppression persists a suppression window and returns its id.
func (s *Store) InsertSuppression(ctx context.Context, sup *types.Suppression) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id,
		`INSERT INTO suppressions
		 (root_cause_alert, root_cause_instance, suppressed_until, reason)
		 VALUES ($1,$2,$3,$4)
		 RETURNING id`,
		sup.RootCauseAlert, sup.RootCauseInstance, sup.SuppressedUntil, sup.Reason)
	if err != nil {
		return 0, s.wrap("insert suppression", err)
	}
	sup.ID = id
	return id, nil
}

// ActiveSuppressions returns suppressions whose window has not yet expired.
// Used to rehydrate the hot cache at startup.
func (s *Store) ActiveSuppressions(ctx context.Context) ([]types.Suppression, error) {
	sups := []types.Suppression{}
	err := s.db.SelectContext(ctx, &sups,
		`SELECT * FROM suppressions WHERE suppressed_until > $1`,
		time.Now().UTC())
	if err != nil {
		return nil, s.wrap("active suppressions", err)
	}
	return sups, nil
}

// ClearSuppressionsForHost deletes suppressions whose root-cause instance is
// on the given host. Called on host recovery.
func (s *Store) ClearSuppressionsForHost(ctx context.Context, host string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM suppressions
		 WHERE root_cause_instance = $1 OR root_cause_instance LIKE $2`,
		host, host+":%")
	if err != nil {
		return 0, s.wrap("clear suppressions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.wrap("clear suppressions", err)
	}
	return int(n), nil
}
