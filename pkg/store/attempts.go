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

// CountAttempts counts attempt rows for (alertName, instanceKey) whose ts
// falls within the rolling window. Rows older than the window are ignored
// but retained for analytics.
func (s *Store) CountAttempts(ctx context.Context, alertName, instanceKey string, window time.Duration) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM remediation_log
		 WHERE alert_name = $1 AND instance_key = $2 AND ts >= $3`,
		alertName, instanceKey, time.Now().UTC().Add(-window))
	if err != nil {
		return 0, s.wrap("count attempts", err)
	}
	return n, nil
}

// RecordAttempt inserts a single attempt row and returns its id. Attempt
// rows are never mutated after insertion.
func (s *Store) RecordAttempt(ctx context.Context, a *types.RemediationAttempt) (int64, error) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	var id int64
	err := s.db.GetContext(ctx, &id,
		`INSERT INTO remediation_log
		 (ts, alert_name, instance_key, severity, labels, annotations,
		  attempt_number, analysis, reasoning, plan, commands, success,
		  error, duration_s, ssh_host, pattern_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		 RETURNING id`,
		a.Timestamp, a.AlertName, a.InstanceKey, a.Severity,
		a.Labels, a.Annotations, a.AttemptNumber, a.Analysis, a.Reasoning,
		a.Plan, a.Commands, a.Success, a.Error, a.DurationS, a.SSHHost,
		a.PatternID)
	if err != nil {
		return 0, s.wrap("record attempt", err)
	}
	a.ID = id
	return id, nil
}

// ClearAttempts deletes attempt rows for (alertName, instanceKey) within
// the window and returns the number cleared. Called on a resolved status:
// the clean-slate-on-resolve invariant. Idempotent; a second call returns 0.
func (s *Store) ClearAttempts(ctx context.Context, alertName, instanceKey string, window time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM remediation_log
		 WHERE alert_name = $1 AND instance_key = $2 AND ts >= $3`,
		alertName, instanceKey, time.Now().UTC().Add(-window))
	if err != nil {
		return 0, s.wrap("clear attempts", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.wrap("clear attempts", err)
	}
	return int(n), nil
}

// GetPreviousAttempts returns the most recent attempts for a key, newest
// first. Used for escalation summaries and as LLM context.
func (s *Store) GetPreviousAttempts(ctx context.Context, alertName, instanceKey string, limit int) ([]types.RemediationAttempt, error) {
	attempts := []types.RemediationAttempt{}
	err := s.db.SelectContext(ctx, &attempts,
		`SELECT * FROM remediation_log
		 WHERE alert_name = $1 AND instance_key = $2
		 ORDER BY ts DESC LIMIT $3`,
		alertName, instanceKey, limit)
	if err != nil {
		return nil, s.wrap("get previous attempts", err)
	}
	return attempts, nil
}

// RecordAudit writes a non-attempt audit entry (diagnostic-only plan,
// rejection, suppression, maintenance skip).
func (s *Store) RecordAudit(ctx context.Context, e *types.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO remediation_audit (ts, kind, alert_name, instance_key, detail)
		 VALUES ($1,$2,$3,$4,$5)`,
		e.Timestamp, e.Kind, e.AlertName, e.InstanceKey, e.Detail)
	return s.wrap("record audit", err)
}

// Analytics is the 30-day summary served by /analytics.
type Analytics struct {
	WindowDays            int     `json:"window_days"`
	TotalAttempts         int     `json:"total_attempts"`
	Successes             int     `json:"successes"`
	Failures              int     `json:"failures"`
	SuccessRate           float64 `json:"success_rate"`
	PatternBypasses       int     `json:"pattern_bypasses"`
	SuppressedAlerts      int     `json:"suppressed_alerts"`
	EstimatedMinutesSaved float64 `json:"estimated_minutes_saved"`
}

// GetAnalytics aggregates attempt outcomes over the trailing 30 days. The
// savings estimate assumes 15 operator-minutes per successful automated
// remediation.
func (s *Store) GetAnalytics(ctx context.Context) (*Analytics, error) {
	const operatorMinutesPerFix = 15.0
	since := time.Now().UTC().AddDate(0, 0, -30)

	a := &Analytics{WindowDays: 30}
	row := struct {
		Total     int `db:"total"`
		Successes int `db:"successes"`
		Bypasses  int `db:"bypasses"`
	}{}
	err := s.db.GetContext(ctx, &row,
		`SELECT COUNT(*) AS total,
		        COUNT(*) FILTER (WHERE success) AS successes,
		        COUNT(*) FILTER (WHERE pattern_id IS NOT NULL) AS bypasses
		 FROM remediation_log WHERE ts >= $1`, since)
	if err != nil {
		return nil, s.wrap("analytics", err)
	}
	a.TotalAttempts = row.Total
	a.Successes = row.Successes
	a.Failures = row.Total - row.Successes
	a.PatternBypasses = row.Bypasses
	if row.Total > 0 {
		a.SuccessRate = float64(row.Successes) / float64(row.Total)
	}
	a.EstimatedMinutesSaved = float64(row.Successes) * operatorMinutesPerFix

	err = s.db.GetContext(ctx, &a.SuppressedAlerts,
		`SELECT COUNT(*) FROM remediation_audit WHERE kind = 'suppressed' AND ts >= $1`, since)
	if err != nil {
		return nil, s.wrap("analytics", err)
	}
	return a, nil
}
