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

// FindPatterns returns enabled patterns for an alert name.
func (s *Store) FindPatterns(ctx context.Context, alertName string) ([]types.RemediationPattern, error) {
	patterns := []types.RemediationPattern{}
	err := s.db.SelectContext(ctx, &patterns,
		`SELECT * FROM remediation_patterns
		 WHERE alert_name = $1 AND enabled = true`,
		alertName)
	if err != nil {
		return nil, s.wrap("find patterns", err)
	}
	return patterns, nil
}

// GetPattern returns a single pattern by id, or ErrNotFound.
func (s *Store) GetPattern(ctx context.Context, id int64) (*types.RemediationPattern, error) {
	var p types.RemediationPattern
	err := s.db.GetContext(ctx, &p,
		`SELECT * FROM remediation_patterns WHERE id = $1`, id)
	if err != nil {
		return nil, s.wrap("get pattern", err)
	}
	return &p, nil
}

// ListPatterns returns patterns above a confidence floor, highest
// confidence first.
func (s *Store) ListPatterns(ctx context.Context, minConfidence float64, limit int) ([]types.RemediationPattern, error) {
	patterns := []types.RemediationPattern{}
	err := s.db.SelectContext(ctx, &patterns,
		`SELECT * FROM remediation_patterns
		 WHERE confidence >= $1
		 ORDER BY confidence DESC, usage_count DESC
		 LIMIT $2`,
		minConfidence, limit)
	if err != nil {
		return nil, s.wrap("list patterns", err)
	}
	return patterns, nil
}

// UpsertPattern inserts a pattern or, when (alert_name, symptom_fingerprint)
// already exists, folds the new counts into the existing row. Calling twice
// with the same key yields one row whose counts are the sum of both batches.
func (s *Store) UpsertPattern(ctx context.Context, p *types.RemediationPattern) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := s.db.GetContext(ctx, &id,
		`INSERT INTO remediation_patterns
		 (alert_name, category, symptom_fingerprint, root_cause,
		  solution_commands, target_host, risk_level, confidence,
		  success_count, failure_count, usage_count, avg_execution_time_s,
		  enabled, created_by, created_at, updated_at, last_used_at, metadata)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15,$16,$17)
		 ON CONFLICT (alert_name, symptom_fingerprint) DO UPDATE SET
		   success_count = remediation_patterns.success_count + EXCLUDED.success_count,
		   failure_count = remediation_patterns.failure_count + EXCLUDED.failure_count,
		   usage_count   = remediation_patterns.usage_count + EXCLUDED.usage_count,
		   confidence    = EXCLUDED.confidence,
		   updated_at    = EXCLUDED.updated_at,
		   last_used_at  = EXCLUDED.last_used_at
		 RETURNING id`,
		p.AlertName, p.Category, p.SymptomFingerprint, p.RootCause,
		p.SolutionCommands, p.TargetHost, p.RiskLevel, p.Confidence,
		p.SuccessCount, p.FailureCount, p.UsageCount, p.AvgExecutionTimeS,
		p.Enabled, p.CreatedBy, now, p.LastUsedAt, p.Metadata)
	if err != nil {
		return 0, s.wrap("upsert pattern", err)
	}
	p.ID = id
	return id, nil
}

// UpdatePatternOutcome applies the Bayesian confidence update after an
// outcome tied to the pattern:
//
//	success: confidence = (success_count+1) / (success_count+failure_count+1)
//	failure: confidence = success_count / (success_count+failure_count+1)
//
// and recomputes the running average execution time over usage_count.
func (s *Store) UpdatePatternOutcome(ctx context.Context, id int64, success bool, executionTime time.Duration) error {
	now := time.Now().UTC()
	secs := executionTime.Seconds()

	var err error
	if success {
		_, err = s.db.ExecContext(ctx,
			`UPDATE remediation_patterns SET
			   confidence    = (success_count + 1)::float / (success_count + failure_count + 1),
			   success_count = success_count + 1,
			   usage_count   = usage_count + 1,
			   avg_execution_time_s = (avg_execution_time_s * usage_count + $2) / (usage_count + 1),
			   updated_at    = $3,
			   last_used_at  = $3
			 WHERE id = $1`, id, secs, now)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE remediation_patterns SET
			   confidence    = success_count::float / (success_count + failure_count + 1),
			   failure_count = failure_count + 1,
			   usage_count   = usage_count + 1,
			   avg_execution_time_s = (avg_execution_time_s * usage_count + $2) / (usage_count + 1),
			   updated_at    = $3,
			   last_used_at  = $3
			 WHERE id = $1`, id, secs, now)
	}
	return s.wrap("update pattern outcome", err)
}
