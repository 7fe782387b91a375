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

// Package learner matches incoming alerts against learned remediation
// patterns and extracts new patterns from successful remediations.
//
// Matching is fingerprint based: an alert's stable labels become a token
// set, Jaccard similarity against each stored pattern scales the pattern's
// Bayesian confidence, and the scaled value decides bypass / hint / miss.
package learner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"

	"github.com/nexushome/jarvis/pkg/types"
)

// Match decisions.
const (
	DecisionBypass = "bypass"
	DecisionHint   = "hint"
	DecisionMiss   = "miss"
)

// SeedConfidence is the starting confidence for a freshly extracted
// pattern: one success, zero failures, plus mild optimism that a command
// sequence which worked once will work again.
const SeedConfidence = 0.8

// volatileLabels are dropped from the fingerprint when a stable
// counterpart is present: they churn per-firing without changing the
// symptom.
var volatileLabels = []string{"instance", "pod", "ip"}

// stableLabels anchor the fingerprint.
var stableLabels = []string{"host", "container", "service"}

// excludedLabels never contribute to a fingerprint.
var excludedLabels = []string{"alertname", "severity"}

// Match is the outcome of matching one alert against the pattern library.
type Match struct {
	Decision            string
	Pattern             *types.RemediationPattern
	Similarity          float64
	EffectiveConfidence float64
	Fingerprint         string
}

// PatternStore is the slice of the store the learner needs. Satisfied by
// *store.Store.
type PatternStore interface {
	FindPatterns(ctx context.Context, alertName string) ([]types.RemediationPattern, error)
	UpsertPattern(ctx context.Context, p *types.RemediationPattern) (int64, error)
	UpdatePatternOutcome(ctx context.Context, id int64, success bool, executionTime time.Duration) error
}

// Learner holds the thresholds and the pattern store.
type Learner struct {
	store           PatternStore
	highThreshold   float64
	mediumThreshold float64
	logger          logr.Logger
}

// New builds a learner. highThreshold gates bypass, mediumThreshold gates
// hint; anything below is a miss.
func New(store PatternStore, highThreshold, mediumThreshold float64, logger logr.Logger) *Learner {
	return &Learner{
		store:           store,
		highThreshold:   highThreshold,
		mediumThreshold: mediumThreshold,
		logger:          logger,
	}
}

// Fingerprint derives the symptom fingerprint for an alert: the alert name
// followed by the sorted stable label tokens, pipe-joined.
func Fingerprint(alert types.Alert) string {
	tokens := fingerprintTokens(alert)
	return alert.Name() + "|" + strings.Join(tokens, "|")
}

func fingerprintTokens(alert types.Alert) []string {
	hasStable := lo.SomeBy(stableLabels, func(k string) bool {
		return alert.Labels[k] != ""
	})

	tokens := make([]string, 0, len(alert.Labels))
	for k, v := range alert.Labels {
		if v == "" || lo.Contains(excludedLabels, k) {
			continue
		}
		if hasStable && lo.Contains(volatileLabels, k) {
			continue
		}
		tokens = append(tokens, k+":"+v)
	}
	sort.Strings(tokens)
	return tokens
}

// Similarity computes Jaccard similarity between two fingerprints over
// their pipe-separated token sets. Identical fingerprints score 1; disjoint
// ones score 0.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	setA := lo.Uniq(strings.Split(a, "|"))
	setB := lo.Uniq(strings.Split(b, "|"))

	inter := len(lo.Intersect(setA, setB))
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Match looks up the best pattern for the alert and grades it.
//
// effective_confidence = pattern.confidence × similarity. At or above the
// high threshold the decision is bypass (run the pattern without the LLM);
// at or above the medium threshold it is hint (pass the pattern to the
// Analyzer as prior art); below, miss.
func (l *Learner) Match(ctx context.Context, alert types.Alert) (*Match, error) {
	fp := Fingerprint(alert)
	patterns, err := l.store.FindPatterns(ctx, alert.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to load patterns for %s: %w", alert.Name(), err)
	}
	if len(patterns) == 0 {
		return &Match{Decision: DecisionMiss, Fingerprint: fp}, nil
	}

	best := l.pickBest(fp, patterns)
	if best.Pattern == nil {
		return &Match{Decision: DecisionMiss, Fingerprint: fp}, nil
	}

	switch {
	case best.EffectiveConfidence >= l.highThreshold:
		best.Decision = DecisionBypass
	case best.EffectiveConfidence >= l.mediumThreshold:
		best.Decision = DecisionHint
	default:
		best.Decision = DecisionMiss
	}

	l.logger.V(1).Info("pattern match",
		"alertName", alert.Name(),
		"decision", best.Decision,
		"similarity", best.Similarity,
		"effectiveConfidence", best.EffectiveConfidence,
	)
	return best, nil
}

// pickBest scores every candidate and keeps the highest effective
// confidence. Ties go to the more-used pattern, then the most recently
// used one.
func (l *Learner) pickBest(fp string, patterns []types.RemediationPattern) *Match {
	type scored struct {
		pattern    types.RemediationPattern
		similarity float64
		effective  float64
	}

	candidates := lo.Map(patterns, func(p types.RemediationPattern, _ int) scored {
		sim := Similarity(fp, p.SymptomFingerprint)
		return scored{pattern: p, similarity: sim, effective: p.Confidence * sim}
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.effective != b.effective {
			return a.effective > b.effective
		}
		if a.pattern.UsageCount != b.pattern.UsageCount {
			return a.pattern.UsageCount > b.pattern.UsageCount
		}
		return lastUsed(a.pattern).After(lastUsed(b.pattern))
	})

	top := candidates[0]
	if top.effective <= 0 {
		return &Match{Fingerprint: fp}
	}
	p := top.pattern
	return &Match{
		Pattern:             &p,
		Similarity:          top.similarity,
		EffectiveConfidence: top.effective,
		Fingerprint:         fp,
	}
}

func lastUsed(p types.RemediationPattern) time.Time {
	if p.LastUsedAt != nil {
		return *p.LastUsedAt
	}
	return p.UpdatedAt
}

// RecordOutcome feeds an execution result back into a matched pattern,
// applying the Bayesian confidence update.
func (l *Learner) RecordOutcome(ctx context.Context, patternID int64, success bool, duration time.Duration) error {
	if err := l.store.UpdatePatternOutcome(ctx, patternID, success, duration); err != nil {
		return fmt.Errorf("failed to record pattern outcome: %w", err)
	}
	return nil
}

// Extract creates a pattern from a successful LLM-planned remediation so
// the next occurrence can bypass analysis. The seed is one success at
// SeedConfidence; repeated extraction of the same (alert, fingerprint)
// folds into the existing row.
func (l *Learner) Extract(ctx context.Context, alert types.Alert, plan *types.RemediationPlan, host string, duration time.Duration) (*types.RemediationPattern, error) {
	now := time.Now().UTC()
	p := &types.RemediationPattern{
		AlertName:          alert.Name(),
		Category:           categoryOf(alert),
		SymptomFingerprint: Fingerprint(alert),
		RootCause:          plan.Analysis,
		SolutionCommands:   types.MarshalCommands(plan.Commands),
		TargetHost:         host,
		RiskLevel:          "medium",
		Confidence:         SeedConfidence,
		SuccessCount:       1,
		UsageCount:         1,
		AvgExecutionTimeS:  duration.Seconds(),
		Enabled:            true,
		CreatedBy:          "learner",
		LastUsedAt:         &now,
	}
	if _, err := l.store.UpsertPattern(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to extract pattern for %s: %w", alert.Name(), err)
	}
	l.logger.Info("pattern extracted",
		"alertName", p.AlertName,
		"patternID", p.ID,
		"fingerprint", p.SymptomFingerprint,
	)
	return p, nil
}

func categoryOf(alert types.Alert) string {
	switch {
	case alert.Labels["container"] != "":
		return "container"
	case alert.Labels["service"] != "":
		return "service"
	default:
		return "host"
	}
}
