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

// Package types holds the shared data model for the Jarvis remediation
// service: inbound alerts, remediation attempts, learned patterns, host
// status, suppressions, maintenance windows, and self-restart handoffs.
package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Alert statuses as delivered by the alert router.
const (
	StatusFiring   = "firing"
	StatusResolved = "resolved"
)

// AlertRouterWebhook represents the alert-router webhook payload
// (AlertManager v4 webhook format).
//
// The outer Status is informational; the effective per-alert status is
// taken from each inner Alert.
type AlertRouterWebhook struct {
	Version           string            `json:"version"`
	GroupKey          string            `json:"groupKey"`
	Status            string            `json:"status"`
	Receiver          string            `json:"receiver"`
	GroupLabels       map[string]string `json:"groupLabels"`
	CommonLabels      map[string]string `json:"commonLabels"`
	CommonAnnotations map[string]string `json:"commonAnnotations"`
	ExternalURL       string            `json:"externalURL"`
	Alerts            []Alert           `json:"alerts"`
}

// Alert is a single alert from the router. Not persisted as-is; Pipeline
// derives a RemediationAttempt from it after execution.
type Alert struct {
	Status      string            `json:"status"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
	EndsAt      time.Time         `json:"endsAt"`
	Fingerprint string            `json:"fingerprint"`
}

// Name returns the alertname label.
func (a Alert) Name() string {
	return a.Labels["alertname"]
}

// Severity returns the severity label, defaulting to "unknown" when the
// router omitted it entirely. The value is preserved otherwise: Jarvis is a
// dumb pipe for severity, it never re-maps external values.
func (a Alert) Severity() string {
	if s := a.Labels["severity"]; s != "" {
		return s
	}
	return "unknown"
}

// InstanceKey derives the effective instance key used for attempt
// accounting. For container alerts the key is "host:container"; the
// router-provided instance label is used verbatim when it already carries
// that form, and as-is for non-container alerts.
//
// Examples:
//   - labels {host: nexus, container: omada, instance: nexus}       → "nexus:omada"
//   - labels {host: nexus, container: omada, instance: nexus:omada} → "nexus:omada"
//   - labels {instance: ha.local}                                   → "ha.local"
func (a Alert) InstanceKey() string {
	host := a.Labels["host"]
	container := a.Labels["container"]
	instance := a.Labels["instance"]

	if host != "" && container != "" {
		if instance == host+":"+container {
			return instance
		}
		return host + ":" + container
	}
	return instance
}

// Host returns the best-guess target host for the alert: the host label
// when present, else the host part of the instance label.
func (a Alert) Host() string {
	if h := a.Labels["host"]; h != "" {
		return h
	}
	instance := a.Labels["instance"]
	if idx := strings.IndexByte(instance, ':'); idx > 0 {
		return instance[:idx]
	}
	return instance
}

// RemediationAttempt is one actionable remediation execution. Rows are
// created by Pipeline and never mutated afterwards. Diagnostic-only
// executions are recorded as audit entries, not attempts.
type RemediationAttempt struct {
	ID            int64           `db:"id" json:"id"`
	Timestamp     time.Time       `db:"ts" json:"ts"`
	AlertName     string          `db:"alert_name" json:"alert_name"`
	InstanceKey   string          `db:"instance_key" json:"instance_key"`
	Severity      string          `db:"severity" json:"severity"`
	Labels        json.RawMessage `db:"labels" json:"labels"`
	Annotations   json.RawMessage `db:"annotations" json:"annotations"`
	AttemptNumber int             `db:"attempt_number" json:"attempt_number"`
	Analysis      string          `db:"analysis" json:"analysis"`
	Reasoning     string          `db:"reasoning" json:"reasoning"`
	Plan          string          `db:"plan" json:"plan"`
	Commands      json.RawMessage `db:"commands" json:"commands"`
	Success       bool            `db:"success" json:"success"`
	Error         string          `db:"error" json:"error,omitempty"`
	DurationS     float64         `db:"duration_s" json:"duration_s"`
	SSHHost       string          `db:"ssh_host" json:"ssh_host"`
	PatternID     *int64          `db:"pattern_id" json:"pattern_id,omitempty"`
}

// AuditKind classifies non-attempt audit rows.
const (
	AuditKindDiagnosticOnly = "diagnostic_only"
	AuditKindRejection      = "rejection"
	AuditKindSuppressed     = "suppressed"
	AuditKindSkipped        = "skipped"
)

// AuditEntry records executions and decisions that are explicitly not
// remediation attempts: diagnostic-only plans, rejected plans, suppressed
// and maintenance-skipped alerts.
type AuditEntry struct {
	ID          int64     `db:"id" json:"id"`
	Timestamp   time.Time `db:"ts" json:"ts"`
	Kind        string    `db:"kind" json:"kind"`
	AlertName   string    `db:"alert_name" json:"alert_name"`
	InstanceKey string    `db:"instance_key" json:"instance_key"`
	Detail      string    `db:"detail" json:"detail"`
}

// RemediationPattern is a learned (fingerprint, commands) pair used to
// accelerate future remediations. (AlertName, SymptomFingerprint) is unique.
type RemediationPattern struct {
	ID                 int64           `db:"id" json:"id"`
	AlertName          string          `db:"alert_name" json:"alert_name"`
	Category           string          `db:"category" json:"category"`
	SymptomFingerprint string          `db:"symptom_fingerprint" json:"symptom_fingerprint"`
	RootCause          string          `db:"root_cause" json:"root_cause"`
	SolutionCommands   json.RawMessage `db:"solution_commands" json:"solution_commands"`
	TargetHost         string          `db:"target_host" json:"target_host,omitempty"`
	RiskLevel          string          `db:"risk_level" json:"risk_level"`
	Confidence         float64         `db:"confidence" json:"confidence"`
	SuccessCount       int             `db:"success_count" json:"success_count"`
	FailureCount       int             `db:"failure_count" json:"failure_count"`
	UsageCount         int             `db:"usage_count" json:"usage_count"`
	AvgExecutionTimeS  float64         `db:"avg_execution_time_s" json:"avg_execution_time_s"`
	Enabled            bool            `db:"enabled" json:"enabled"`
	CreatedBy          string          `db:"created_by" json:"created_by"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
	LastUsedAt         *time.Time      `db:"last_used_at" json:"last_used_at,omitempty"`
	Metadata           json.RawMessage `db:"metadata" json:"metadata,omitempty"`
}

// Commands unmarshals the stored solution commands.
func (p RemediationPattern) Commands() []string {
	var cmds []string
	_ = json.Unmarshal(p.SolutionCommands, &cmds)
	return cmds
}

// Host reachability states tracked by HostMonitor.
const (
	HostOnline   = "online"
	HostOffline  = "offline"
	HostChecking = "checking"
)

// HostStatus is the durable per-host reachability record.
type HostStatus struct {
	HostName            string     `db:"host_name" json:"host_name"`
	Status              string     `db:"status" json:"status"`
	ConsecutiveFailures int        `db:"consecutive_failures" json:"consecutive_failures"`
	LastSuccess         *time.Time `db:"last_success" json:"last_success,omitempty"`
	LastAttempt         *time.Time `db:"last_attempt" json:"last_attempt,omitempty"`
	LastError           string     `db:"last_error" json:"last_error,omitempty"`
}

// Suppression marks symptomatic child alerts of a failing root cause as
// silently absorbed until the window expires or the host recovers.
type Suppression struct {
	ID                 int64     `db:"id" json:"id"`
	RootCauseAlert     string    `db:"root_cause_alert" json:"root_cause_alert"`
	RootCauseInstance  string    `db:"root_cause_instance" json:"root_cause_instance"`
	SuppressedUntil    time.Time `db:"suppressed_until" json:"suppressed_until"`
	Reason             string    `db:"reason" json:"reason"`
}

// MaintenanceWindow short-circuits Pipeline with a "skipped" outcome while
// the current time falls inside it.
type MaintenanceWindow struct {
	ID        int64     `db:"id" json:"id"`
	StartsAt  time.Time `db:"starts_at" json:"starts_at"`
	EndsAt    time.Time `db:"ends_at" json:"ends_at"`
	Reason    string    `db:"reason" json:"reason"`
	CreatedBy string    `db:"created_by" json:"created_by"`
}

// Active reports whether now falls inside the window.
func (w MaintenanceWindow) Active(now time.Time) bool {
	return !now.Before(w.StartsAt) && now.Before(w.EndsAt)
}

// Self-restart handoff targets.
const (
	RestartTargetService          = "service"
	RestartTargetDatabase         = "database"
	RestartTargetContainerRuntime = "container-runtime"
	RestartTargetHost             = "host"
)

// Handoff statuses. pending and in_progress are the only non-terminal
// states; a partial unique index on them enforces the self-restart mutex.
const (
	HandoffPending    = "pending"
	HandoffInProgress = "in_progress"
	HandoffCompleted  = "completed"
	HandoffFailed     = "failed"
	HandoffTimeout    = "timeout"
	HandoffCancelled  = "cancelled"
)

// HandoffTerminal reports whether a handoff status is terminal.
// Terminal transitions are irreversible.
func HandoffTerminal(status string) bool {
	switch status {
	case HandoffCompleted, HandoffFailed, HandoffTimeout, HandoffCancelled:
		return true
	}
	return false
}

// SelfRestartHandoff is the durable record of a requested self-restart that
// an external orchestrator performs on Jarvis's behalf.
type SelfRestartHandoff struct {
	HandoffID     string          `db:"handoff_id" json:"handoff_id"`
	RestartTarget string          `db:"restart_target" json:"restart_target"`
	Reason        string          `db:"reason" json:"reason"`
	Context       json.RawMessage `db:"context" json:"context,omitempty"`
	Status        string          `db:"status" json:"status"`
	CallbackURL   string          `db:"callback_url" json:"callback_url"`
	ExecutorID    string          `db:"executor_id" json:"executor_id,omitempty"`
	Error         string          `db:"error" json:"error,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	CompletedAt   *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// RemediationPlan is the Analyzer's structured output: what to run, where,
// and why. ExpectedHost may be empty, in which case Pipeline derives the
// host from the alert labels.
type RemediationPlan struct {
	Analysis        string   `json:"analysis"`
	Reasoning       string   `json:"reasoning"`
	Commands        []string `json:"commands"`
	ExpectedHost    string   `json:"expected_host,omitempty"`
	ExpectedOutcome string   `json:"expected_outcome,omitempty"`
}

// MarshalJSONMap serializes a label/annotation map for storage, returning
// an empty JSON object on nil input.
func MarshalJSONMap(m map[string]string) json.RawMessage {
	if m == nil {
		return json.RawMessage("{}")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// MarshalCommands serializes a command list for storage.
func MarshalCommands(cmds []string) json.RawMessage {
	if cmds == nil {
		cmds = []string{}
	}
	raw, err := json.Marshal(cmds)
	if err != nil {
		return json.RawMessage("[]")
	}
	return raw
}
