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

// Package pipeline orchestrates alert remediation end to end: dedupe,
// suppression, maintenance, attempt accounting, pattern matching, LLM
// analysis, command vetting, SSH execution, persistence, learning, and
// notification.
//
// The webhook handler returns before any of this runs; processing is
// asynchronous and a store outage degrades to the in-memory queue instead
// of dropping alerts.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexushome/jarvis/pkg/analyzer"
	"github.com/nexushome/jarvis/pkg/learner"
	"github.com/nexushome/jarvis/pkg/notifier"
	"github.com/nexushome/jarvis/pkg/queue"
	"github.com/nexushome/jarvis/pkg/selfpreserve"
	"github.com/nexushome/jarvis/pkg/sshexec"
	"github.com/nexushome/jarvis/pkg/store"
	"github.com/nexushome/jarvis/pkg/types"
	"github.com/nexushome/jarvis/pkg/validator"
)

// AttemptStore is the persistence slice the pipeline needs. Satisfied by
// *store.Store.
type AttemptStore interface {
	CountAttempts(ctx context.Context, alertName, instanceKey string, window time.Duration) (int, error)
	RecordAttempt(ctx context.Context, a *types.RemediationAttempt) (int64, error)
	ClearAttempts(ctx context.Context, alertName, instanceKey string, window time.Duration) (int, error)
	GetPreviousAttempts(ctx context.Context, alertName, instanceKey string, limit int) ([]types.RemediationAttempt, error)
	RecordAudit(ctx context.Context, e *types.AuditEntry) error
	InMaintenance(ctx context.Context) (bool, error)
}

// PatternMatcher wraps the learner. Satisfied by *learner.Learner.
type PatternMatcher interface {
	Match(ctx context.Context, alert types.Alert) (*learner.Match, error)
	RecordOutcome(ctx context.Context, patternID int64, success bool, duration time.Duration) error
	Extract(ctx context.Context, alert types.Alert, plan *types.RemediationPlan, host string, duration time.Duration) (*types.RemediationPattern, error)
}

// Planner wraps the analyzer. Satisfied by *analyzer.Analyzer.
type Planner interface {
	Analyze(ctx context.Context, req analyzer.Request) (*types.RemediationPlan, error)
}

// Executor runs commands on hosts. Satisfied by *sshexec.Executor.
type Executor interface {
	Execute(ctx context.Context, host, command string) (*sshexec.Result, error)
}

// Suppressor absorbs cascade children. Satisfied by *suppressor.Suppressor.
type Suppressor interface {
	Covered(ctx context.Context, alert types.Alert) (bool, string)
	Activate(ctx context.Context, alert types.Alert) error
}

// HostChecker reports host reachability. Satisfied by *hostmonitor.Monitor.
type HostChecker interface {
	IsOnline(host string) bool
}

// Restarter hands self-restarts to the orchestrator. Satisfied by
// *selfpreserve.Manager.
type Restarter interface {
	Initiate(ctx context.Context, target, reason string, extra map[string]string) (*types.SelfRestartHandoff, error)
}

// CommandValidator vets plan commands. Satisfied by *validator.Validator.
type CommandValidator interface {
	Check(command string) validator.Verdict
	IsDiagnostic(command string) bool
}

// Notifier delivers outcome events. Satisfied by *notifier.Notifier.
type Notifier interface {
	Notify(ctx context.Context, ev notifier.Event)
}

// Config holds the pipeline limits.
type Config struct {
	MaxAttemptsPerAlert int
	AttemptWindow       time.Duration
}

// Pipeline wires the full remediation flow.
type Pipeline struct {
	store     AttemptStore
	matcher   PatternMatcher
	planner   Planner
	executor  Executor
	suppress  Suppressor
	hosts     HostChecker
	restarter Restarter
	validator CommandValidator
	notify    Notifier
	queue     *queue.Queue
	cfg       Config
	hostNames []string
	logger    logr.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}

	alertsTotal       *prometheus.CounterVec
	remediationsTotal *prometheus.CounterVec
	duration          prometheus.Histogram
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Store     AttemptStore
	Matcher   PatternMatcher
	Planner   Planner
	Executor  Executor
	Suppress  Suppressor
	Hosts     HostChecker
	Restarter Restarter
	Validator CommandValidator
	Notifier  Notifier
	Queue     *queue.Queue
	HostNames []string
}

// New builds a pipeline and registers its metrics.
func New(deps Deps, cfg Config, logger logr.Logger, reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		store:     deps.Store,
		matcher:   deps.Matcher,
		planner:   deps.Planner,
		executor:  deps.Executor,
		suppress:  deps.Suppress,
		hosts:     deps.Hosts,
		restarter: deps.Restarter,
		validator: deps.Validator,
		notify:    deps.Notifier,
		queue:     deps.Queue,
		cfg:       cfg,
		hostNames: deps.HostNames,
		logger:    logger,
		inFlight:  map[string]struct{}{},
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jarvis_alerts_total",
			Help: "Inbound alerts by terminal disposition.",
		}, []string{"disposition"}),
		remediationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jarvis_remediations_total",
			Help: "Completed remediation attempts by outcome and path.",
		}, []string{"outcome", "path"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jarvis_pipeline_duration_seconds",
			Help:    "Wall-clock time from pickup to terminal disposition.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(p.alertsTotal, p.remediationsTotal, p.duration)
	}
	return p
}

// ProcessPayload parses a webhook payload and processes each alert in
// order. A store outage mid-batch defers the affected alert (and only it)
// to the queue for replay.
func (p *Pipeline) ProcessPayload(ctx context.Context, payload []byte) error {
	var webhook types.AlertRouterWebhook
	if err := json.Unmarshal(payload, &webhook); err != nil {
		return fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	var firstErr error
	for _, alert := range webhook.Alerts {
		if err := p.ProcessAlert(ctx, alert); err != nil {
			if errors.Is(err, store.ErrStoreUnavailable) {
				p.defer_(alert)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			p.logger.Error(err, "alert processing failed",
				"alertName", alert.Name(),
				"instanceKey", alert.InstanceKey(),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// defer_ wraps a single alert back into a webhook envelope and queues it.
func (p *Pipeline) defer_(alert types.Alert) {
	payload, err := json.Marshal(types.AlertRouterWebhook{
		Version: "4",
		Status:  alert.Status,
		Alerts:  []types.Alert{alert},
	})
	if err != nil {
		return
	}
	p.queue.Enqueue(payload, time.Now().UTC())
	p.alertsTotal.WithLabelValues("deferred").Inc()
	p.logger.Info("store unavailable, alert deferred to queue",
		"alertName", alert.Name(),
		"instanceKey", alert.InstanceKey(),
	)
}

// ProcessAlert runs the full flow for one alert.
func (p *Pipeline) ProcessAlert(ctx context.Context, alert types.Alert) error {
	start := time.Now()
	defer func() { p.duration.Observe(time.Since(start).Seconds()) }()

	name := alert.Name()
	key := alert.InstanceKey()
	if name == "" {
		p.alertsTotal.WithLabelValues("invalid").Inc()
		return nil
	}
	log := p.logger.WithValues("alertName", name, "instanceKey", key)

	// Resolved alerts wipe the attempt counter: the next firing starts from
	// a clean slate.
	if alert.Status == types.StatusResolved {
		return p.handleResolved(ctx, alert, log)
	}

	// One flow per (alert, instance) at a time; duplicates arriving while a
	// remediation is running are dropped, the router will re-fire if the
	// condition persists.
	flightKey := name + "|" + key
	if !p.acquire(flightKey) {
		p.alertsTotal.WithLabelValues("duplicate").Inc()
		log.V(1).Info("alert already in flight, dropped")
		return nil
	}
	defer p.release(flightKey)

	if inMaint, err := p.store.InMaintenance(ctx); err != nil {
		return err
	} else if inMaint {
		p.alertsTotal.WithLabelValues("maintenance").Inc()
		return p.audit(ctx, types.AuditKindSkipped, alert, "maintenance window active")
	}

	// Root causes open their cascade window before anything else so that
	// children racing in behind them are absorbed.
	if err := p.suppress.Activate(ctx, alert); err != nil {
		log.V(1).Info("failed to activate suppression", "error", err.Error())
	}
	if covered, root := p.suppress.Covered(ctx, alert); covered {
		p.alertsTotal.WithLabelValues("suppressed").Inc()
		log.Info("alert suppressed under root cause", "rootCause", root)
		return p.audit(ctx, types.AuditKindSuppressed, alert, "suppressed under "+root)
	}

	attempts, err := p.store.CountAttempts(ctx, name, key, p.cfg.AttemptWindow)
	if err != nil {
		return err
	}
	if attempts >= p.cfg.MaxAttemptsPerAlert {
		p.alertsTotal.WithLabelValues("escalated").Inc()
		return p.escalate(ctx, alert, attempts,
			fmt.Sprintf("attempt limit reached (%d in window)", attempts))
	}

	match, err := p.matcher.Match(ctx, alert)
	if err != nil {
		return err
	}

	var (
		plan      *types.RemediationPlan
		patternID *int64
		path      = "llm"
	)
	if match.Decision == learner.DecisionBypass {
		plan = planFromPattern(match.Pattern)
		id := match.Pattern.ID
		patternID = &id
		path = "pattern"
		log.Info("pattern bypass",
			"patternID", id,
			"effectiveConfidence", match.EffectiveConfidence,
		)
	} else {
		plan, err = p.analyze(ctx, alert, match, attempts)
		if err != nil {
			if errors.Is(err, store.ErrStoreUnavailable) {
				return err
			}
			// No safe plan is a failed attempt: it consumes the budget so
			// a permanently unanalyzable alert cannot spin forever.
			p.alertsTotal.WithLabelValues("no_safe_plan").Inc()
			return p.recordFailure(ctx, alert, nil, nil, "", attempts,
				"analysis failed: "+err.Error(), path)
		}
		if match.Decision == learner.DecisionHint && match.Pattern != nil {
			id := match.Pattern.ID
			patternID = &id
			path = "hint"
		}
	}

	if verdict, cmd := p.vetPlan(plan); !verdict.OK {
		return p.handleRejection(ctx, alert, plan, verdict, cmd)
	}

	host := p.selectHost(alert, plan, match)
	if host == "" {
		p.alertsTotal.WithLabelValues("escalated").Inc()
		return p.escalate(ctx, alert, attempts, "no target host derivable")
	}
	if !p.hosts.IsOnline(host) {
		p.alertsTotal.WithLabelValues("host_offline").Inc()
		log.Info("target host offline, recording failed attempt", "host", host)
		return p.recordFailure(ctx, alert, plan, patternID, host, attempts,
			"target host "+host+" is offline", path)
	}

	// A plan that only inspects is executed and audited but is not an
	// attempt: it changed nothing, so it neither consumes the attempt
	// budget nor feeds the learner.
	if p.diagnosticOnly(plan) {
		return p.runDiagnosticPlan(ctx, alert, plan, host, log)
	}

	outcome := p.execute(ctx, plan, host, log)

	attempt := &types.RemediationAttempt{
		Timestamp:     time.Now().UTC(),
		AlertName:     name,
		InstanceKey:   key,
		Severity:      alert.Severity(),
		Labels:        types.MarshalJSONMap(alert.Labels),
		Annotations:   types.MarshalJSONMap(alert.Annotations),
		AttemptNumber: attempts + 1,
		Analysis:      plan.Analysis,
		Reasoning:     plan.Reasoning,
		Plan:          plan.ExpectedOutcome,
		Commands:      types.MarshalCommands(plan.Commands),
		Success:       outcome.success,
		Error:         outcome.errText,
		DurationS:     outcome.duration.Seconds(),
		SSHHost:       host,
		PatternID:     patternID,
	}
	if _, err := p.store.RecordAttempt(ctx, attempt); err != nil {
		return err
	}

	p.learn(ctx, alert, plan, patternID, host, outcome, log)

	result := "failure"
	kind := notifier.KindFailure
	if outcome.success {
		result = "success"
		kind = notifier.KindSuccess
	}
	p.remediationsTotal.WithLabelValues(result, path).Inc()
	p.alertsTotal.WithLabelValues(result).Inc()

	p.notify.Notify(ctx, notifier.Event{
		Kind:        kind,
		AlertName:   name,
		InstanceKey: key,
		Severity:    alert.Severity(),
		AttemptN:    attempt.AttemptNumber,
		MaxAttempts: p.cfg.MaxAttemptsPerAlert,
		DurationS:   attempt.DurationS,
		Commands:    plan.Commands,
		Analysis:    plan.Analysis,
		Reasoning:   plan.Reasoning,
		Error:       outcome.errText,
	})

	if !outcome.success {
		return p.escalateIfExhausted(ctx, alert, attempt.AttemptNumber)
	}
	return nil
}

// recordFailure persists a failed attempt that never reached execution
// (no safe plan, offline target host), notifies the failure, and escalates
// when the budget is now spent. The pattern outcome is deliberately not
// updated: the commands were never run, so they prove nothing about the
// pattern.
func (p *Pipeline) recordFailure(ctx context.Context, alert types.Alert, plan *types.RemediationPlan,
	patternID *int64, host string, attempts int, errText, path string) error {

	if plan == nil {
		plan = &types.RemediationPlan{}
	}
	attempt := &types.RemediationAttempt{
		Timestamp:     time.Now().UTC(),
		AlertName:     alert.Name(),
		InstanceKey:   alert.InstanceKey(),
		Severity:      alert.Severity(),
		Labels:        types.MarshalJSONMap(alert.Labels),
		Annotations:   types.MarshalJSONMap(alert.Annotations),
		AttemptNumber: attempts + 1,
		Analysis:      plan.Analysis,
		Reasoning:     plan.Reasoning,
		Plan:          plan.ExpectedOutcome,
		Commands:      types.MarshalCommands(plan.Commands),
		Success:       false,
		Error:         errText,
		SSHHost:       host,
		PatternID:     patternID,
	}
	if _, err := p.store.RecordAttempt(ctx, attempt); err != nil {
		return err
	}
	p.remediationsTotal.WithLabelValues("failure", path).Inc()

	p.notify.Notify(ctx, notifier.Event{
		Kind:        notifier.KindFailure,
		AlertName:   alert.Name(),
		InstanceKey: alert.InstanceKey(),
		Severity:    alert.Severity(),
		AttemptN:    attempt.AttemptNumber,
		MaxAttempts: p.cfg.MaxAttemptsPerAlert,
		Commands:    plan.Commands,
		Analysis:    plan.Analysis,
		Error:       errText,
	})
	return p.escalateIfExhausted(ctx, alert, attempt.AttemptNumber)
}

// escalateIfExhausted pages a human as soon as a persisted failure brings
// the count to the limit, instead of waiting for the alert to fire again.
func (p *Pipeline) escalateIfExhausted(ctx context.Context, alert types.Alert, n int) error {
	if n < p.cfg.MaxAttemptsPerAlert {
		return nil
	}
	p.alertsTotal.WithLabelValues("escalated").Inc()
	return p.escalate(ctx, alert, n, fmt.Sprintf("attempt limit reached (%d in window)", n))
}

func (p *Pipeline) handleResolved(ctx context.Context, alert types.Alert, log logr.Logger) error {
	cleared, err := p.store.ClearAttempts(ctx, alert.Name(), alert.InstanceKey(), p.cfg.AttemptWindow)
	if err != nil {
		return err
	}
	p.alertsTotal.WithLabelValues("resolved").Inc()
	if cleared > 0 {
		log.Info("alert resolved, attempt counter cleared", "cleared", cleared)
		p.notify.Notify(ctx, notifier.Event{
			Kind:        notifier.KindRecovery,
			AlertName:   alert.Name(),
			InstanceKey: alert.InstanceKey(),
			Severity:    alert.Severity(),
			Analysis:    fmt.Sprintf("alert resolved after %d attempt(s)", cleared),
		})
	}
	return nil
}

func (p *Pipeline) analyze(ctx context.Context, alert types.Alert, match *learner.Match, attempts int) (*types.RemediationPlan, error) {
	var previous []types.RemediationAttempt
	if attempts > 0 {
		var err error
		previous, err = p.store.GetPreviousAttempts(ctx, alert.Name(), alert.InstanceKey(), 3)
		if err != nil {
			return nil, err
		}
	}
	req := analyzer.Request{
		Alert:            alert,
		PreviousAttempts: previous,
		Hosts:            p.hostNames,
	}
	if match.Decision == learner.DecisionHint {
		req.Hint = match.Pattern
	}
	return p.planner.Analyze(ctx, req)
}

// vetPlan checks every command. The first rejection condemns the whole
// plan; a half-validated plan is never executed.
func (p *Pipeline) vetPlan(plan *types.RemediationPlan) (validator.Verdict, string) {
	for _, cmd := range plan.Commands {
		if verdict := p.validator.Check(cmd); !verdict.OK {
			return verdict, cmd
		}
	}
	return validator.Verdict{OK: true}, ""
}

// handleRejection audits the rejected plan. Self-protection rejections are
// promoted to a handoff when an orchestrator is available: the fix is
// legitimate, Jarvis just cannot perform it on itself.
func (p *Pipeline) handleRejection(ctx context.Context, alert types.Alert, plan *types.RemediationPlan, verdict validator.Verdict, cmd string) error {
	detail := fmt.Sprintf("plan rejected (%s): %s", verdict.Reason, cmd)
	if err := p.audit(ctx, types.AuditKindRejection, alert, detail); err != nil {
		return err
	}
	p.alertsTotal.WithLabelValues("rejected").Inc()

	if target := restartTargetFor(verdict.Reason); target != "" && p.restarter != nil {
		h, err := p.restarter.Initiate(ctx, target,
			fmt.Sprintf("remediation of %s requires restarting %s", alert.Name(), target),
			map[string]string{"alert_name": alert.Name(), "instance_key": alert.InstanceKey()})
		if err == nil {
			p.logger.Info("self-restart handed off",
				"alertName", alert.Name(),
				"target", target,
				"handoffID", h.HandoffID,
			)
			return nil
		}
		p.logger.Info("self-restart handoff unavailable, escalating",
			"target", target,
			"error", err.Error(),
		)
	}

	p.notify.Notify(ctx, notifier.Event{
		Kind:        notifier.KindRejection,
		AlertName:   alert.Name(),
		InstanceKey: alert.InstanceKey(),
		Severity:    alert.Severity(),
		Commands:    plan.Commands,
		Analysis:    plan.Analysis,
		Error:       detail,
	})
	return nil
}

// restartTargetFor maps a self-protection rejection to the handoff target.
func restartTargetFor(reason string) string {
	switch reason {
	case "self_protection_service":
		return types.RestartTargetService
	case "self_protection_database":
		return types.RestartTargetDatabase
	case "self_protection_runtime":
		return types.RestartTargetContainerRuntime
	case "self_protection_host":
		return types.RestartTargetHost
	}
	return ""
}

// selectHost picks the execution host: the plan's expectation wins, then a
// matched pattern's recorded host, then the alert's own labels.
func (p *Pipeline) selectHost(alert types.Alert, plan *types.RemediationPlan, match *learner.Match) string {
	if plan.ExpectedHost != "" {
		return plan.ExpectedHost
	}
	if match != nil && match.Pattern != nil && match.Pattern.TargetHost != "" {
		return match.Pattern.TargetHost
	}
	return alert.Host()
}

func (p *Pipeline) diagnosticOnly(plan *types.RemediationPlan) bool {
	for _, cmd := range plan.Commands {
		if !p.validator.IsDiagnostic(cmd) {
			return false
		}
	}
	return len(plan.Commands) > 0
}

func (p *Pipeline) runDiagnosticPlan(ctx context.Context, alert types.Alert, plan *types.RemediationPlan, host string, log logr.Logger) error {
	outcome := p.execute(ctx, plan, host, log)
	detail := fmt.Sprintf("diagnostic-only plan on %s: %s", host, strings.Join(plan.Commands, "; "))
	if outcome.errText != "" {
		detail += " (error: " + outcome.errText + ")"
	}
	p.alertsTotal.WithLabelValues("diagnostic_only").Inc()
	log.Info("diagnostic-only plan executed", "host", host, "commands", len(plan.Commands))
	return p.audit(ctx, types.AuditKindDiagnosticOnly, alert, detail)
}

type execOutcome struct {
	success  bool
	errText  string
	duration time.Duration
}

// execute partitions the plan and runs it in two phases: diagnostics
// first, best effort, then the actionable commands with a short-circuit on
// the first failure. Only the actionable phase decides the outcome; a
// broken diagnostic must not block the fix.
func (p *Pipeline) execute(ctx context.Context, plan *types.RemediationPlan, host string, log logr.Logger) execOutcome {
	start := time.Now()

	var diagnostics, actionable []string
	for _, cmd := range plan.Commands {
		if p.validator.IsDiagnostic(cmd) {
			diagnostics = append(diagnostics, cmd)
		} else {
			actionable = append(actionable, cmd)
		}
	}

	for _, cmd := range diagnostics {
		result, err := p.executor.Execute(ctx, host, cmd)
		switch {
		case err != nil:
			log.V(1).Info("diagnostic command failed", "host", host, "command", cmd, "error", err.Error())
		case result.TimedOut || result.ExitCode != 0:
			log.V(1).Info("diagnostic command failed", "host", host, "command", cmd, "exitCode", result.ExitCode)
		}
	}

	for _, cmd := range actionable {
		result, err := p.executor.Execute(ctx, host, cmd)
		if err != nil {
			return execOutcome{errText: fmt.Sprintf("%s: %v", cmd, err), duration: time.Since(start)}
		}
		if result.TimedOut {
			return execOutcome{
				errText:  fmt.Sprintf("%s: timed out after %s", cmd, result.Duration.Round(time.Second)),
				duration: time.Since(start),
			}
		}
		if result.ExitCode != 0 {
			errText := fmt.Sprintf("%s: exit %d", cmd, result.ExitCode)
			if s := strings.TrimSpace(result.Stderr); s != "" {
				errText += ": " + firstLine(s)
			}
			return execOutcome{errText: errText, duration: time.Since(start)}
		}
		log.V(1).Info("command succeeded", "host", host, "command", cmd)
	}
	return execOutcome{success: true, duration: time.Since(start)}
}

// learn feeds the outcome back: matched patterns get the Bayesian update,
// successful LLM plans are extracted into new patterns.
func (p *Pipeline) learn(ctx context.Context, alert types.Alert, plan *types.RemediationPlan, patternID *int64, host string, outcome execOutcome, log logr.Logger) {
	if patternID != nil {
		if err := p.matcher.RecordOutcome(ctx, *patternID, outcome.success, outcome.duration); err != nil {
			log.V(1).Info("failed to record pattern outcome", "patternID", *patternID, "error", err.Error())
		}
		return
	}
	if !outcome.success {
		return
	}
	if _, err := p.matcher.Extract(ctx, alert, plan, host, outcome.duration); err != nil {
		log.V(1).Info("failed to extract pattern", "error", err.Error())
	}
}

// escalate records the give-up and pages a human with a digest of the most
// recent attempts.
func (p *Pipeline) escalate(ctx context.Context, alert types.Alert, attempts int, reason string) error {
	previous, err := p.store.GetPreviousAttempts(ctx, alert.Name(), alert.InstanceKey(), 3)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	var digest strings.Builder
	digest.WriteString(reason)
	for _, att := range previous {
		fmt.Fprintf(&digest, "\nattempt %d: %s", att.AttemptNumber, summarizeAttempt(att))
	}

	if err := p.audit(ctx, types.AuditKindSkipped, alert, "escalated: "+reason); err != nil {
		return err
	}
	p.notify.Notify(ctx, notifier.Event{
		Kind:        notifier.KindEscalation,
		AlertName:   alert.Name(),
		InstanceKey: alert.InstanceKey(),
		Severity:    alert.Severity(),
		AttemptN:    attempts,
		MaxAttempts: p.cfg.MaxAttemptsPerAlert,
		Error:       digest.String(),
	})
	p.logger.Info("alert escalated",
		"alertName", alert.Name(),
		"instanceKey", alert.InstanceKey(),
		"reason", reason,
	)
	return nil
}

func summarizeAttempt(att types.RemediationAttempt) string {
	if att.Success {
		return fmt.Sprintf("succeeded in %.1fs", att.DurationS)
	}
	if att.Error != "" {
		return "failed: " + firstLine(att.Error)
	}
	return "failed"
}

func (p *Pipeline) audit(ctx context.Context, kind string, alert types.Alert, detail string) error {
	return p.store.RecordAudit(ctx, &types.AuditEntry{
		Timestamp:   time.Now().UTC(),
		Kind:        kind,
		AlertName:   alert.Name(),
		InstanceKey: alert.InstanceKey(),
		Detail:      detail,
	})
}

func (p *Pipeline) acquire(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[key]; busy {
		return false
	}
	p.inFlight[key] = struct{}{}
	return true
}

func (p *Pipeline) release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, key)
}

func planFromPattern(pat *types.RemediationPattern) *types.RemediationPlan {
	return &types.RemediationPlan{
		Analysis:     pat.RootCause,
		Reasoning:    fmt.Sprintf("learned pattern %d (confidence %.2f)", pat.ID, pat.Confidence),
		Commands:     pat.Commands(),
		ExpectedHost: pat.TargetHost,
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

var _ Restarter = (*selfpreserve.Manager)(nil)
