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

// Package analyzer turns an alert into a remediation plan by running an
// agentic tool-use loop against the Anthropic API. The model gathers
// diagnostics through read-only tools and submits its plan through the
// propose_plan tool; free-text answers are never parsed as plans.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/nexushome/jarvis/pkg/sshexec"
	"github.com/nexushome/jarvis/pkg/types"
	"github.com/nexushome/jarvis/pkg/validator"
)

var (
	// ErrNoSafePlan indicates no usable plan came out of the conversation,
	// even after one retry. Pipeline records it as a failed attempt.
	ErrNoSafePlan = errors.New("no safe remediation plan")

	// ErrLLMUnavailable indicates the API is failing or the breaker is open.
	ErrLLMUnavailable = errors.New("llm unavailable")
)

const (
	// maxToolIterations bounds one analysis conversation. Each iteration is
	// one model turn that may carry several tool calls.
	maxToolIterations = 5

	maxTokens = 4096

	// previousAttemptsDigest limits how much history is replayed into the
	// prompt.
	previousAttemptsDigest = 3
)

// CommandChecker vets diagnostic commands requested by the model.
// Satisfied by *validator.Validator.
type CommandChecker interface {
	CheckDiagnostic(command string) validator.Verdict
}

// Executor runs diagnostic commands on hosts. Satisfied by
// *sshexec.Executor.
type Executor interface {
	Execute(ctx context.Context, host, command string) (*sshexec.Result, error)
}

// messagesAPI is the slice of the Anthropic client the analyzer uses.
// Narrowed for tests.
type messagesAPI interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Request is one analysis job.
type Request struct {
	Alert            types.Alert
	Hint             *types.RemediationPattern
	PreviousAttempts []types.RemediationAttempt
	Hosts            []string
}

// Analyzer owns the LLM conversation loop.
type Analyzer struct {
	messages  messagesAPI
	model     anthropic.Model
	validator CommandChecker
	executor  Executor
	breaker   *gobreaker.CircuitBreaker
	logger    logr.Logger
	llmCalls  *prometheus.CounterVec
}

// New builds an analyzer over the Anthropic API.
func New(apiKey, model string, checker CommandChecker, executor Executor, logger logr.Logger, reg prometheus.Registerer) *Analyzer {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	a := &Analyzer{
		messages:  &client.Messages,
		model:     anthropic.Model(model),
		validator: checker,
		executor:  executor,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "anthropic",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		logger: logger,
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jarvis_llm_calls_total",
			Help: "Model API calls by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(a.llmCalls)
	}
	return a
}

// NewWithMessages wires an alternative messages backend. Used by tests.
func NewWithMessages(messages messagesAPI, model string, checker CommandChecker, executor Executor, logger logr.Logger) *Analyzer {
	a := New("", model, checker, executor, logger, nil)
	a.messages = messages
	return a
}

// Analyze runs the tool-use loop for one alert. Any first failure gets one
// retry: a planless conversation is re-run with an explicit nudge, an API
// failure is simply re-attempted. A second failure of either kind is
// reported as ErrNoSafePlan so the pipeline records it as a failed attempt.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (*types.RemediationPlan, error) {
	plan, err := a.converse(ctx, req, false)
	if err == nil {
		return plan, nil
	}

	nudge := !errors.Is(err, ErrLLMUnavailable)
	a.logger.Info("analysis failed, retrying once",
		"alertName", req.Alert.Name(),
		"error", err.Error(),
	)
	plan, err = a.converse(ctx, req, nudge)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSafePlan, err)
	}
	return plan, nil
}

func (a *Analyzer) converse(ctx context.Context, req Request, nudge bool) (*types.RemediationPlan, error) {
	userPrompt := buildUserPrompt(req)
	if nudge {
		userPrompt += "\n\nYour previous analysis ended without a plan. You must finish by calling propose_plan, even if the plan is a single conservative restart command."
	}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
	}
	tools := toolDefinitions()
	system := buildSystemPrompt(req)

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		msg, err := a.callModel(ctx, system, messages, tools)
		if err != nil {
			return nil, err
		}

		var results []anthropic.ContentBlockParamUnion
		var plan *types.RemediationPlan

		for _, block := range msg.Content {
			toolUse, ok := block.AsAny().(anthropic.ToolUseBlock)
			if !ok {
				continue
			}
			if toolUse.Name == toolProposePlan {
				p, perr := parsePlan([]byte(toolUse.JSON.Input.Raw()))
				if perr != nil {
					results = append(results,
						anthropic.NewToolResultBlock(toolUse.ID, perr.Error(), true))
					continue
				}
				plan = p
				continue
			}

			output, isErr := a.runTool(ctx, toolUse.Name, []byte(toolUse.JSON.Input.Raw()))
			a.logger.V(1).Info("diagnostic tool invoked",
				"tool", toolUse.Name,
				"alertName", req.Alert.Name(),
				"isError", isErr,
			)
			results = append(results, anthropic.NewToolResultBlock(toolUse.ID, output, isErr))
		}

		if plan != nil {
			return plan, nil
		}
		if msg.StopReason != "tool_use" || len(results) == 0 {
			return nil, errors.New("conversation ended without propose_plan")
		}

		messages = append(messages, msg.ToParam())
		messages = append(messages, anthropic.NewUserMessage(results...))
	}
	return nil, fmt.Errorf("tool budget of %d iterations exhausted", maxToolIterations)
}

func (a *Analyzer) callModel(ctx context.Context, system string, messages []anthropic.MessageParam, tools []anthropic.ToolUnionParam) (*anthropic.Message, error) {
	out, err := a.breaker.Execute(func() (interface{}, error) {
		return a.messages.New(ctx, anthropic.MessageNewParams{
			Model:     a.model,
			MaxTokens: maxTokens,
			System:    []anthropic.TextBlockParam{{Text: system}},
			Messages:  messages,
			Tools:     tools,
		})
	})
	if err != nil {
		a.llmCalls.WithLabelValues("error").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrLLMUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}
	a.llmCalls.WithLabelValues("ok").Inc()
	return out.(*anthropic.Message), nil
}

func parsePlan(raw []byte) (*types.RemediationPlan, error) {
	var plan types.RemediationPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("propose_plan input not parseable: %v", err)
	}
	if len(plan.Commands) == 0 {
		return nil, errors.New("propose_plan requires at least one command")
	}
	if strings.TrimSpace(plan.Analysis) == "" {
		return nil, errors.New("propose_plan requires a non-empty analysis")
	}
	return &plan, nil
}

func buildSystemPrompt(req Request) string {
	hosts := append([]string(nil), req.Hosts...)
	sort.Strings(hosts)

	var b strings.Builder
	b.WriteString("You are the remediation engine of a small self-hosted fleet. ")
	b.WriteString("Diagnose the alert using the read-only tools, then submit a minimal fix via propose_plan.\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Commands run as-is over SSH on one host. No interactive commands.\n")
	b.WriteString("- Prefer the least invasive fix. A restart beats a reinstall.\n")
	b.WriteString("- Never touch the remediation service itself, its database, or the container runtime it rides on.\n")
	b.WriteString("- Never reboot or power off a host.\n")
	b.WriteString("- If the previous attempts below already tried a command and it failed, try something different.\n")
	if len(hosts) > 0 {
		b.WriteString("\nHost inventory: " + strings.Join(hosts, ", ") + "\n")
	}
	if req.Hint != nil {
		b.WriteString("\nA learned pattern exists for this alert (confidence ")
		fmt.Fprintf(&b, "%.2f", req.Hint.Confidence)
		b.WriteString("). It has worked before; reuse it if the diagnostics agree:\n")
		b.WriteString("  root cause: " + req.Hint.RootCause + "\n")
		for _, cmd := range req.Hint.Commands() {
			b.WriteString("  command: " + cmd + "\n")
		}
	}
	return b.String()
}

func buildUserPrompt(req Request) string {
	alert := req.Alert

	var b strings.Builder
	fmt.Fprintf(&b, "Alert %s is firing (severity %s) on %s.\n\nLabels:\n",
		alert.Name(), alert.Severity(), alert.InstanceKey())

	keys := make([]string, 0, len(alert.Labels))
	for k := range alert.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %s\n", k, alert.Labels[k])
	}
	for k, v := range alert.Annotations {
		fmt.Fprintf(&b, "Annotation %s: %s\n", k, v)
	}

	if n := len(req.PreviousAttempts); n > 0 {
		fmt.Fprintf(&b, "\nPrevious remediation attempts (%d total, newest first):\n", n)
		digest := req.PreviousAttempts
		if len(digest) > previousAttemptsDigest {
			digest = digest[:previousAttemptsDigest]
		}
		for _, att := range digest {
			outcome := "succeeded"
			if !att.Success {
				outcome = "failed"
				if att.Error != "" {
					outcome += " (" + att.Error + ")"
				}
			}
			fmt.Fprintf(&b, "  attempt %d %s: %s\n", att.AttemptNumber, outcome, string(att.Commands))
		}
	}
	return b.String()
}
