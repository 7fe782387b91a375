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

// Package notifier posts remediation outcomes to the configured chat
// webhook. Presentation (embed colors, tags) belongs to the receiving
// formatter; this package only emits the structured payload.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"
)

// Notification kinds.
const (
	KindSuccess            = "success"
	KindFailure            = "failure"
	KindEscalation         = "escalation"
	KindRejection          = "rejection"
	KindRecovery           = "recovery"
	KindSuppressionSummary = "suppression_summary"
	KindHostOffline        = "host_offline"
	KindHostRecovered      = "host_recovered"
)

// Event is the outbound notification payload.
type Event struct {
	Kind        string   `json:"kind"`
	AlertName   string   `json:"alert_name"`
	InstanceKey string   `json:"instance_key"`
	Severity    string   `json:"severity"`
	AttemptN    int      `json:"attempt_n"`
	MaxAttempts int      `json:"max_attempts"`
	DurationS   float64  `json:"duration_s"`
	Commands    []string `json:"commands,omitempty"`
	Analysis    string   `json:"analysis,omitempty"`
	Reasoning   string   `json:"reasoning,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Notifier delivers events. A disabled notifier drops everything silently;
// a failing webhook trips the breaker so a dead chat endpoint cannot stall
// the pipeline.
type Notifier struct {
	enabled    bool
	webhookURL string
	slackURL   string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     logr.Logger
}

// Config for the notifier.
type Config struct {
	Enabled         bool
	WebhookURL      string
	SlackWebhookURL string
}

// New builds a notifier.
func New(cfg Config, logger logr.Logger) *Notifier {
	return &Notifier{
		enabled:    cfg.Enabled && (cfg.WebhookURL != "" || cfg.SlackWebhookURL != ""),
		webhookURL: cfg.WebhookURL,
		slackURL:   cfg.SlackWebhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "notifier",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: logger,
	}
}

// Notify delivers an event. Delivery failures are logged, never returned:
// notification is best-effort and must not change remediation outcomes.
func (n *Notifier) Notify(ctx context.Context, ev Event) {
	if !n.enabled {
		return
	}
	_, err := n.breaker.Execute(func() (interface{}, error) {
		return nil, n.deliver(ctx, ev)
	})
	if err != nil {
		n.logger.Info("notification delivery failed",
			"kind", ev.Kind,
			"alertName", ev.AlertName,
			"error", err.Error(),
		)
	}
}

func (n *Notifier) deliver(ctx context.Context, ev Event) error {
	if n.webhookURL != "" {
		if err := n.postWebhook(ctx, ev); err != nil {
			return err
		}
	}
	// Escalations additionally go to the chat channel: a human is now
	// required, and the structured webhook alone may not be watched.
	if n.slackURL != "" && (ev.Kind == KindEscalation || ev.Kind == KindRejection) {
		return n.postSlack(ev)
	}
	return nil
}

func (n *Notifier) postWebhook(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification webhook call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) postSlack(ev Event) error {
	text := fmt.Sprintf("[%s] %s on %s (attempt %d/%d)",
		ev.Kind, ev.AlertName, ev.InstanceKey, ev.AttemptN, ev.MaxAttempts)
	if ev.Error != "" {
		text += "\nerror: " + ev.Error
	}
	if ev.Kind == KindEscalation {
		text += "\nhuman required"
	}
	return slack.PostWebhook(n.slackURL, &slack.WebhookMessage{Text: text})
}
