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

// Package config loads and validates the Jarvis service configuration.
//
// Configuration is read once at startup from environment variables (plus an
// optional YAML host inventory) and treated as immutable for the process
// lifetime. There is no hot reload: every component receives the validated
// record through its constructor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Host holds per-host SSH credentials. The pseudo-host "self" executes
// locally and carries no credentials.
type Host struct {
	Name    string `yaml:"name" validate:"required"`
	Addr    string `yaml:"addr" validate:"required"`
	User    string `yaml:"user"`
	Port    int    `yaml:"port" validate:"gte=0,lte=65535"`
	KeyPath string `yaml:"key_path"`
}

// Config is the complete, validated service configuration.
type Config struct {
	ListenAddr string `validate:"required"`
	Version    string

	DatabaseURL string `validate:"required"`

	LLMAPIKey string
	LLMModel  string `validate:"required"`

	SSHKeyPath string
	SSHUser    string
	Hosts      map[string]Host

	NotifierWebhookURL string
	NotifierEnabled    bool
	SlackWebhookURL    string

	OrchestratorWebhookURL string
	HealthURL              string
	HandoffTimeout         time.Duration `validate:"gt=0"`

	WebhookAuthUsername string `validate:"required"`
	WebhookAuthPassword string `validate:"required"`

	MaxAttemptsPerAlert     int           `validate:"gt=0"`
	AttemptWindow           time.Duration `validate:"gt=0"`
	CommandExecutionTimeout time.Duration `validate:"gt=0"`

	LearnerHighConfidence   float64 `validate:"gt=0,lte=1"`
	LearnerMediumConfidence float64 `validate:"gt=0,lte=1"`

	// Self-protection identities: names the Validator must refuse to let
	// any command stop, restart, or remove.
	ServiceName      string `validate:"required"`
	DatabaseName     string `validate:"required"`
	SelfHost         string

	LogLevel  string
	LogFormat string `validate:"oneof=json text"`
}

// Load builds the configuration from the environment. Per-host SSH
// credentials come from SSH_<HOST>_HOST / SSH_<HOST>_USER / SSH_<HOST>_PORT
// variables; an optional HOSTS_FILE YAML inventory is merged beneath them.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:              envOr("LISTEN_ADDR", "127.0.0.1:8080"),
		Version:                 envOr("JARVIS_VERSION", "dev"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		LLMAPIKey:               os.Getenv("LLM_API_KEY"),
		LLMModel:                envOr("LLM_MODEL", "claude-sonnet-4-20250514"),
		SSHKeyPath:              os.Getenv("SSH_KEY_PATH"),
		SSHUser:                 envOr("SSH_USER", "root"),
		NotifierWebhookURL:      os.Getenv("NOTIFIER_WEBHOOK_URL"),
		SlackWebhookURL:         os.Getenv("SLACK_WEBHOOK_URL"),
		OrchestratorWebhookURL:  os.Getenv("ORCHESTRATOR_WEBHOOK_URL"),
		HealthURL:               os.Getenv("HEALTH_URL"),
		WebhookAuthUsername:     os.Getenv("WEBHOOK_AUTH_USERNAME"),
		WebhookAuthPassword:     os.Getenv("WEBHOOK_AUTH_PASSWORD"),
		ServiceName:             envOr("SERVICE_NAME", "jarvis"),
		DatabaseName:            envOr("DATABASE_NAME", "jarvis-db"),
		SelfHost:                os.Getenv("SELF_HOST"),
		LogLevel:                envOr("LOG_LEVEL", "info"),
		LogFormat:               envOr("LOG_FORMAT", "json"),
		Hosts:                   map[string]Host{},
	}

	var err error
	if cfg.NotifierEnabled, err = envBool("NOTIFIER_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.MaxAttemptsPerAlert, err = envInt("MAX_ATTEMPTS_PER_ALERT", 20); err != nil {
		return nil, err
	}

	windowHours, err := envInt("ATTEMPT_WINDOW_HOURS", 2)
	if err != nil {
		return nil, err
	}
	cfg.AttemptWindow = time.Duration(windowHours) * time.Hour

	timeoutSecs, err := envInt("COMMAND_EXECUTION_TIMEOUT", 60)
	if err != nil {
		return nil, err
	}
	cfg.CommandExecutionTimeout = time.Duration(timeoutSecs) * time.Second

	handoffMins, err := envInt("HANDOFF_TIMEOUT_MINUTES", 10)
	if err != nil {
		return nil, err
	}
	cfg.HandoffTimeout = time.Duration(handoffMins) * time.Minute

	if cfg.LearnerHighConfidence, err = envFloat("LEARNER_HIGH_CONFIDENCE", 0.75); err != nil {
		return nil, err
	}
	if cfg.LearnerMediumConfidence, err = envFloat("LEARNER_MEDIUM_CONFIDENCE", 0.50); err != nil {
		return nil, err
	}

	if hostsFile := os.Getenv("HOSTS_FILE"); hostsFile != "" {
		if err := loadHostsFile(cfg, hostsFile); err != nil {
			return nil, err
		}
	}
	loadHostsFromEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration record. Exposed separately so tests can
// validate hand-built configs.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.LearnerMediumConfidence > cfg.LearnerHighConfidence {
		return fmt.Errorf("invalid configuration: LEARNER_MEDIUM_CONFIDENCE (%.2f) exceeds LEARNER_HIGH_CONFIDENCE (%.2f)",
			cfg.LearnerMediumConfidence, cfg.LearnerHighConfidence)
	}
	for name, h := range cfg.Hosts {
		if err := v.Struct(h); err != nil {
			return fmt.Errorf("invalid host %q: %w", name, err)
		}
	}
	return nil
}

// loadHostsFile reads a YAML host inventory:
//
//	hosts:
//	  - name: nexus
//	    addr: 192.168.1.10
//	    user: ops
//	    port: 22
func loadHostsFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read hosts file %s: %w", path, err)
	}
	var doc struct {
		Hosts []Host `yaml:"hosts"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse hosts file %s: %w", path, err)
	}
	for _, h := range doc.Hosts {
		if h.Port == 0 {
			h.Port = 22
		}
		if h.User == "" {
			h.User = cfg.SSHUser
		}
		if h.KeyPath == "" {
			h.KeyPath = cfg.SSHKeyPath
		}
		cfg.Hosts[h.Name] = h
	}
	return nil
}

// loadHostsFromEnv scans the environment for SSH_<HOST>_HOST variables and
// builds host entries from the matching _USER and _PORT variables.
// Env entries override the inventory file.
func loadHostsFromEnv(cfg *Config) {
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "SSH_") || !strings.HasSuffix(key, "_HOST") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, "SSH_"), "_HOST")
		if name == "" || name == "KEY" {
			continue
		}
		h := Host{
			Name:    strings.ToLower(name),
			Addr:    value,
			User:    envOr("SSH_"+name+"_USER", cfg.SSHUser),
			KeyPath: cfg.SSHKeyPath,
			Port:    22,
		}
		if p, err := strconv.Atoi(os.Getenv("SSH_" + name + "_PORT")); err == nil && p > 0 {
			h.Port = p
		}
		cfg.Hosts[h.Name] = h
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
