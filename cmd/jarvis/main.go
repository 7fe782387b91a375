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

// Jarvis receives alerts from the alert router, diagnoses them with an LLM
// agent over read-only tools, executes vetted fixes over SSH, and learns
// remediation patterns from what worked.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/nexushome/jarvis/internal/config"
	"github.com/nexushome/jarvis/pkg/analyzer"
	"github.com/nexushome/jarvis/pkg/hostmonitor"
	"github.com/nexushome/jarvis/pkg/learner"
	"github.com/nexushome/jarvis/pkg/notifier"
	"github.com/nexushome/jarvis/pkg/pipeline"
	"github.com/nexushome/jarvis/pkg/queue"
	"github.com/nexushome/jarvis/pkg/selfpreserve"
	"github.com/nexushome/jarvis/pkg/server"
	"github.com/nexushome/jarvis/pkg/sshexec"
	"github.com/nexushome/jarvis/pkg/store"
	"github.com/nexushome/jarvis/pkg/suppressor"
	"github.com/nexushome/jarvis/pkg/validator"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "jarvis: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, flush, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer flush()

	logger.Info("starting jarvis",
		"version", cfg.Version,
		"listenAddr", cfg.ListenAddr,
		"hosts", len(cfg.Hosts),
		"model", cfg.LLMModel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.DatabaseURL, logger.WithName("store"))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	notify := notifier.New(notifier.Config{
		Enabled:         cfg.NotifierEnabled,
		WebhookURL:      cfg.NotifierWebhookURL,
		SlackWebhookURL: cfg.SlackWebhookURL,
	}, logger.WithName("notifier"))

	monitor := hostmonitor.New(cfg.Hosts, st, logger.WithName("hostmonitor"), registry)
	monitor.SetNotifier(notify)
	executor := sshexec.New(cfg.Hosts, cfg.CommandExecutionTimeout, monitor, logger.WithName("sshexec"))
	defer executor.Close()

	vet := validator.New(validator.Identity{
		ServiceName:  cfg.ServiceName,
		DatabaseName: cfg.DatabaseName,
	})

	match := learner.New(st, cfg.LearnerHighConfidence, cfg.LearnerMediumConfidence, logger.WithName("learner"))
	plan := analyzer.New(cfg.LLMAPIKey, cfg.LLMModel, vet, executor, logger.WithName("analyzer"), registry)

	suppress := suppressor.New(st, notify, monitor, logger.WithName("suppressor"), registry)
	if err := suppress.Rehydrate(ctx); err != nil {
		logger.Info("suppression rehydration failed, starting with empty cache", "error", err.Error())
	}
	monitor.OnRecovery(suppress.ClearForHost)

	restarts := selfpreserve.New(st, notify, selfpreserve.Config{
		OrchestratorWebhookURL: cfg.OrchestratorWebhookURL,
		CallbackURL:            "http://" + cfg.ListenAddr + "/resume",
		HealthURL:              cfg.HealthURL,
		SelfHost:               cfg.SelfHost,
		HandoffTimeout:         cfg.HandoffTimeout,
	}, logger.WithName("selfpreserve"))
	if err := restarts.Resume(ctx); err != nil {
		logger.Info("handoff resume check failed", "error", err.Error())
	}

	q := queue.New(queue.DefaultCapacity, logger.WithName("queue"), registry)

	hostNames := make([]string, 0, len(cfg.Hosts))
	for name := range cfg.Hosts {
		hostNames = append(hostNames, name)
	}

	pl := pipeline.New(pipeline.Deps{
		Store:     st,
		Matcher:   match,
		Planner:   plan,
		Executor:  executor,
		Suppress:  suppress,
		Hosts:     monitor,
		Restarter: restarts,
		Validator: vet,
		Notifier:  notify,
		Queue:     q,
		HostNames: hostNames,
	}, pipeline.Config{
		MaxAttemptsPerAlert: cfg.MaxAttemptsPerAlert,
		AttemptWindow:       cfg.AttemptWindow,
	}, logger.WithName("pipeline"), registry)

	drainer := queue.NewDrainer(q, queue.DefaultDrainInterval,
		func(ctx context.Context) bool { return st.Ping(ctx) == nil },
		func(ctx context.Context, item queue.Item) error {
			return pl.ProcessPayload(ctx, item.Payload)
		},
		logger.WithName("drainer"))

	srv := server.New(cfg, pl, q, st, monitor, restarts, registry, logger.WithName("server"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return ignoreCancel(drainer.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(monitor.RunProber(gctx)) })
	g.Go(func() error { return ignoreCancel(restarts.RunSweeper(gctx)) })

	err = g.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	logger.Info("jarvis stopped")
	return nil
}

func ignoreCancel(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}

func buildLogger(cfg *config.Config) (logr.Logger, func(), error) {
	level := zapcore.InfoLevel
	switch cfg.LogLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	var zcfg zap.Config
	if cfg.LogFormat == "text" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	zl, err := zcfg.Build()
	if err != nil {
		return logr.Logger{}, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}
