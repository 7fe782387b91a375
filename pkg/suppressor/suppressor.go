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

// Package suppressor absorbs symptomatic child alerts while their root
// cause is being handled. A HostDown alert suppresses the container and
// service alerts that inevitably follow from the same host; remediating
// each of them individually would be wasted work against a dead host.
//
// Active suppressions live in an in-memory hot cache (rehydrated from the
// store at startup) so the check on the webhook path never touches the
// database.
package suppressor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexushome/jarvis/pkg/notifier"
	"github.com/nexushome/jarvis/pkg/types"
)

const (
	// DefaultWindow is how long a root cause suppresses its children before
	// the suppression expires on its own.
	DefaultWindow = 15 * time.Minute

	// summaryInterval throttles the consolidated "N alerts suppressed"
	// notification.
	summaryInterval = 5 * time.Minute
)

// cascades maps a root-cause alert name to the child alert names it
// suppresses. The wildcard "*" suppresses everything on the same host.
var cascades = map[string][]string{
	"HostDown":             {"ContainerDown", "ContainerUnhealthy", "ServiceDown", "HighLoad", "DiskSpaceLow"},
	"ContainerRuntimeDown": {"ContainerDown", "ContainerUnhealthy"},
	"HostMaintenance":      {"*"},
}

// SuppressionStore is the slice of the store the suppressor needs.
// Satisfied by *store.Store.
type SuppressionStore interface {
	InsertSuppression(ctx context.Context, sup *types.Suppression) (int64, error)
	ActiveSuppressions(ctx context.Context) ([]types.Suppression, error)
	ClearSuppressionsForHost(ctx context.Context, host string) (int, error)
}

// Notifier receives the throttled suppression summaries. Satisfied by
// *notifier.Notifier.
type Notifier interface {
	Notify(ctx context.Context, ev notifier.Event)
}

// HostChecker reports host reachability. Satisfied by
// *hostmonitor.Monitor.
type HostChecker interface {
	IsOnline(host string) bool
}

// Suppressor decides, per alert, whether a root cause already covers it.
type Suppressor struct {
	store    SuppressionStore
	notify   Notifier
	hosts    HostChecker
	logger   logr.Logger
	window   time.Duration
	hotCache *gocache.Cache

	mu          sync.Mutex
	suppressed  map[string]int // root key → child count since last summary
	lastSummary time.Time

	suppressedTotal *prometheus.CounterVec
}

// New builds a suppressor with the default window.
func New(store SuppressionStore, notify Notifier, hosts HostChecker, logger logr.Logger, reg prometheus.Registerer) *Suppressor {
	s := &Suppressor{
		store:      store,
		notify:     notify,
		hosts:      hosts,
		logger:     logger,
		window:     DefaultWindow,
		hotCache:   gocache.New(DefaultWindow, time.Minute),
		suppressed: map[string]int{},
		suppressedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jarvis_alerts_suppressed_total",
			Help: "Child alerts absorbed under an active root-cause suppression.",
		}, []string{"root_cause"}),
	}
	if reg != nil {
		reg.MustRegister(s.suppressedTotal)
	}
	return s
}

// Rehydrate loads still-active suppressions from the store into the hot
// cache. Called once at startup; a store error leaves the cache empty
// rather than failing the boot.
func (s *Suppressor) Rehydrate(ctx context.Context) error {
	sups, err := s.store.ActiveSuppressions(ctx)
	if err != nil {
		return fmt.Errorf("failed to rehydrate suppressions: %w", err)
	}
	now := time.Now().UTC()
	for _, sup := range sups {
		ttl := sup.SuppressedUntil.Sub(now)
		if ttl <= 0 {
			continue
		}
		s.hotCache.Set(rootKey(sup.RootCauseAlert, sup.RootCauseInstance), sup, ttl)
	}
	s.logger.Info("suppressions rehydrated", "count", s.hotCache.ItemCount())
	return nil
}

// Activate opens a suppression window for a root-cause alert. Alerts whose
// name has no cascade entry activate nothing, and an outage-style root
// cause only counts once HostMonitor agrees the host is gone; a router
// blip against a reachable host must not silence its children. Maintenance
// is the exception: the host stays up on purpose.
func (s *Suppressor) Activate(ctx context.Context, alert types.Alert) error {
	if _, ok := cascades[alert.Name()]; !ok {
		return nil
	}
	if alert.Name() != "HostMaintenance" && s.hosts != nil && s.hosts.IsOnline(alert.Host()) {
		s.logger.V(1).Info("root-cause alert against an online host, no suppression",
			"rootCause", alert.Name(),
			"host", alert.Host(),
		)
		return nil
	}
	sup := &types.Suppression{
		RootCauseAlert:    alert.Name(),
		RootCauseInstance: alert.InstanceKey(),
		SuppressedUntil:   time.Now().UTC().Add(s.window),
		Reason:            fmt.Sprintf("%s on %s", alert.Name(), alert.InstanceKey()),
	}

	// Cache first: suppression must hold even when the store is down.
	s.hotCache.Set(rootKey(sup.RootCauseAlert, sup.RootCauseInstance), *sup, s.window)

	if _, err := s.store.InsertSuppression(ctx, sup); err != nil {
		s.logger.Info("suppression not persisted, cache-only",
			"rootCause", sup.RootCauseAlert,
			"instance", sup.RootCauseInstance,
			"error", err.Error(),
		)
	}
	s.logger.Info("suppression activated",
		"rootCause", sup.RootCauseAlert,
		"instance", sup.RootCauseInstance,
		"until", sup.SuppressedUntil,
	)
	return nil
}

// Covered reports whether an active suppression absorbs this alert, and by
// which root cause. An alert is covered when a cascade of some active root
// lists its name (or wildcards) and it lives on the root's host.
func (s *Suppressor) Covered(ctx context.Context, alert types.Alert) (bool, string) {
	alertHost := alert.Host()
	for key, item := range s.hotCache.Items() {
		sup, ok := item.Object.(types.Suppression)
		if !ok {
			continue
		}
		children, ok := cascades[sup.RootCauseAlert]
		if !ok {
			continue
		}
		if !matchesChild(children, alert.Name()) {
			continue
		}
		if hostOf(sup.RootCauseInstance) != alertHost {
			continue
		}
		// The root cause alert itself is never self-suppressed.
		if alert.Name() == sup.RootCauseAlert && alert.InstanceKey() == sup.RootCauseInstance {
			continue
		}

		s.recordSuppressed(ctx, key, sup)
		return true, sup.RootCauseAlert
	}
	return false, ""
}

// ClearForHost drops every suppression rooted on the host. HostMonitor
// calls this through its recovery hook.
func (s *Suppressor) ClearForHost(host string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for key, item := range s.hotCache.Items() {
		sup, ok := item.Object.(types.Suppression)
		if !ok {
			continue
		}
		if hostOf(sup.RootCauseInstance) == host {
			s.hotCache.Delete(key)
		}
	}
	if n, err := s.store.ClearSuppressionsForHost(ctx, host); err != nil {
		s.logger.V(1).Info("failed to clear persisted suppressions", "host", host, "error", err.Error())
	} else if n > 0 {
		s.logger.Info("suppressions cleared on host recovery", "host", host, "count", n)
	}
}

// ActiveCount reports the number of live suppression windows.
func (s *Suppressor) ActiveCount() int {
	return s.hotCache.ItemCount()
}

// recordSuppressed counts the absorbed alert and, at most once per
// summaryInterval, emits a consolidated notification instead of one per
// child.
func (s *Suppressor) recordSuppressed(ctx context.Context, key string, sup types.Suppression) {
	s.suppressedTotal.WithLabelValues(sup.RootCauseAlert).Inc()

	s.mu.Lock()
	s.suppressed[key]++
	total := 0
	for _, n := range s.suppressed {
		total += n
	}
	due := time.Since(s.lastSummary) >= summaryInterval
	if due {
		s.lastSummary = time.Now()
		s.suppressed = map[string]int{}
	}
	s.mu.Unlock()

	if due && s.notify != nil {
		s.notify.Notify(ctx, notifier.Event{
			Kind:        notifier.KindSuppressionSummary,
			AlertName:   sup.RootCauseAlert,
			InstanceKey: sup.RootCauseInstance,
			Analysis:    fmt.Sprintf("%d alert(s) suppressed under active root causes", total),
		})
	}
}

func matchesChild(children []string, alertName string) bool {
	for _, c := range children {
		if c == "*" || c == alertName {
			return true
		}
	}
	return false
}

func hostOf(instanceKey string) string {
	if idx := strings.IndexByte(instanceKey, ':'); idx > 0 {
		return instanceKey[:idx]
	}
	return instanceKey
}

func rootKey(alertName, instanceKey string) string {
	return alertName + "|" + instanceKey
}
