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

// Package hostmonitor tracks per-host reachability. Every SSH attempt
// reports its outcome here; after a threshold of consecutive failures the
// host is marked offline and a background probe watches for recovery.
package hostmonitor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexushome/jarvis/internal/config"
	"github.com/nexushome/jarvis/pkg/notifier"
	"github.com/nexushome/jarvis/pkg/types"
)

const (
	// DefaultFailureThreshold is the consecutive-failure count that flips a
	// host from online to offline.
	DefaultFailureThreshold = 3

	// DefaultProbeInterval is how often offline hosts are re-probed.
	DefaultProbeInterval = 5 * time.Minute

	probeDialTimeout = 5 * time.Second
)

// StatusWriter persists durable host status. Satisfied by *store.Store.
type StatusWriter interface {
	UpsertHostStatus(ctx context.Context, h *types.HostStatus) error
}

// Notifier receives host transition events. Satisfied by
// *notifier.Notifier.
type Notifier interface {
	Notify(ctx context.Context, ev notifier.Event)
}

// Monitor tracks reachability for the configured host fleet.
type Monitor struct {
	mu     sync.Mutex
	hosts  map[string]*types.HostStatus
	config map[string]config.Host

	threshold     int
	probeInterval time.Duration

	writer     StatusWriter
	notify     Notifier
	logger     logr.Logger
	onRecovery []func(host string)

	statusGauge *prometheus.GaugeVec
}

// New builds a monitor over the configured inventory. All hosts start
// online: a fresh service should not refuse work it has never tried.
func New(hosts map[string]config.Host, writer StatusWriter, logger logr.Logger, reg prometheus.Registerer) *Monitor {
	m := &Monitor{
		hosts:         make(map[string]*types.HostStatus, len(hosts)),
		config:        hosts,
		threshold:     DefaultFailureThreshold,
		probeInterval: DefaultProbeInterval,
		writer:        writer,
		logger:        logger,
		statusGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jarvis_host_online",
			Help: "Per-host reachability (1 = online, 0 = offline).",
		}, []string{"host"}),
	}
	for name := range hosts {
		m.hosts[name] = &types.HostStatus{HostName: name, Status: types.HostOnline}
		m.statusGauge.WithLabelValues(name).Set(1)
	}
	if reg != nil {
		reg.MustRegister(m.statusGauge)
	}
	return m
}

// OnRecovery registers a hook invoked when a host transitions back online.
// Suppressor uses this to unlock suppressions keyed on the host.
func (m *Monitor) OnRecovery(fn func(host string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecovery = append(m.onRecovery, fn)
}

// SetNotifier wires the sink for host transition notifications.
func (m *Monitor) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = n
}

// IsOnline is Pipeline's fast path. Hosts the monitor has never seen are
// treated as online.
func (m *Monitor) IsOnline(host string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[host]
	if !ok {
		return true
	}
	return h.Status != types.HostOffline
}

// Record reports an SSH attempt outcome. N consecutive failures transition
// online → offline; the first success while offline transitions back and
// fires the recovery hooks.
func (m *Monitor) Record(ctx context.Context, host string, success bool, errMsg string) {
	m.mu.Lock()
	h, ok := m.hosts[host]
	if !ok {
		h = &types.HostStatus{HostName: host, Status: types.HostOnline}
		m.hosts[host] = h
	}

	now := time.Now().UTC()
	h.LastAttempt = &now
	recovered := false
	wentOffline := false

	if success {
		h.ConsecutiveFailures = 0
		h.LastSuccess = &now
		h.LastError = ""
		if h.Status == types.HostOffline {
			h.Status = types.HostOnline
			recovered = true
		} else {
			h.Status = types.HostOnline
		}
	} else {
		h.ConsecutiveFailures++
		h.LastError = errMsg
		if h.ConsecutiveFailures >= m.threshold && h.Status != types.HostOffline {
			h.Status = types.HostOffline
			wentOffline = true
			m.logger.Info("host marked offline",
				"host", host,
				"consecutiveFailures", h.ConsecutiveFailures,
				"lastError", errMsg,
			)
		}
	}

	snapshot := *h
	hooks := m.onRecovery
	notify := m.notify
	m.statusGauge.WithLabelValues(host).Set(onlineValue(h.Status))
	m.mu.Unlock()

	m.persist(ctx, &snapshot)

	if wentOffline && notify != nil {
		notify.Notify(ctx, notifier.Event{
			Kind:        notifier.KindHostOffline,
			InstanceKey: host,
			Error:       errMsg,
			Analysis:    fmt.Sprintf("host unreachable after %d consecutive failures", snapshot.ConsecutiveFailures),
		})
	}
	if recovered {
		m.logger.Info("host recovered", "host", host)
		if notify != nil {
			notify.Notify(ctx, notifier.Event{
				Kind:        notifier.KindHostRecovered,
				InstanceKey: host,
				Analysis:    "host reachable again",
			})
		}
		for _, fn := range hooks {
			fn(host)
		}
	}
}

// Statuses returns a snapshot of all tracked hosts.
func (m *Monitor) Statuses() []types.HostStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.HostStatus, 0, len(m.hosts))
	for _, h := range m.hosts {
		out = append(out, *h)
	}
	return out
}

// RunProber probes offline hosts on a fixed interval until ctx is
// cancelled. A probe is a TCP dial to the host's SSH port; the first
// success flips the host online via Record.
func (m *Monitor) RunProber(ctx context.Context) error {
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.probeOffline(ctx)
		}
	}
}

func (m *Monitor) probeOffline(ctx context.Context) {
	m.mu.Lock()
	var offline []string
	for name, h := range m.hosts {
		if h.Status == types.HostOffline {
			h.Status = types.HostChecking
			offline = append(offline, name)
		}
	}
	m.mu.Unlock()

	for _, host := range offline {
		err := m.probe(host)

		m.mu.Lock()
		if h, ok := m.hosts[host]; ok && h.Status == types.HostChecking {
			h.Status = types.HostOffline
		}
		m.mu.Unlock()

		if err != nil {
			m.logger.V(1).Info("offline host probe failed", "host", host, "error", err.Error())
			continue
		}
		m.Record(ctx, host, true, "")
	}
}

func (m *Monitor) probe(host string) error {
	cfg, ok := m.config[host]
	if !ok {
		return fmt.Errorf("host %s not in inventory", host)
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", cfg.Addr, port), probeDialTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (m *Monitor) persist(ctx context.Context, h *types.HostStatus) {
	if m.writer == nil {
		return
	}
	if err := m.writer.UpsertHostStatus(ctx, h); err != nil {
		// Best effort: reachability tracking must keep working through a
		// store outage.
		m.logger.V(1).Info("failed to persist host status", "host", h.HostName, "error", err.Error())
	}
}

func onlineValue(status string) float64 {
	if status == types.HostOffline {
		return 0
	}
	return 1
}
