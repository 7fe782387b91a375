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

// Package queue is the in-memory fallback for inbound alerts while the
// Store is unreachable. It is a bounded FIFO: enqueue never blocks and
// never fails, overflow discards the oldest entry.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultCapacity bounds the ring. Alerts beyond this during a prolonged
// Store outage are dropped; the alert router's own retries cover recovery.
const DefaultCapacity = 500

// DefaultDrainInterval is how often the background drainer replays queued
// alerts once the Store reports healthy.
const DefaultDrainInterval = 30 * time.Second

// Item is one deferred alert payload. ReceivedAt is the original receive
// time so replayed processing reflects when the alert actually arrived.
type Item struct {
	Payload    []byte
	ReceivedAt time.Time
}

// Queue is a bounded in-memory FIFO of raw inbound alert payloads.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	capacity int

	logger  logr.Logger
	depth   prometheus.Gauge
	dropped prometheus.Counter
}

// New creates a queue with the given capacity (DefaultCapacity when <= 0)
// and registers its metrics.
func New(capacity int, logger logr.Logger, reg prometheus.Registerer) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		capacity: capacity,
		logger:   logger,
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jarvis_queue_depth",
			Help: "Number of alerts deferred while the store is unreachable.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jarvis_queue_dropped_total",
			Help: "Alerts discarded because the fallback queue overflowed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(q.depth, q.dropped)
	}
	return q
}

// Enqueue appends a payload. When full, the oldest entry is discarded and a
// warning is emitted. Never blocks, never fails.
func (q *Queue) Enqueue(payload []byte, receivedAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped.Inc()
		q.logger.Info("queue full, dropping oldest deferred alert",
			"capacity", q.capacity,
		)
	}
	q.items = append(q.items, Item{Payload: payload, ReceivedAt: receivedAt})
	q.depth.Set(float64(len(q.items)))
}

// Depth returns the number of queued alerts. Served on /health.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drainBatch removes and returns all queued items in FIFO order.
func (q *Queue) drainBatch() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.depth.Set(0)
	return items
}

// requeueFront puts unprocessed items back at the head, preserving FIFO
// order ahead of anything enqueued while the drain was running.
func (q *Queue) requeueFront(items []Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(items, q.items...)
	if len(q.items) > q.capacity {
		dropped := len(q.items) - q.capacity
		q.items = q.items[dropped:]
		q.dropped.Add(float64(dropped))
	}
	q.depth.Set(float64(len(q.items)))
}

// Drainer replays queued alerts through the handler whenever the store
// reports healthy. Handler errors stop the current batch; the remainder is
// requeued in order and retried on the next tick.
type Drainer struct {
	queue    *Queue
	interval time.Duration
	healthy  func(ctx context.Context) bool
	handler  func(ctx context.Context, item Item) error
	logger   logr.Logger
}

// NewDrainer wires a background drainer. healthy is typically store.Ping;
// handler re-enters the pipeline exactly as if the alert were fresh.
func NewDrainer(q *Queue, interval time.Duration, healthy func(context.Context) bool, handler func(context.Context, Item) error, logger logr.Logger) *Drainer {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	return &Drainer{
		queue:    q,
		interval: interval,
		healthy:  healthy,
		handler:  handler,
		logger:   logger,
	}
}

// Run loops until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.drainOnce(ctx)
		}
	}
}

func (d *Drainer) drainOnce(ctx context.Context) {
	if d.queue.Depth() == 0 {
		return
	}
	if !d.healthy(ctx) {
		return
	}

	items := d.queue.drainBatch()
	for i, item := range items {
		if err := d.handler(ctx, item); err != nil {
			// Store went away mid-drain; keep the rest for the next tick.
			d.queue.requeueFront(items[i:])
			d.logger.Info("queue drain interrupted, requeueing remainder",
				"processed", i,
				"remaining", len(items)-i,
				"error", err.Error(),
			)
			return
		}
	}
	d.logger.Info("queue drained", "count", len(items))
}
