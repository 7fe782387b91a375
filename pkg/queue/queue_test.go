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

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Queue", func() {
	var q *Queue

	BeforeEach(func() {
		q = New(3, logr.Discard(), nil)
	})

	It("preserves FIFO order", func() {
		q.Enqueue([]byte("a"), time.Now())
		q.Enqueue([]byte("b"), time.Now())
		items := q.drainBatch()
		Expect(items).To(HaveLen(2))
		Expect(string(items[0].Payload)).To(Equal("a"))
		Expect(string(items[1].Payload)).To(Equal("b"))
	})

	It("drops the oldest entry on overflow, never the newest", func() {
		for i := 0; i < 4; i++ {
			q.Enqueue([]byte(fmt.Sprintf("alert-%d", i)), time.Now())
		}
		Expect(q.Depth()).To(Equal(3),
			"the queue must stay bounded during a prolonged store outage")
		items := q.drainBatch()
		Expect(string(items[0].Payload)).To(Equal("alert-1"),
			"the most recent alerts are the ones still worth remediating")
		Expect(string(items[2].Payload)).To(Equal("alert-3"))
	})

	It("keeps requeued items ahead of new arrivals", func() {
		q.Enqueue([]byte("old"), time.Now())
		items := q.drainBatch()
		q.Enqueue([]byte("new"), time.Now())
		q.requeueFront(items)

		drained := q.drainBatch()
		Expect(string(drained[0].Payload)).To(Equal("old"))
		Expect(string(drained[1].Payload)).To(Equal("new"))
	})

	It("never blocks on enqueue", func() {
		done := make(chan struct{})
		go func() {
			for i := 0; i < 100; i++ {
				q.Enqueue([]byte("x"), time.Now())
			}
			close(done)
		}()
		Eventually(done).Should(BeClosed())
		Expect(q.Depth()).To(Equal(3))
	})
})

var _ = Describe("Drainer", func() {
	var (
		q   *Queue
		ctx context.Context
	)

	BeforeEach(func() {
		q = New(10, logr.Discard(), nil)
		ctx = context.Background()
	})

	It("replays every queued alert once the store is healthy", func() {
		q.Enqueue([]byte("a"), time.Now())
		q.Enqueue([]byte("b"), time.Now())

		var handled []string
		d := NewDrainer(q, time.Second,
			func(context.Context) bool { return true },
			func(_ context.Context, item Item) error {
				handled = append(handled, string(item.Payload))
				return nil
			},
			logr.Discard())
		d.drainOnce(ctx)

		Expect(handled).To(Equal([]string{"a", "b"}))
		Expect(q.Depth()).To(BeZero())
	})

	It("leaves the queue untouched while the store is down", func() {
		q.Enqueue([]byte("a"), time.Now())
		d := NewDrainer(q, time.Second,
			func(context.Context) bool { return false },
			func(context.Context, Item) error {
				Fail("handler must not run while the store is unhealthy")
				return nil
			},
			logr.Discard())
		d.drainOnce(ctx)
		Expect(q.Depth()).To(Equal(1))
	})

	It("requeues the remainder when the store fails mid-drain", func() {
		for _, p := range []string{"a", "b", "c"} {
			q.Enqueue([]byte(p), time.Now())
		}
		calls := 0
		d := NewDrainer(q, time.Second,
			func(context.Context) bool { return true },
			func(_ context.Context, item Item) error {
				calls++
				if string(item.Payload) == "b" {
					return errors.New("store went away")
				}
				return nil
			},
			logr.Discard())
		d.drainOnce(ctx)

		Expect(calls).To(Equal(2))
		Expect(q.Depth()).To(Equal(2),
			"the failed item and everything behind it wait for the next tick")
		items := q.drainBatch()
		Expect(string(items[0].Payload)).To(Equal("b"))
	})
})
