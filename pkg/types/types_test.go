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

package types_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nexushome/jarvis/pkg/types"
)

var _ = Describe("Alert", func() {
	Describe("InstanceKey", func() {
		It("composes host:container for container alerts", func() {
			alert := types.Alert{Labels: map[string]string{
				"host": "nexus", "container": "omada", "instance": "nexus",
			}}
			Expect(alert.InstanceKey()).To(Equal("nexus:omada"),
				"container alerts must be tracked per container, not per host")
		})

		It("keeps an instance label that already carries the composed form", func() {
			alert := types.Alert{Labels: map[string]string{
				"host": "nexus", "container": "omada", "instance": "nexus:omada",
			}}
			Expect(alert.InstanceKey()).To(Equal("nexus:omada"))
		})

		It("uses the instance label verbatim for non-container alerts", func() {
			alert := types.Alert{Labels: map[string]string{"instance": "ha.local"}}
			Expect(alert.InstanceKey()).To(Equal("ha.local"))
		})

		It("derives the same key for duplicate deliveries of the same alert", func() {
			a := types.Alert{Labels: map[string]string{
				"host": "nexus", "container": "omada", "instance": "nexus",
			}}
			b := types.Alert{Labels: map[string]string{
				"host": "nexus", "container": "omada", "instance": "nexus:omada",
			}}
			Expect(a.InstanceKey()).To(Equal(b.InstanceKey()),
				"attempt accounting breaks if delivery variants derive different keys")
		})
	})

	Describe("Severity", func() {
		It("passes external severity values through unmapped", func() {
			alert := types.Alert{Labels: map[string]string{"severity": "page"}}
			Expect(alert.Severity()).To(Equal("page"))
		})

		It("defaults to unknown when the router omitted severity", func() {
			alert := types.Alert{Labels: map[string]string{}}
			Expect(alert.Severity()).To(Equal("unknown"))
		})
	})

	Describe("Host", func() {
		It("prefers the host label", func() {
			alert := types.Alert{Labels: map[string]string{"host": "nexus", "instance": "other:thing"}}
			Expect(alert.Host()).To(Equal("nexus"))
		})

		It("falls back to the host part of a composed instance key", func() {
			alert := types.Alert{Labels: map[string]string{"instance": "nexus:omada"}}
			Expect(alert.Host()).To(Equal("nexus"))
		})
	})
})

var _ = Describe("MaintenanceWindow", func() {
	It("is active only between start and end", func() {
		now := time.Now().UTC()
		w := types.MaintenanceWindow{StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour)}
		Expect(w.Active(now)).To(BeTrue())
		Expect(w.Active(now.Add(2 * time.Hour))).To(BeFalse())
		Expect(w.Active(now.Add(-2 * time.Hour))).To(BeFalse())
	})

	It("ends exclusively at the boundary", func() {
		now := time.Now().UTC()
		w := types.MaintenanceWindow{StartsAt: now.Add(-time.Hour), EndsAt: now}
		Expect(w.Active(now)).To(BeFalse(),
			"an ended window must not keep skipping remediations")
	})
})

var _ = Describe("Handoff status", func() {
	It("treats completed, failed, timeout, and cancelled as terminal", func() {
		for _, status := range []string{
			types.HandoffCompleted, types.HandoffFailed,
			types.HandoffTimeout, types.HandoffCancelled,
		} {
			Expect(types.HandoffTerminal(status)).To(BeTrue(), status)
		}
	})

	It("keeps pending and in_progress non-terminal so the mutex stays held", func() {
		Expect(types.HandoffTerminal(types.HandoffPending)).To(BeFalse())
		Expect(types.HandoffTerminal(types.HandoffInProgress)).To(BeFalse())
	})
})
