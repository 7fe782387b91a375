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

package hostmonitor

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nexushome/jarvis/internal/config"
	"github.com/nexushome/jarvis/pkg/notifier"
	"github.com/nexushome/jarvis/pkg/types"
)

// fakeWriter records persisted statuses.
type fakeWriter struct {
	mu       sync.Mutex
	statuses []types.HostStatus
}

func (f *fakeWriter) UpsertHostStatus(_ context.Context, h *types.HostStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, *h)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notifier.Event
}

func (f *fakeNotifier) Notify(_ context.Context, ev notifier.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeNotifier) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Kind
	}
	return out
}

var _ = Describe("Monitor", func() {
	var (
		m      *Monitor
		writer *fakeWriter
		ctx    context.Context
	)

	hosts := map[string]config.Host{
		"nexus": {Name: "nexus", Addr: "192.168.1.10"},
	}

	BeforeEach(func() {
		writer = &fakeWriter{}
		m = New(hosts, writer, logr.Discard(), nil)
		ctx = context.Background()
	})

	It("starts every configured host online", func() {
		Expect(m.IsOnline("nexus")).To(BeTrue(),
			"a fresh service must not refuse work it has never tried")
	})

	It("treats unknown hosts as online", func() {
		Expect(m.IsOnline("never-seen")).To(BeTrue())
	})

	It("stays online below the failure threshold", func() {
		m.Record(ctx, "nexus", false, "dial timeout")
		m.Record(ctx, "nexus", false, "dial timeout")
		Expect(m.IsOnline("nexus")).To(BeTrue(),
			"two failures could be a blip; execution must not stop yet")
	})

	It("goes offline after three consecutive failures", func() {
		for i := 0; i < 3; i++ {
			m.Record(ctx, "nexus", false, "dial timeout")
		}
		Expect(m.IsOnline("nexus")).To(BeFalse(),
			"three consecutive failures mean the host is genuinely unreachable")
	})

	It("resets the failure count on any success", func() {
		m.Record(ctx, "nexus", false, "dial timeout")
		m.Record(ctx, "nexus", false, "dial timeout")
		m.Record(ctx, "nexus", true, "")
		m.Record(ctx, "nexus", false, "dial timeout")
		m.Record(ctx, "nexus", false, "dial timeout")
		Expect(m.IsOnline("nexus")).To(BeTrue(),
			"failures must be consecutive to count against the host")
	})

	It("fires recovery hooks exactly when a host comes back", func() {
		var recovered []string
		m.OnRecovery(func(host string) { recovered = append(recovered, host) })

		for i := 0; i < 3; i++ {
			m.Record(ctx, "nexus", false, "dial timeout")
		}
		Expect(recovered).To(BeEmpty())

		m.Record(ctx, "nexus", true, "")
		Expect(recovered).To(Equal([]string{"nexus"}),
			"suppressions keyed on this host must be released on recovery")

		m.Record(ctx, "nexus", true, "")
		Expect(recovered).To(HaveLen(1),
			"staying online is not a recovery")
	})

	It("notifies on both offline and recovery transitions", func() {
		nf := &fakeNotifier{}
		m.SetNotifier(nf)

		m.Record(ctx, "nexus", false, "dial timeout")
		m.Record(ctx, "nexus", false, "dial timeout")
		Expect(nf.kinds()).To(BeEmpty(),
			"no transition has happened yet, so nothing to announce")

		m.Record(ctx, "nexus", false, "dial timeout")
		Expect(nf.kinds()).To(Equal([]string{notifier.KindHostOffline}))
		Expect(nf.events[0].InstanceKey).To(Equal("nexus"))

		m.Record(ctx, "nexus", true, "")
		Expect(nf.kinds()).To(Equal([]string{notifier.KindHostOffline, notifier.KindHostRecovered}))

		m.Record(ctx, "nexus", true, "")
		Expect(nf.kinds()).To(HaveLen(2),
			"staying online is not a transition")
	})

	It("persists status transitions", func() {
		m.Record(ctx, "nexus", false, "dial timeout")
		writer.mu.Lock()
		defer writer.mu.Unlock()
		Expect(writer.statuses).To(HaveLen(1))
		Expect(writer.statuses[0].ConsecutiveFailures).To(Equal(1))
		Expect(writer.statuses[0].LastError).To(Equal("dial timeout"))
	})

	It("snapshots all tracked hosts", func() {
		statuses := m.Statuses()
		Expect(statuses).To(HaveLen(1))
		Expect(statuses[0].HostName).To(Equal("nexus"))
		Expect(statuses[0].Status).To(Equal(types.HostOnline))
	})
})
