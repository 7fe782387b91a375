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

package suppressor_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nexushome/jarvis/pkg/notifier"
	"github.com/nexushome/jarvis/pkg/suppressor"
	"github.com/nexushome/jarvis/pkg/types"
)

type fakeSuppressionStore struct {
	mu       sync.Mutex
	inserted []types.Suppression
	active   []types.Suppression
	cleared  []string
	err      error
}

func (f *fakeSuppressionStore) InsertSuppression(_ context.Context, sup *types.Suppression) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.inserted = append(f.inserted, *sup)
	return int64(len(f.inserted)), nil
}

func (f *fakeSuppressionStore) ActiveSuppressions(context.Context) ([]types.Suppression, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.active, nil
}

func (f *fakeSuppressionStore) ClearSuppressionsForHost(_ context.Context, host string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, host)
	return 1, nil
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

type fakeHostChecker struct {
	online map[string]bool
}

func (f *fakeHostChecker) IsOnline(host string) bool {
	return f.online[host]
}

func alertWith(name string, labels map[string]string) types.Alert {
	l := map[string]string{"alertname": name}
	for k, v := range labels {
		l[k] = v
	}
	return types.Alert{Status: types.StatusFiring, Labels: l}
}

var _ = Describe("Suppressor", func() {
	var (
		st    *fakeSuppressionStore
		nf    *fakeNotifier
		hosts *fakeHostChecker
		s     *suppressor.Suppressor
		ctx   context.Context
	)

	BeforeEach(func() {
		st = &fakeSuppressionStore{}
		nf = &fakeNotifier{}
		hosts = &fakeHostChecker{online: map[string]bool{}}
		s = suppressor.New(st, nf, hosts, logr.Discard(), nil)
		ctx = context.Background()
	})

	Describe("Activate", func() {
		It("opens a window for cascade root causes", func() {
			hostDown := alertWith("HostDown", map[string]string{"instance": "nexus"})
			Expect(s.Activate(ctx, hostDown)).To(Succeed())
			Expect(s.ActiveCount()).To(Equal(1))
			Expect(st.inserted).To(HaveLen(1))
		})

		It("does not suppress for a root cause whose host is still online", func() {
			hosts.online["nexus"] = true
			hostDown := alertWith("HostDown", map[string]string{"instance": "nexus"})
			Expect(s.Activate(ctx, hostDown)).To(Succeed())
			Expect(s.ActiveCount()).To(BeZero(),
				"a reachable host contradicts the alert, its children must still be remediated")
			Expect(st.inserted).To(BeEmpty())
		})

		It("opens a maintenance window even while the host is online", func() {
			hosts.online["athena"] = true
			maint := alertWith("HostMaintenance", map[string]string{"instance": "athena"})
			Expect(s.Activate(ctx, maint)).To(Succeed())
			Expect(s.ActiveCount()).To(Equal(1),
				"maintenance is declared while the host is still up")
		})

		It("ignores alerts with no cascade entry", func() {
			Expect(s.Activate(ctx, alertWith("DiskSpaceLow", map[string]string{"instance": "nexus"}))).To(Succeed())
			Expect(s.ActiveCount()).To(BeZero(),
				"ordinary alerts do not suppress anything")
		})

		It("keeps suppressing from the cache when the store is down", func() {
			st.err = errors.New("connection refused")
			hostDown := alertWith("HostDown", map[string]string{"instance": "nexus"})
			Expect(s.Activate(ctx, hostDown)).To(Succeed())

			child := alertWith("ContainerDown", map[string]string{"host": "nexus", "container": "omada"})
			covered, _ := s.Covered(ctx, child)
			Expect(covered).To(BeTrue(),
				"suppression must hold even while the store is unreachable")
		})
	})

	Describe("Covered", func() {
		BeforeEach(func() {
			Expect(s.Activate(ctx, alertWith("HostDown", map[string]string{"instance": "nexus"}))).To(Succeed())
		})

		It("absorbs cascade children on the same host", func() {
			child := alertWith("ContainerDown", map[string]string{"host": "nexus", "container": "omada"})
			covered, root := s.Covered(ctx, child)
			Expect(covered).To(BeTrue(),
				"remediating a container on a dead host is wasted work")
			Expect(root).To(Equal("HostDown"))
		})

		It("leaves the same alert on another host alone", func() {
			child := alertWith("ContainerDown", map[string]string{"host": "athena", "container": "grafana"})
			covered, _ := s.Covered(ctx, child)
			Expect(covered).To(BeFalse(),
				"a root cause on nexus says nothing about athena")
		})

		It("leaves non-cascade alerts alone", func() {
			other := alertWith("CertificateExpiry", map[string]string{"host": "nexus"})
			covered, _ := s.Covered(ctx, other)
			Expect(covered).To(BeFalse())
		})

		It("never suppresses the root cause itself", func() {
			root := alertWith("HostDown", map[string]string{"instance": "nexus"})
			covered, _ := s.Covered(ctx, root)
			Expect(covered).To(BeFalse(),
				"the root cause must keep flowing to remediation")
		})

		It("suppresses everything on the host during maintenance", func() {
			Expect(s.Activate(ctx, alertWith("HostMaintenance", map[string]string{"instance": "athena"}))).To(Succeed())
			anything := alertWith("CertificateExpiry", map[string]string{"host": "athena"})
			covered, root := s.Covered(ctx, anything)
			Expect(covered).To(BeTrue())
			Expect(root).To(Equal("HostMaintenance"))
		})
	})

	Describe("ClearForHost", func() {
		It("drops suppressions rooted on a recovered host", func() {
			Expect(s.Activate(ctx, alertWith("HostDown", map[string]string{"instance": "nexus"}))).To(Succeed())
			Expect(s.ActiveCount()).To(Equal(1))

			s.ClearForHost("nexus")
			Expect(s.ActiveCount()).To(BeZero())
			Expect(st.cleared).To(Equal([]string{"nexus"}))

			child := alertWith("ContainerDown", map[string]string{"host": "nexus", "container": "omada"})
			covered, _ := s.Covered(ctx, child)
			Expect(covered).To(BeFalse(),
				"once the host is back its children must be remediated again")
		})
	})

	Describe("Rehydrate", func() {
		It("restores still-active windows from the store", func() {
			st.active = []types.Suppression{{
				RootCauseAlert:    "HostDown",
				RootCauseInstance: "nexus",
				SuppressedUntil:   time.Now().UTC().Add(10 * time.Minute),
			}}
			Expect(s.Rehydrate(ctx)).To(Succeed())
			Expect(s.ActiveCount()).To(Equal(1),
				"a restart must not forget active suppressions")
		})

		It("skips windows that expired while the service was down", func() {
			st.active = []types.Suppression{{
				RootCauseAlert:    "HostDown",
				RootCauseInstance: "nexus",
				SuppressedUntil:   time.Now().UTC().Add(-time.Minute),
			}}
			Expect(s.Rehydrate(ctx)).To(Succeed())
			Expect(s.ActiveCount()).To(BeZero())
		})
	})
})
