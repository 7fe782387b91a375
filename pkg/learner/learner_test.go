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

package learner_test

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nexushome/jarvis/pkg/learner"
	"github.com/nexushome/jarvis/pkg/types"
)

// fakePatternStore is an in-memory PatternStore.
type fakePatternStore struct {
	patterns []types.RemediationPattern
	upserted []types.RemediationPattern
	outcomes []struct {
		id      int64
		success bool
	}
	err error
}

func (f *fakePatternStore) FindPatterns(_ context.Context, alertName string) ([]types.RemediationPattern, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []types.RemediationPattern
	for _, p := range f.patterns {
		if p.AlertName == alertName {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePatternStore) UpsertPattern(_ context.Context, p *types.RemediationPattern) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	p.ID = int64(len(f.upserted) + 1)
	f.upserted = append(f.upserted, *p)
	return p.ID, nil
}

func (f *fakePatternStore) UpdatePatternOutcome(_ context.Context, id int64, success bool, _ time.Duration) error {
	f.outcomes = append(f.outcomes, struct {
		id      int64
		success bool
	}{id, success})
	return f.err
}

func containerAlert(name, host, container string) types.Alert {
	return types.Alert{
		Status: types.StatusFiring,
		Labels: map[string]string{
			"alertname": name,
			"severity":  "critical",
			"host":      host,
			"container": container,
			"instance":  host,
		},
	}
}

var _ = Describe("Fingerprint", func() {
	It("drops volatile labels when stable ones are present", func() {
		alert := containerAlert("ContainerDown", "nexus", "omada")
		fp := learner.Fingerprint(alert)
		Expect(fp).To(Equal("ContainerDown|container:omada|host:nexus"),
			"instance churns per firing and must not fragment the pattern library")
	})

	It("keeps the instance label for alerts with no stable labels", func() {
		alert := types.Alert{Labels: map[string]string{
			"alertname": "ServiceDown", "instance": "ha.local",
		}}
		Expect(learner.Fingerprint(alert)).To(Equal("ServiceDown|instance:ha.local"))
	})

	It("is order independent", func() {
		a := containerAlert("ContainerDown", "nexus", "omada")
		b := types.Alert{Labels: map[string]string{
			"container": "omada", "alertname": "ContainerDown",
			"host": "nexus", "severity": "critical", "instance": "nexus",
		}}
		Expect(learner.Fingerprint(a)).To(Equal(learner.Fingerprint(b)))
	})
})

var _ = Describe("Similarity", func() {
	It("scores identical fingerprints as 1", func() {
		fp := "ContainerDown|container:omada|host:nexus"
		Expect(learner.Similarity(fp, fp)).To(Equal(1.0))
	})

	It("computes Jaccard overlap over tokens", func() {
		a := "ContainerDown|container:omada|host:nexus"
		b := "ContainerDown|container:omada|host:athena"
		// 2 shared tokens of 4 distinct.
		Expect(learner.Similarity(a, b)).To(BeNumerically("~", 0.5, 1e-9))
	})

	It("scores disjoint fingerprints as 0", func() {
		Expect(learner.Similarity("A|x:1", "B|y:2")).To(BeZero())
	})
})

var _ = Describe("Match", func() {
	var (
		fake *fakePatternStore
		l    *learner.Learner
		ctx  context.Context
	)

	BeforeEach(func() {
		fake = &fakePatternStore{}
		l = learner.New(fake, 0.75, 0.50, logr.Discard())
		ctx = context.Background()
	})

	pattern := func(id int64, confidence float64, usage int) types.RemediationPattern {
		return types.RemediationPattern{
			ID:                 id,
			AlertName:          "ContainerDown",
			SymptomFingerprint: "ContainerDown|container:omada|host:nexus",
			SolutionCommands:   types.MarshalCommands([]string{"docker restart omada"}),
			Confidence:         confidence,
			UsageCount:         usage,
			Enabled:            true,
		}
	}

	It("misses when no patterns exist", func() {
		m, err := l.Match(ctx, containerAlert("ContainerDown", "nexus", "omada"))
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Decision).To(Equal(learner.DecisionMiss))
		Expect(m.Fingerprint).ToNot(BeEmpty(),
			"a miss still carries the fingerprint so extraction can reuse it")
	})

	It("bypasses when effective confidence clears the high threshold", func() {
		fake.patterns = []types.RemediationPattern{pattern(1, 0.9, 3)}
		m, err := l.Match(ctx, containerAlert("ContainerDown", "nexus", "omada"))
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Decision).To(Equal(learner.DecisionBypass),
			"an exact match at 0.9 confidence must skip the LLM entirely")
		Expect(m.EffectiveConfidence).To(BeNumerically("~", 0.9, 1e-9))
		Expect(m.Pattern.ID).To(Equal(int64(1)))
	})

	It("downgrades to hint when similarity drags the score under the bar", func() {
		// 0.9 confidence on a different host: similarity 0.5 → effective 0.45.
		fake.patterns = []types.RemediationPattern{pattern(1, 0.9, 3)}
		m, err := l.Match(ctx, containerAlert("ContainerDown", "athena", "omada"))
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Decision).To(Equal(learner.DecisionMiss))

		// Same host, weaker pattern: similarity 1.0 × 0.6 → hint.
		fake.patterns = []types.RemediationPattern{pattern(2, 0.6, 3)}
		m, err = l.Match(ctx, containerAlert("ContainerDown", "nexus", "omada"))
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Decision).To(Equal(learner.DecisionHint),
			"a plausible but unproven pattern goes to the Analyzer as prior art, not straight to SSH")
	})

	It("breaks effective-confidence ties by usage count", func() {
		a := pattern(1, 0.8, 2)
		b := pattern(2, 0.8, 10)
		fake.patterns = []types.RemediationPattern{a, b}
		m, err := l.Match(ctx, containerAlert("ContainerDown", "nexus", "omada"))
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Pattern.ID).To(Equal(int64(2)),
			"the battle-tested pattern wins the tie")
	})
})

var _ = Describe("Extract", func() {
	var (
		fake *fakePatternStore
		l    *learner.Learner
	)

	BeforeEach(func() {
		fake = &fakePatternStore{}
		l = learner.New(fake, 0.75, 0.50, logr.Discard())
	})

	It("seeds a new pattern with one success and the seed confidence", func() {
		alert := containerAlert("ContainerDown", "nexus", "omada")
		plan := &types.RemediationPlan{
			Analysis: "container exited after OOM",
			Commands: []string{"docker restart omada"},
		}
		p, err := l.Extract(context.Background(), alert, plan, "nexus", 12*time.Second)
		Expect(err).ToNot(HaveOccurred())
		Expect(p.Confidence).To(Equal(learner.SeedConfidence))
		Expect(p.SuccessCount).To(Equal(1))
		Expect(p.FailureCount).To(BeZero())
		Expect(p.TargetHost).To(Equal("nexus"))
		Expect(p.Enabled).To(BeTrue())
		Expect(p.SymptomFingerprint).To(Equal(learner.Fingerprint(alert)))
		Expect(fake.upserted).To(HaveLen(1))
	})
})

var _ = Describe("RecordOutcome", func() {
	It("forwards the outcome to the store", func() {
		fake := &fakePatternStore{}
		l := learner.New(fake, 0.75, 0.50, logr.Discard())
		Expect(l.RecordOutcome(context.Background(), 7, false, time.Second)).To(Succeed())
		Expect(fake.outcomes).To(HaveLen(1))
		Expect(fake.outcomes[0].id).To(Equal(int64(7)))
		Expect(fake.outcomes[0].success).To(BeFalse())
	})
})
