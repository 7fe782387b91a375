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

package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func validConfig() *Config {
	return &Config{
		ListenAddr:              "127.0.0.1:8080",
		DatabaseURL:             "postgres://jarvis@localhost/jarvis",
		LLMModel:                "claude-sonnet-4-20250514",
		WebhookAuthUsername:     "alerts",
		WebhookAuthPassword:     "secret",
		HandoffTimeout:          10 * time.Minute,
		MaxAttemptsPerAlert:     20,
		AttemptWindow:           2 * time.Hour,
		CommandExecutionTimeout: 60 * time.Second,
		LearnerHighConfidence:   0.75,
		LearnerMediumConfidence: 0.50,
		ServiceName:             "jarvis",
		DatabaseName:            "jarvis-db",
		LogFormat:               "json",
		Hosts:                   map[string]Host{},
	}
}

var _ = Describe("Validate", func() {
	It("accepts a complete configuration", func() {
		Expect(Validate(validConfig())).To(Succeed())
	})

	It("requires webhook credentials", func() {
		cfg := validConfig()
		cfg.WebhookAuthPassword = ""
		Expect(Validate(cfg)).ToNot(Succeed(),
			"an unauthenticated webhook would let anyone drive remediations")
	})

	It("rejects a medium threshold above the high threshold", func() {
		cfg := validConfig()
		cfg.LearnerMediumConfidence = 0.9
		err := Validate(cfg)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("LEARNER_MEDIUM_CONFIDENCE"))
	})

	It("rejects thresholds outside (0, 1]", func() {
		cfg := validConfig()
		cfg.LearnerHighConfidence = 1.5
		Expect(Validate(cfg)).ToNot(Succeed())
	})

	It("rejects a non-positive attempt budget", func() {
		cfg := validConfig()
		cfg.MaxAttemptsPerAlert = 0
		Expect(Validate(cfg)).ToNot(Succeed())
	})

	It("validates each host entry", func() {
		cfg := validConfig()
		cfg.Hosts["bad"] = Host{Name: "bad"}
		err := Validate(cfg)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring(`host "bad"`))
	})
})

var _ = Describe("host inventory", func() {
	It("loads hosts from a YAML file with defaults applied", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "hosts.yaml")
		Expect(os.WriteFile(path, []byte(
			"hosts:\n  - name: nexus\n    addr: 192.168.1.10\n  - name: athena\n    addr: 192.168.1.20\n    user: ops\n    port: 2222\n",
		), 0o600)).To(Succeed())

		cfg := validConfig()
		cfg.SSHUser = "root"
		cfg.SSHKeyPath = "/etc/jarvis/id_ed25519"
		Expect(loadHostsFile(cfg, path)).To(Succeed())

		Expect(cfg.Hosts).To(HaveLen(2))
		Expect(cfg.Hosts["nexus"].Port).To(Equal(22))
		Expect(cfg.Hosts["nexus"].User).To(Equal("root"))
		Expect(cfg.Hosts["nexus"].KeyPath).To(Equal("/etc/jarvis/id_ed25519"))
		Expect(cfg.Hosts["athena"].Port).To(Equal(2222))
		Expect(cfg.Hosts["athena"].User).To(Equal("ops"))
	})

	It("fails on an unreadable inventory file", func() {
		Expect(loadHostsFile(validConfig(), "/nonexistent/hosts.yaml")).ToNot(Succeed())
	})

	It("builds host entries from SSH_<HOST>_ environment variables", func() {
		GinkgoT().Setenv("SSH_NEXUS_HOST", "192.168.1.10")
		GinkgoT().Setenv("SSH_NEXUS_USER", "ops")
		GinkgoT().Setenv("SSH_NEXUS_PORT", "2222")

		cfg := validConfig()
		loadHostsFromEnv(cfg)

		h, ok := cfg.Hosts["nexus"]
		Expect(ok).To(BeTrue())
		Expect(h.Addr).To(Equal("192.168.1.10"))
		Expect(h.User).To(Equal("ops"))
		Expect(h.Port).To(Equal(2222))
	})

	It("ignores the shared SSH_KEY_PATH variable", func() {
		GinkgoT().Setenv("SSH_KEY_HOST", "should-not-become-a-host")
		cfg := validConfig()
		loadHostsFromEnv(cfg)
		Expect(cfg.Hosts).To(BeEmpty())
	})
})
