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

package validator_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nexushome/jarvis/pkg/validator"
)

var _ = Describe("Validator", func() {
	var v *validator.Validator

	BeforeEach(func() {
		v = validator.New(validator.Identity{ServiceName: "jarvis", DatabaseName: "jarvis-db"})
	})

	Describe("self-protection", func() {
		DescribeTable("rejects any command that would take down the service or its dependencies",
			func(command, wantReason string) {
				verdict := v.Check(command)
				Expect(verdict.OK).To(BeFalse(),
					"a remediation must never be able to kill the remediation service")
				Expect(verdict.Reason).To(Equal(wantReason))
			},
			Entry("docker stop on the service", "docker stop jarvis", "self_protection_service"),
			Entry("docker rm -f on the service", "docker rm -f jarvis", "self_protection_service"),
			Entry("systemctl restart on the service", "systemctl restart jarvis", "self_protection_service"),
			Entry("pkill on the service", "pkill -f jarvis", "self_protection_service"),
			Entry("case-insensitive match", "DOCKER STOP Jarvis", "self_protection_service"),
			Entry("docker stop on the database", "docker stop jarvis-db", "self_protection_database"),
			Entry("stopping postgres by its generic name", "systemctl stop postgresql", "self_protection_database"),
			Entry("stopping the container runtime", "systemctl stop docker", "self_protection_runtime"),
			Entry("rebooting the host", "reboot", "self_protection_host"),
			Entry("shutdown with arguments", "shutdown -h now", "self_protection_host"),
			Entry("systemctl poweroff", "systemctl poweroff", "self_protection_host"),
		)

		It("wins over ordinary blacklist rules", func() {
			// docker rm -f jarvis also matches the destructive rm rule; the
			// rejection reason must still name self-protection.
			verdict := v.Check("docker rm -f jarvis")
			Expect(verdict.Reason).To(Equal("self_protection_service"))
		})

		It("does not reject restarts of unrelated containers", func() {
			Expect(v.Check("docker restart omada").OK).To(BeTrue(),
				"restarting other workloads is the routine business of this service")
		})
	})

	Describe("blacklist", func() {
		DescribeTable("rejects destructive command classes",
			func(command, wantReason string) {
				verdict := v.Check(command)
				Expect(verdict.OK).To(BeFalse())
				Expect(verdict.Reason).To(Equal(wantReason))
			},
			Entry("recursive force rm", "rm -rf /var/lib/omada", "destructive_rm"),
			Entry("rm under sudo", "sudo rm -rf /var/lib/omada", "destructive_rm"),
			Entry("rm chained behind another command", "cd /tmp && rm -rf cache", "destructive_rm"),
			Entry("mkfs", "mkfs.ext4 /dev/sdb1", "destructive_mkfs"),
			Entry("dd onto a device", "dd if=/dev/zero of=/dev/sda", "destructive_dd"),
			Entry("firewall rewrite", "iptables -F", "firewall_rewrite"),
			Entry("package installation", "apt-get install -y htop", "package_management"),
			Entry("in-place sed", "sed -i 's/a/b/' /etc/hosts", "inplace_sed"),
			Entry("redirect into /etc", "echo nameserver 1.1.1.1 > /etc/resolv.conf", "config_redirect"),
		)

		DescribeTable("permits routine operational commands",
			func(command string) {
				Expect(v.Check(command).OK).To(BeTrue())
			},
			Entry("container restart", "docker restart omada"),
			Entry("unit restart", "systemctl restart grafana"),
			Entry("plain rm of one file", "rm /tmp/stale.lock"),
			Entry("compose bounce", "docker compose up -d omada"),
			Entry("force-removing another container", "docker rm -f omada"),
			Entry("podman container removal", "podman rm -f grafana"),
		)

		It("rejects empty commands", func() {
			Expect(v.Check("   ").OK).To(BeFalse())
		})
	})

	Describe("diagnostic sub-policy", func() {
		DescribeTable("accepts read-only command shapes",
			func(command string) {
				Expect(v.CheckDiagnostic(command).OK).To(BeTrue())
			},
			Entry("docker ps", "docker ps -a"),
			Entry("docker logs", "docker logs --tail 100 omada"),
			Entry("systemctl status", "systemctl status grafana --no-pager"),
			Entry("journalctl", "journalctl -u grafana -n 50"),
			Entry("disk usage", "df -h"),
			Entry("file read", "cat /var/log/syslog"),
		)

		DescribeTable("rejects anything that could mutate or chain",
			func(command, wantReason string) {
				verdict := v.CheckDiagnostic(command)
				Expect(verdict.OK).To(BeFalse())
				Expect(verdict.Reason).To(Equal(wantReason))
			},
			Entry("pipes", "docker ps | grep omada", "diagnostic_compound_command"),
			Entry("chaining", "df -h; rm -rf /", "diagnostic_compound_command"),
			Entry("redirection", "cat /etc/passwd > /tmp/x", "diagnostic_compound_command"),
			Entry("command substitution", "ls $(cat /tmp/x)", "diagnostic_compound_command"),
			Entry("a restart is not a diagnostic", "docker restart omada", "not_read_only"),
			Entry("systemctl mutation", "systemctl restart grafana", "not_read_only"),
		)
	})

	Describe("IsDiagnostic", func() {
		It("partitions plans into diagnostic and actionable commands", func() {
			Expect(v.IsDiagnostic("docker logs --tail 50 omada")).To(BeTrue())
			Expect(v.IsDiagnostic("docker restart omada")).To(BeFalse())
		})
	})
})
