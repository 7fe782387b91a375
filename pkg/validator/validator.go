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

// Package validator vets every command before it reaches the SSH layer.
//
// The policy is blacklist-only (permit by default). Self-protection rules
// are checked first: no command that would stop the service itself, its
// database, the container runtime, or the host ever passes, regardless of
// how it is phrased.
package validator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrCommandRejected is the base error for blacklist matches. The Verdict
// carries the rule label.
var ErrCommandRejected = errors.New("command rejected")

// Risk levels. Informational only; the binary accept/reject is what
// matters.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Verdict is the result of vetting one command.
type Verdict struct {
	OK     bool
	Reason string
	Risk   string
}

type rule struct {
	label   string
	pattern *regexp.Regexp
	risk    string
}

// Identity names the things Jarvis must never act against.
type Identity struct {
	// ServiceName is the service's own container/unit name.
	ServiceName string
	// DatabaseName is the database container/unit name.
	DatabaseName string
}

// Validator holds the compiled rule tables.
type Validator struct {
	selfProtection []rule
	blacklist      []rule
	diagnostics    []*regexp.Regexp
}

// New compiles the rule tables for the given identity.
func New(id Identity) *Validator {
	if id.ServiceName == "" {
		id.ServiceName = "jarvis"
	}
	if id.DatabaseName == "" {
		id.DatabaseName = "jarvis-db"
	}
	return &Validator{
		selfProtection: selfProtectionRules(id),
		blacklist:      blacklistRules(),
		diagnostics:    diagnosticAllowlist(),
	}
}

// Check vets a proposed command against the blacklist. Self-protection
// rules win over everything else.
func (v *Validator) Check(command string) Verdict {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return Verdict{OK: false, Reason: "empty_command", Risk: RiskLow}
	}
	for _, r := range v.selfProtection {
		if r.pattern.MatchString(cmd) {
			return Verdict{OK: false, Reason: r.label, Risk: RiskHigh}
		}
	}
	for _, r := range v.blacklist {
		if r.pattern.MatchString(cmd) {
			return Verdict{OK: false, Reason: r.label, Risk: r.risk}
		}
	}
	return Verdict{OK: true, Risk: riskOf(cmd)}
}

// CheckDiagnostic applies the stricter sub-policy for the Analyzer's
// run_diagnostic_command tool: only read-only command shapes are accepted,
// with no chaining, piping, or redirection.
func (v *Validator) CheckDiagnostic(command string) Verdict {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return Verdict{OK: false, Reason: "empty_command", Risk: RiskLow}
	}
	if shellCompound.MatchString(cmd) {
		return Verdict{OK: false, Reason: "diagnostic_compound_command", Risk: RiskMedium}
	}
	for _, p := range v.diagnostics {
		if p.MatchString(cmd) {
			return Verdict{OK: true, Risk: RiskLow}
		}
	}
	return Verdict{OK: false, Reason: "not_read_only", Risk: RiskMedium}
}

// IsDiagnostic reports whether a command matches the read-only shapes.
// Pipeline uses this to partition a plan into diagnostic and actionable
// phases.
func (v *Validator) IsDiagnostic(command string) bool {
	return v.CheckDiagnostic(command).OK
}

// shellCompound matches chaining, piping, redirection, and substitution.
var shellCompound = regexp.MustCompile("[;&|><`]|\\$\\(")

func selfProtectionRules(id Identity) []rule {
	service := regexp.QuoteMeta(id.ServiceName)
	db := regexp.QuoteMeta(id.DatabaseName)
	// The database may run under its unit name or as plain postgres.
	dbNames := fmt.Sprintf(`(?:%s|postgres(?:ql)?)`, db)
	runtime := `(?:docker|containerd|podman)`
	stopVerbs := `(?:stop|restart|rm|kill|pause|down|disable|mask)`

	compile := func(label, expr string) rule {
		return rule{label: label, pattern: regexp.MustCompile(`(?i)` + expr), risk: RiskHigh}
	}
	return []rule{
		// (a) the service itself, any surface form:
		// "docker stop jarvis", "docker rm -f jarvis", "systemctl restart jarvis"
		compile("self_protection_service",
			fmt.Sprintf(`\b(?:docker|podman)\s+%s\b.*\b%s\b`, stopVerbs, service)),
		compile("self_protection_service",
			fmt.Sprintf(`\b(?:systemctl|service)\b.*\b%s\b.*\b%s\b|\b(?:systemctl|service)\b.*\b%s\b.*\b%s\b`,
				stopVerbs, service, service, stopVerbs)),
		compile("self_protection_service",
			fmt.Sprintf(`\bp?kill\b.*\b%s\b`, service)),
		// (b) its database
		compile("self_protection_database",
			fmt.Sprintf(`\b(?:docker|podman)\s+%s\b.*\b%s\b`, stopVerbs, dbNames)),
		compile("self_protection_database",
			fmt.Sprintf(`\b(?:systemctl|service)\b.*\b%s\b.*\b%s\b|\b(?:systemctl|service)\b.*\b%s\b.*\b%s\b`,
				stopVerbs, dbNames, dbNames, stopVerbs)),
		compile("self_protection_database",
			fmt.Sprintf(`\bp?kill\b.*\b%s\b`, dbNames)),
		// (c) the container runtime
		compile("self_protection_runtime",
			fmt.Sprintf(`\b(?:systemctl|service)\b.*\b%s\b.*\b%s\b|\b(?:systemctl|service)\b.*\b%s\b.*\b%s\b`,
				stopVerbs, runtime, runtime, stopVerbs)),
		// (d) the host OS. Also caught by the power rules below, kept here
		// so the rejection reason names the protected surface.
		compile("self_protection_host",
			`\b(?:reboot|poweroff|halt)\b|\bshutdown\b|\binit\s+[06]\b|\bsystemctl\s+(?:reboot|poweroff|halt|suspend|hibernate)\b`),
	}
}

func blacklistRules() []rule {
	compile := func(label, expr, risk string) rule {
		return rule{label: label, pattern: regexp.MustCompile(`(?i)` + expr), risk: risk}
	}
	return []rule{
		// Anchored to a command position so that subcommands named rm, like
		// "docker rm -f <container>", do not trip the filesystem rule.
		compile("destructive_rm", `(?:^|[;&|(]\s*|\bsudo\s+)rm\s+(?:-\w*\s+)*-\w*[rf]\w*\b`, RiskHigh),
		compile("destructive_mkfs", `\bmkfs(\.\w+)?\b`, RiskHigh),
		compile("destructive_dd", `\bdd\b.*\bof=/dev/`, RiskHigh),
		compile("destructive_shred", `\bshred\b`, RiskHigh),
		compile("firewall_rewrite", `\b(iptables|ip6tables|nft|ufw|firewall-cmd)\b`, RiskHigh),
		compile("package_management", `\b(apt|apt-get|yum|dnf|apk|pacman)\b`, RiskMedium),
		compile("inplace_sed", `\bsed\b[^|;]*\s-i\b|\bsed\s+-i\b`, RiskMedium),
		compile("inplace_awk", `\bawk\b.*\s-i\s+inplace\b`, RiskMedium),
		compile("config_redirect", `>{1,2}\s*/etc/`, RiskMedium),
	}
}

// diagnosticAllowlist covers the read-only command shapes the Analyzer's
// diagnostic tool may run.
func diagnosticAllowlist() []*regexp.Regexp {
	shapes := []string{
		`^docker\s+(ps|logs|inspect|stats|info|version)\b`,
		`^podman\s+(ps|logs|inspect|stats|info|version)\b`,
		`^systemctl\s+(status|show|list-units|is-active|is-failed)\b`,
		`^journalctl\b`,
		`^curl\s+-I\b`,
		`^ps\b`,
		`^df\b`,
		`^du\b`,
		`^free\b`,
		`^ls\b`,
		`^cat\b`,
		`^head\b`,
		`^tail\b`,
		`^uptime\b`,
		`^whoami\b`,
		`^hostname\b`,
		`^date\b`,
		`^ip\s+(addr|route|link)\b`,
	}
	compiled := make([]*regexp.Regexp, 0, len(shapes))
	for _, s := range shapes {
		compiled = append(compiled, regexp.MustCompile(s))
	}
	return compiled
}

// riskOf grades an accepted command for logging. Restarting things is the
// routine business of this service, so it grades medium rather than high.
func riskOf(cmd string) string {
	lower := strings.ToLower(cmd)
	switch {
	case strings.Contains(lower, "restart") || strings.Contains(lower, "start") || strings.Contains(lower, "stop"):
		return RiskMedium
	default:
		return RiskLow
	}
}
