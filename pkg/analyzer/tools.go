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

package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// Tool names the model can invoke during analysis.
const (
	toolGatherLogs           = "gather_logs"
	toolCheckServiceStatus   = "check_service_status"
	toolContainerDiagnostics = "get_container_diagnostics"
	toolSystemState          = "get_system_state"
	toolRunDiagnostic        = "run_diagnostic_command"
	toolProposePlan          = "propose_plan"
)

func toolDefinitions() []anthropic.ToolUnionParam {
	return []anthropic.ToolUnionParam{
		{OfTool: &anthropic.ToolParam{
			Name:        toolGatherLogs,
			Description: anthropic.String("Fetch the most recent log lines for a container or systemd unit on a host."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"host":    map[string]interface{}{"type": "string", "description": "Inventory host name."},
					"service": map[string]interface{}{"type": "string", "description": "Container or unit name."},
					"kind": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"docker", "systemd"},
						"description": "Log source: docker container logs or the systemd journal.",
					},
					"tail_lines": map[string]interface{}{"type": "integer", "description": "Line count, default 100."},
				},
				Required: []string{"host", "service", "kind"},
			},
		}},
		{OfTool: &anthropic.ToolParam{
			Name:        toolCheckServiceStatus,
			Description: anthropic.String("Show systemd status for a unit on a host."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"host": map[string]interface{}{"type": "string"},
					"unit": map[string]interface{}{"type": "string"},
				},
				Required: []string{"host", "unit"},
			},
		}},
		{OfTool: &anthropic.ToolParam{
			Name:        toolContainerDiagnostics,
			Description: anthropic.String("Inspect a container's state, restart count, and health on a host."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"host":      map[string]interface{}{"type": "string"},
					"container": map[string]interface{}{"type": "string"},
				},
				Required: []string{"host", "container"},
			},
		}},
		{OfTool: &anthropic.ToolParam{
			Name:        toolSystemState,
			Description: anthropic.String("Report load, memory, disk usage, and container runtime health for a host."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"host": map[string]interface{}{"type": "string"},
				},
				Required: []string{"host"},
			},
		}},
		{OfTool: &anthropic.ToolParam{
			Name: toolRunDiagnostic,
			Description: anthropic.String("Run a single read-only diagnostic command on a host. " +
				"Only simple read-only commands are accepted: no pipes, chaining, redirection, or writes."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"host":    map[string]interface{}{"type": "string"},
					"command": map[string]interface{}{"type": "string"},
				},
				Required: []string{"host", "command"},
			},
		}},
		{OfTool: &anthropic.ToolParam{
			Name: toolProposePlan,
			Description: anthropic.String("Submit the final remediation plan. Call exactly once, " +
				"after diagnostics. Commands run sequentially on the expected host."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"analysis":         map[string]interface{}{"type": "string", "description": "Root cause analysis."},
					"reasoning":        map[string]interface{}{"type": "string", "description": "Why these commands fix it."},
					"commands":         map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					"expected_host":    map[string]interface{}{"type": "string"},
					"expected_outcome": map[string]interface{}{"type": "string"},
				},
				Required: []string{"analysis", "reasoning", "commands"},
			},
		}},
	}
}

// runTool dispatches one tool call and returns the text result. Errors are
// folded into the result string so the model can adjust rather than the
// whole analysis aborting.
func (a *Analyzer) runTool(ctx context.Context, name string, rawInput []byte) (string, bool) {
	var in struct {
		Host      string `json:"host"`
		Service   string `json:"service"`
		Kind      string `json:"kind"`
		Container string `json:"container"`
		Unit      string `json:"unit"`
		Command   string `json:"command"`
		TailLines int    `json:"tail_lines"`
	}
	if err := json.Unmarshal(rawInput, &in); err != nil {
		return fmt.Sprintf("invalid tool input: %v", err), true
	}

	switch name {
	case toolGatherLogs:
		lines := in.TailLines
		if lines <= 0 || lines > 500 {
			lines = 100
		}
		switch in.Kind {
		case "systemd":
			return a.execDiagnostic(ctx, in.Host,
				fmt.Sprintf("journalctl -u %s -n %d --no-pager", in.Service, lines))
		case "docker":
			return a.execDiagnostic(ctx, in.Host,
				fmt.Sprintf("docker logs --tail %d %s", lines, in.Service))
		default:
			return fmt.Sprintf("unknown log kind %q: use docker or systemd", in.Kind), true
		}

	case toolCheckServiceStatus:
		return a.execDiagnostic(ctx, in.Host, fmt.Sprintf("systemctl status %s --no-pager", in.Unit))

	case toolContainerDiagnostics:
		return a.execDiagnostic(ctx, in.Host,
			fmt.Sprintf("docker inspect --format '{{json .State}}' %s", in.Container))

	case toolSystemState:
		var out strings.Builder
		for _, cmd := range []string{"uptime", "free -m", "df -h", "systemctl is-active docker"} {
			text, _ := a.execDiagnostic(ctx, in.Host, cmd)
			out.WriteString("$ " + cmd + "\n" + text + "\n")
		}
		return out.String(), false

	case toolRunDiagnostic:
		if verdict := a.validator.CheckDiagnostic(in.Command); !verdict.OK {
			return fmt.Sprintf("command rejected (%s): only simple read-only commands are permitted", verdict.Reason), true
		}
		return a.execDiagnostic(ctx, in.Host, in.Command)

	default:
		return fmt.Sprintf("unknown tool %q", name), true
	}
}

// execDiagnostic runs a vetted read-only command and formats the outcome
// for the model. The second return reports whether it is an error result.
func (a *Analyzer) execDiagnostic(ctx context.Context, host, command string) (string, bool) {
	if host == "" {
		return "no host given", true
	}
	result, err := a.executor.Execute(ctx, host, command)
	if err != nil {
		return fmt.Sprintf("execution failed: %v", err), true
	}
	out := result.Stdout
	if result.Stderr != "" {
		out += "\n" + result.Stderr
	}
	out = truncate(out, 8000)
	if result.ExitCode != 0 {
		return fmt.Sprintf("exit code %d\n%s", result.ExitCode, out), true
	}
	if strings.TrimSpace(out) == "" {
		return "(no output)", false
	}
	return out, false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
