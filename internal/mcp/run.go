package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/deixis/uarch/internal/module"
	"github.com/deixis/uarch/internal/report"
	"github.com/deixis/uarch/internal/workflow"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type runParams struct {
	Module string `json:"module" jsonschema:"name of the module directory, as listed by probe_modules"`
	Runner string `json:"runner" jsonschema:"execution environment: user, kernel or simulation"`
	Target string `json:"target,omitempty" jsonschema:"instruction set the probe is built for: x86-64 or riscv32. Default: x86-64."`
	CPU    *int   `json:"cpu,omitempty" jsonschema:"logical CPU the probe is pinned to. Default: the configured cpu."`
}

func (h *handler) runHandler(ctx context.Context, req *mcp.CallToolRequest, params runParams) (*mcp.CallToolResult, any, error) {
	kind, err := module.ParseKind(params.Runner)
	if err != nil {
		return errorResult(err.Error())
	}
	target := module.X86_64
	if params.Target != "" {
		if target, err = module.ParseTarget(params.Target); err != nil {
			return errorResult(err.Error())
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	cpu := h.engine.Config.Config.CPU
	if params.CPU != nil {
		cpu = *params.CPU
	}
	if cpu < 0 {
		return errorResult(fmt.Sprintf("cpu %d: must not be negative", cpu))
	}

	res, err := h.engine.Run(ctx, workflow.Request{
		Module: params.Module,
		Target: target,
		Kind:   kind,
		CPU:    cpu,
	})
	if res == nil {
		return errorResult(fmt.Sprintf("run failed: %v", err))
	}
	return textResult(formatRun(res.Report, h.store != nil))
}

func formatRun(rr *report.RunResult, inspectable bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Status: %s\n", strings.ToUpper(string(rr.Outcome())))
	fmt.Fprintf(&b, "Run: %s\n", rr.ID)
	fmt.Fprintf(&b, "Module: %s (%s, %s, cpu %d)\n", rr.Module, rr.Target, rr.Runner, rr.CPU)
	fmt.Fprintln(&b)

	reached := make(map[string]time.Duration, len(rr.Stages))
	for _, s := range rr.Stages {
		reached[s.Stage] = s.Duration
	}
	fmt.Fprintln(&b, "Stages:")
	for _, stage := range workflow.Stages {
		d, ok := reached[string(stage)]
		if !ok {
			fmt.Fprintf(&b, "  %s: not reached\n", stage)
			continue
		}
		fmt.Fprintf(&b, "  %s: %s\n", stage, d.Round(time.Microsecond))
	}
	fmt.Fprintln(&b)

	if rr.Error != "" {
		fmt.Fprintf(&b, "Failed stage: %s [%s]\n", rr.FailedStage, rr.ErrorKind)
		fmt.Fprintln(&b, rr.Error)
		fmt.Fprintln(&b)
	} else {
		fmt.Fprintf(&b, "Result record: %d bytes\n", rr.ResultSize)
	}

	if inspectable {
		fmt.Fprintf(&b, "Inspect with probe_inspect(run_id=%q).\n", rr.ID)
	}
	return b.String()
}

type modulesParams struct{}

func (h *handler) modulesHandler(ctx context.Context, req *mcp.CallToolRequest, _ modulesParams) (*mcp.CallToolResult, any, error) {
	h.mu.Lock()
	loaded := h.engine.Config
	h.mu.Unlock()

	dir := loaded.Resolve(loaded.Config.ModuleDir())
	names, err := module.List(dir)
	if err != nil {
		return errorResult(fmt.Sprintf("listing modules: %v", err))
	}
	if len(names) == 0 {
		return textResult(fmt.Sprintf("No modules found in %s.", dir))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Modules in %s:\n", dir)
	for _, name := range names {
		d, err := module.Load(dir, name, module.X86_64, module.User)
		if err != nil {
			fmt.Fprintf(&b, "  %s: invalid descriptor: %v\n", name, err)
			continue
		}
		fmt.Fprintf(&b, "  %s: %s", name, strings.Join(d.Sources, " "))
		if len(d.DependsOn) > 0 {
			fmt.Fprintf(&b, " (depends on %s)", strings.Join(d.DependsOn, ", "))
		}
		fmt.Fprintln(&b)
	}
	return textResult(b.String())
}
