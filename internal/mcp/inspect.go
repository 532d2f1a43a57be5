package mcp

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/deixis/uarch/internal/report"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// maxDump caps the result record bytes shown by probe_inspect.
const maxDump = 4096

type inspectParams struct {
	RunID string `json:"run_id" jsonschema:"the run ID from a probe_run or probe_runs result"`
}

func (h *handler) inspectHandler(ctx context.Context, req *mcp.CallToolRequest, params inspectParams) (*mcp.CallToolResult, any, error) {
	if params.RunID == "" {
		return errorResult("run_id is required")
	}
	if h.store == nil {
		return errorResult("Run reports are disabled (store.backend: none).")
	}

	result, err := h.store.Load(params.RunID)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to load run %s: %v", params.RunID, err))
	}
	return textResult(formatInspectOutput(result))
}

func formatInspectOutput(r *report.RunResult) string {
	var b strings.Builder
	b.WriteString(r.Summary())

	if len(r.Result) == 0 {
		return b.String()
	}
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "Result record:")
	dump := r.Result
	if len(dump) > maxDump {
		dump = dump[:maxDump]
	}
	for _, line := range strings.Split(strings.TrimRight(hex.Dump(dump), "\n"), "\n") {
		fmt.Fprintf(&b, "    %s\n", line)
	}
	if len(r.Result) > maxDump {
		fmt.Fprintf(&b, "    ... %d more bytes\n", len(r.Result)-maxDump)
	}
	return b.String()
}

type runsParams struct {
	Limit *int `json:"limit,omitempty" jsonschema:"maximum number of runs to list. Default: 20."`
}

func (h *handler) runsHandler(ctx context.Context, req *mcp.CallToolRequest, params runsParams) (*mcp.CallToolResult, any, error) {
	lister, ok := h.store.(report.Lister)
	if !ok {
		return errorResult("Run reports are disabled or cannot be listed.")
	}
	limit := 20
	if params.Limit != nil {
		limit = *params.Limit
	}

	runs, err := lister.List(limit)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to list runs: %v", err))
	}
	if len(runs) == 0 {
		return textResult("No runs recorded.")
	}

	var b strings.Builder
	for _, r := range runs {
		fmt.Fprintf(&b, "%s  %s  %-12s %-8s %-10s %s\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Module, r.Runner, r.Target, r.Outcome())
	}
	return textResult(b.String())
}
