// Package mcp provides the orchestrator's MCP server, registering the
// probe tools and publishing model instructions.
package mcp

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/deixis/uarch"
	"github.com/deixis/uarch/internal/config"
	"github.com/deixis/uarch/internal/report"
	"github.com/deixis/uarch/internal/runner"
	"github.com/deixis/uarch/internal/workflow"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

//go:embed instructions.md
var Instructions string

// handler holds shared dependencies for all tool handlers.
type handler struct {
	// mu serialises runs and guards engine reconfiguration: only one
	// module is ever compiled, loaded or executed at a time.
	mu     sync.Mutex
	engine *workflow.Engine
	store  report.Store // nil when reports are disabled
	closer io.Closer    // store opened by setWorkspace, if any
}

// NewServer creates an MCP server with all probe tools registered. The
// engine's Store, when set, is also used to answer inspections.
func NewServer(engine *workflow.Engine) *mcp.Server {
	h := &handler{
		engine: engine,
		store:  engine.Store,
	}

	opts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			h.updateWorkspaceFromRoots(ctx, req.Session)
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "orchestrator", Version: uarch.Version}, opts)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "probe_modules",
		Description: "List the probe modules in the configured module directory with their sources.",
	}, h.modulesHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "probe_run",
		Description: `Compile and run one probe module and report the analyzer's verdict.

Builds the probe for the requested target and runner, binds the module's analyzer,
executes the probe pinned to the given CPU and diagnoses the result record.
Status is PASS or FAIL once a verdict is computed, ERROR if the run stopped earlier.
Results are stored for drill-down via probe_inspect.`,
	}, h.runHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "probe_runs",
		Description: "List recent runs, most recent first.",
	}, h.runsHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "probe_inspect",
		Description: `Show a past run in detail: stage timings, the error of a failed run,
and a hex dump of the result record of a diagnosed run.`,
	}, h.inspectHandler)

	return s
}

// updateWorkspaceFromRoots queries the client for MCP roots and reloads
// the configuration from the first file root, if any. This is called
// during session initialization, before any tool calls.
func (h *handler) updateWorkspaceFromRoots(ctx context.Context, session *mcp.ServerSession) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roots, err := session.ListRoots(ctx, &mcp.ListRootsParams{})
	if err != nil || len(roots.Roots) == 0 {
		return
	}

	u, err := url.Parse(roots.Roots[0].URI)
	if err != nil || u.Scheme != "file" {
		return
	}

	if err := h.setWorkspace(u.Path); err != nil {
		h.logger().Warn("ignoring client root", zap.String("root", u.Path), zap.Error(err))
	}
}

// setWorkspace points the engine at the workspace containing dir.
// Spawned commands run from the new root and reports go to its store.
func (h *handler) setWorkspace(dir string) error {
	loaded, err := config.Load(dir)
	if err != nil {
		return err
	}
	store, closer, err := workflow.OpenStore(loaded)
	if err != nil {
		return fmt.Errorf("opening report store: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.engine.Exec.(*runner.Runner); ok {
		moved := *r
		moved.Dir = loaded.Root
		h.engine.Exec = &moved
	}
	h.engine.Config = loaded
	h.engine.Store = store
	h.store = store
	if h.closer != nil {
		if err := h.closer.Close(); err != nil {
			h.logger().Warn("closing previous report store", zap.Error(err))
		}
	}
	h.closer = closer
	return nil
}

func (h *handler) logger() *zap.Logger {
	if h.engine.Logger == nil {
		return zap.NewNop()
	}
	return h.engine.Logger
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
