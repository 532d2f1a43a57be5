package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	orchmcp "github.com/deixis/uarch/internal/mcp"
	"github.com/deixis/uarch/internal/metrics"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (a *app) mcpCmd() *cobra.Command {
	var (
		instructions bool
		httpAddr     string
	)
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server",
		Long: `Serves the probe tools (probe_modules, probe_run, probe_runs, probe_inspect)
over stdio, or over streamable HTTP when --http is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if instructions {
				fmt.Fprint(a.stdout, orchmcp.Instructions)
				return nil
			}
			return a.serve(cmd.Context(), httpAddr)
		},
	}
	cmd.Flags().BoolVar(&instructions, "instructions", false, "print model instructions and exit")
	cmd.Flags().StringVar(&httpAddr, "http", "", "start HTTP server on address (e.g. :9090)")
	return cmd
}

func (a *app) serve(ctx context.Context, httpAddr string) error {
	env, err := a.setup()
	if err != nil {
		return err
	}
	defer env.Close()

	engine := env.engine()
	if path := env.loaded.Config.Metrics.File; path != "" {
		engine.Metrics = metrics.New()
		defer func() {
			if err := engine.Metrics.WriteTextfile(env.loaded.Resolve(path)); err != nil {
				env.logger.Warn("writing metrics", zap.String("path", path), zap.Error(err))
			}
		}()
	}
	server := orchmcp.NewServer(engine)

	if httpAddr != "" {
		return serveHTTP(ctx, server, httpAddr, env.logger)
	}
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

func serveHTTP(ctx context.Context, server *mcpsdk.Server, addr string, logger *zap.Logger) error {
	handler := mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	logger.Info("listening", zap.String("addr", addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
