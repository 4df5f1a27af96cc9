// Command supercall runs the persona-call MCP server: a cobra root
// command wires the config file and environment into a runtime
// instance, starts its HTTP front door, and serves the supercall tool
// over stdio for a host process (spec.md §6, §4.8).
//
// Grounded on the teacher's cmd/agentcall/main.go for the overall
// shape (load config, build the call manager, register tools, serve),
// adapted to cobra since the teacher's own go.mod carries
// github.com/spf13/cobra but its main.go never uses it - no repo in
// the retrieval pack has a cobra.Command usage example, so the
// command tree below follows cobra's own documented conventions
// rather than a specific pack exemplar (see DESIGN.md).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/agentplexus/supercall/pkg/config"
	"github.com/agentplexus/supercall/pkg/logging"
	"github.com/agentplexus/supercall/pkg/runtime"
	"github.com/agentplexus/supercall/pkg/tools"
)

var version = "v0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var logLevel string
	var logPretty bool

	root := &cobra.Command{
		Use:           "supercall",
		Short:         "AI-driven phone call orchestration, exposed as an MCP tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a supercall.yaml config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	root.PersistentFlags().BoolVar(&logPretty, "log-pretty", false, "write human-readable logs instead of JSON")

	root.AddCommand(newServeCmd(&configPath, &logLevel, &logPretty))
	return root
}

func newServeCmd(configPath, logLevel *string, logPretty *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Boot the HTTP front door and serve the supercall tool over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(*logLevel, *logPretty)
			return serve(cmd.Context(), *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	log := logging.For("main")

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyEnv()

	rt, err := runtime.New(cfg)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.Boot(ctx); err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown error")
		}
	}()

	go drainFallbackEvents(ctx, rt)

	server := mcp.NewServer(&mcp.Implementation{Name: "supercall", Version: version}, nil)
	tools.Register(server, rt)

	log.Info().Msg("serving supercall tool over stdio")
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// drainFallbackEvents logs completion events the completion callback
// couldn't deliver to the host's agent-wake endpoint, so they are at
// least visible in this process's own logs rather than silently lost.
func drainFallbackEvents(ctx context.Context, rt *runtime.Runtime) {
	log := logging.For("main")
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-rt.FallbackEvents():
			if !ok {
				return
			}
			log.Info().Str("call_id", rec.CallID).Str("state", string(rec.State)).Msg("call completed (agent-wake fallback)")
		}
	}
}
