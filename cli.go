package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"azure-devops-mcp-server/internal/application"
	"azure-devops-mcp-server/internal/domain"
	"azure-devops-mcp-server/internal/infrastructure"
	"azure-devops-mcp-server/internal/telemetry"

	"github.com/spf13/cobra"
)

// errToolFailed marks a call that completed with a failed result. The
// result itself has already been printed.
var errToolFailed = errors.New("tool call failed")

// cli holds the flags and streams shared by all commands.
type cli struct {
	configPath string
	envFile    string
	logLevel   string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// app is the wired object graph behind every command.
type app struct {
	config     *domain.Config
	logger     *application.StructuredLogger
	provider   domain.ContextProvider
	dispatcher *application.Dispatcher
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "ado-mcp",
		Short:         "MCP server for Azure DevOps work items",
		Long:          "Exposes search, create, update and get_states over Azure DevOps work items to MCP clients.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(c.stdin)
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	root.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to YAML configuration file (defaults apply when empty)")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "Optional .env file with ADO_* connection settings")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "info", "Log level: debug, info, warn or error")

	root.AddCommand(newServeCmd(c), newCallCmd(c), newToolsCmd(c))
	return root
}

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over the configured transport (stdio or http)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := c.build(ctx)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(a.logger)

			// Refuse to start without a usable connection context.
			conn, err := a.provider.Context()
			if err != nil {
				a.logger.LogError("invalid Azure DevOps configuration", err, nil)
				return err
			}
			a.logger.LogInfo("connection configured", map[string]interface{}{
				"organization": conn.OrganizationURL(),
				"project":      conn.ProjectName(),
				"auth_scheme":  a.config.Remote.AuthScheme,
			})

			server := application.NewServer(a.dispatcher, a.config, a.logger, version)
			if a.config.Transport.Type == "http" {
				return server.ListenHTTP(ctx, a.config.Transport.HTTP.Address())
			}
			return server.ServeStdio(ctx, c.stdin, c.stdout)
		},
	}
}

func newCallCmd(c *cli) *cobra.Command {
	var rawArgs string
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Invoke one tool and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arguments := map[string]interface{}{}
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &arguments); err != nil {
					return fmt.Errorf("invalid --args: must be a JSON object: %w", err)
				}
			}

			a, err := c.build(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdownTelemetry(a.logger)

			result := a.dispatcher.Dispatch(cmd.Context(), domain.ToolInvocation{
				ToolName:  args[0],
				Arguments: arguments,
			})
			if err := writeJSON(c.stdout, result); err != nil {
				return err
			}
			if result.IsError() {
				return errToolFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", "Tool arguments as a JSON object")
	return cmd
}

func newToolsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List tool definitions as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := domain.LoadConfig(c.configPath)
			if err != nil {
				return err
			}
			return writeJSON(c.stdout, application.ToolDefinitions(config.Search))
		},
	}
}

// build loads configuration and wires the dispatcher. The connection
// context is not resolved here; the dispatcher does that per invocation.
func (c *cli) build(ctx context.Context) (*app, error) {
	config, err := domain.LoadConfig(c.configPath)
	if err != nil {
		return nil, err
	}

	level, err := parseLogLevel(c.logLevel)
	if err != nil {
		return nil, err
	}
	logger := application.NewStructuredLoggerTo(c.stderr, level)

	if err := telemetry.Init(ctx, config.Telemetry, version); err != nil {
		logger.LogError("telemetry disabled", err, nil)
	}

	scheme, err := domain.ParseAuthScheme(config.Remote.AuthScheme)
	if err != nil {
		return nil, err
	}

	provider := domain.NewCredentialProvider(c.envFile)
	factory := func(conn domain.ConnectionContext) (domain.WorkItemClient, error) {
		httpClient := domain.NewAuthenticatedClient(conn, scheme)
		return infrastructure.NewAzureDevOpsClient(conn, httpClient, infrastructure.ClientOptions{
			APIVersion: config.Remote.APIVersion,
			Timeout:    config.Remote.Timeout,
		}), nil
	}

	return &app{
		config:     config,
		logger:     logger,
		provider:   provider,
		dispatcher: application.NewDispatcher(provider, factory, config, logger),
	}, nil
}

func shutdownTelemetry(logger *application.StructuredLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := telemetry.Shutdown(ctx); err != nil {
		logger.LogError("failed to flush telemetry", err, nil)
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid --log-level %q: must be debug, info, warn or error", s)
	}
	return level, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
