package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"azure-devops-mcp-server/internal/domain"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ServerName identifies this MCP server to clients.
const ServerName = "azure-devops-mcp-server"

// mcpEndpointPath is where the HTTP transport accepts MCP messages.
const mcpEndpointPath = "/mcp"

// unregisteredTool receives tools/call requests for names that are not
// registered, so they get the same result envelope as every other call.
// It is hidden from tools/list.
const unregisteredTool = "__unregistered_tool"

const serverInstructions = `Tools for Azure DevOps work items in one project.
- search: find work items by title text and/or field filters; page with continuation_token.
- create: create a work item of a given type; ids are assigned by Azure DevOps.
- update: change fields of a work item by id; a state change needs a reason.
- get_states: list valid states of a work item type before changing state.
Failed calls return a result with error.kind; retry only when error.retryable is true.`

// Server is the MCP protocol adapter. It registers the tools and the states
// resource with mcp-go and turns every tool call into a Dispatcher
// invocation.
type Server struct {
	mcpServer  *server.MCPServer
	dispatcher *Dispatcher
	config     *domain.Config
	logger     *StructuredLogger
}

// NewServer creates a new MCP server instance.
func NewServer(dispatcher *Dispatcher, config *domain.Config, logger *StructuredLogger, version string) *Server {
	if config == nil {
		config = domain.DefaultConfig()
	}
	if logger == nil {
		logger = NewStructuredLogger()
	}

	s := &Server{
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
	}

	hooks := &server.Hooks{}
	hooks.AddBeforeCallTool(routeUnregisteredTool)

	s.mcpServer = server.NewMCPServer(
		ServerName,
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithInstructions(serverInstructions),
		server.WithHooks(hooks),
		server.WithToolFilter(hideUnregisteredTool),
		server.WithRecovery(),
	)
	for _, tool := range ToolDefinitions(config.Search) {
		s.mcpServer.AddTool(tool, s.handleToolCall)
	}
	s.mcpServer.AddTool(mcp.NewTool(unregisteredTool), s.handleUnregisteredToolCall)
	s.mcpServer.AddResource(statesResource(), s.handleStatesResource)

	return s
}

// MCPServer exposes the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Start serves the configured transport until ctx is cancelled or the
// client disconnects.
func (s *Server) Start(ctx context.Context) error {
	switch s.config.Transport.Type {
	case "http":
		return s.ListenHTTP(ctx, s.config.Transport.HTTP.Address())
	default:
		return s.ServeStdio(ctx, os.Stdin, os.Stdout)
	}
}

// ServeStdio serves MCP over newline-delimited JSON on in/out.
// It returns nil when the input stream ends.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Slog().Handler(), slog.LevelError))

	s.logger.LogInfo("server started", map[string]interface{}{
		"transport_type": "stdio",
	})

	err := stdio.Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.LogError("stdio transport failed", err, nil)
		return fmt.Errorf("failed to serve stdio: %w", err)
	}

	s.logger.LogInfo("server shutting down", map[string]interface{}{
		"transport_type": "stdio",
	})
	return nil
}

// HTTPHandler returns the streamable HTTP transport as a handler.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer, server.WithEndpointPath(mcpEndpointPath))
}

// ListenHTTP serves the streamable HTTP transport on addr until ctx is done.
func (s *Server) ListenHTTP(ctx context.Context, addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.mcpServer, server.WithEndpointPath(mcpEndpointPath))

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start(addr)
	}()

	s.logger.LogInfo("server started", map[string]interface{}{
		"transport_type": "http",
		"address":        addr,
		"endpoint":       mcpEndpointPath,
	})

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.LogError("http transport failed", err, map[string]interface{}{"address": addr})
			return fmt.Errorf("failed to serve http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.LogInfo("server shutting down", map[string]interface{}{
		"transport_type": "http",
	})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http transport: %w", err)
	}
	return nil
}

// handleToolCall adapts an MCP tools/call request to the dispatcher.
func (s *Server) handleToolCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result := s.dispatcher.Dispatch(ctx, domain.ToolInvocation{
		ToolName:  req.Params.Name,
		Arguments: req.GetArguments(),
	})
	return ToCallToolResult(result), nil
}

// routeUnregisteredTool rewrites a call to an unknown name into a call to
// unregisteredTool, carrying the requested name in the arguments.
func routeUnregisteredTool(_ context.Context, _ any, req *mcp.CallToolRequest) {
	if KnownTool(req.Params.Name) {
		return
	}
	req.Params.Arguments = map[string]any{"name": req.Params.Name}
	req.Params.Name = unregisteredTool
}

func hideUnregisteredTool(_ context.Context, tools []mcp.Tool) []mcp.Tool {
	visible := tools[:0:0]
	for _, tool := range tools {
		if tool.Name != unregisteredTool {
			visible = append(visible, tool)
		}
	}
	return visible
}

func (s *Server) handleUnregisteredToolCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("name", unregisteredTool)
	if KnownTool(name) {
		name = unregisteredTool
	}
	result := s.dispatcher.Dispatch(ctx, domain.ToolInvocation{ToolName: name})
	return ToCallToolResult(result), nil
}

// ToCallToolResult renders a ToolResult as MCP content. The full envelope
// is sent both as JSON text and as structured content; failures set isError.
func ToCallToolResult(result *domain.ToolResult) *mcp.CallToolResult {
	text, err := json.Marshal(result)
	if err != nil {
		result = domain.Failure(domain.NewToolError(domain.KindInternal, "failed to encode result: %v", err))
		text, _ = json.Marshal(result)
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent(string(text))},
		StructuredContent: result,
		IsError:           result.IsError(),
	}
}
