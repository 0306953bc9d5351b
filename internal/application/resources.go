package application

import (
	"context"
	"encoding/json"

	"azure-devops-mcp-server/internal/domain"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

// StatesResourceURI names the catalog of work item types and their states.
const StatesResourceURI = "ado://work-item-states"

// catalogFanOut bounds concurrent state lookups.
const catalogFanOut = 4

// StatesCatalog is the payload of the work item states resource.
type StatesCatalog struct {
	Project string                 `json:"project"`
	Types   []domain.StatesPayload `json:"types"`
}

// StatesCatalog lists every work item type of the project with its ordered
// states. It is computed on each read.
func (d *Dispatcher) StatesCatalog(ctx context.Context) (*StatesCatalog, error) {
	conn, err := d.provider.Context()
	if err != nil {
		return nil, asToolError(err, domain.KindConfiguration)
	}
	client, err := d.clientFor(conn)
	if err != nil {
		return nil, asToolError(err, domain.KindConfiguration)
	}

	classify := func(err error) *domain.ToolError { return d.mapper.MapError(ctx, err) }

	rawTypes, _, err := d.retry.Run(ctx, true, classify, func(ctx context.Context) (interface{}, error) {
		return client.ListWorkItemTypes(ctx)
	}, nil)
	if err != nil {
		return nil, d.mapper.MapError(ctx, err)
	}
	types := rawTypes.([]string)

	catalog := &StatesCatalog{
		Project: conn.ProjectName(),
		Types:   make([]domain.StatesPayload, len(types)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(catalogFanOut)
	for i, typeName := range types {
		g.Go(func() error {
			raw, _, err := d.retry.Run(gctx, true, classify, func(ctx context.Context) (interface{}, error) {
				return client.ListWorkItemStates(ctx, typeName)
			}, nil)
			if err != nil {
				return err
			}
			list := &domain.StateList{Type: typeName, States: raw.([]domain.WorkItemState)}
			result := d.mapper.MapSuccess(list, nil)
			catalog.Types[i] = *result.Payload.(*domain.StatesPayload)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, d.mapper.MapError(ctx, err)
	}

	return catalog, nil
}

// statesResource defines the MCP resource for the states catalog.
func statesResource() mcp.Resource {
	return mcp.NewResource(
		StatesResourceURI,
		"Work item states",
		mcp.WithResourceDescription("Every work item type in the project with its states, in workflow order"),
		mcp.WithMIMEType("application/json"),
	)
}

// handleStatesResource serves the states catalog as JSON text.
func (s *Server) handleStatesResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	catalog, err := s.dispatcher.StatesCatalog(ctx)
	if err != nil {
		s.logger.LogError("failed to read states resource", err, map[string]interface{}{
			"uri": req.Params.URI,
		})
		return nil, err
	}

	data, err := json.MarshalIndent(catalog, "", "  ")
	if err != nil {
		return nil, err
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      StatesResourceURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
