package application

import (
	"fmt"

	"azure-devops-mcp-server/internal/domain"

	"github.com/mark3labs/mcp-go/mcp"
)

const fieldsDescription = "Field values keyed by reference name (System.Title) or short alias " +
	"(title, description, state, reason, assigned_to, tags, area_path, iteration_path, priority)"

// ToolDefinitions returns the MCP schemas of the registered tools, in
// registry order.
func ToolDefinitions(search domain.SearchConfig) []mcp.Tool {
	defs := map[string]mcp.Tool{
		ToolSearch:    searchTool(search),
		ToolCreate:    createTool(),
		ToolUpdate:    updateTool(),
		ToolGetStates: getStatesTool(),
	}
	tools := make([]mcp.Tool, 0, len(toolNames))
	for _, name := range toolNames {
		tools = append(tools, defs[name])
	}
	return tools
}

func searchTool(search domain.SearchConfig) mcp.Tool {
	ceiling := search.MaxResultsCeiling
	if ceiling < 1 || ceiling > domain.RemoteBatchLimit {
		ceiling = domain.DefaultResultsLimit
	}
	return mcp.NewTool(ToolSearch,
		mcp.WithDescription("Search work items in the project by title text and/or field filters. "+
			"Results are ordered by last change, newest first. Pass continuation_token from a previous "+
			"result to fetch the next page."),
		mcp.WithString("query_text",
			mcp.Description("Text the work item title must contain"),
		),
		mcp.WithObject("filters",
			mcp.Description("Exact-match filters: field name to a value or a list of accepted values. "+fieldsDescription),
		),
		mcp.WithNumber("max_results",
			mcp.Description(fmt.Sprintf("Maximum number of items to return (default %d, values above %d are capped)", search.DefaultMaxResults, ceiling)),
			mcp.Min(1),
			mcp.Max(float64(ceiling)),
		),
		mcp.WithString("continuation_token",
			mcp.Description("Opaque token from a previous search result"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(true),
	)
}

func createTool() mcp.Tool {
	return mcp.NewTool(ToolCreate,
		mcp.WithDescription("Create a work item. The id is assigned by Azure DevOps; a supplied id is ignored."),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Work item type, e.g. Task, Bug, User Story"),
		),
		mcp.WithString("title",
			mcp.Description("Title of the work item"),
		),
		mcp.WithString("description",
			mcp.Description("Plain-text description; line breaks are preserved"),
		),
		mcp.WithObject("fields",
			mcp.Description(fieldsDescription),
		),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(true),
	)
}

func updateTool() mcp.Tool {
	return mcp.NewTool(ToolUpdate,
		mcp.WithDescription("Update fields of an existing work item. Only the given fields change. "+
			"Changing state requires a reason."),
		mcp.WithNumber("id",
			mcp.Required(),
			mcp.Description("Id of the work item to update"),
			mcp.Min(1),
		),
		mcp.WithString("title",
			mcp.Description("New title"),
		),
		mcp.WithString("description",
			mcp.Description("New plain-text description"),
		),
		mcp.WithString("state",
			mcp.Description("New state; see get_states for valid values"),
		),
		mcp.WithString("reason",
			mcp.Description("Reason for the state change"),
		),
		mcp.WithObject("fields",
			mcp.Description(fieldsDescription),
		),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(true),
	)
}

func getStatesTool() mcp.Tool {
	return mcp.NewTool(ToolGetStates,
		mcp.WithDescription("List the states of a work item type in workflow order"),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Work item type, e.g. Task, Bug"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(true),
	)
}
