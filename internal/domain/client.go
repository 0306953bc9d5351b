package domain

import (
	"context"
)

// WorkItemClient defines the narrow contract against the remote work item
// service. Every method performs one logical remote operation, honours ctx
// cancellation, and reports remote faults as errors the ResponseMapper can
// classify (HTTPError for HTTP-level rejections).
type WorkItemClient interface {
	// QueryWorkItems returns one bounded page of items matching the criteria.
	QueryWorkItems(ctx context.Context, criteria SearchCriteria) (*SearchPage, error)

	// CreateWorkItem creates an item of the given type and returns it with
	// its server-assigned id.
	CreateWorkItem(ctx context.Context, workItemType string, fields map[string]interface{}) (*WorkItem, error)

	// UpdateWorkItem applies a partial update and returns the updated item.
	UpdateWorkItem(ctx context.Context, id int, fields map[string]interface{}) (*WorkItem, error)

	// ListWorkItemStates returns the ordered states of a work item type.
	ListWorkItemStates(ctx context.Context, workItemType string) ([]WorkItemState, error)

	// ListWorkItemTypes returns the names of all work item types in the project.
	ListWorkItemTypes(ctx context.Context) ([]string, error)
}
