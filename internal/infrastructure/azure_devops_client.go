package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"azure-devops-mcp-server/internal/domain"
)

const (
	contentTypeJSON      = "application/json"
	contentTypeJSONPatch = "application/json-patch+json"

	// maxErrorBody bounds how much of an error response is kept for diagnostics.
	maxErrorBody = 4096

	// maxWIQLWindow is the most ids a flat WIQL query returns.
	maxWIQLWindow = 20000
)

// summaryFields are fetched for search hits.
var summaryFields = []string{
	domain.FieldID,
	domain.FieldTitle,
	domain.FieldState,
	domain.FieldWorkItemType,
	domain.FieldAssignedTo,
	domain.FieldReason,
	domain.FieldDescription,
}

// AzureDevOpsClient handles Azure DevOps Work Item Tracking REST API interactions.
// It implements domain.WorkItemClient. All requests are scoped to the project
// of the connection context it was built from.
type AzureDevOpsClient struct {
	baseURL    string
	project    string
	apiVersion string
	timeout    time.Duration
	httpClient *http.Client
}

// ClientOptions tunes an AzureDevOpsClient.
type ClientOptions struct {
	APIVersion string
	Timeout    time.Duration
}

// NewAzureDevOpsClient creates a new Azure DevOps API client.
// The httpClient should be an authenticated client from domain.NewAuthenticatedClient.
func NewAzureDevOpsClient(conn domain.ConnectionContext, httpClient *http.Client, opts ClientOptions) *AzureDevOpsClient {
	if opts.APIVersion == "" {
		opts.APIVersion = "7.1"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &AzureDevOpsClient{
		baseURL:    strings.TrimRight(conn.OrganizationURL(), "/"),
		project:    conn.ProjectName(),
		apiVersion: opts.APIVersion,
		timeout:    opts.Timeout,
		httpClient: httpClient,
	}
}

// BaseURL returns the configured organization URL.
func (c *AzureDevOpsClient) BaseURL() string {
	return c.baseURL
}

type wiqlRequest struct {
	Query string `json:"query"`
}

type wiqlResponse struct {
	WorkItems []struct {
		ID  int    `json:"id"`
		URL string `json:"url"`
	} `json:"workItems"`
}

type batchRequest struct {
	IDs         []int    `json:"ids"`
	Fields      []string `json:"fields,omitempty"`
	ErrorPolicy string   `json:"errorPolicy,omitempty"`
}

type workItemList struct {
	Count int               `json:"count"`
	Value []domain.WorkItem `json:"value"`
}

type stateList struct {
	Count int                    `json:"count"`
	Value []domain.WorkItemState `json:"value"`
}

type typeList struct {
	Count int `json:"count"`
	Value []struct {
		Name string `json:"name"`
	} `json:"value"`
}

type patchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

// QueryWorkItems runs a WIQL query and fetches the summary fields of one page
// of hits. WIQL only returns ids, so the page is completed with one batch
// read of at most MaxResults items; no further pages are fetched.
func (c *AzureDevOpsClient) QueryWorkItems(ctx context.Context, criteria domain.SearchCriteria) (*domain.SearchPage, error) {
	if criteria.Offset < 0 || criteria.MaxResults < 1 || criteria.Offset > maxWIQLWindow-criteria.MaxResults-1 {
		return nil, domain.NewValidationError("search window offset %d + %d exceeds the first %d results", criteria.Offset, criteria.MaxResults, maxWIQLWindow)
	}
	window := criteria.Offset + criteria.MaxResults
	query := url.Values{}
	// One extra id tells us whether another page exists.
	query.Set("$top", strconv.Itoa(window+1))

	var result wiqlResponse
	endpoint := c.projectURL("_apis/wit/wiql", query)
	if err := c.do(ctx, http.MethodPost, endpoint, contentTypeJSON, wiqlRequest{Query: BuildWIQL(c.project, criteria)}, &result); err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(result.WorkItems))
	for _, ref := range result.WorkItems {
		ids = append(ids, ref.ID)
	}

	page := &domain.SearchPage{
		Items:      []domain.WorkItem{},
		MaxResults: criteria.MaxResults,
		Offset:     criteria.Offset,
	}
	if len(ids) > window {
		page.HasMore = true
		ids = ids[:window]
	}
	if criteria.Offset >= len(ids) {
		return page, nil
	}
	ids = ids[criteria.Offset:]

	var items workItemList
	batch := batchRequest{IDs: ids, Fields: summaryFields, ErrorPolicy: "omit"}
	if err := c.do(ctx, http.MethodPost, c.projectURL("_apis/wit/workitemsbatch", nil), contentTypeJSON, batch, &items); err != nil {
		return nil, err
	}
	for _, item := range items.Value {
		// errorPolicy=omit leaves holes for items deleted in between.
		if item.ID != 0 {
			page.Items = append(page.Items, item)
		}
	}

	return page, nil
}

// CreateWorkItem creates a new work item of the given type.
func (c *AzureDevOpsClient) CreateWorkItem(ctx context.Context, workItemType string, fields map[string]interface{}) (*domain.WorkItem, error) {
	endpoint := c.projectURL("_apis/wit/workitems/$"+url.PathEscape(workItemType), nil)

	var item domain.WorkItem
	if err := c.do(ctx, http.MethodPost, endpoint, contentTypeJSONPatch, buildPatchDocument(fields), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// UpdateWorkItem applies the given fields to an existing work item.
// Fields not present in the map are left untouched.
func (c *AzureDevOpsClient) UpdateWorkItem(ctx context.Context, id int, fields map[string]interface{}) (*domain.WorkItem, error) {
	endpoint := c.projectURL("_apis/wit/workitems/"+strconv.Itoa(id), nil)

	var item domain.WorkItem
	if err := c.do(ctx, http.MethodPatch, endpoint, contentTypeJSONPatch, buildPatchDocument(fields), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListWorkItemStates returns the states of a work item type in remote order.
func (c *AzureDevOpsClient) ListWorkItemStates(ctx context.Context, workItemType string) ([]domain.WorkItemState, error) {
	endpoint := c.projectURL("_apis/wit/workitemtypes/"+url.PathEscape(workItemType)+"/states", nil)

	var states stateList
	if err := c.do(ctx, http.MethodGet, endpoint, "", nil, &states); err != nil {
		return nil, err
	}
	if states.Value == nil {
		return []domain.WorkItemState{}, nil
	}
	return states.Value, nil
}

// ListWorkItemTypes returns the work item type names of the project.
func (c *AzureDevOpsClient) ListWorkItemTypes(ctx context.Context) ([]string, error) {
	var types typeList
	if err := c.do(ctx, http.MethodGet, c.projectURL("_apis/wit/workitemtypes", nil), "", nil, &types); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(types.Value))
	for _, t := range types.Value {
		names = append(names, t.Name)
	}
	return names, nil
}

// buildPatchDocument builds a JSON Patch document from a field map.
// Operations are ordered by field name so requests are reproducible.
func buildPatchDocument(fields map[string]interface{}) []patchOperation {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	doc := make([]patchOperation, 0, len(names))
	for _, name := range names {
		doc = append(doc, patchOperation{Op: "add", Path: "/fields/" + name, Value: fields[name]})
	}
	return doc
}

// projectURL builds a project-scoped endpoint with the api-version applied.
func (c *AzureDevOpsClient) projectURL(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", c.apiVersion)
	return fmt.Sprintf("%s/%s/%s?%s", c.baseURL, url.PathEscape(c.project), path, query.Encode())
}

// do executes one request under the per-call timeout and decodes a JSON
// response into out. Non-2xx responses become domain.HTTPError.
func (c *AzureDevOpsClient) do(ctx context.Context, method, endpoint, contentType string, body interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", contentTypeJSON)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	// Azure DevOps answers a rejected PAT with 203 and an HTML sign-in page.
	if resp.StatusCode == http.StatusNonAuthoritativeInfo {
		return domain.NewHTTPError(http.StatusUnauthorized, "access token rejected", "")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readHTTPError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// readHTTPError extracts the remote message from an Azure DevOps error body.
func readHTTPError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var remote struct {
		Message string `json:"message"`
	}
	message := ""
	if err := json.Unmarshal(raw, &remote); err == nil {
		message = remote.Message
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return domain.NewHTTPError(resp.StatusCode, message, string(raw))
}
