package application

import (
	"context"
	"fmt"
	"strings"

	"azure-devops-mcp-server/internal/domain"
)

// Tool names exposed by the server.
const (
	ToolSearch    = "search"
	ToolCreate    = "create"
	ToolUpdate    = "update"
	ToolGetStates = "get_states"
)

// wiqlWindowLimit is the largest result window a flat WIQL query returns.
const wiqlWindowLimit = 20000

// remoteCall is a validated invocation ready to run against the client.
type remoteCall struct {
	// idempotent calls may be retried on transient faults.
	idempotent bool
	warnings   []string
	do         func(ctx context.Context, client domain.WorkItemClient) (interface{}, error)
}

// SearchArgs are the arguments of the search tool.
type SearchArgs struct {
	QueryText         string
	Filters           map[string]interface{}
	MaxResults        int
	MaxResultsSet     bool
	ContinuationToken string
}

// CreateArgs are the arguments of the create tool.
type CreateArgs struct {
	Type        string
	ID          interface{}
	Title       string
	Description string
	Fields      map[string]interface{}
}

// UpdateArgs are the arguments of the update tool.
type UpdateArgs struct {
	ID          int
	Title       string
	Description string
	State       string
	Reason      string
	Fields      map[string]interface{}
}

// GetStatesArgs are the arguments of the get_states tool.
type GetStatesArgs struct {
	Type string
}

// Translator validates tool arguments and turns them into remote calls.
// It holds no mutable state.
type Translator struct {
	search domain.SearchConfig
}

// NewTranslator creates a Translator bounded by the search configuration.
func NewTranslator(search domain.SearchConfig) *Translator {
	if search.MaxResultsCeiling < 1 || search.MaxResultsCeiling > domain.RemoteBatchLimit {
		search.MaxResultsCeiling = domain.DefaultResultsLimit
	}
	if search.DefaultMaxResults < 1 || search.DefaultMaxResults > search.MaxResultsCeiling {
		search.DefaultMaxResults = min(domain.DefaultMaxResults, search.MaxResultsCeiling)
	}
	return &Translator{search: search}
}

// Translate validates the arguments of a known tool.
func (t *Translator) Translate(tool string, args map[string]interface{}) (*remoteCall, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	switch tool {
	case ToolSearch:
		return t.translateSearch(args)
	case ToolCreate:
		return t.translateCreate(args)
	case ToolUpdate:
		return t.translateUpdate(args)
	case ToolGetStates:
		return t.translateGetStates(args)
	default:
		return nil, domain.NewToolError(domain.KindUnknownTool, "unknown tool: %s", tool)
	}
}

// ParseSearchArgs reads search arguments without applying bounds.
func ParseSearchArgs(args map[string]interface{}) (SearchArgs, error) {
	var out SearchArgs
	var err error

	if out.QueryText, err = getStringParam(args, "query_text", false); err != nil {
		return out, err
	}
	if out.Filters, err = getObjectParam(args, "filters"); err != nil {
		return out, err
	}
	if out.MaxResults, out.MaxResultsSet, err = getSaturatedIntParam(args, "max_results"); err != nil {
		return out, err
	}
	if out.ContinuationToken, err = getStringParam(args, "continuation_token", false); err != nil {
		return out, err
	}
	return out, nil
}

// Criteria validates the arguments and builds bounded search criteria.
// max_results is clamped into [1, ceiling] rather than rejected.
func (t *Translator) Criteria(a SearchArgs) (domain.SearchCriteria, error) {
	criteria := domain.SearchCriteria{QueryText: strings.TrimSpace(a.QueryText)}

	filters, err := resolveFilters(a.Filters)
	if err != nil {
		return criteria, err
	}
	if criteria.QueryText == "" && len(filters) == 0 {
		return criteria, domain.NewValidationError("search requires query_text or at least one filter")
	}
	criteria.Filters = filters

	criteria.MaxResults = t.search.DefaultMaxResults
	if a.MaxResultsSet {
		criteria.MaxResults = clamp(a.MaxResults, 1, t.search.MaxResultsCeiling)
	}

	if a.ContinuationToken != "" {
		offset, err := domain.DecodeContinuationToken(a.ContinuationToken)
		if err != nil {
			return criteria, err
		}
		criteria.Offset = offset
	}
	// The query also asks for one id past the page, so the page must end
	// inside the window. Compared without adding to stay clear of overflow.
	if criteria.Offset >= wiqlWindowLimit-criteria.MaxResults {
		return criteria, domain.NewValidationError("continuation_token points beyond the first %d results; narrow the search", wiqlWindowLimit)
	}

	return criteria, nil
}

func (t *Translator) translateSearch(args map[string]interface{}) (*remoteCall, error) {
	parsed, err := ParseSearchArgs(args)
	if err != nil {
		return nil, err
	}
	criteria, err := t.Criteria(parsed)
	if err != nil {
		return nil, err
	}
	return &remoteCall{
		idempotent: true,
		do: func(ctx context.Context, client domain.WorkItemClient) (interface{}, error) {
			return client.QueryWorkItems(ctx, criteria)
		},
	}, nil
}

// ParseCreateArgs reads create arguments.
func ParseCreateArgs(args map[string]interface{}) (CreateArgs, error) {
	var out CreateArgs
	var err error

	if out.Type, err = getStringParam(args, "type", true); err != nil {
		return out, err
	}
	out.Type = strings.TrimSpace(out.Type)
	out.ID = args["id"]
	if out.Title, err = getStringParam(args, "title", false); err != nil {
		return out, err
	}
	if out.Description, err = getStringParam(args, "description", false); err != nil {
		return out, err
	}
	if out.Fields, err = getObjectParam(args, "fields"); err != nil {
		return out, err
	}
	return out, nil
}

// CreateFields resolves the outbound field set for a create. A caller id is
// dropped, never forwarded, and reported in the returned warnings.
func CreateFields(a CreateArgs) (map[string]interface{}, []string, error) {
	var warnings []string

	fields, err := resolveFields(a.Fields)
	if err != nil {
		return nil, nil, err
	}
	if err := mergeConvenience(fields, domain.FieldTitle, a.Title, false); err != nil {
		return nil, nil, err
	}
	if err := mergeConvenience(fields, domain.FieldDescription, a.Description, true); err != nil {
		return nil, nil, err
	}

	if _, ok := fields[domain.FieldID]; ok || a.ID != nil {
		delete(fields, domain.FieldID)
		warnings = append(warnings, "caller-supplied id ignored: work item ids are assigned by Azure DevOps")
	}
	// The type is part of the endpoint, not the patch document.
	delete(fields, domain.FieldWorkItemType)

	if len(fields) == 0 {
		return nil, nil, domain.NewValidationError("create requires at least one field")
	}
	return fields, warnings, nil
}

func (t *Translator) translateCreate(args map[string]interface{}) (*remoteCall, error) {
	parsed, err := ParseCreateArgs(args)
	if err != nil {
		return nil, err
	}
	fields, warnings, err := CreateFields(parsed)
	if err != nil {
		return nil, err
	}
	return &remoteCall{
		idempotent: false,
		warnings:   warnings,
		do: func(ctx context.Context, client domain.WorkItemClient) (interface{}, error) {
			return client.CreateWorkItem(ctx, parsed.Type, fields)
		},
	}, nil
}

// ParseUpdateArgs reads update arguments.
func ParseUpdateArgs(args map[string]interface{}) (UpdateArgs, error) {
	var out UpdateArgs
	var err error

	if out.ID, _, err = getIntParam(args, "id", true); err != nil {
		return out, err
	}
	if out.ID <= 0 {
		return out, domain.NewValidationError("parameter id must be a positive integer")
	}
	for _, p := range []struct {
		name string
		dst  *string
	}{
		{"title", &out.Title},
		{"description", &out.Description},
		{"state", &out.State},
		{"reason", &out.Reason},
	} {
		if *p.dst, err = getStringParam(args, p.name, false); err != nil {
			return out, err
		}
	}
	if out.Fields, err = getObjectParam(args, "fields"); err != nil {
		return out, err
	}
	return out, nil
}

// UpdateFields resolves the outbound field set for an update.
func UpdateFields(a UpdateArgs) (map[string]interface{}, []string, error) {
	var warnings []string

	fields, err := resolveFields(a.Fields)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range []struct {
		field string
		value string
		html  bool
	}{
		{domain.FieldTitle, a.Title, false},
		{domain.FieldDescription, a.Description, true},
		{domain.FieldState, a.State, false},
		{domain.FieldReason, a.Reason, false},
	} {
		if err := mergeConvenience(fields, c.field, c.value, c.html); err != nil {
			return nil, nil, err
		}
	}

	if _, ok := fields[domain.FieldID]; ok {
		delete(fields, domain.FieldID)
		warnings = append(warnings, "System.Id ignored: the id argument selects the work item")
	}

	if len(fields) == 0 {
		return nil, nil, domain.NewValidationError("update requires at least one field to change")
	}

	if _, hasState := fields[domain.FieldState]; hasState {
		if reason, _ := fields[domain.FieldReason].(string); strings.TrimSpace(reason) == "" {
			return nil, nil, domain.NewValidationError("a state change requires a reason")
		}
	}
	return fields, warnings, nil
}

func (t *Translator) translateUpdate(args map[string]interface{}) (*remoteCall, error) {
	parsed, err := ParseUpdateArgs(args)
	if err != nil {
		return nil, err
	}
	fields, warnings, err := UpdateFields(parsed)
	if err != nil {
		return nil, err
	}
	return &remoteCall{
		idempotent: true,
		warnings:   warnings,
		do: func(ctx context.Context, client domain.WorkItemClient) (interface{}, error) {
			return client.UpdateWorkItem(ctx, parsed.ID, fields)
		},
	}, nil
}

func (t *Translator) translateGetStates(args map[string]interface{}) (*remoteCall, error) {
	if err := rejectUnknownParams(args, "type"); err != nil {
		return nil, err
	}
	typeName, err := getStringParam(args, "type", true)
	if err != nil {
		return nil, err
	}
	parsed := GetStatesArgs{Type: strings.TrimSpace(typeName)}
	return &remoteCall{
		idempotent: true,
		do: func(ctx context.Context, client domain.WorkItemClient) (interface{}, error) {
			states, err := client.ListWorkItemStates(ctx, parsed.Type)
			if err != nil {
				return nil, err
			}
			return &domain.StateList{Type: parsed.Type, States: states}, nil
		},
	}, nil
}

// resolveFields expands aliases in a caller field map. Two names resolving
// to the same reference name are rejected.
func resolveFields(in map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(in))
	for name, value := range in {
		ref, err := domain.ResolveFieldName(name)
		if err != nil {
			return nil, err
		}
		if _, dup := out[ref]; dup {
			return nil, domain.NewValidationError("field %s given more than once", ref)
		}
		if ref == domain.FieldDescription {
			if text, ok := value.(string); ok {
				value = formatDescription(text)
			}
		}
		out[ref] = value
	}
	return out, nil
}

// resolveFilters expands aliases and checks that every value can be
// rendered as a WIQL literal.
func resolveFilters(in map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(in))
	for name, value := range in {
		ref, err := domain.ResolveFieldName(name)
		if err != nil {
			return nil, err
		}
		if _, dup := out[ref]; dup {
			return nil, domain.NewValidationError("filter %s given more than once", ref)
		}
		if err := checkFilterValue(ref, value); err != nil {
			return nil, err
		}
		out[ref] = value
	}
	return out, nil
}

func checkFilterValue(field string, value interface{}) error {
	switch v := value.(type) {
	case string, float64, int, bool:
		return nil
	case []interface{}:
		if len(v) == 0 {
			return domain.NewValidationError("filter %s has an empty value list", field)
		}
		for _, item := range v {
			switch item.(type) {
			case string, float64, int, bool:
			default:
				return domain.NewValidationError("filter %s list values must be strings, numbers or booleans", field)
			}
		}
		return nil
	default:
		return domain.NewValidationError("filter %s must be a string, number, boolean or list of those, got %s", field, describeType(value))
	}
}

// mergeConvenience adds a top-level convenience argument to the field set.
func mergeConvenience(fields map[string]interface{}, field, value string, html bool) error {
	if value == "" {
		return nil
	}
	if _, exists := fields[field]; exists {
		return domain.NewValidationError("%s given both as an argument and in fields", field)
	}
	if html {
		value = formatDescription(value)
	}
	fields[field] = value
	return nil
}

// formatDescription renders plain text as the HTML Azure DevOps stores in
// System.Description. Text that is already wrapped is left alone.
func formatDescription(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "<div>") && strings.HasSuffix(trimmed, "</div>") {
		return text
	}
	return "<div>" + strings.ReplaceAll(text, "\n", "<br>") + "</div>"
}

func describeType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
