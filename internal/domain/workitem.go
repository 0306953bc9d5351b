package domain

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Well-known Azure DevOps field reference names.
const (
	FieldID            = "System.Id"
	FieldTitle         = "System.Title"
	FieldDescription   = "System.Description"
	FieldState         = "System.State"
	FieldReason        = "System.Reason"
	FieldWorkItemType  = "System.WorkItemType"
	FieldAssignedTo    = "System.AssignedTo"
	FieldTags          = "System.Tags"
	FieldAreaPath      = "System.AreaPath"
	FieldIterationPath = "System.IterationPath"
	FieldTeamProject   = "System.TeamProject"
	FieldChangedDate   = "System.ChangedDate"
	FieldPriority      = "Microsoft.VSTS.Common.Priority"
)

// fieldAliases maps the short argument names accepted from callers to
// reference names understood by the remote service.
var fieldAliases = map[string]string{
	"id":             FieldID,
	"title":          FieldTitle,
	"description":    FieldDescription,
	"state":          FieldState,
	"reason":         FieldReason,
	"type":           FieldWorkItemType,
	"assigned_to":    FieldAssignedTo,
	"tags":           FieldTags,
	"area_path":      FieldAreaPath,
	"iteration_path": FieldIterationPath,
	"priority":       FieldPriority,
}

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)*$`)

// ResolveFieldName turns a caller-supplied field name into a reference name.
// Short aliases are expanded; dotted reference names pass through unchanged.
// Names that could break out of a WIQL bracket are rejected.
func ResolveFieldName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if ref, ok := fieldAliases[strings.ToLower(name)]; ok {
		return ref, nil
	}
	if !fieldNamePattern.MatchString(name) {
		return "", NewValidationError("invalid field name %q", name)
	}
	return name, nil
}

// WorkItemReference identifies a remote work item. The id is always
// assigned by the remote service.
type WorkItemReference struct {
	ID   int    `json:"id"`
	Type string `json:"type,omitempty"`
}

// WorkItem is a work item as returned by the remote service.
type WorkItem struct {
	ID     int                    `json:"id"`
	Rev    int                    `json:"rev,omitempty"`
	Fields map[string]interface{} `json:"fields"`
	URL    string                 `json:"url,omitempty"`
}

// Reference returns the id/type pair of the work item.
func (w *WorkItem) Reference() WorkItemReference {
	return WorkItemReference{ID: w.ID, Type: w.StringField(FieldWorkItemType)}
}

// StringField returns a field as a string, or "" when absent.
// Identity fields are rendered by display name.
func (w *WorkItem) StringField(name string) string {
	value, ok := w.Fields[name]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case map[string]interface{}:
		if display, ok := v["displayName"].(string); ok {
			return display
		}
		if unique, ok := v["uniqueName"].(string); ok {
			return unique
		}
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// WorkItemPayload is the subset of fields sent on create or update.
type WorkItemPayload struct {
	Fields map[string]interface{} `json:"fields"`
}

// WorkItemSummary is a search hit.
type WorkItemSummary struct {
	WorkItemReference
	Title      string `json:"title,omitempty"`
	State      string `json:"state,omitempty"`
	AssignedTo string `json:"assigned_to,omitempty"`
	URL        string `json:"url,omitempty"`
}

// SummaryOf projects a work item onto its summary fields.
func SummaryOf(item *WorkItem) WorkItemSummary {
	return WorkItemSummary{
		WorkItemReference: item.Reference(),
		Title:             item.StringField(FieldTitle),
		State:             item.StringField(FieldState),
		AssignedTo:        item.StringField(FieldAssignedTo),
		URL:               item.URL,
	}
}

// SearchCriteria is the validated form of a search request.
// Filters are keyed by resolved reference names.
type SearchCriteria struct {
	QueryText  string
	Filters    map[string]interface{}
	MaxResults int
	Offset     int
}

// SearchPage is one bounded page of search hits.
type SearchPage struct {
	Items      []WorkItem
	MaxResults int
	Offset     int
	HasMore    bool
}

// WorkItemState is one state of a work item type, in remote order.
type WorkItemState struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Color    string `json:"color,omitempty"`
}

// StateList is the ordered set of states valid for a work item type.
type StateList struct {
	Type   string
	States []WorkItemState
}

const continuationPrefix = "offset:"

// EncodeContinuationToken returns the opaque token for the given offset.
func EncodeContinuationToken(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(continuationPrefix + strconv.Itoa(offset)))
}

// DecodeContinuationToken parses a token produced by EncodeContinuationToken.
func DecodeContinuationToken(token string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, NewValidationError("continuation_token is malformed")
	}
	s := string(raw)
	if !strings.HasPrefix(s, continuationPrefix) {
		return 0, NewValidationError("continuation_token is malformed")
	}
	offset, err := strconv.Atoi(strings.TrimPrefix(s, continuationPrefix))
	if err != nil || offset < 0 {
		return 0, NewValidationError("continuation_token is malformed")
	}
	return offset, nil
}
