package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
)

// DefaultResponseMapper is the default implementation of ResponseMapper.
type DefaultResponseMapper struct{}

// NewResponseMapper creates a new instance of DefaultResponseMapper.
func NewResponseMapper() ResponseMapper {
	return &DefaultResponseMapper{}
}

// SearchPayload is the success payload of the search tool.
type SearchPayload struct {
	Items             []WorkItemSummary `json:"items"`
	Count             int               `json:"count"`
	MaxResults        int               `json:"max_results"`
	ContinuationToken string            `json:"continuation_token,omitempty"`
}

// WorkItemView is the success payload of the create and update tools.
type WorkItemView struct {
	ID     int                    `json:"id"`
	Type   string                 `json:"type,omitempty"`
	Rev    int                    `json:"rev,omitempty"`
	URL    string                 `json:"url,omitempty"`
	Title  string                 `json:"title,omitempty"`
	State  string                 `json:"state,omitempty"`
	Fields map[string]interface{} `json:"fields"`
}

// StatesPayload is the success payload of the get_states tool.
type StatesPayload struct {
	Type    string          `json:"type"`
	States  []string        `json:"states"`
	Details []WorkItemState `json:"details"`
}

// MapSuccess converts a remote success value to a tool result.
func (m *DefaultResponseMapper) MapSuccess(remote interface{}, warnings []string) *ToolResult {
	switch v := remote.(type) {
	case *SearchPage:
		return Success(searchPayload(v), warnings...)
	case *WorkItem:
		return Success(workItemView(v), warnings...)
	case *StateList:
		return Success(statesPayload(v), warnings...)
	case nil:
		return Success(map[string]interface{}{}, warnings...)
	default:
		return Success(v, warnings...)
	}
}

func searchPayload(page *SearchPage) *SearchPayload {
	payload := &SearchPayload{
		Items:      make([]WorkItemSummary, 0, len(page.Items)),
		MaxResults: page.MaxResults,
	}
	for i := range page.Items {
		payload.Items = append(payload.Items, SummaryOf(&page.Items[i]))
	}
	payload.Count = len(payload.Items)
	if page.HasMore {
		payload.ContinuationToken = EncodeContinuationToken(page.Offset + len(page.Items))
	}
	return payload
}

func workItemView(item *WorkItem) *WorkItemView {
	fields := item.Fields
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return &WorkItemView{
		ID:     item.ID,
		Type:   item.StringField(FieldWorkItemType),
		Rev:    item.Rev,
		URL:    item.URL,
		Title:  item.StringField(FieldTitle),
		State:  item.StringField(FieldState),
		Fields: fields,
	}
}

func statesPayload(list *StateList) *StatesPayload {
	payload := &StatesPayload{
		Type:    list.Type,
		States:  make([]string, 0, len(list.States)),
		Details: list.States,
	}
	if payload.Details == nil {
		payload.Details = []WorkItemState{}
	}
	for _, s := range list.States {
		payload.States = append(payload.States, s.Name)
	}
	return payload
}

// MapError classifies an error into a ToolError.
func (m *DefaultResponseMapper) MapError(ctx context.Context, err error) *ToolError {
	if err == nil {
		return nil
	}

	// The invocation itself was abandoned; whatever happened remotely is unknown.
	if ctx != nil && ctx.Err() != nil {
		return NewToolError(KindCancelled, "invocation cancelled before the remote outcome was observed; the operation may or may not have been applied").WithCause(err)
	}

	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr
	}

	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return mapHTTPError(httpErr).WithCause(err)
	}

	if errors.Is(err, context.Canceled) {
		return NewToolError(KindCancelled, "remote call cancelled; outcome unknown").WithCause(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewToolError(KindTransient, "remote call timed out").WithCause(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewToolError(KindTransient, "remote call timed out: %v", err).WithCause(err)
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return NewToolError(KindTransient, "connection to remote service failed: %v", err).WithCause(err)
	}

	// Any other fault raised by the HTTP client happened on the wire.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return NewToolError(KindTransient, "remote transport failure: %v", err).WithCause(err)
	}

	return NewToolError(KindInternal, "%v", err).WithCause(err)
}

// HTTPError represents an HTTP error with status code and message.
// Message carries the remote service's own explanation when it sent one.
type HTTPError struct {
	StatusCode int
	Message    string
	Body       string
}

// Error implements the error interface for HTTPError.
func (e HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s - %s", e.StatusCode, e.Message, e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// NewHTTPError creates a new HTTPError with the given status code and message.
func NewHTTPError(statusCode int, message string, body string) HTTPError {
	return HTTPError{
		StatusCode: statusCode,
		Message:    message,
		Body:       body,
	}
}

// mapHTTPError maps HTTP status codes to error kinds.
func mapHTTPError(httpErr HTTPError) *ToolError {
	var kind ErrorKind
	var message string

	switch httpErr.StatusCode {
	case http.StatusUnauthorized:
		kind = KindAuth
		message = "Authentication failed - the access token is invalid or expired"
	case http.StatusForbidden:
		kind = KindAuth
		message = "Access forbidden - insufficient permissions"
	case http.StatusNotFound:
		kind = KindNotFound
		message = remoteMessage(httpErr, "Resource not found")
	case http.StatusRequestTimeout:
		kind = KindTransient
		message = "Remote request timeout"
	case http.StatusTooManyRequests:
		kind = KindTransient
		message = "Rate limit exceeded"
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		kind = KindTransient
		message = "Service unavailable"
	default:
		switch {
		case httpErr.StatusCode >= 500:
			kind = KindTransient
			message = remoteMessage(httpErr, "Server error")
		case httpErr.StatusCode >= 400:
			// Bad requests, conflicts and rule violations: pass the remote text through.
			kind = KindRemoteValidation
			message = remoteMessage(httpErr, "Remote service rejected the request")
		default:
			kind = KindInternal
			message = remoteMessage(httpErr, "Unexpected response")
		}
	}

	errorData := map[string]interface{}{
		"statusCode": httpErr.StatusCode,
	}
	if httpErr.Message != "" {
		errorData["remoteMessage"] = httpErr.Message
	}

	return &ToolError{
		Kind:      kind,
		Message:   message,
		Retryable: kind.Retryable(),
		Detail:    errorData,
	}
}

func remoteMessage(httpErr HTTPError, fallback string) string {
	if httpErr.Message != "" {
		return httpErr.Message
	}
	return fallback
}
