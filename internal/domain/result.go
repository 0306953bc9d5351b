package domain

// ResultStatus distinguishes the two halves of a ToolResult.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
)

// ToolInvocation is one tool call as produced by the protocol transport.
type ToolInvocation struct {
	ToolName  string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolResult is the uniform envelope returned for every invocation.
// Exactly one of Payload or Error is meaningful, selected by Status.
type ToolResult struct {
	Status   ResultStatus `json:"status"`
	Payload  interface{}  `json:"payload,omitempty"`
	Warnings []string     `json:"warnings,omitempty"`
	Error    *ToolError   `json:"error,omitempty"`
}

// Success builds a successful result.
func Success(payload interface{}, warnings ...string) *ToolResult {
	return &ToolResult{
		Status:   StatusSuccess,
		Payload:  payload,
		Warnings: warnings,
	}
}

// Failure builds a failed result from a tool error.
func Failure(err *ToolError) *ToolResult {
	if err == nil {
		err = NewToolError(KindInternal, "unknown failure")
	}
	return &ToolResult{
		Status: StatusError,
		Error:  err,
	}
}

// IsError reports whether the result is a failure.
func (r *ToolResult) IsError() bool {
	return r.Status == StatusError
}

// Kind returns the failure kind, or "" for a success.
func (r *ToolResult) Kind() ErrorKind {
	if r.Error == nil {
		return ""
	}
	return r.Error.Kind
}
