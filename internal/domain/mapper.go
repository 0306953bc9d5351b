package domain

import (
	"context"
)

// ResponseMapper converts remote outcomes into tool results.
type ResponseMapper interface {
	// MapSuccess normalizes a remote success value into a successful result.
	// Warnings are attached to the result metadata unchanged.
	MapSuccess(remote interface{}, warnings []string) *ToolResult

	// MapError classifies a remote or local fault. ctx is the invocation
	// context; once it is done the fault is reported as Cancelled.
	MapError(ctx context.Context, err error) *ToolError
}
