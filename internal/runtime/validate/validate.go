// Package validate adapts validation libraries to one capability: turning a
// raw decoded value into a typed, checked input or a list of issues.
package validate

import (
	"context"
	"strings"

	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
)

// Issue is one structured validation problem.
type Issue = errspkg.Issue

// Schema validates raw input and returns the value handlers receive.
type Schema interface {
	Validate(ctx context.Context, raw any) (any, error)
}

// Error reports every issue found in one input.
type Error struct {
	Issues []Issue
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if issue.Path == "" {
			parts = append(parts, issue.Message)
			continue
		}
		parts = append(parts, issue.Path+": "+issue.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Validate runs schema against raw. A nil schema accepts nothing and yields
// a nil input.
func Validate(ctx context.Context, schema Schema, raw any) (any, error) {
	if schema == nil {
		return nil, nil
	}
	return schema.Validate(ctx, raw)
}

// Issues extracts the issue list from a validation failure. Errors that did
// not come from a schema are reported as a single root issue.
func Issues(err error) []Issue {
	if err == nil {
		return nil
	}
	if verr, ok := err.(*Error); ok {
		return verr.Issues
	}
	return []Issue{{Message: err.Error(), Code: "custom"}}
}

func rootIssue(code string, err error) *Error {
	return &Error{Issues: []Issue{{Message: err.Error(), Code: code}}}
}

// SchemaFunc adapts a function to Schema.
type SchemaFunc func(ctx context.Context, raw any) (any, error)

func (f SchemaFunc) Validate(ctx context.Context, raw any) (any, error) {
	return f(ctx, raw)
}

// Func builds a schema from a typed check. Plain errors returned by fn become
// a single issue at the root path.
func Func[T any](fn func(ctx context.Context, raw any) (T, error)) Schema {
	return SchemaFunc(func(ctx context.Context, raw any) (any, error) {
		out, err := fn(ctx, raw)
		if err != nil {
			if verr, ok := err.(*Error); ok {
				return nil, verr
			}
			return nil, rootIssue("custom", err)
		}
		return out, nil
	})
}

// Any accepts every value unchanged.
func Any() Schema {
	return SchemaFunc(func(_ context.Context, raw any) (any, error) {
		return raw, nil
	})
}

// Required rejects nil input and passes everything else through.
func Required() Schema {
	return SchemaFunc(func(_ context.Context, raw any) (any, error) {
		if raw == nil {
			return nil, &Error{Issues: []Issue{{Message: "input is required", Code: "required"}}}
		}
		return raw, nil
	})
}
