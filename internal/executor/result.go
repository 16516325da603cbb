package executor

import (
	"github.com/hanpama/gqlbus/internal/job"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// ExecutionResult is the outcome of one operation. Data is nil when the
// request failed before execution or a non-null root field was nulled.
type ExecutionResult struct {
	Data   map[string]any     `json:"data"`
	Errors []job.GraphQLError `json:"errors,omitempty"`
}

// Result converts r into the form carried by a reply.
func (r *ExecutionResult) Result() job.Result {
	out := job.Result{Errors: r.Errors}
	if r.Data != nil {
		out.Data = r.Data
	}
	return out
}

func errorResult(errs ...job.GraphQLError) *ExecutionResult {
	return &ExecutionResult{Errors: errs}
}

func fromGQLError(e *gqlerror.Error) job.GraphQLError {
	out := job.GraphQLError{Message: e.Message, Path: pathValues(e.Path), Extensions: e.Extensions}
	for _, l := range e.Locations {
		out.Locations = append(out.Locations, job.Location{Line: l.Line, Column: l.Column})
	}
	return out
}

func fromGQLErrors(list gqlerror.List) []job.GraphQLError {
	out := make([]job.GraphQLError, 0, len(list))
	for _, e := range list {
		out = append(out, fromGQLError(e))
	}
	return out
}

func pathValues(p ast.Path) []any {
	if len(p) == 0 {
		return nil
	}
	out := make([]any, len(p))
	for i, el := range p {
		switch v := el.(type) {
		case ast.PathName:
			out[i] = string(v)
		case ast.PathIndex:
			out[i] = int(v)
		}
	}
	return out
}

func locationOf(pos *ast.Position) []job.Location {
	if pos == nil {
		return nil
	}
	return []job.Location{{Line: pos.Line, Column: pos.Column}}
}
