package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/hanpama/gqlbus/internal/job"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/validator"
)

// Request is one operation to run.
type Request struct {
	Query         string
	OperationName string
	Variables     map[string]any
	// RootValue is the source passed to root field resolvers.
	RootValue any
}

type Executor struct {
	runtime       Runtime
	schema        *ast.Schema
	introspection bool
}

type Option func(*Executor)

// WithIntrospection lets __schema and __type through to the runtime, which
// must then resolve them and the fields of the introspection types.
func WithIntrospection() Option {
	return func(e *Executor) { e.introspection = true }
}

func NewExecutor(runtime Runtime, schema *ast.Schema, opts ...Option) *Executor {
	e := &Executor{runtime: runtime, schema: schema}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Executor) Schema() *ast.Schema { return e.schema }

// Execute parses, validates and executes req.
func (e *Executor) Execute(ctx context.Context, req Request) *ExecutionResult {
	doc, errs := gqlparser.LoadQuery(e.schema, req.Query)
	if len(errs) > 0 {
		return errorResult(fromGQLErrors(errs)...)
	}
	return e.ExecuteDocument(ctx, doc, req.OperationName, req.Variables, req.RootValue)
}

// ExecuteDocument executes an already validated document.
func (e *Executor) ExecuteDocument(ctx context.Context, doc *ast.QueryDocument, operationName string, variables map[string]any, rootValue any) *ExecutionResult {
	op := doc.Operations.ForName(operationName)
	if op == nil {
		if operationName == "" {
			return errorResult(job.GraphQLError{Message: "operation name is required when the document has several operations"})
		}
		return errorResult(job.GraphQLError{Message: fmt.Sprintf("operation %q not found", operationName)})
	}

	vars, err := validator.VariableValues(e.schema, op, variables)
	if err != nil {
		return errorResult(variableError(err))
	}

	var root *ast.Definition
	switch op.Operation {
	case ast.Query:
		root = e.schema.Query
	case ast.Mutation:
		root = e.schema.Mutation
	case ast.Subscription:
		return errorResult(job.GraphQLError{Message: "subscriptions are not supported", Locations: locationOf(op.Position)})
	}
	if root == nil {
		return errorResult(job.GraphQLError{Message: fmt.Sprintf("schema has no %s type", op.Operation)})
	}

	state := &executionState{
		ctx:           ctx,
		runtime:       e.runtime,
		schema:        e.schema,
		doc:           doc,
		vars:          vars,
		introspection: e.introspection,
		errors:        []job.GraphQLError{},
	}
	data, ok := executeSelectionSet(state, root, op.SelectionSet, rootValue, nil)
	if !ok {
		data = nil
	}
	res := &ExecutionResult{Data: data}
	if len(state.errors) > 0 {
		res.Errors = state.errors
	}
	return res
}

type executionState struct {
	ctx           context.Context
	runtime       Runtime
	schema        *ast.Schema
	doc           *ast.QueryDocument
	vars          map[string]any
	introspection bool
	errors        []job.GraphQLError
}

func (s *executionState) addError(field *ast.Field, path ast.Path, format string, args ...any) {
	e := job.GraphQLError{Message: fmt.Sprintf(format, args...), Path: pathValues(path)}
	if field != nil {
		e.Locations = locationOf(field.Position)
	}
	s.errors = append(s.errors, e)
}

// executeSelectionSet returns ok=false when a non-null field under set was
// nulled, in which case the object itself must become null.
func executeSelectionSet(s *executionState, objectType *ast.Definition, set ast.SelectionSet, source any, path ast.Path) (map[string]any, bool) {
	fields := collectFields(s, objectType, set)
	out := make(map[string]any, len(fields))
	for _, cf := range fields {
		v, ok := executeField(s, objectType, source, cf.fields, appendPath(path, ast.PathName(cf.responseName)))
		if !ok {
			return nil, false
		}
		out[cf.responseName] = v
	}
	return out, true
}

func executeField(s *executionState, objectType *ast.Definition, source any, fields []*ast.Field, path ast.Path) (value any, ok bool) {
	field := fields[0]
	switch field.Name {
	case "__typename":
		return objectType.Name, true
	case "__schema", "__type":
		if !s.introspection {
			s.addError(field, path, "introspection is not supported")
			return nil, true
		}
	}

	def := objectType.Fields.ForName(field.Name)
	if def == nil {
		s.addError(field, path, "Cannot query field %q on type %q", field.Name, objectType.Name)
		return nil, true
	}
	nullable := !def.Type.NonNull

	if err := s.ctx.Err(); err != nil {
		s.addError(field, path, "%s", err.Error())
		return nil, nullable
	}

	resolved, err := resolveField(s, objectType.Name, field, source)
	if err != nil {
		s.addError(field, path, "%s", err.Error())
		return nil, nullable
	}
	return completeValue(s, def.Type, fields, resolved, path)
}

func resolveField(s *executionState, objectType string, field *ast.Field, source any) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("internal error resolving %s.%s: %v", objectType, field.Name, r)
		}
	}()
	args := field.ArgumentMap(s.vars)
	if args == nil {
		args = map[string]any{}
	}
	return s.runtime.ResolveField(s.ctx, objectType, field.Name, source, args)
}

// completeValue completes result for type t. ok=false means an error was
// recorded and the null must propagate past this position.
func completeValue(s *executionState, t *ast.Type, fields []*ast.Field, result any, path ast.Path) (any, bool) {
	if t.NonNull {
		inner := *t
		inner.NonNull = false
		v, ok := completeNullable(s, &inner, fields, result, path)
		if !ok {
			return nil, false
		}
		if v == nil {
			s.addError(fields[0], path, "Cannot return null for non-nullable field %s.", qualifiedName(fields[0]))
			return nil, false
		}
		return v, true
	}
	v, ok := completeNullable(s, t, fields, result, path)
	if !ok {
		return nil, true
	}
	return v, true
}

func qualifiedName(f *ast.Field) string {
	if f.ObjectDefinition != nil {
		return f.ObjectDefinition.Name + "." + f.Name
	}
	return f.Name
}

func completeNullable(s *executionState, t *ast.Type, fields []*ast.Field, result any, path ast.Path) (any, bool) {
	if isNullish(result) {
		return nil, true
	}
	if t.Elem != nil {
		return completeListValue(s, t, fields, result, path)
	}

	def := s.schema.Types[t.NamedType]
	if def == nil {
		s.addError(fields[0], path, "Unknown type %q", t.NamedType)
		return nil, false
	}
	switch def.Kind {
	case ast.Scalar, ast.Enum:
		v, err := s.runtime.SerializeLeafValue(s.ctx, def.Name, result)
		if err != nil {
			s.addError(fields[0], path, "%s", err.Error())
			return nil, false
		}
		if def.Kind == ast.Enum {
			name, isString := v.(string)
			if !isString || def.EnumValues.ForName(name) == nil {
				s.addError(fields[0], path, "Enum %q cannot represent value: %v", def.Name, v)
				return nil, false
			}
		}
		return v, true
	case ast.Object:
		return completeObjectValue(s, def, fields, result, path)
	case ast.Interface, ast.Union:
		return completeAbstractValue(s, def, fields, result, path)
	default:
		s.addError(fields[0], path, "Cannot complete value of unexpected type %s", def.Kind)
		return nil, false
	}
}

func completeListValue(s *executionState, t *ast.Type, fields []*ast.Field, result any, path ast.Path) (any, bool) {
	items, isList := result.([]any)
	if !isList {
		rv := reflect.ValueOf(result)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			s.addError(fields[0], path, "Expected a list for field %s, got %T", fields[0].Name, result)
			return nil, false
		}
		items = make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
	}

	out := make([]any, len(items))
	for i, item := range items {
		v, ok := completeValue(s, t.Elem, fields, item, appendPath(path, ast.PathIndex(i)))
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func completeObjectValue(s *executionState, def *ast.Definition, fields []*ast.Field, result any, path ast.Path) (any, bool) {
	v, ok := executeSelectionSet(s, def, mergeSelectionSets(fields), result, path)
	if !ok {
		return nil, false
	}
	return v, true
}

func completeAbstractValue(s *executionState, def *ast.Definition, fields []*ast.Field, result any, path ast.Path) (any, bool) {
	name, err := s.runtime.ResolveType(s.ctx, def.Name, result)
	if err != nil {
		s.addError(fields[0], path, "%s", err.Error())
		return nil, false
	}
	concrete := s.schema.Types[name]
	if concrete == nil || concrete.Kind != ast.Object || !isPossibleType(s.schema, def, concrete) {
		s.addError(fields[0], path, "Abstract type %q must resolve to one of its object types, got %q", def.Name, name)
		return nil, false
	}
	return completeObjectValue(s, concrete, fields, result, path)
}

func variableError(err error) job.GraphQLError {
	var gerr *gqlerror.Error
	if errors.As(err, &gerr) {
		return fromGQLError(gerr)
	}
	return job.GraphQLError{Message: err.Error()}
}

func mergeSelectionSets(fields []*ast.Field) ast.SelectionSet {
	if len(fields) == 1 {
		return fields[0].SelectionSet
	}
	var merged ast.SelectionSet
	for _, f := range fields {
		merged = append(merged, f.SelectionSet...)
	}
	return merged
}

func appendPath(path ast.Path, el ast.PathElement) ast.Path {
	out := make(ast.Path, len(path)+1)
	copy(out, path)
	out[len(path)] = el
	return out
}

// isNullish reports nil interfaces and typed nils.
func isNullish(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
