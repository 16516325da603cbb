// Package introspection serves the GraphQL introspection fields from a
// gqlparser schema.
package introspection

import (
	"context"
	"sort"
	"strings"

	"github.com/hanpama/gqlbus/internal/executor"
	"github.com/vektah/gqlparser/v2/ast"
)

const defaultDeprecationReason = "No longer supported"

// Wrap returns a Runtime resolving __schema, __type and the fields of the
// introspection types against schema. Everything else goes to base.
func Wrap(base executor.Runtime, schema *ast.Schema) executor.Runtime {
	return &runtime{base: base, schema: schema}
}

// NewExecutor returns an executor over schema that serves introspection.
func NewExecutor(base executor.Runtime, schema *ast.Schema) *executor.Executor {
	return executor.NewExecutor(Wrap(base, schema), schema, executor.WithIntrospection())
}

type runtime struct {
	base   executor.Runtime
	schema *ast.Schema
}

func (r *runtime) ResolveField(ctx context.Context, objectType, field string, source any, args map[string]any) (any, error) {
	switch src := source.(type) {
	case *ast.Schema:
		if v, ok := r.resolveSchemaField(field); ok {
			return v, nil
		}
	case *ast.Definition:
		if v, ok := r.resolveTypeField(src, field, args); ok {
			return v, nil
		}
	case *ast.Type:
		if v, ok := r.resolveTypeRefField(src, field, args); ok {
			return v, nil
		}
	case *ast.FieldDefinition:
		if objectType == "__InputValue" {
			if v, ok := resolveInputValueField(src.Name, src.Description, src.Type, src.DefaultValue, src.Directives, field); ok {
				return v, nil
			}
		} else if v, ok := resolveFieldField(src, field, args); ok {
			return v, nil
		}
	case *ast.ArgumentDefinition:
		if v, ok := resolveInputValueField(src.Name, src.Description, src.Type, src.DefaultValue, src.Directives, field); ok {
			return v, nil
		}
	case *ast.EnumValueDefinition:
		if v, ok := resolveEnumValueField(src, field); ok {
			return v, nil
		}
	case *ast.DirectiveDefinition:
		if v, ok := resolveDirectiveField(src, field, args); ok {
			return v, nil
		}
	}

	if r.schema.Query != nil && objectType == r.schema.Query.Name {
		switch field {
		case "__schema":
			return r.schema, nil
		case "__type":
			name, _ := args["name"].(string)
			if def := r.schema.Types[name]; def != nil {
				return def, nil
			}
			return nil, nil
		}
	}
	return r.base.ResolveField(ctx, objectType, field, source, args)
}

func (r *runtime) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	return r.base.ResolveType(ctx, abstractType, value)
}

func (r *runtime) SerializeLeafValue(ctx context.Context, typeName string, value any) (any, error) {
	return r.base.SerializeLeafValue(ctx, typeName, value)
}

func (r *runtime) resolveSchemaField(field string) (any, bool) {
	switch field {
	case "description":
		return optional(r.schema.Description), true
	case "types":
		return r.types(), true
	case "queryType":
		return r.schema.Query, true
	case "mutationType":
		return r.schema.Mutation, true
	case "subscriptionType":
		return r.schema.Subscription, true
	case "directives":
		return r.directives(), true
	}
	return nil, false
}

func (r *runtime) types() []*ast.Definition {
	out := make([]*ast.Definition, 0, len(r.schema.Types))
	for _, t := range r.schema.Types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *runtime) directives() []*ast.DirectiveDefinition {
	out := make([]*ast.DirectiveDefinition, 0, len(r.schema.Directives))
	for _, d := range r.schema.Directives {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *runtime) resolveTypeField(t *ast.Definition, field string, args map[string]any) (any, bool) {
	switch field {
	case "kind":
		return string(t.Kind), true
	case "name":
		return t.Name, true
	case "description":
		return optional(t.Description), true
	case "specifiedByURL":
		if d := t.Directives.ForName("specifiedBy"); d != nil {
			if a := d.Arguments.ForName("url"); a != nil && a.Value != nil {
				return a.Value.Raw, true
			}
		}
		return nil, true
	case "fields":
		return typeFields(t, args), true
	case "interfaces":
		return r.interfaces(t), true
	case "possibleTypes":
		return r.possibleTypes(t), true
	case "enumValues":
		return enumValues(t, args), true
	case "inputFields":
		return inputFields(t, args), true
	case "ofType":
		// named types never wrap another type
		return nil, true
	case "isOneOf":
		if t.Kind != ast.InputObject {
			return nil, true
		}
		return t.Directives.ForName("oneOf") != nil, true
	}
	return nil, false
}

// resolveTypeRefField answers __Type fields for a type reference. Non-null
// and list references are wrapper types; a bare named reference is the named
// type itself.
func (r *runtime) resolveTypeRefField(t *ast.Type, field string, args map[string]any) (any, bool) {
	switch {
	case t.NonNull:
		return wrapperField("NON_NULL", &ast.Type{NamedType: t.NamedType, Elem: t.Elem}, field)
	case t.Elem != nil:
		return wrapperField("LIST", t.Elem, field)
	}
	def := r.schema.Types[t.NamedType]
	if def == nil {
		return nil, true
	}
	return r.resolveTypeField(def, field, args)
}

func wrapperField(kind string, ofType *ast.Type, field string) (any, bool) {
	switch field {
	case "kind":
		return kind, true
	case "ofType":
		return ofType, true
	case "name", "description", "specifiedByURL", "fields", "interfaces",
		"possibleTypes", "enumValues", "inputFields", "isOneOf":
		return nil, true
	}
	return nil, false
}

func (r *runtime) interfaces(t *ast.Definition) []*ast.Definition {
	if t.Kind != ast.Object && t.Kind != ast.Interface {
		return nil
	}
	out := make([]*ast.Definition, 0, len(t.Interfaces))
	for _, name := range t.Interfaces {
		if def := r.schema.Types[name]; def != nil {
			out = append(out, def)
		}
	}
	return out
}

func (r *runtime) possibleTypes(t *ast.Definition) []*ast.Definition {
	if !t.IsAbstractType() {
		return nil
	}
	out := append([]*ast.Definition{}, r.schema.GetPossibleTypes(t)...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func typeFields(t *ast.Definition, args map[string]any) []*ast.FieldDefinition {
	if t.Kind != ast.Object && t.Kind != ast.Interface {
		return nil
	}
	withDeprecated := boolArg(args, "includeDeprecated")
	out := []*ast.FieldDefinition{}
	for _, f := range t.Fields {
		if strings.HasPrefix(f.Name, "__") {
			continue
		}
		if !withDeprecated && isDeprecated(f.Directives) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func inputFields(t *ast.Definition, args map[string]any) []*ast.FieldDefinition {
	if t.Kind != ast.InputObject {
		return nil
	}
	withDeprecated := boolArg(args, "includeDeprecated")
	out := []*ast.FieldDefinition{}
	for _, f := range t.Fields {
		if !withDeprecated && isDeprecated(f.Directives) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func enumValues(t *ast.Definition, args map[string]any) []*ast.EnumValueDefinition {
	if t.Kind != ast.Enum {
		return nil
	}
	withDeprecated := boolArg(args, "includeDeprecated")
	out := []*ast.EnumValueDefinition{}
	for _, ev := range t.EnumValues {
		if !withDeprecated && isDeprecated(ev.Directives) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func arguments(list ast.ArgumentDefinitionList, args map[string]any) []*ast.ArgumentDefinition {
	withDeprecated := boolArg(args, "includeDeprecated")
	out := []*ast.ArgumentDefinition{}
	for _, a := range list {
		if !withDeprecated && isDeprecated(a.Directives) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func resolveFieldField(f *ast.FieldDefinition, field string, args map[string]any) (any, bool) {
	switch field {
	case "name":
		return f.Name, true
	case "description":
		return optional(f.Description), true
	case "args":
		return arguments(f.Arguments, args), true
	case "type":
		return f.Type, true
	case "isDeprecated":
		return isDeprecated(f.Directives), true
	case "deprecationReason":
		return deprecationReason(f.Directives), true
	}
	return nil, false
}

func resolveInputValueField(name, description string, typ *ast.Type, def *ast.Value, directives ast.DirectiveList, field string) (any, bool) {
	switch field {
	case "name":
		return name, true
	case "description":
		return optional(description), true
	case "type":
		return typ, true
	case "defaultValue":
		if def == nil {
			return nil, true
		}
		return def.String(), true
	case "isDeprecated":
		return isDeprecated(directives), true
	case "deprecationReason":
		return deprecationReason(directives), true
	}
	return nil, false
}

func resolveEnumValueField(ev *ast.EnumValueDefinition, field string) (any, bool) {
	switch field {
	case "name":
		return ev.Name, true
	case "description":
		return optional(ev.Description), true
	case "isDeprecated":
		return isDeprecated(ev.Directives), true
	case "deprecationReason":
		return deprecationReason(ev.Directives), true
	}
	return nil, false
}

func resolveDirectiveField(d *ast.DirectiveDefinition, field string, args map[string]any) (any, bool) {
	switch field {
	case "name":
		return d.Name, true
	case "description":
		return optional(d.Description), true
	case "isRepeatable":
		return d.IsRepeatable, true
	case "locations":
		locs := make([]string, len(d.Locations))
		for i, l := range d.Locations {
			locs[i] = string(l)
		}
		return locs, true
	case "args":
		return arguments(d.Arguments, args), true
	}
	return nil, false
}

func isDeprecated(directives ast.DirectiveList) bool {
	return directives.ForName("deprecated") != nil
}

func deprecationReason(directives ast.DirectiveList) any {
	d := directives.ForName("deprecated")
	if d == nil {
		return nil
	}
	if a := d.Arguments.ForName("reason"); a != nil && a.Value != nil {
		return a.Value.Raw
	}
	return defaultDeprecationReason
}

// optional maps an empty description to null.
func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolArg(args map[string]any, name string) bool {
	b, _ := args[name].(bool)
	return b
}
