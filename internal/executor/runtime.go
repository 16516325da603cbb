package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Runtime is the host integration surface used by the Executor.
//
//   - ResolveField is called once per field instance with the parent value
//     (nil for root fields) and the coerced arguments. Returning (nil, nil)
//     yields null.
//   - ResolveType returns the object type name for a value of an interface
//     or union type.
//   - SerializeLeafValue turns a resolved scalar or enum value into a
//     JSON-safe Go value. Enums are returned by name.
//
// Implementations must be safe for concurrent use: the executor service runs
// many operations at once against one Runtime.
type Runtime interface {
	ResolveField(ctx context.Context, objectType, field string, source any, args map[string]any) (any, error)
	ResolveType(ctx context.Context, abstractType string, value any) (string, error)
	SerializeLeafValue(ctx context.Context, typeName string, value any) (any, error)
}

// ResolveParams is what a field resolver sees.
type ResolveParams struct {
	ObjectType string
	Field      string
	Source     any
	Args       map[string]any
}

type FieldResolver func(ctx context.Context, p ResolveParams) (any, error)

type TypeResolver func(ctx context.Context, value any) (string, error)

type ScalarSerializer func(value any) (any, error)

// Resolvers is a map-backed Runtime. Fields without a resolver fall back to
// DefaultResolve. Register everything before the first execution; the maps
// are not guarded.
type Resolvers struct {
	fields  map[string]FieldResolver
	types   map[string]TypeResolver
	scalars map[string]ScalarSerializer
}

var _ Runtime = (*Resolvers)(nil)

func NewResolvers() *Resolvers {
	return &Resolvers{
		fields:  make(map[string]FieldResolver),
		types:   make(map[string]TypeResolver),
		scalars: make(map[string]ScalarSerializer),
	}
}

// Field registers fn for key, written "Type.field".
func (r *Resolvers) Field(key string, fn FieldResolver) *Resolvers {
	r.fields[key] = fn
	return r
}

// Type registers the type resolver of an interface or union.
func (r *Resolvers) Type(abstractType string, fn TypeResolver) *Resolvers {
	r.types[abstractType] = fn
	return r
}

// Scalar registers the serializer of a custom scalar.
func (r *Resolvers) Scalar(name string, fn ScalarSerializer) *Resolvers {
	r.scalars[name] = fn
	return r
}

func (r *Resolvers) ResolveField(ctx context.Context, objectType, field string, source any, args map[string]any) (any, error) {
	if fn, ok := r.fields[objectType+"."+field]; ok {
		return fn(ctx, ResolveParams{ObjectType: objectType, Field: field, Source: source, Args: args})
	}
	return DefaultResolve(source, field)
}

// ResolveType uses the registered resolver, else a "__typename" entry of a
// map value.
func (r *Resolvers) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	if fn, ok := r.types[abstractType]; ok {
		return fn(ctx, value)
	}
	if m, ok := value.(map[string]any); ok {
		if name, ok := m["__typename"].(string); ok && name != "" {
			return name, nil
		}
	}
	return "", fmt.Errorf("cannot resolve concrete type of %s from %T", abstractType, value)
}

func (r *Resolvers) SerializeLeafValue(_ context.Context, typeName string, value any) (any, error) {
	if fn, ok := r.scalars[typeName]; ok {
		return fn(value)
	}
	return SerializeBuiltin(typeName, value)
}

var errNotResolvable = errors.New("value has no fields")

// DefaultResolve reads field from a map[string]any or a struct (or pointer
// to one). Struct fields match by json tag name first, then by name ignoring
// case. A nil source resolves to nil.
func DefaultResolve(source any, field string) (any, error) {
	if source == nil {
		return nil, nil
	}
	if m, ok := source.(map[string]any); ok {
		return m[field], nil
	}
	rv := reflect.ValueOf(source)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map keyed by %s", errNotResolvable, rv.Type().Key())
		}
		v := rv.MapIndex(reflect.ValueOf(field).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, nil
		}
		return v.Interface(), nil
	case reflect.Struct:
		if i := structFieldIndex(rv.Type(), field); i >= 0 {
			return rv.Field(i).Interface(), nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %T", errNotResolvable, source)
	}
}

func structFieldIndex(t reflect.Type, name string) int {
	fallback := -1
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if tag, _, _ := strings.Cut(f.Tag.Get("json"), ","); tag == name {
			return i
		}
		if fallback < 0 && strings.EqualFold(f.Name, name) {
			fallback = i
		}
	}
	return fallback
}

// SerializeBuiltin serializes the built-in scalars. Other type names, such as
// enums and unregistered custom scalars, pass through stringers and strings
// as strings and everything else unchanged.
func SerializeBuiltin(typeName string, value any) (any, error) {
	switch typeName {
	case "Int":
		return serializeInt(value)
	case "Float":
		return serializeFloat(value)
	case "String":
		return serializeString(value)
	case "Boolean":
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("Boolean cannot represent a non boolean value: %v", value)
	case "ID":
		switch v := value.(type) {
		case string:
			return v, nil
		case int, int32, int64, uint, uint32, uint64:
			return fmt.Sprint(v), nil
		case float64:
			if v == math.Trunc(v) {
				return strconv.FormatInt(int64(v), 10), nil
			}
		}
		return nil, fmt.Errorf("ID cannot represent value: %v", value)
	}
	switch v := value.(type) {
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	}
	return value, nil
}

func serializeInt(value any) (any, error) {
	var n int64
	switch v := value.(type) {
	case int:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint32:
		n = int64(v)
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("Int cannot represent non-integer value: %v", v)
		}
		n = int64(v)
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return nil, fmt.Errorf("Int cannot represent non-integer value: %v", value)
	}
	if n > math.MaxInt32 || n < math.MinInt32 {
		return nil, fmt.Errorf("Int cannot represent non 32-bit signed integer value: %d", n)
	}
	return int(n), nil
}

func serializeFloat(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return nil, fmt.Errorf("Float cannot represent non numeric value: %v", value)
}

func serializeString(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	case bool, int, int32, int64, float64:
		return fmt.Sprint(v), nil
	}
	return nil, fmt.Errorf("String cannot represent value: %v", value)
}
