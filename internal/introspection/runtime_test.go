package introspection

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hanpama/gqlbus/internal/executor"
	"github.com/stretchr/testify/require"
)

const testSDL = `
type Query {
  hello: String
  old: String @deprecated(reason: "use hello")
  node: Node
  users(filter: Filter): [User!]!
}

interface Node {
  id: ID!
}

"A person."
type User implements Node {
  id: ID!
}

enum Color {
  RED
  GREEN @deprecated
}

input Filter {
  limit: Int = 10
  color: Color
}
`

func newTestExecutor(t *testing.T) *executor.Executor {
	t.Helper()
	schema, err := executor.LoadSchema("test.graphql", testSDL)
	require.NoError(t, err)
	base := executor.NewResolvers().
		Field("Query.hello", func(context.Context, executor.ResolveParams) (any, error) { return "world", nil })
	return NewExecutor(base, schema)
}

func run(t *testing.T, query string) map[string]any {
	t.Helper()
	res := newTestExecutor(t).Execute(context.Background(), executor.Request{Query: query})
	require.Empty(t, res.Errors)
	return res.Data
}

func TestSchemaRootTypes(t *testing.T) {
	got := run(t, `{ __schema { queryType { name kind } mutationType { name } subscriptionType { name } } }`)
	want := map[string]any{"__schema": map[string]any{
		"queryType":        map[string]any{"name": "Query", "kind": "OBJECT"},
		"mutationType":     nil,
		"subscriptionType": nil,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestTypeWithWrappers(t *testing.T) {
	got := run(t, `{
	  __type(name: "User") {
	    kind name description
	    interfaces { name }
	    fields { name type { kind name ofType { kind name } } }
	  }
	}`)
	want := map[string]any{"__type": map[string]any{
		"kind":        "OBJECT",
		"name":        "User",
		"description": "A person.",
		"interfaces":  []any{map[string]any{"name": "Node"}},
		"fields": []any{
			map[string]any{"name": "id", "type": map[string]any{
				"kind":   "NON_NULL",
				"name":   nil,
				"ofType": map[string]any{"kind": "SCALAR", "name": "ID"},
			}},
		},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestListOfNonNull(t *testing.T) {
	got := run(t, `{ __type(name: "Query") { fields { name args { name type { name } } type { kind ofType { kind ofType { kind ofType { name } } } } } } }`)
	fields := got["__type"].(map[string]any)["fields"].([]any)
	names := make([]any, len(fields))
	for i, f := range fields {
		names[i] = f.(map[string]any)["name"]
	}
	require.Equal(t, []any{"hello", "node", "users"}, names, "deprecated and introspection fields are hidden")

	users := fields[2].(map[string]any)
	require.Equal(t, []any{map[string]any{"name": "filter", "type": map[string]any{"name": "Filter"}}}, users["args"])
	require.Equal(t, map[string]any{
		"kind": "NON_NULL",
		"ofType": map[string]any{
			"kind": "LIST",
			"ofType": map[string]any{
				"kind":   "NON_NULL",
				"ofType": map[string]any{"name": "User"},
			},
		},
	}, users["type"])
}

func TestDeprecated(t *testing.T) {
	got := run(t, `{
	  query: __type(name: "Query") { fields(includeDeprecated: true) { name isDeprecated deprecationReason } }
	  color: __type(name: "Color") { enumValues(includeDeprecated: true) { name isDeprecated deprecationReason } }
	}`)
	fields := got["query"].(map[string]any)["fields"].([]any)
	require.Contains(t, fields, map[string]any{"name": "old", "isDeprecated": true, "deprecationReason": "use hello"})
	require.Contains(t, fields, map[string]any{"name": "hello", "isDeprecated": false, "deprecationReason": nil})

	values := got["color"].(map[string]any)["enumValues"].([]any)
	require.Equal(t, []any{
		map[string]any{"name": "RED", "isDeprecated": false, "deprecationReason": nil},
		map[string]any{"name": "GREEN", "isDeprecated": true, "deprecationReason": "No longer supported"},
	}, values)
}

func TestInputAndAbstractTypes(t *testing.T) {
	got := run(t, `{
	  filter: __type(name: "Filter") { kind fields { name } inputFields { name defaultValue } }
	  node: __type(name: "Node") { kind possibleTypes { name } enumValues { name } }
	}`)
	want := map[string]any{
		"filter": map[string]any{
			"kind":   "INPUT_OBJECT",
			"fields": nil,
			"inputFields": []any{
				map[string]any{"name": "limit", "defaultValue": "10"},
				map[string]any{"name": "color", "defaultValue": nil},
			},
		},
		"node": map[string]any{
			"kind":          "INTERFACE",
			"possibleTypes": []any{map[string]any{"name": "User"}},
			"enumValues":    nil,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestUnknownTypeIsNull(t *testing.T) {
	require.Equal(t, map[string]any{"__type": nil}, run(t, `{ __type(name: "Nope") { name } }`))
}

func TestDirectives(t *testing.T) {
	got := run(t, `{ __schema { directives { name isRepeatable locations } } }`)
	dirs := got["__schema"].(map[string]any)["directives"].([]any)
	require.Contains(t, dirs, map[string]any{
		"name":         "skip",
		"isRepeatable": false,
		"locations":    []any{"FIELD", "FRAGMENT_SPREAD", "INLINE_FRAGMENT"},
	})
}

func TestDelegatesToBase(t *testing.T) {
	require.Equal(t, map[string]any{"hello": "world", "__typename": "Query"}, run(t, `{ hello __typename }`))
}
