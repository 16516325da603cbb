// Package executor runs GraphQL operations against a schema on behalf of the
// executor service.
//
// # Preparation
//
// Documents are parsed and validated against the schema with gqlparser. The
// operation is chosen by name, or by uniqueness when no name is given, and
// variables are coerced against the operation's variable definitions. Any
// failure here produces a result with errors and no data.
//
// # Execution
//
// Root fields of queries run in document order; root fields of mutations run
// serially, each one completing before the next starts. Fields are collected
// per object type, merging fields that share a response name and honouring
// fragments, type conditions and the @skip/@include directives.
//
// Each field is resolved through the Runtime and then completed according
// to its declared type:
//   - Non-Null: a null result is an error and nulls the nearest nullable
//     ancestor instead.
//   - List: every item is completed with the item type.
//   - Scalar and Enum: serialized through Runtime.SerializeLeafValue; enum
//     results must name one of the enum's values.
//   - Object: its selection set is executed against the value.
//   - Interface and Union: Runtime.ResolveType picks the object type, which
//     must be a possible type of the abstract type.
//
// Resolver errors and panics become located errors carrying the response path
// of the field; siblings keep executing, so results may be partial.
//
// # Introspection
//
// __typename is answered by the executor itself. The __schema and __type root
// fields are rejected with an error unless the executor was built with
// WithIntrospection, in which case they go to the Runtime like any other
// field. Package introspection provides such a Runtime. Subscriptions are not
// supported.
package executor
