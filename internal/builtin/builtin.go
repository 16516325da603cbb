// Package builtin is the schema an executor serves when no other schema is
// configured. It is small on purpose: enough to check that jobs flow end to
// end and that auth claims reach resolvers.
package builtin

import (
	"context"
	"time"

	"github.com/hanpama/gqlbus/internal/auth"
	"github.com/hanpama/gqlbus/internal/executor"
	"github.com/hanpama/gqlbus/internal/introspection"
)

const SDL = `
type Query {
  "The caller, or null for anonymous jobs."
  viewer: Viewer
  ping: String!
  "Id of the executor that ran the job."
  serverId: String!
  echo(message: String!): String!
  time: String!
}

type Viewer {
  id: ID!
  isSuperUser: Boolean!
  teams: [ID!]!
  ip: String
}
`

type settings struct {
	introspection bool
}

type Option func(*settings)

// WithIntrospection serves __schema and __type.
func WithIntrospection(enabled bool) Option {
	return func(s *settings) { s.introspection = enabled }
}

// New returns an executor for SDL whose serverId field answers serverID.
func New(serverID string, opts ...Option) (*executor.Executor, error) {
	var s settings
	for _, o := range opts {
		o(&s)
	}
	schema, err := executor.LoadSchema("builtin.graphql", SDL)
	if err != nil {
		return nil, err
	}
	if s.introspection {
		return introspection.NewExecutor(Resolvers(serverID), schema), nil
	}
	return executor.NewExecutor(Resolvers(serverID), schema), nil
}

// Resolvers returns the resolvers of SDL.
func Resolvers(serverID string) *executor.Resolvers {
	return executor.NewResolvers().
		Field("Query.viewer", func(ctx context.Context, _ executor.ResolveParams) (any, error) {
			claims, ok := auth.FromContext(ctx)
			if !ok || !auth.IsAuthenticated(claims) {
				return nil, nil
			}
			teams := claims.Teams
			if teams == nil {
				teams = []string{}
			}
			v := map[string]any{
				"id":          claims.Subject,
				"isSuperUser": auth.IsSuperUser(claims),
				"teams":       teams,
			}
			if ip := auth.ClientIP(ctx); ip != "" {
				v["ip"] = ip
			}
			return v, nil
		}).
		Field("Query.ping", func(context.Context, executor.ResolveParams) (any, error) {
			return "pong", nil
		}).
		Field("Query.serverId", func(context.Context, executor.ResolveParams) (any, error) {
			return serverID, nil
		}).
		Field("Query.echo", func(_ context.Context, p executor.ResolveParams) (any, error) {
			return p.Args["message"], nil
		}).
		Field("Query.time", func(context.Context, executor.ResolveParams) (any, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		})
}
