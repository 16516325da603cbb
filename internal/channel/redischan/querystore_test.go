package redischan

import (
	"context"
	"testing"

	"github.com/hanpama/gqlbus/internal/executor"
	"github.com/stretchr/testify/require"
)

func TestQueryStore(t *testing.T) {
	ctx := context.Background()
	b, mr, _ := newTestBroker(t)
	store := b.QueryStore("gqlbus:queries")

	mr.HSet("gqlbus:queries", "doc-ping", "{ ping }")
	q, err := store.Lookup(ctx, "doc-ping")
	require.NoError(t, err)
	require.Equal(t, "{ ping }", q)

	_, err = store.Lookup(ctx, "doc-missing")
	require.ErrorIs(t, err, executor.ErrQueryNotFound)

	require.NoError(t, store.Put(ctx, "doc-echo", `{ echo(message: "hi") }`))
	require.Equal(t, `{ echo(message: "hi") }`, mr.HGet("gqlbus:queries", "doc-echo"))

	mr.Close()
	_, err = store.Lookup(ctx, "doc-ping")
	require.Error(t, err)
	require.NotErrorIs(t, err, executor.ErrQueryNotFound)
}
