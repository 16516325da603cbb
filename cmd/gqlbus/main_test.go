package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hanpama/gqlbus/internal/auth"
	"github.com/hanpama/gqlbus/internal/config"
	"github.com/stretchr/testify/require"
)

const testSecret = "cmd-test-secret"

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"help", "edge"}, &out))
	require.Contains(t, out.String(), "edge FLAGS")

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"help"}, &out))
	require.Contains(t, out.String(), "standalone")

	require.Error(t, run(context.Background(), []string{"help", "nope"}, &out))
}

func TestUnknownCommand(t *testing.T) {
	require.Error(t, run(context.Background(), []string{"serve"}, io.Discard))
	require.Error(t, run(context.Background(), nil, io.Discard))
}

func TestToken(t *testing.T) {
	t.Setenv("GQLBUS_CONFIG", "")
	t.Setenv("GQLBUS_AUTH_SECRET", testSecret)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"token", "-sub", "root", "-su", "-team", "t1", "-ttl", "1m"}, &out))

	claims, err := auth.NewVerifier([]byte(testSecret)).Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	require.Equal(t, "root", claims.Subject)
	require.True(t, auth.IsSuperUser(claims))
	require.Equal(t, []string{"t1"}, claims.Teams)

	require.Error(t, run(context.Background(), []string{"token"}, io.Discard))
}

func TestTokenWithoutSecret(t *testing.T) {
	t.Setenv("GQLBUS_CONFIG", "")
	t.Setenv("GQLBUS_AUTH_SECRET", "")
	require.Error(t, run(context.Background(), []string{"token", "-sub", "root"}, io.Discard))
}

func TestEdgeMuxOverMemoryBroker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	cfg.ServerID = "standalone-1"
	cfg.Broker.Kind = "memory"
	cfg.Auth.Secret = testSecret
	cfg.Client.Timeout = 2 * time.Second
	cfg.Log.Level = "error"
	a, err := setup(ctx, cfg, "standalone")
	require.NoError(t, err)
	defer a.close()

	svc, err := newService(a)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()
	client, err := newClient(a)
	require.NoError(t, err)
	defer client.Close()

	srv := httptest.NewServer(newEdgeMux(ctx, a, client))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/graphql", "application/json", strings.NewReader(`{"query":"{ ping serverId }"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"data":{"ping":"pong","serverId":"standalone-1"}}`, string(body))

	resp, err = http.Post(srv.URL+"/intranet/graphql", "application/json", strings.NewReader(`{"query":"{ ping }"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, err := auth.NewSigner([]byte(testSecret), "", time.Minute).Sign("root", auth.RoleSuperUser, nil)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/intranet/graphql", strings.NewReader(`{"query":"{ viewer { id isSuperUser } }"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"data":{"viewer":{"id":"root","isSuperUser":true}}}`, string(body))
}
