package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func TestSignAndVerify(t *testing.T) {
	token, err := NewSigner(secret, "gqlbus", time.Hour).Sign("u1", RoleSuperUser, []string{"t1", "t2"})
	require.NoError(t, err)

	claims, err := NewVerifier(secret, WithIssuer("gqlbus")).Verify(token)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.Subject)
	require.True(t, IsAuthenticated(claims))
	require.True(t, IsSuperUser(claims))
	require.True(t, claims.OnTeam("t2"))
	require.False(t, claims.OnTeam("t3"))
}

func TestVerifyRejects(t *testing.T) {
	signer := NewSigner(secret, "gqlbus", time.Hour)
	good, err := signer.Sign("u1", "", nil)
	require.NoError(t, err)

	expiredSigner := NewSigner(secret, "gqlbus", time.Minute)
	expiredSigner.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := expiredSigner.Sign("u1", "", nil)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: RoleSuperUser}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]struct {
		token    string
		verifier *Verifier
	}{
		"empty":        {"", NewVerifier(secret)},
		"garbage":      {"not.a.token", NewVerifier(secret)},
		"wrong secret": {good, NewVerifier([]byte("other"))},
		"wrong issuer": {good, NewVerifier(secret, WithIssuer("someone-else"))},
		"expired":      {expired, NewVerifier(secret)},
		"alg none":     {none, NewVerifier(secret)},
		"no secret":    {good, NewVerifier(nil)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := tc.verifier.Verify(tc.token)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestRoleChecks(t *testing.T) {
	require.False(t, IsAuthenticated(nil))
	require.False(t, IsSuperUser(nil))
	require.False(t, IsAuthenticated(&Claims{}))
	require.False(t, IsSuperUser(&Claims{Role: "user"}))
	require.True(t, IsSuperUser(&Claims{Role: RoleSuperUser}))
}

func TestContext(t *testing.T) {
	ctx := context.Background()
	_, ok := FromContext(ctx)
	require.False(t, ok)
	require.Equal(t, "", ClientIP(ctx))

	c := &Claims{Role: "user"}
	ctx = WithClientIP(NewContext(ctx, c), "10.0.0.1")
	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Same(t, c, got)
	require.Equal(t, "10.0.0.1", ClientIP(ctx))
}
