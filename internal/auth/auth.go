// Package auth signs and verifies the bearer tokens that travel with every
// job. Tokens are HS256 JWTs carrying the user id (sub), a role (rol) and the
// ids of the teams the user belongs to (tms).
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleSuperUser is the rol claim of tokens allowed on the intranet endpoint.
const RoleSuperUser = "su"

var ErrInvalidToken = errors.New("auth: invalid token")

// Claims is the token body.
type Claims struct {
	Role  string   `json:"rol,omitempty"`
	Teams []string `json:"tms,omitempty"`
	jwt.RegisteredClaims
}

// IsAuthenticated reports whether c names a user.
func IsAuthenticated(c *Claims) bool {
	return c != nil && c.Subject != ""
}

// IsSuperUser reports whether c carries the super-user role.
func IsSuperUser(c *Claims) bool {
	return c != nil && c.Role == RoleSuperUser
}

// OnTeam reports whether c lists teamID.
func (c *Claims) OnTeam(teamID string) bool {
	return c != nil && slices.Contains(c.Teams, teamID)
}

// Verifier checks token signatures and expiry.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

type VerifierOption func(*verifierConfig)

type verifierConfig struct {
	issuer string
	leeway time.Duration
}

// WithIssuer requires the iss claim to equal iss.
func WithIssuer(iss string) VerifierOption { return func(c *verifierConfig) { c.issuer = iss } }

// WithLeeway tolerates clock skew when checking exp and nbf.
func WithLeeway(d time.Duration) VerifierOption { return func(c *verifierConfig) { c.leeway = d } }

func NewVerifier(secret []byte, opts ...VerifierOption) *Verifier {
	cfg := verifierConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	popts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.issuer != "" {
		popts = append(popts, jwt.WithIssuer(cfg.issuer))
	}
	if cfg.leeway > 0 {
		popts = append(popts, jwt.WithLeeway(cfg.leeway))
	}
	return &Verifier{secret: secret, parser: jwt.NewParser(popts...)}
}

// Verify parses token and returns its claims. Every failure wraps
// ErrInvalidToken. A verifier without a secret rejects every token.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: no secret configured", ErrInvalidToken)
	}
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return v.secret, nil })
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}

// Signer mints tokens.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner returns a signer whose tokens expire after ttl. A zero ttl mints
// tokens without expiry.
func NewSigner(secret []byte, issuer string, ttl time.Duration) *Signer {
	return &Signer{secret: secret, issuer: issuer, ttl: ttl, now: time.Now}
}

// Sign returns a token for subject with the given role and teams.
func (s *Signer) Sign(subject, role string, teams []string) (string, error) {
	now := s.now()
	claims := Claims{
		Role:  role,
		Teams: teams,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

type claimsKey struct{}

// NewContext returns a copy of parent carrying c.
func NewContext(parent context.Context, c *Claims) context.Context {
	return context.WithValue(parent, claimsKey{}, c)
}

// FromContext returns the claims attached by NewContext.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok && c != nil
}

type ipKey struct{}

// WithClientIP returns a copy of parent carrying the caller's address.
func WithClientIP(parent context.Context, ip string) context.Context {
	return context.WithValue(parent, ipKey{}, ip)
}

// ClientIP returns the address attached by WithClientIP.
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(ipKey{}).(string)
	return ip
}
