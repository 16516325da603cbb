// Package server exposes the executor client over HTTP and WebSocket.
//
// Three handlers share one Executor:
//   - IntranetHandler: super-user only, JSON POST, used by internal tools.
//   - Handler: the public GraphQL endpoint (GET and POST, CORS, batching).
//   - WebSocketHandler: graphql-ws style messages over one connection.
//
// Transport failures are mapped to status codes (504 on execution timeout,
// 503 when the channel or client is unavailable, 500 otherwise) with a
// generic GraphQL-shaped body. Job ids never leave the process.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/hanpama/gqlbus/internal/channel"
	"github.com/hanpama/gqlbus/internal/execclient"
	"github.com/hanpama/gqlbus/internal/job"
	"github.com/hanpama/gqlbus/internal/reqid"
	"go.uber.org/zap"
)

// Executor runs a job and returns its result. *execclient.Client satisfies it.
type Executor interface {
	Execute(ctx context.Context, j job.Job) (*job.Result, error)
}

var _ Executor = (*execclient.Client)(nil)

type Options struct {
	// Timeout bounds each request on top of the executor's own timeout.
	// 0 leaves the executor timeout in charge.
	Timeout time.Duration

	// Pretty enables indented JSON responses.
	Pretty bool

	// MaxBodyBytes limits the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled and
	// WebSocket upgrades are accepted from the same origin only.
	CORS CORSOptions

	Logger *zap.Logger

	// NewID generates job ids.
	NewID func() string

	// TrustedProxies lists the peers whose X-Forwarded-For is believed.
	// Empty means the remote address is the client.
	TrustedProxies []netip.Prefix
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option     { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                     { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option        { return func(o *Options) { o.MaxBodyBytes = n } }
func WithLogger(l *zap.Logger) Option        { return func(o *Options) { o.Logger = l } }
func WithIDGenerator(f func() string) Option { return func(o *Options) { o.NewID = f } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}

// WithTrustedProxies makes handlers read the client address from
// X-Forwarded-For when the request comes from one of prefixes.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(o *Options) { o.TrustedProxies = prefixes }
}

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

func buildOptions(opts []Option) Options {
	o := Options{MaxBodyBytes: 1 << 20, Logger: zap.NewNop(), NewID: reqid.New}
	for _, f := range opts {
		f(&o)
	}
	return o
}

func (o Options) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && o.Timeout > 0 {
		return context.WithTimeout(ctx, o.Timeout)
	}
	return ctx, func() {}
}

// ------------------ Errors ------------------

// statusFor maps a transport error from the executor to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, execclient.ErrExecutionTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, channel.ErrChannelUnavailable), errors.Is(err, execclient.ErrClientClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(status int) string {
	switch status {
	case http.StatusGatewayTimeout:
		return "execution timed out"
	case http.StatusServiceUnavailable:
		return "executor unavailable"
	default:
		return "internal server error"
	}
}

func errorResult(message string) *job.Result {
	return &job.Result{Errors: []job.GraphQLError{{Message: message}}}
}

// ------------------ Request helpers ------------------

// ClientIP returns the address of the client that sent r. The host part of
// r.RemoteAddr is the answer unless it belongs to trusted; then
// X-Forwarded-For is walked from the right and the first hop outside trusted
// wins. With no trusted prefixes the header is ignored.
func ClientIP(r *http.Request, trusted ...netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if len(trusted) == 0 || !isTrusted(host, trusted) {
		return host
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !isTrusted(hop, trusted) {
			return hop
		}
		host = hop
	}
	return host
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ParseTrustedProxies parses CIDR prefixes and bare addresses.
func ParseTrustedProxies(specs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(specs))
	for _, s := range specs {
		s = strings.TrimSpace(s)
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("server: trusted proxy %q: %w", s, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("server: trusted proxy %q: %w", s, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func isJSONContentType(ct string) bool {
	return strings.HasPrefix(ct, "application/json")
}

// ------------------ Response helpers ------------------

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

// specResult always carries the data key, as GraphQL responses must.
type specResult struct {
	Data   any                `json:"data"`
	Errors []job.GraphQLError `json:"errors,omitempty"`
}

func toSpecResult(res *job.Result) specResult {
	return specResult{Data: res.Data, Errors: res.Errors}
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" || !originAllowed(opts, origin) {
		return
	}
	if slices.Contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func originAllowed(opts CORSOptions, origin string) bool {
	return slices.Contains(opts.AllowedOrigins, "*") || slices.Contains(opts.AllowedOrigins, origin)
}
