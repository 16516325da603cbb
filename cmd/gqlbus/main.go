package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hanpama/gqlbus/internal/auth"
	"github.com/hanpama/gqlbus/internal/builtin"
	"github.com/hanpama/gqlbus/internal/channel"
	"github.com/hanpama/gqlbus/internal/channel/redischan"
	"github.com/hanpama/gqlbus/internal/codec"
	"github.com/hanpama/gqlbus/internal/config"
	"github.com/hanpama/gqlbus/internal/eventbus"
	"github.com/hanpama/gqlbus/internal/execclient"
	"github.com/hanpama/gqlbus/internal/executor"
	"github.com/hanpama/gqlbus/internal/logging"
	"github.com/hanpama/gqlbus/internal/otel"
	"github.com/hanpama/gqlbus/internal/reqid"
	"github.com/hanpama/gqlbus/internal/server"
	"github.com/hanpama/gqlbus/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const rootUsage = `gqlbus: distributed GraphQL execution over a shared channel

USAGE:
  gqlbus <command> [flags]

COMMANDS:
  edge         Run the HTTP/WebSocket edge that publishes jobs
  executor     Run an executor consuming jobs from the channel
  standalone   Run edge and executor in one process over an in-memory channel
  token        Mint an auth token with the configured secret
  help         Show help for any command
`

const edgeUsage = `edge FLAGS:
  -config <file>          Config file (default: gqlbus.yaml or $GQLBUS_CONFIG)
  -server.addr <addr>     HTTP listen address (overrides server.addr)
  -server.id <id>         Server id on the channel (default: generated)
`

const executorUsage = `executor FLAGS:
  -config <file>              Config file (default: gqlbus.yaml or $GQLBUS_CONFIG)
  -server.id <id>             Executor id on the channel (default: generated)
  -executor.concurrency <n>   Jobs run at once (overrides executor.concurrency)
`

const standaloneUsage = `standalone FLAGS:
  -config <file>          Config file (default: gqlbus.yaml or $GQLBUS_CONFIG)
  -server.addr <addr>     HTTP listen address (overrides server.addr)
`

const tokenUsage = `token FLAGS:
  -config <file>   Config file (default: gqlbus.yaml or $GQLBUS_CONFIG)
  -sub <id>        Subject (required)
  -su              Grant the super user role
  -team <id>       Team membership. Repeatable
  -ttl <duration>  Lifetime (overrides auth.token_ttl)
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return errors.New("missing command")
	}
	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	case "edge":
		return cmdEdge(ctx, cmdArgs)
	case "executor":
		return cmdExecutor(ctx, cmdArgs)
	case "standalone":
		return cmdStandalone(ctx, cmdArgs)
	case "token":
		return cmdToken(cmdArgs, out)
	case "help":
		return cmdHelp(cmdArgs, out)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, rootUsage)
		return nil
	}
	switch args[0] {
	case "edge":
		fmt.Fprint(out, edgeUsage)
	case "executor":
		fmt.Fprint(out, executorUsage)
	case "standalone":
		fmt.Fprint(out, standaloneUsage)
	case "token":
		fmt.Fprint(out, tokenUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return "" }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// ------------------ Commands ------------------

func cmdEdge(ctx context.Context, args []string) error {
	var configPath, addr, id string
	fs := flag.NewFlagSet("edge", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&configPath, "config", "", "Config file")
	fs.StringVar(&addr, "server.addr", "", "HTTP listen address")
	fs.StringVar(&id, "server.id", "", "Server id")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, edgeUsage)
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	override(&cfg.Server.Addr, addr)
	override(&cfg.ServerID, id)

	app, err := setup(ctx, cfg, "edge")
	if err != nil {
		return err
	}
	defer app.close()

	client, err := newClient(app)
	if err != nil {
		return err
	}
	defer client.Close()
	return serveHTTP(ctx, app, newEdgeMux(ctx, app, client))
}

func cmdExecutor(ctx context.Context, args []string) error {
	var configPath, id string
	concurrency := 0
	fs := flag.NewFlagSet("executor", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&configPath, "config", "", "Config file")
	fs.StringVar(&id, "server.id", "", "Executor id")
	fs.IntVar(&concurrency, "executor.concurrency", 0, "Jobs run at once")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, executorUsage)
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	override(&cfg.ServerID, id)
	if concurrency > 0 {
		cfg.Executor.Concurrency = concurrency
	}

	app, err := setup(ctx, cfg, "executor")
	if err != nil {
		return err
	}
	defer app.close()

	svc, err := newService(app)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	svc.Stop()
	return nil
}

func cmdStandalone(ctx context.Context, args []string) error {
	var configPath, addr string
	fs := flag.NewFlagSet("standalone", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&configPath, "config", "", "Config file")
	fs.StringVar(&addr, "server.addr", "", "HTTP listen address")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, standaloneUsage)
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	override(&cfg.Server.Addr, addr)
	cfg.Broker.Kind = "memory"

	app, err := setup(ctx, cfg, "standalone")
	if err != nil {
		return err
	}
	defer app.close()

	svc, err := newService(app)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	client, err := newClient(app)
	if err != nil {
		return err
	}
	defer client.Close()
	return serveHTTP(ctx, app, newEdgeMux(ctx, app, client))
}

func cmdToken(args []string, out io.Writer) error {
	var configPath, sub string
	var su bool
	var teams stringListFlag
	ttl := time.Duration(0)
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&configPath, "config", "", "Config file")
	fs.StringVar(&sub, "sub", "", "Subject")
	fs.BoolVar(&su, "su", false, "Grant the super user role")
	fs.Var(&teams, "team", "Team membership")
	fs.DurationVar(&ttl, "ttl", 0, "Lifetime")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, tokenUsage)
		return err
	}
	if sub == "" {
		fmt.Fprint(os.Stderr, tokenUsage)
		return errors.New("-sub is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.Secret == "" {
		return errors.New("auth.secret is not configured")
	}
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	role := ""
	if su {
		role = auth.RoleSuperUser
	}
	tok, err := auth.NewSigner([]byte(cfg.Auth.Secret), cfg.Auth.Issuer, ttl).Sign(sub, role, teams)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ------------------ Wiring ------------------

// app holds what every long-running command shares.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	broker   channel.Broker
	redis    *redischan.Broker
	codec    codec.Codec
	verifier *auth.Verifier
	closers  []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func setup(ctx context.Context, cfg *config.Config, role string) (*app, error) {
	if cfg.ServerID == "" {
		cfg.ServerID = reqid.New()
	}
	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("serverId", cfg.ServerID), zap.String("role", role))
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() { _ = logger.Sync() })

	eventbus.Use(eventbus.New())
	shutdown, err := otel.Setup(cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	a.closers = append(a.closers, func() { _ = shutdown(context.Background()) })

	if a.codec, err = codec.ByName(cfg.Broker.Codec); err != nil {
		a.close()
		return nil, err
	}
	if cfg.Auth.Secret != "" {
		a.verifier = auth.NewVerifier([]byte(cfg.Auth.Secret), auth.WithIssuer(cfg.Auth.Issuer), auth.WithLeeway(cfg.Auth.Leeway))
	} else {
		logger.Warn("auth.secret is empty: every caller is anonymous and the intranet endpoint rejects all requests")
	}

	switch cfg.Broker.Kind {
	case "memory":
		a.broker = channel.NewMemory()
	case "redis":
		rc := cfg.Broker.Redis
		b, err := redischan.Dial(ctx, &redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB},
			redischan.WithLogger(logger), redischan.WithStreamMaxLen(rc.StreamMax))
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect redis %s: %w", rc.Addr, err)
		}
		a.broker, a.redis = b, b
	default:
		a.close()
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
	a.closers = append(a.closers, func() { _ = a.broker.Close() })
	logger.Info("connected to broker", zap.String("kind", cfg.Broker.Kind), zap.String("codec", a.codec.Name()))
	return a, nil
}

func newClient(a *app) (*execclient.Client, error) {
	c := a.cfg.Client
	return execclient.New(a.broker,
		execclient.WithServerID(a.cfg.ServerID),
		execclient.WithTimeout(c.Timeout),
		execclient.WithRequestStream(c.RequestStream),
		execclient.WithRequestChannel(c.RequestChannel),
		execclient.WithReplyChannelPrefix(c.ReplyChannelPrefix),
		execclient.WithExecutorChannelPrefix(c.ExecutorChannelPrefix),
		execclient.WithCodec(a.codec),
		execclient.WithLogger(a.logger),
	), nil
}

func newService(a *app) (*worker.Service, error) {
	exec, err := builtin.New(a.cfg.ServerID, builtin.WithIntrospection(a.cfg.Executor.Introspection))
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	e := a.cfg.Executor
	opts := []worker.Option{
		worker.WithID(a.cfg.ServerID),
		worker.WithConcurrency(e.Concurrency),
		worker.WithExecutionTimeout(e.ExecutionTimeout),
		worker.WithGroup(e.Group),
		worker.WithReclaim(e.ReclaimInterval, e.ReclaimMinIdle),
		worker.WithRequestStream(a.cfg.Client.RequestStream),
		worker.WithRequestChannel(a.cfg.Client.RequestChannel),
		worker.WithExecutorChannelPrefix(a.cfg.Client.ExecutorChannelPrefix),
		worker.WithCodec(a.codec),
		worker.WithLogger(a.logger),
	}
	if a.verifier != nil {
		opts = append(opts, worker.WithVerifier(a.verifier))
	}
	if store := queryStore(a); store != nil {
		opts = append(opts, worker.WithQueryStore(store))
	}
	return worker.New(a.broker, exec, opts...), nil
}

func queryStore(a *app) executor.QueryStore {
	if a.cfg.Executor.PersistedQueries == "" || a.redis == nil {
		return nil
	}
	return a.redis.QueryStore(a.cfg.Executor.PersistedQueries)
}

// newEdgeMux routes the edge endpoints. The rate limiter's eviction loop
// runs until ctx is done.
func newEdgeMux(ctx context.Context, a *app, exec server.Executor) http.Handler {
	s := a.cfg.Server
	opts := []server.Option{
		server.WithLogger(a.logger),
		server.WithMaxBodyBytes(s.MaxBodyBytes),
	}
	if s.Pretty {
		opts = append(opts, server.WithPretty())
	}
	if s.Timeout > 0 {
		opts = append(opts, server.WithTimeout(s.Timeout))
	}
	if len(s.CORSOrigins) > 0 {
		opts = append(opts, server.WithCORS(s.CORSOrigins...))
	}
	// Validate has already checked the entries.
	proxies, _ := server.ParseTrustedProxies(s.TrustedProxies)
	if len(proxies) > 0 {
		opts = append(opts, server.WithTrustedProxies(proxies...))
	}

	public := http.Handler(server.NewHandler(exec, a.verifier, opts...))
	ws := http.Handler(server.NewWebSocketHandler(exec, a.verifier, opts...))
	if rl := s.RateLimit; rl.PerSecond > 0 {
		limiter := server.NewRateLimiter(rl.PerSecond, max(rl.Burst, 1))
		limiter.TrustProxies(proxies...)
		go limiter.Run(ctx)
		public, ws = limiter.Middleware(public), limiter.Middleware(ws)
	}

	mux := http.NewServeMux()
	mux.Handle("/graphql", public)
	mux.Handle("/graphql/ws", ws)
	mux.Handle("/intranet/graphql", server.NewIntranetHandler(exec, a.verifier, opts...))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func serveHTTP(ctx context.Context, a *app, h http.Handler) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(a.logger),
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.logger.Info("edge listening", zap.String("addr", srv.Addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
