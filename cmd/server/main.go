// Sift is an LLM-backed email triage and response drafting service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/sift/internal/authmw"
	vc "github.com/linnemanlabs/sift/internal/cfg"
	"github.com/linnemanlabs/sift/internal/embedcache"
	"github.com/linnemanlabs/sift/internal/llm/claude"
	"github.com/linnemanlabs/sift/internal/llm/openai"
	"github.com/linnemanlabs/sift/internal/llm/resilient"
	"github.com/linnemanlabs/sift/internal/notify/slack"
	"github.com/linnemanlabs/sift/internal/postgres"
	"github.com/linnemanlabs/sift/internal/queue"
	"github.com/linnemanlabs/sift/internal/triage"
	"github.com/linnemanlabs/sift/internal/triage/memstore"
	"github.com/linnemanlabs/sift/internal/triage/pgstore"
	"github.com/linnemanlabs/sift/internal/triageapi"
)

const appName = "sift"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix SIFT_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "SIFT_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}
	apiTokens, err := authmw.ParseTokens(appCfg.APITokens)
	if err != nil {
		return fmt.Errorf("api tokens: %w", err)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"llm_provider", appCfg.LLMProvider,
		"database", appCfg.DatabaseURL != "",
		"redis", appCfg.RedisURL != "",
		"queue", appCfg.AMQPURL != "",
		"api_auth", len(apiTokens) > 0,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Link spans to pyroscope profiles (span_id labels on CPU samples)
	otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Register per-query DB duration histogram plus provider, cache and queue
	// instrumentation on the shared registry.
	infra := newInfraMetrics(m.Registry())
	postgres.SetQueryObserver(infra.queryObserver())

	// Initialize the triage store. Both stores also serve nearest-neighbor search.
	var (
		triageStore triage.Store
		neighbors   triage.NeighborSearcher
	)
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		triageStore, neighbors = pgStore, pgStore
		L.Info(ctx, "using postgres store")
	} else {
		memStore := memstore.New()
		triageStore, neighbors = memStore, memStore
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	// Redis backs the embedding cache and per-message processing locks.
	var rdb *redis.Client
	if appCfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(appCfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb = redis.NewClient(redisOpts)
		defer func() { _ = rdb.Close() }()
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// cache and locks fail open, keep going
			L.Warn(ctx, "redis ping failed", "error", err)
		}
		pingCancel()
		L.Info(ctx, "redis enabled", "addr", redisOpts.Addr)
	}

	// Initialize the chat provider behind retries and a circuit breaker.
	chatCfg := resilient.DefaultConfig("chat")
	chatCfg.Timeout = appCfg.LLMTimeout
	chatCfg.MaxAttempts = uint(appCfg.LLMMaxAttempts) //nolint:gosec // validated to 1..10
	chatProvider := resilient.NewProvider(newChatProvider(appCfg), chatCfg, L, infra.resilientHooks())
	L.Info(ctx, "initialized LLM provider", "provider", appCfg.LLMProvider, "model", chatModel(appCfg))

	// Embeddings always come from the OpenAI-compatible endpoint.
	embedCfg := resilient.DefaultConfig("embeddings")
	embedCfg.Timeout = appCfg.LLMTimeout
	embedCfg.MaxAttempts = uint(appCfg.LLMMaxAttempts) //nolint:gosec // validated to 1..10
	var embedder triage.Embedder = resilient.NewEmbedder(
		openai.NewEmbedder(appCfg.OpenAIAPIKey, appCfg.EmbeddingModel, appCfg.OpenAIBaseURL),
		embedCfg, L, infra.resilientHooks(),
	)
	if rdb != nil {
		embedder = embedcache.New(rdb, embedder, appCfg.EmbeddingModel, appCfg.EmbedCacheTTL, L, infra.cacheHooks())
		L.Info(ctx, "embedding cache enabled", "ttl", appCfg.EmbedCacheTTL)
	}

	// Keyword and instruction tables, optionally overridden from a YAML file.
	keywords, instructions := triage.DefaultKeywordTable(), triage.DefaultInstructionTable()
	if appCfg.TablesFile != "" {
		keywords, instructions, err = triage.LoadTables(appCfg.TablesFile)
		if err != nil {
			return fmt.Errorf("load tables: %w", err)
		}
		L.Info(ctx, "loaded tables", "path", appCfg.TablesFile)
	}
	var ruleOpts []triage.RuleEngineOption
	if !appCfg.DenyOverridesAllow {
		ruleOpts = append(ruleOpts, triage.WithAllowOverridesDeny())
	}

	// Initialize triage metrics on the shared Prometheus registry.
	triageMetrics := triage.NewMetrics(m.Registry())
	hooks := triageMetrics.Hooks()

	// Initialize the pipeline (pure - no store dependency beyond neighbor search).
	engine := triage.NewEngine(
		triage.NewClassifier(chatProvider, hooks),
		triage.NewEmbeddingIndex(embedder, neighbors, appCfg.EmbeddingDims, appCfg.NeighborK),
		triage.NewRuleEngine(keywords, ruleOpts...),
		triage.DefaultScorer(),
		L, hooks,
	)
	generator := triage.NewGenerator(chatProvider, instructions, hooks)

	// Initialize Slack notifier for review notifications.
	var notifier triage.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	// Initialize the triage service (owns lifecycle, persistence, feedback).
	triageSvc := triage.NewService(triageStore, engine, generator, L, hooks, notifier)

	// Background triage over RabbitMQ when configured, otherwise inline.
	var broker *queue.Broker
	stopWorkers := func(context.Context) error { return nil }
	if appCfg.AMQPURL != "" {
		broker, err = queue.Dial(appCfg.AMQPURL, appCfg.QueueName, appCfg.Workers*2)
		if err != nil {
			return fmt.Errorf("amqp dial: %w", err)
		}
		deliveries, err := broker.Deliveries(appName + "-" + component)
		if err != nil {
			_ = broker.Close()
			return fmt.Errorf("amqp consume: %w", err)
		}

		var locker queue.Locker
		if rdb != nil {
			locker = queue.NewRedisLocker(rdb, 2*appCfg.LLMTimeout*time.Duration(appCfg.LLMMaxAttempts), L)
		}
		consumer := queue.NewConsumer(queueProcessor{svc: triageSvc}, locker, appCfg.Workers, L, infra.queueHooks())

		workerCtx, cancelWorkers := context.WithCancel(log.WithContext(context.Background(), L))
		workersDone := make(chan struct{})
		go func() {
			defer close(workersDone)
			consumer.Run(workerCtx, deliveries)
		}()
		stopWorkers = func(ctx context.Context) error {
			cancelWorkers()
			defer func() { _ = broker.Close() }()
			select {
			case <-workersDone:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		L.Info(ctx, "queue workers started", "queue", appCfg.QueueName, "workers", appCfg.Workers)
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 64)) // 64KB to start with may adjust after i see real traffic

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes, behind bearer auth when tokens are configured
	var apiOpts []triageapi.Option
	if broker != nil {
		apiOpts = append(apiOpts, triageapi.WithEnqueuer(broker))
	}
	if appCfg.DefaultOwner != "" {
		apiOpts = append(apiOpts, triageapi.WithDefaultOwner(appCfg.DefaultOwner))
	}
	triageapiHTTP := triageapi.New(L, triageSvc, apiOpts...)
	r.Group(func(r chi.Router) {
		if len(apiTokens) > 0 {
			r.Use(authmw.BearerTokens(apiTokens))
		}
		triageapiHTTP.RegisterRoutes(r)
	})

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	triageapiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start triageapi HTTP server with middleware and handlers
	triageapiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, triageapiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start triageapi http listener")
		return err
	}
	defer func() {
		err := triageapiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop triageapi http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"triageapi http server", triageapiHTTPStop},
		{"queue workers", stopWorkers},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

func newChatProvider(c vc.Config) triage.Provider {
	if c.LLMProvider == vc.ProviderClaude {
		return claude.New(c.ClaudeAPIKey, c.ClaudeModel)
	}
	return openai.New(c.OpenAIAPIKey, c.OpenAIModel, c.OpenAIBaseURL)
}

func chatModel(c vc.Config) string {
	if c.LLMProvider == vc.ProviderClaude {
		return c.ClaudeModel
	}
	return c.OpenAIModel
}

// queueProcessor labels database queries issued by queue workers, which have
// no chi route pattern to borrow.
type queueProcessor struct {
	svc *triage.Service
}

func (p queueProcessor) ProcessMessage(ctx context.Context, id string) (*triage.ClassificationResult, error) {
	return p.svc.ProcessMessage(postgres.WithOperation(ctx, "queue.process"), id)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
