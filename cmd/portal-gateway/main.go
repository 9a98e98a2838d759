package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/openshift/portal-gateway/pkg/dispatch"
	gatewayhttp "github.com/openshift/portal-gateway/pkg/http"
	"github.com/openshift/portal-gateway/pkg/identity"
	"github.com/openshift/portal-gateway/pkg/logger"
	"github.com/openshift/portal-gateway/pkg/proxy"
	"github.com/openshift/portal-gateway/pkg/refresh"
	"github.com/openshift/portal-gateway/pkg/session"
	"github.com/openshift/portal-gateway/pkg/tracing"
)

const desc = `
Gateway between the customer portal and its upstream API. Requests under /api
are forwarded upstream with the caller's credentials and device identity.
Expired access tokens are refreshed once per device, however many requests
notice the expiry at the same time.
`

func defaultOpts() *Options {
	return &Options{
		Listen:            "0.0.0.0:8080",
		ListenInternal:    "localhost:8081",
		TokenPaths:        []string{"/auth/token"},
		RefreshPath:       "/auth/refresh",
		SessionCookie:     session.DefaultCookieName,
		SessionExpiration: 24 * time.Hour,
		RatelimitBurst:    20,
		UpstreamTimeout:   30 * time.Second,
		Refresh:           refresh.DefaultOptions(),
		Pool:              gatewayhttp.DefaultPoolConfig(),
		LogLevel:          "info",
		LogFormat:         logger.FormatLogfmt,
		Tracing: tracing.Config{
			ServiceName:      "portal-gateway",
			SamplingFraction: 0.1,
		},
	}
}

func main() {
	opt := defaultOpts()

	var (
		configFile  string
		showVersion bool
	)
	cmd := &cobra.Command{
		Use:           "portal-gateway",
		Short:         "Outbound API gateway for the customer portal.",
		Long:          desc,
		SilenceErrors: true,
		SilenceUsage:  true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindConfig(cmd.Flags(), configFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintln(cmd.OutOrStdout(), version.Print("portal-gateway"))
				return nil
			}

			listener, err := net.Listen("tcp", opt.Listen)
			if err != nil {
				return err
			}
			internalListener, err := net.Listen("tcp", opt.ListenInternal)
			if err != nil {
				return err
			}

			return opt.Run(context.Background(), listener, internalListener)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "Path to a YAML file providing flag values. Flags given on the command line take precedence.")
	flags.BoolVar(&showVersion, "version", false, "Print version information and exit.")

	flags.StringVar(&opt.Listen, "listen", opt.Listen, "A host:port to listen on for portal traffic.")
	flags.StringVar(&opt.ListenInternal, "listen-internal", opt.ListenInternal, "A host:port to listen on for health and metrics.")

	flags.StringVar(&opt.Upstream, "upstream", opt.Upstream, "The base URL of the upstream API.")
	flags.StringArrayVar(&opt.TokenPaths, "token-path", opt.TokenPaths, "Upstream paths issuing credentials. No bearer token is sent to them.")
	flags.StringVar(&opt.RefreshPath, "refresh-path", opt.RefreshPath, "The upstream path of the token refresh endpoint.")
	flags.DurationVar(&opt.UpstreamTimeout, "upstream-timeout", opt.UpstreamTimeout, "The timeout of a single upstream attempt.")

	flags.StringVar(&opt.SessionCookie, "session-cookie", opt.SessionCookie, "The name of the session cookie.")
	flags.StringArrayVar(&opt.Memcacheds, "memcached", opt.Memcacheds, "One or more memcached server addresses holding the sessions. Sessions are kept in memory when unset.")
	flags.DurationVar(&opt.SessionExpiration, "session-expiration", opt.SessionExpiration, "How long refreshed credentials are kept in memcached.")

	flags.StringArrayVar(&opt.TrustedProxies, "trusted-proxy", opt.TrustedProxies, "CIDR of a proxy whose X-Forwarded-For and X-Real-Ip headers are trusted.")
	flags.DurationVar(&opt.Ratelimit, "ratelimit", opt.Ratelimit, "The minimum interval between requests of a single device. Zero disables rate limiting.")
	flags.IntVar(&opt.RatelimitBurst, "ratelimit-burst", opt.RatelimitBurst, "The number of requests a device may burst above the rate limit.")

	flags.DurationVar(&opt.Refresh.MaxAge, "refresh-max-age", opt.Refresh.MaxAge, "How long a refresh in flight may be joined by other requests.")
	flags.DurationVar(&opt.Refresh.Timeout, "refresh-timeout", opt.Refresh.Timeout, "The timeout of a single refresh.")
	flags.DurationVar(&opt.Refresh.SweepInterval, "refresh-sweep-interval", opt.Refresh.SweepInterval, "The interval at which stale refreshes are evicted.")
	flags.IntVar(&opt.Refresh.MaxEntries, "refresh-max-entries", opt.Refresh.MaxEntries, "The number of refreshes in flight above which the oldest half is evicted.")

	flags.IntVar(&opt.Pool.MaxConns, "pool-max-conns", opt.Pool.MaxConns, "The maximum number of connections to the upstream API.")
	flags.IntVar(&opt.Pool.MaxIdle, "pool-max-idle", opt.Pool.MaxIdle, "The maximum number of idle connections to the upstream API.")
	flags.DurationVar(&opt.Pool.IdleTimeout, "pool-idle-timeout", opt.Pool.IdleTimeout, "How long an idle upstream connection is kept open.")

	flags.BoolVar(&opt.Development, "development", opt.Development, "Log refresh failures that are otherwise only counted.")
	flags.BoolVarP(&opt.Verbose, "verbose", "v", opt.Verbose, "Show verbose output.")
	flags.StringVar(&opt.LogLevel, "log-level", opt.LogLevel, "Log filtering level. e.g info, debug, warn, error")
	flags.StringVar(&opt.LogFormat, "log-format", opt.LogFormat, "Log format, logfmt or json.")

	flags.StringVar(&opt.Tracing.ServiceName, "internal.tracing.service-name", opt.Tracing.ServiceName,
		"The service name to report to the tracing backend.")
	flags.StringVar(&opt.Tracing.Endpoint, "internal.tracing.endpoint", "",
		"The host:port of the OTLP/HTTP trace collector. If it's not set, tracing will be disabled.")
	flags.BoolVar(&opt.Tracing.Insecure, "internal.tracing.insecure", opt.Tracing.Insecure,
		"Talk to the trace collector without TLS.")
	flags.Float64Var(&opt.Tracing.SamplingFraction, "internal.tracing.sampling-fraction", opt.Tracing.SamplingFraction,
		"The fraction of traces to sample. Thus, if you set this to .5, half of traces will be sampled.")

	l := logger.New(os.Stderr, logger.FormatLogfmt)
	stdlog.SetOutput(log.NewStdlibAdapter(l))
	opt.Logger = l

	if err := cmd.Execute(); err != nil {
		level.Error(l).Log("err", err)
		os.Exit(1)
	}
}

type Options struct {
	Listen         string
	ListenInternal string

	Upstream        string
	TokenPaths      []string
	RefreshPath     string
	UpstreamTimeout time.Duration

	SessionCookie     string
	Memcacheds        []string
	SessionExpiration time.Duration

	TrustedProxies []string
	Ratelimit      time.Duration
	RatelimitBurst int

	Refresh refresh.Options
	Pool    gatewayhttp.PoolConfig

	Development bool
	Verbose     bool
	LogLevel    string
	LogFormat   string
	Logger      log.Logger

	Tracing tracing.Config

	// Registry collects the gateway metrics. A new one is created when nil.
	Registry *prometheus.Registry
	// Sessions replaces the store selected by Memcacheds when set.
	Sessions session.Store
}

func (o *Options) Run(ctx context.Context, externalListener, internalListener net.Listener) error {
	if o.Upstream == "" {
		return fmt.Errorf("--upstream is required")
	}
	upstream, err := url.Parse(o.Upstream)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return fmt.Errorf("--upstream must be an absolute URL: %q", o.Upstream)
	}

	trusted, err := identity.ParseTrustedCIDRs(o.TrustedProxies)
	if err != nil {
		return fmt.Errorf("--trusted-proxy: %v", err)
	}

	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.LogFormat == logger.FormatJSON {
		o.Logger = logger.New(os.Stderr, logger.FormatJSON)
	}
	logLevel := o.LogLevel
	if o.Verbose {
		logLevel = "debug"
	}
	o.Logger = logger.Filtered(o.Logger, logLevel)

	tp, err := tracing.InitTracer(ctx, o.Tracing)
	if err != nil {
		return fmt.Errorf("cannot initialize tracer: %v", err)
	}
	otel.SetErrorHandler(tracing.OtelErrorHandler{Logger: o.Logger})

	reg := o.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	poolCfg := o.Pool
	if o.Verbose {
		poolCfg.Wrap = func(next http.RoundTripper) http.RoundTripper {
			return gatewayhttp.NewDebugRoundTripper(o.Logger, next)
		}
	}
	pools := gatewayhttp.NewPools(poolCfg, gatewayhttp.NewInstrumentedRoundTripper(reg))

	sessions := o.Sessions
	switch {
	case sessions != nil:
	case len(o.Memcacheds) > 0:
		sessions = session.NewMemcachedStore(o.SessionCookie, int32(o.SessionExpiration/time.Second), o.Memcacheds...)
		level.Info(o.Logger).Log("msg", "storing sessions in memcached", "servers", strings.Join(o.Memcacheds, ","))
	default:
		sessions = session.NewMemoryStore(o.SessionCookie)
		level.Warn(o.Logger).Log("msg", "storing sessions in memory, they will not be shared with the identity provider")
	}

	refreshOpts := o.Refresh
	refreshOpts.Development = o.Development
	coordinator := refresh.NewCoordinator(refreshOpts, o.Logger, reg)

	refreshURL := *upstream
	refreshURL.Path = joinPath(upstream.Path, o.RefreshPath)

	skip := []string{refreshURL.Path}
	for _, p := range o.TokenPaths {
		skip = append(skip, joinPath(upstream.Path, p))
	}

	factory := dispatch.NewFactory(dispatch.Config{
		Transport:   pools.Ordinary(),
		Coordinator: coordinator,
		Sessions:    sessions,
		Refresher:   refresh.NewClient(&refreshURL, pools, o.Logger),
		SkipBearer:  skip,
		Timeout:     o.UpstreamTimeout,
		Logger:      o.Logger,
		Registerer:  reg,
	})
	extractor := identity.NewExtractor(o.Logger, trusted)

	var g run.Group
	{
		internal := http.NewServeMux()

		gatewayhttp.DebugRoutes(internal)
		gatewayhttp.MetricRoutes(internal, reg)
		gatewayhttp.HealthRoutes(internal)

		r := chi.NewRouter()
		r.Mount("/", internal)
		r.Get("/", gatewayhttp.PathIndex("/", "/metrics", "/debug/pprof", "/healthz", "/healthz/ready"))

		s := &http.Server{
			Handler: otelhttp.NewHandler(r, "internal", otelhttp.WithTracerProvider(tp)),
		}

		// Run the internal server.
		g.Add(func() error {
			if err := s.Serve(internalListener); err != nil && err != http.ErrServerClosed {
				level.Error(o.Logger).Log("msg", "internal HTTP server exited", "err", err)
				return err
			}
			return nil
		}, func(error) {
			_ = s.Shutdown(context.TODO())
			internalListener.Close()
		})
	}
	{
		external := chi.NewRouter()
		external.Use(middleware.RequestID)
		external.Use(proxy.Caller(extractor))
		external.Use(proxy.RequestLogger(o.Logger))

		mux := http.NewServeMux()
		gatewayhttp.HealthRoutes(mux)
		external.Mount("/", mux)

		var api http.Handler = proxy.NewHandler(upstream, proxy.DefaultPrefix, factory, extractor, o.Logger)
		if o.Ratelimit > 0 {
			api = proxy.Ratelimit(o.Logger, o.Ratelimit, o.RatelimitBurst, time.Now, api)
		}
		inbound := gatewayhttp.NewInboundMetrics(reg)
		external.Mount(proxy.DefaultPrefix, inbound.Handler("api", api))

		external.Get("/", gatewayhttp.PathIndex("/", "/healthz", "/healthz/ready", proxy.DefaultPrefix))

		s := &http.Server{
			Handler: otelhttp.NewHandler(external, "external", otelhttp.WithTracerProvider(tp)),
			ErrorLog: stdlog.New(
				&filteredHTTP2ErrorWriter{
					out:               os.Stderr,
					toDebugLogFilters: logFilter,
					logger:            o.Logger,
				},
				"",
				0),
		}

		// Run the external server.
		g.Add(func() error {
			if err := s.Serve(externalListener); err != nil && err != http.ErrServerClosed {
				level.Error(o.Logger).Log("msg", "external HTTP server exited", "err", err)
				return err
			}
			return nil
		}, func(error) {
			_ = s.Shutdown(context.TODO())
			externalListener.Close()

			// Settle pending refreshes and drop pooled connections so nothing leaks.
			coordinator.Close()
			pools.Close()
		})
	}

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	// Kill all when caller requests to.
	gctx, gcancel := context.WithCancel(ctx)
	g.Add(func() error {
		<-gctx.Done()
		return gctx.Err()
	}, func(err error) {
		gcancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			level.Warn(o.Logger).Log("msg", "failed to flush traces", "err", err)
		}
	})

	level.Info(o.Logger).Log(
		"msg", "starting portal-gateway",
		"external", externalListener.Addr().String(),
		"internal", internalListener.Addr().String(),
		"upstream", upstream.Redacted(),
		"version", version.Version,
	)

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		level.Info(o.Logger).Log("msg", "shutting down", "signal", sig.Signal)
		return nil
	}
	return err
}

// joinPath appends p to the upstream base path.
func joinPath(base, p string) string {
	return path.Join("/", base, p)
}

// logFilter is a list of filters
var logFilter = [][]string{
	// filter out TCP probes
	// see https://github.com/golang/go/issues/26918
	{
		"http2: server: error reading preface from client",
		"read: connection reset by peer",
	},
}

type filteredHTTP2ErrorWriter struct {
	out io.Writer
	// toDebugLogFilters is a list of filters.
	// All strings within a filter must match for the filter to match.
	// If any of the filters matches, the log is written to debug level.
	toDebugLogFilters [][]string
	logger            log.Logger
}

func (w *filteredHTTP2ErrorWriter) Write(p []byte) (int, error) {
	logContents := string(p)

	for _, filter := range w.toDebugLogFilters {
		shouldFilter := true
		for _, matches := range filter {
			if !strings.Contains(logContents, matches) {
				shouldFilter = false
				break
			}
		}
		if shouldFilter {
			level.Debug(w.logger).Log("msg", "http server error log has been filtered", "error", logContents)
			return len(p), nil
		}
	}
	return w.out.Write(p)
}
