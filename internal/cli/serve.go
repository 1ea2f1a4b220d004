package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aclgate/aclgate/internal/acceptor"
	"github.com/aclgate/aclgate/internal/config"
	"github.com/aclgate/aclgate/internal/dnscache"
	"github.com/aclgate/aclgate/internal/dnsresolver"
	"github.com/aclgate/aclgate/internal/handler"
	"github.com/aclgate/aclgate/internal/handler/handlers"
	"github.com/aclgate/aclgate/internal/idgen"
	"github.com/aclgate/aclgate/internal/limiter"
	"github.com/aclgate/aclgate/internal/metrics"
	"github.com/aclgate/aclgate/internal/netutil"
	"github.com/aclgate/aclgate/internal/observability"
	"github.com/aclgate/aclgate/internal/resources"
	"github.com/aclgate/aclgate/internal/runtime"
)

type serveOptions struct {
	configFile       string
	envFile          string
	maxConcurrent    int
	dialTimeout      time.Duration
	tracingExporter  string
	tracingEndpoint  string
	tracingEnabled   bool
	tracingInsecure  bool
	userRateBytes    int
	userBurstBytes   int
	targetRateBytes  int
	targetBurstBytes int
}

func newServeCommand(globals *runtime.Options) *cobra.Command {
	opts := &serveOptions{
		maxConcurrent: 1024,
		dialTimeout:   10 * time.Second,
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the forward proxy connection-handler core",
		RunE: func(cmd *cobra.Command, args []string) error {
			if globals.Logger() == nil {
				if err := globals.SetupLogger(); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runServe(ctx, globals, opts)
		},
	}

	cmd.Flags().StringVar(&opts.configFile, "config", "", "path to YAML configuration file")
	cmd.Flags().StringVar(&opts.envFile, "env-file", "", "path to a .env file of overrides")
	cmd.Flags().IntVar(&opts.maxConcurrent, "max-concurrent", opts.maxConcurrent, "maximum connections being negotiated at once")
	cmd.Flags().DurationVar(&opts.dialTimeout, "dial-timeout", opts.dialTimeout, "timeout for the outbound CONNECT dial")
	cmd.Flags().BoolVar(&opts.tracingEnabled, "tracing-enabled", false, "enable OpenTelemetry tracing")
	cmd.Flags().StringVar(&opts.tracingExporter, "tracing-exporter", "stdout", "tracing exporter (stdout, otlp-grpc, otlp-http)")
	cmd.Flags().StringVar(&opts.tracingEndpoint, "tracing-endpoint", "", "tracing collector endpoint")
	cmd.Flags().BoolVar(&opts.tracingInsecure, "tracing-insecure", false, "disable TLS for the tracing exporter")
	cmd.Flags().IntVar(&opts.userRateBytes, "user-rate-bytes", 0, "bytes/sec cap for client->target traffic, 0 = unlimited")
	cmd.Flags().IntVar(&opts.userBurstBytes, "user-burst-bytes", 256*1024, "burst size for client->target traffic")
	cmd.Flags().IntVar(&opts.targetRateBytes, "target-rate-bytes", 0, "bytes/sec cap for target->client traffic, 0 = unlimited")
	cmd.Flags().IntVar(&opts.targetBurstBytes, "target-burst-bytes", 256*1024, "burst size for target->client traffic")

	return cmd
}

func runServe(ctx context.Context, globals *runtime.Options, opts *serveOptions) error {
	logger := globals.Logger().With("component", "serve")

	if opts.envFile != "" {
		if _, err := config.LoadEnvFile(opts.envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	}
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracingShutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     opts.tracingEnabled,
		Exporter:    opts.tracingExporter,
		ServiceName: "aclgate",
		Environment: globals.Env,
		Endpoint:    opts.tracingEndpoint,
		Insecure:    opts.tracingInsecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracingShutdown(context.Background())

	reg := prometheus.NewRegistry()
	stats := metrics.New(reg)

	tracker := resources.New(time.Minute, 0)
	tracker.Start(ctx)

	idGen, err := idgen.New(cfg.IDGenerator)
	if err != nil {
		return fmt.Errorf("build id generator: %w", err)
	}

	cache := dnscache.New()
	resolver := dnsresolver.New(cache, cfg.DNSUpstream, cfg.DNSRecordTTL, cfg.CacheCleanupPeriod, logger.With("component", "dns-resolver"), stats, idGen)
	resolver.Start(ctx)
	defer resolver.Stop()

	lim := limiter.New(opts.userRateBytes, opts.userBurstBytes, opts.targetRateBytes, opts.targetBurstBytes)
	dialer := acceptor.NewNetDialer()

	build := func(ctx context.Context, conn net.Conn) (handler.Handler, error) {
		return negotiateConnect(ctx, conn, resolver, dialer, lim, cfg, opts.dialTimeout)
	}

	listener, err := netutil.Listen(ctx, cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	acceptorLogger := globals.StructuredLogger()
	acc := acceptor.New(listener, cfg, stats, acceptorLogger, resolver, lim, build, opts.maxConcurrent)

	statusSrv := newStatusServer(cfg.StatusAddr, reg, tracker, stats, cache)
	go func() {
		if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = statusSrv.Shutdown(shutdownCtx)
	}()

	go watchForReload(ctx, logger, resolver)

	logger.Info("aclgate listening", "addr", cfg.ListenAddr, "status_addr", cfg.StatusAddr)
	return acc.Serve(ctx)
}

func newStatusServer(addr string, reg *prometheus.Registry, tracker *resources.Tracker, stats *metrics.Metrics, cache *dnscache.Cache) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status.json", func(w http.ResponseWriter, r *http.Request) {
		snap := tracker.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"active_connections":%d,"dns_cache_entries":%d,"cpu_percent":%.2f,"rss_bytes":%d,"goroutines":%d}`,
			stats.ActiveConnections(), cache.Len(), snap.Current.CPUPercent, snap.Current.RSSBytes, snap.Current.Goroutines)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

// watchForReload implements the UpdatedDnsParams supplement: SIGHUP
// re-reads cache_cleanup_period from the environment and pushes it to
// the resolver agent as a live config-reload message, the way spec.md
// §4.5's updated_dns_params is meant to be driven from the outside.
func watchForReload(ctx context.Context, logger *slog.Logger, resolver *dnsresolver.Agent) {
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	for {
		select {
		case <-ctx.Done():
			return
		case <-reload:
			period := config.GetDurationEnv("ACLGATE_CACHE_CLEANUP_PERIOD", 0)
			upstream := config.GetStringEnv("ACLGATE_DNS_UPSTREAM", "")
			if period == 0 && upstream == "" {
				logger.Info("sighup received, no dns params changed")
				continue
			}
			logger.Info("sighup received, reloading dns params", "upstream", upstream, "cleanup_period", period)
			resolver.UpdateParams(upstream, period)
		}
	}
}

// negotiateConnect is the HTTP-CONNECT parsing external collaborator
// spec.md §1 carves out of scope for the handler core: it reads the
// request line and headers off the freshly accepted socket, dials the
// target (resolving through the DNS agent first), and builds the
// initial ConnectHandler.
func negotiateConnect(ctx context.Context, conn net.Conn, resolver *dnsresolver.Agent, dialer acceptor.Dialer, lim *limiter.TrafficLimiter, cfg config.ProxyConfig, dialTimeout time.Duration) (handler.Handler, error) {
	reader := bufio.NewReader(conn)
	requestLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read request line: %w", err)
	}
	fields := strings.Fields(requestLine)
	if len(fields) != 3 || fields[0] != "CONNECT" {
		return nil, fmt.Errorf("unsupported request line %q", strings.TrimSpace(requestLine))
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read headers: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}

	host, portStr, err := net.SplitHostPort(fields[1])
	if err != nil {
		return nil, fmt.Errorf("invalid CONNECT target %q: %w", fields[1], err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid CONNECT port %q: %w", portStr, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	addr, rerr := resolver.Resolve(dialCtx, host, dnscache.FamilyAny)
	target := host
	if rerr == nil {
		target = addr.String()
	}

	outbound, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(target, portStr))
	if err != nil {
		return nil, fmt.Errorf("dial target %s:%d: %w", host, port, err)
	}

	return handlers.NewConnectHandler(conn, outbound, host, port, lim, cfg.IOChunkSize)
}
