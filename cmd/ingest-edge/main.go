package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/optiview/optiview-edge/internal/alerts"
	"github.com/optiview/optiview-edge/internal/auth"
	"github.com/optiview/optiview-edge/internal/classify"
	"github.com/optiview/optiview-edge/internal/gateway"
	"github.com/optiview/optiview-edge/internal/keys"
	"github.com/optiview/optiview-edge/internal/ratelimit"
	"github.com/optiview/optiview-edge/internal/rules"
	"github.com/optiview/optiview-edge/internal/telemetry"
)

var (
	// Server configuration
	listenPort  = flag.String("listen-port", "8080", "Port for the ingest HTTP server")
	metricsPort = flag.String("metrics-port", "9090", "Port for the Prometheus metrics server")

	// Ingest policy
	maxBodyKB      = flag.Int("max-body-kb", 64, "Maximum event payload size in KB")
	allowedOrigins = flag.String("allowed-origins", "", "Comma-separated origin allow-list for the page-view path (empty allows any)")

	// Rate limiting
	rateLimitRPS   = flag.Float64("rate-limit-rps", 10, "Sustained requests per second per API key")
	rateLimitBurst = flag.Float64("rate-limit-burst", 30, "Burst capacity per API key")

	// Backends
	ruleStoreBackend = flag.String("rule-store-backend", "memory", "Rule store backend (memory or redis)")
	redisAddress     = flag.String("redis-address", "localhost:6379", "Redis server address for the rule store")
	registryBackend  = flag.String("registry-backend", "memory", "Key registry backend (memory or postgres)")
	postgresDSN      = flag.String("postgres-dsn", "", "Postgres DSN for the key registry")

	// Alerting
	webhookURL    = flag.String("alert-webhook-url", "", "Webhook URL for SLO and cron alerts")
	environment   = flag.String("environment", "development", "Environment tag prefixed to alert messages")
	alertCooldown = flag.Duration("alert-cooldown", time.Hour, "Default cooldown between identical alerts")
	sloInterval   = flag.Duration("slo-check-interval", time.Minute, "How often SLO and cron rules are evaluated")

	// Logging
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)
	logger := log.With().Str("component", "ingest-edge").Logger()

	ruleStore, err := rules.NewStore(*ruleStoreBackend, *redisAddress, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize rule store")
	}
	defer ruleStore.Close()

	registry, err := keys.NewRegistry(*registryBackend, *postgresDSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize key registry")
	}
	defer registry.Close()

	authn := auth.New(registry, logger)
	limiter := ratelimit.New(ratelimit.Config{
		RefillPerSecond:  *rateLimitRPS,
		Burst:            *rateLimitBurst,
		MaxRetryAfter:    60 * time.Second,
		CleanupThreshold: 10000,
		IdleTimeout:      2 * time.Minute,
	}, logger)
	classifier := classify.New(ruleStore, logger)
	collector := telemetry.NewCollector(prometheus.DefaultRegisterer, logger)
	alerter := alerts.NewManager(alerts.Config{
		WebhookURL:      *webhookURL,
		Environment:     *environment,
		DefaultCooldown: *alertCooldown,
	}, logger)

	var origins []string
	for _, o := range strings.Split(*allowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	gw := gateway.New(gateway.Config{
		MaxBodyKB:      *maxBodyKB,
		AllowedOrigins: origins,
	}, authn, limiter, classifier, collector, registry, ruleStore, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info().
		Str("listen_port", *listenPort).
		Str("metrics_port", *metricsPort).
		Str("rule_store", *ruleStoreBackend).
		Str("registry", *registryBackend).
		Msg("starting ingest edge components")

	go startIngestServer(ctx, gw, *listenPort, logger)
	go startMetricsServer(ctx, *metricsPort, logger)
	go watchSLOs(ctx, collector, alerter, ruleStore, *sloInterval, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down ingest edge")
	cancel()

	// Give the servers a moment to drain.
	time.Sleep(time.Second)
	logger.Info().Msg("ingest edge stopped")
}

func startIngestServer(ctx context.Context, gw *gateway.Gateway, port string, logger zerolog.Logger) {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      gw.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info().Str("port", port).Msg("ingest HTTP server started")

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down ingest HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("ingest HTTP server shutdown error")
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("failed to serve ingest")
	}
}

func startMetricsServer(ctx context.Context, port string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("metrics server ok"))
	})

	server := &http.Server{Addr: ":" + port, Handler: mux}

	logger.Info().Str("port", port).Msg("metrics HTTP server started")

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down metrics HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics HTTP server shutdown error")
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("failed to serve metrics")
	}
}

// watchSLOs periodically evaluates the rolling window and cron
// heartbeat against the alert rules.
func watchSLOs(ctx context.Context, collector *telemetry.Collector, alerter *alerts.Manager,
	ruleStore rules.Store, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alerter.CheckSLOBreaches(ctx, collector.Snapshot())

			ts, ok, err := ruleStore.LastCronRun(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to read cron heartbeat")
				continue
			}
			if !ok {
				alerter.CheckCronFailure(ctx, nil)
				continue
			}
			alerter.CheckCronFailure(ctx, &ts)
		}
	}
}
