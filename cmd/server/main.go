// Command server starts the Cruvz control-plane HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"cruvz-control/internal/api"
	"cruvz-control/internal/config"
	"cruvz-control/internal/engine"
	"cruvz-control/internal/observability/logging"
	"cruvz-control/internal/observability/metrics"
	"cruvz-control/internal/publish"
	"cruvz-control/internal/quality"
	"cruvz-control/internal/registry"
	"cruvz-control/internal/server"
	"cruvz-control/internal/storage"
	"cruvz-control/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	storageDriver := flag.String("storage-driver", "", "datastore driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresConnectTimeout := flag.Duration("postgres-connect-timeout", 0, "timeout when establishing Postgres connections")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	engineDriver := flag.String("engine-driver", "", "media engine driver (noop or http)")
	engineURL := flag.String("engine-url", "", "base URL of the media engine API")
	engineToken := flag.String("engine-token", "", "bearer token for media engine requests")
	engineTimeout := flag.Duration("engine-timeout", 0, "per-request timeout for media engine calls")
	queueDriver := flag.String("queue-driver", "", "viewer sample queue driver (memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the sample queue")
	queueRedisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the sample queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the sample queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the sample queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for viewer samples")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for viewer samples")
	queueRedisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the sample queue")
	queueRedisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the sample queue")
	queueRedisTLSCA := flag.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate for the sample queue")
	queueRedisTLSCert := flag.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate for the sample queue")
	queueRedisTLSKey := flag.String("queue-redis-tls-key", "", "path to Redis TLS client key for the sample queue")
	queueRedisTLSServerName := flag.String("queue-redis-tls-server-name", "", "override Redis TLS server name for the sample queue")
	queueRedisTLSSkipVerify := flag.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification for the sample queue")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	proberInterval := flag.Duration("prober-interval", 0, "interval between publishing target health sweeps")
	proberConcurrency := flag.Int("prober-concurrency", 0, "maximum concurrent health probes per sweep")
	flag.Parse()

	fileCfg, err := config.Load(firstNonEmpty(*configPath, os.Getenv("CRUVZ_CONTROL_CONFIG")))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{
		Level: firstNonEmpty(*logLevel, os.Getenv("CRUVZ_CONTROL_LOG_LEVEL"), fileCfg.LogLevel),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("CRUVZ_CONTROL_MODE"), fileCfg.Mode)
	listenAddr := firstNonEmpty(*addr, os.Getenv("CRUVZ_CONTROL_ADDR"), fileCfg.Addr, ":8080")

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("CRUVZ_CONTROL_POSTGRES_DSN"), os.Getenv("DATABASE_URL"), fileCfg.Storage.PostgresDSN)
	driver, err := resolveStorageDriver(firstNonEmpty(*storageDriver, os.Getenv("CRUVZ_CONTROL_STORAGE_DRIVER"), fileCfg.Storage.Driver), serverMode, dsn)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	var store storage.Store
	switch driver {
	case "memory":
		store = storage.NewMemoryStore()
	case "postgres":
		if dsn == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.PostgresOption
		maxConns := resolveInt(*postgresMaxConns, "CRUVZ_CONTROL_POSTGRES_MAX_CONNS", fileCfg.Storage.MaxConns)
		minConns := resolveInt(*postgresMinConns, "CRUVZ_CONTROL_POSTGRES_MIN_CONNS", fileCfg.Storage.MinConns)
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "CRUVZ_CONTROL_POSTGRES_MAX_CONN_LIFETIME", fileCfg.Storage.MaxConnLifetime)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "CRUVZ_CONTROL_POSTGRES_MAX_CONN_IDLE", fileCfg.Storage.MaxConnIdle)
		if maxLifetime > 0 || maxIdle > 0 {
			pgOptions = append(pgOptions, storage.WithPoolDurations(maxLifetime, maxIdle, 0))
		}
		if connectTimeout := resolveDuration(*postgresConnectTimeout, "CRUVZ_CONTROL_POSTGRES_CONNECT_TIMEOUT", fileCfg.Storage.ConnectTimeout); connectTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithConnectTimeout(connectTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("CRUVZ_CONTROL_POSTGRES_APP_NAME"), fileCfg.Storage.AppName); appName != "" {
			pgOptions = append(pgOptions, storage.WithApplicationName(appName))
		}
		pgStore, err := storage.NewPostgresStore(bootCtx, dsn, pgOptions...)
		if err != nil {
			logger.Error("failed to open datastore", "error", err)
			os.Exit(1)
		}
		store = pgStore
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}

	qualityRecorder := quality.NewRecorder(store, quality.WithRecorderLogger(logging.WithComponent(logger, "quality")))
	reporter := quality.NewReporter(store)

	mediaEngine, err := configureEngine(engineSettings{
		Driver:  firstNonEmpty(*engineDriver, os.Getenv("CRUVZ_CONTROL_ENGINE_DRIVER"), fileCfg.Engine.Driver),
		URL:     firstNonEmpty(*engineURL, os.Getenv("CRUVZ_CONTROL_ENGINE_URL"), fileCfg.Engine.URL),
		Token:   firstNonEmpty(*engineToken, os.Getenv("CRUVZ_CONTROL_ENGINE_TOKEN"), fileCfg.Engine.Token),
		Timeout: resolveDuration(*engineTimeout, "CRUVZ_CONTROL_ENGINE_TIMEOUT", fileCfg.Engine.RequestTimeout),
	}, serverMode, logger)
	if err != nil {
		logger.Error("failed to configure media engine", "error", err)
		os.Exit(1)
	}

	reg := registry.New(store, qualityRecorder, registry.WithLogger(logging.WithComponent(logger, "registry")))
	orchestrator := publish.New(store, mediaEngine, qualityRecorder,
		publish.WithLogger(logging.WithComponent(logger, "publish")))
	reg.SetDisconnector(orchestrator)

	queueCfg := telemetry.RedisQueueConfig{
		Addr:       firstNonEmpty(*queueRedisAddr, os.Getenv("CRUVZ_CONTROL_QUEUE_REDIS_ADDR"), fileCfg.Queue.RedisAddr),
		Addrs:      splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("CRUVZ_CONTROL_QUEUE_REDIS_ADDRS"), strings.Join(fileCfg.Queue.RedisAddrs, ","))),
		Username:   firstNonEmpty(*queueRedisUsername, os.Getenv("CRUVZ_CONTROL_QUEUE_REDIS_USERNAME"), fileCfg.Queue.Username),
		Password:   firstNonEmpty(*queueRedisPassword, os.Getenv("CRUVZ_CONTROL_QUEUE_REDIS_PASSWORD"), fileCfg.Queue.Password),
		Stream:     firstNonEmpty(*queueRedisStream, os.Getenv("CRUVZ_CONTROL_QUEUE_REDIS_STREAM"), fileCfg.Queue.Stream),
		Group:      firstNonEmpty(*queueRedisGroup, os.Getenv("CRUVZ_CONTROL_QUEUE_REDIS_GROUP"), fileCfg.Queue.Group),
		MasterName: firstNonEmpty(*queueRedisMasterName, os.Getenv("CRUVZ_CONTROL_QUEUE_REDIS_SENTINEL_MASTER"), fileCfg.Queue.MasterName),
		PoolSize:   resolveInt(*queueRedisPoolSize, "CRUVZ_CONTROL_QUEUE_REDIS_POOL_SIZE", fileCfg.Queue.PoolSize),
		TLS: telemetry.RedisTLSConfig{
			CAFile:             firstNonEmpty(*queueRedisTLSCA, os.Getenv("CRUVZ_CONTROL_QUEUE_REDIS_TLS_CA"), fileCfg.Queue.TLS.CAFile),
			CertFile:           firstNonEmpty(*queueRedisTLSCert, os.Getenv("CRUVZ_CONTROL_QUEUE_REDIS_TLS_CERT"), fileCfg.Queue.TLS.CertFile),
			KeyFile:            firstNonEmpty(*queueRedisTLSKey, os.Getenv("CRUVZ_CONTROL_QUEUE_REDIS_TLS_KEY"), fileCfg.Queue.TLS.KeyFile),
			ServerName:         firstNonEmpty(*queueRedisTLSServerName, os.Getenv("CRUVZ_CONTROL_QUEUE_REDIS_TLS_SERVER_NAME"), fileCfg.Queue.TLS.ServerName),
			InsecureSkipVerify: resolveBool(*queueRedisTLSSkipVerify, "CRUVZ_CONTROL_QUEUE_REDIS_TLS_SKIP_VERIFY") || fileCfg.Queue.TLS.InsecureSkipVerify,
		},
		Logger: logging.WithComponent(logger, "sample-queue"),
	}
	queue, err := configureQueue(firstNonEmpty(*queueDriver, os.Getenv("CRUVZ_CONTROL_QUEUE_DRIVER"), fileCfg.Queue.Driver), queueCfg)
	if err != nil {
		logger.Error("failed to configure sample queue", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(api.HandlerConfig{
		Registry:  reg,
		Publisher: orchestrator,
		Reporter:  reporter,
		Store:     store,
		Samples:   queue,
		Metrics:   recorder,
		Logger:    logging.WithComponent(logger, "api"),
	})

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("CRUVZ_CONTROL_TLS_CERT"), fileCfg.TLS.CertFile),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("CRUVZ_CONTROL_TLS_KEY"), fileCfg.TLS.KeyFile),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:   resolveFloat(*globalRPS, "CRUVZ_CONTROL_RATE_GLOBAL_RPS", fileCfg.Rate.GlobalRPS),
			GlobalBurst: resolveInt(*globalBurst, "CRUVZ_CONTROL_RATE_GLOBAL_BURST", fileCfg.Rate.GlobalBurst),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("CRUVZ_CONTROL_CORS_ORIGINS"), strings.Join(fileCfg.CORS.AllowedOrigins, ","))),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerCtx, workerCancel := context.WithCancel(runCtx)
	defer workerCancel()
	go func() {
		worker := telemetry.NewWorker(queue, reg, logging.WithComponent(logger, "sample-worker"))
		if err := worker.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("sample worker stopped", "error", err)
		}
	}()

	prober := publish.NewProber(orchestrator,
		resolveDuration(*proberInterval, "CRUVZ_CONTROL_PROBER_INTERVAL", fileCfg.Prober.Interval),
		resolveInt(*proberConcurrency, "CRUVZ_CONTROL_PROBER_CONCURRENCY", fileCfg.Prober.Concurrency))
	go func() {
		if err := prober.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("health prober stopped", "error", err)
		}
	}()

	logger.Info("control plane listening", "addr", listenAddr, "mode", serverMode, "storage", driver)
	logger.Info("metrics endpoint available", "path", "/metrics")
	if err := srv.Run(runCtx); err != nil {
		logger.Error("server error", "error", err)
	}

	workerCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to drain connection attempts", "error", err)
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	logger.Info("server stopped")
}

type engineSettings struct {
	Driver  string
	URL     string
	Token   string
	Timeout time.Duration
}

func configureEngine(settings engineSettings, mode string, logger *slog.Logger) (engine.MediaEngine, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.Driver))
	if driver == "" {
		if settings.URL != "" {
			driver = "http"
		} else {
			driver = "noop"
		}
	}
	switch driver {
	case "noop":
		if mode == "production" {
			return nil, fmt.Errorf("production mode requires the http media engine driver")
		}
		return engine.NoopEngine{}, nil
	case "http":
		if settings.URL == "" {
			return nil, fmt.Errorf("engine url is required for the http driver")
		}
		opts := []engine.HTTPEngineOption{engine.WithLogger(logging.WithComponent(logger, "engine"))}
		if settings.Timeout > 0 {
			opts = append(opts, engine.WithRequestTimeout(settings.Timeout))
		}
		return engine.NewHTTPEngine(settings.URL, settings.Token, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported engine driver %q", driver)
	}
}

func configureQueue(driver string, cfg telemetry.RedisQueueConfig) (telemetry.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the sample queue")
		}
		return telemetry.NewRedisQueue(cfg)
	case "", "memory":
		return telemetry.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
	}
}

func resolveStorageDriver(value, mode, dsn string) (string, error) {
	driver := strings.ToLower(strings.TrimSpace(value))
	if driver == "" {
		if strings.TrimSpace(dsn) != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}
	if mode == "production" && driver != "postgres" {
		return "", fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver)
	}
	return driver, nil
}

func modeValue(values ...string) string {
	mode := strings.ToLower(firstNonEmpty(values...))
	if mode == "" {
		mode = "development"
	}
	return mode
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string, fileValue float64) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return fileValue
}

func resolveInt(flagValue int, envKey string, fileValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return fileValue
}

func resolveDuration(flagValue time.Duration, envKey string, fileValue time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fileValue
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
