// Command server starts the KidStream ingress provisioning API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"kidstream/internal/api"
	"kidstream/internal/auth"
	"kidstream/internal/credentials"
	"kidstream/internal/observability/logging"
	"kidstream/internal/server"
	"kidstream/internal/serverutil"
	"kidstream/internal/session"
	"kidstream/internal/stagepool"
	"kidstream/internal/storage"
	"kidstream/internal/streamkey"
	"kidstream/internal/upstream"
)

type stringListFlag []string

func (s *stringListFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringListFlag) Set(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("empty value")
	}
	*s = append(*s, trimmed)
	return nil
}

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	environment := flag.String("environment", "", "deployment environment tag applied to upstream resources")

	region := flag.String("region", "", "upstream AWS region")
	whipEndpoint := flag.String("whip-endpoint", "", "override for the global WHIP ingress URL")
	defaultStageArn := flag.String("default-stage-arn", "", "shared stage ARN preferred over per-child stages")
	compositionChannelArn := flag.String("composition-channel-arn", "", "IVS channel ARN receiving composited output")
	compositionStorageArn := flag.String("composition-storage-arn", "", "S3 storage configuration ARN for recordings")
	hlsPlaybackURL := flag.String("hls-playback-url", "", "base HLS playback URL for the legacy path")

	poolTarget := flag.Int("pool-target", 0, "warm stages the pool maintains")
	poolMax := flag.Int("pool-max", 0, "hard cap on pool-owned stages")
	stagePrefix := flag.String("stage-prefix", "", "name prefix identifying pool-owned stages")
	replenishInterval := flag.Duration("pool-replenish-interval", 0, "interval between background replenish passes")
	stageMaxAge := flag.Duration("pool-stage-max-age", 0, "age after which idle pooled stages are recycled")

	storageDriver := flag.String("storage-driver", "", "datastore driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections in the Postgres pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")

	streamKeySecret := flag.String("stream-key-secret", "", "secret encrypting legacy stream keys at rest")
	playbackKeyFile := flag.String("playback-signing-key", "", "path to the ES384 private key for playback tokens")
	playbackKeyPairID := flag.String("playback-key-pair-id", "", "key pair ID announced in playback tokens")

	var authTokens stringListFlag
	flag.Var(&authTokens, "auth-token", "bearer token entry token:userId[:admin] or sha256:digest:userId[:admin] (repeatable)")
	authTokensFile := flag.String("auth-tokens-file", "", "file with one bearer token entry per line")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	startLimit := flag.Int("rate-start-limit", 0, "maximum stream starts per user per window")
	startWindow := flag.Duration("rate-start-window", 0, "window for counting stream starts")
	redisAddr := flag.String("rate-redis-addr", "", "Redis address for the distributed start limiter")
	redisPassword := flag.String("rate-redis-password", "", "Redis password for the start limiter")
	redisDB := flag.Int("rate-redis-db", 0, "Redis database for the start limiter")
	redisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis operations")

	reapInterval := flag.Duration("session-reap-interval", 0, "interval between stale session sweeps")
	sessionMaxAge := flag.Duration("session-max-age", 0, "age after which an unattended session is completed")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("KIDSTREAM_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("KIDSTREAM_LOG_FORMAT")),
	})

	awsRegion := firstNonEmpty(*region, os.Getenv("KIDSTREAM_REGION"), os.Getenv("AWS_REGION"))
	if awsRegion == "" {
		logger.Error("upstream region is required (--region or KIDSTREAM_REGION)")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	upstreamAPI, err := upstream.NewIVS(ctx, upstream.IVSConfig{Region: awsRegion})
	if err != nil {
		logger.Error("failed to initialise upstream client", "error", err)
		os.Exit(1)
	}

	issuer, err := credentials.NewIssuer(upstreamAPI, credentials.Config{
		Region:       awsRegion,
		WhipEndpoint: firstNonEmpty(*whipEndpoint, os.Getenv("KIDSTREAM_WHIP_ENDPOINT")),
	})
	if err != nil {
		logger.Error("failed to initialise credential issuer", "error", err)
		os.Exit(1)
	}

	poolCfg := stagepool.DefaultConfig(awsRegion)
	if target := resolveInt(*poolTarget, "KIDSTREAM_POOL_TARGET"); target > 0 {
		poolCfg.TargetPoolSize = target
	}
	if maxSize := resolveInt(*poolMax, "KIDSTREAM_POOL_MAX"); maxSize > 0 {
		poolCfg.MaxPoolSize = maxSize
	}
	if prefix := firstNonEmpty(*stagePrefix, os.Getenv("KIDSTREAM_STAGE_PREFIX")); prefix != "" {
		poolCfg.StagePrefix = prefix
	}
	if interval := resolveDuration(*replenishInterval, "KIDSTREAM_POOL_REPLENISH_INTERVAL", 0); interval > 0 {
		poolCfg.ReplenishInterval = interval
	}
	if maxAge := resolveDuration(*stageMaxAge, "KIDSTREAM_POOL_STAGE_MAX_AGE", 0); maxAge > 0 {
		poolCfg.StageMaxAge = maxAge
	}

	pool, err := stagepool.New(upstreamAPI, issuer, poolCfg, logging.WithComponent(logger, "stagepool"), clockwork.NewRealClock())
	if err != nil {
		logger.Error("failed to configure stage pool", "error", err)
		os.Exit(1)
	}
	if err := pool.Initialize(ctx); err != nil {
		logger.Error("failed to initialise stage pool", "error", err)
		os.Exit(1)
	}
	defer pool.Shutdown()

	store, storeClose, err := openStore(ctx,
		firstNonEmpty(*storageDriver, os.Getenv("KIDSTREAM_STORAGE_DRIVER")),
		storage.PostgresConfig{
			DSN:             firstNonEmpty(*postgresDSN, os.Getenv("KIDSTREAM_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
			MaxConnections:  int32(resolveInt(*postgresMaxConns, "KIDSTREAM_POSTGRES_MAX_CONNS")),
			MinConnections:  int32(resolveInt(*postgresMinConns, "KIDSTREAM_POSTGRES_MIN_CONNS")),
			ApplicationName: firstNonEmpty(*postgresAppName, os.Getenv("KIDSTREAM_POSTGRES_APP_NAME")),
		})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	defer storeClose()

	var keys *streamkey.Cipher
	if secret := firstNonEmpty(*streamKeySecret, os.Getenv("KIDSTREAM_STREAM_KEY_SECRET")); secret != "" {
		keys, err = streamkey.New(secret)
		if err != nil {
			logger.Error("failed to configure stream key cipher", "error", err)
			os.Exit(1)
		}
	}

	var signer *credentials.PlaybackSigner
	keyFile := firstNonEmpty(*playbackKeyFile, os.Getenv("KIDSTREAM_PLAYBACK_SIGNING_KEY"))
	keyPairID := firstNonEmpty(*playbackKeyPairID, os.Getenv("KIDSTREAM_PLAYBACK_KEY_PAIR_ID"))
	if keyFile != "" && keyPairID != "" {
		pemKey, err := os.ReadFile(keyFile)
		if err != nil {
			logger.Error("failed to read playback signing key", "error", err)
			os.Exit(1)
		}
		signer, err = credentials.NewPlaybackSigner(string(pemKey), keyPairID)
		if err != nil {
			logger.Error("failed to configure playback signer", "error", err)
			os.Exit(1)
		}
	}

	manager, err := session.NewManager(store, upstreamAPI, pool, issuer, keys, signer, session.Config{
		Environment:           firstNonEmpty(*environment, os.Getenv("KIDSTREAM_ENVIRONMENT")),
		DefaultStageArn:       firstNonEmpty(*defaultStageArn, os.Getenv("KIDSTREAM_DEFAULT_STAGE_ARN")),
		CompositionChannelArn: firstNonEmpty(*compositionChannelArn, os.Getenv("KIDSTREAM_COMPOSITION_CHANNEL_ARN")),
		CompositionStorageArn: firstNonEmpty(*compositionStorageArn, os.Getenv("KIDSTREAM_COMPOSITION_STORAGE_ARN")),
		HLSPlaybackURL:        firstNonEmpty(*hlsPlaybackURL, os.Getenv("KIDSTREAM_HLS_PLAYBACK_URL")),
	}, logging.WithComponent(logger, "session"), clockwork.NewRealClock())
	if err != nil {
		logger.Error("failed to configure session manager", "error", err)
		os.Exit(1)
	}

	tokenEntries, err := resolveAuthTokens(authTokens, *authTokensFile)
	if err != nil {
		logger.Error("failed to load auth tokens", "error", err)
		os.Exit(1)
	}
	authenticator, err := auth.NewStaticAuthenticator(tokenEntries)
	if err != nil {
		logger.Error("failed to configure authenticator", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(manager, pool, store, authenticator, logger, awsRegion)
	srv, err := server.New(handler, server.Config{
		Addr: firstNonEmpty(*addr, os.Getenv("KIDSTREAM_ADDR"), ":8080"),
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "KIDSTREAM_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "KIDSTREAM_RATE_GLOBAL_BURST"),
			StartLimit:    resolveInt(*startLimit, "KIDSTREAM_RATE_START_LIMIT"),
			StartWindow:   resolveDuration(*startWindow, "KIDSTREAM_RATE_START_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*redisAddr, os.Getenv("KIDSTREAM_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*redisPassword, os.Getenv("KIDSTREAM_RATE_REDIS_PASSWORD")),
			RedisDB:       resolveInt(*redisDB, "KIDSTREAM_RATE_REDIS_DB"),
			RedisTimeout:  resolveDuration(*redisTimeout, "KIDSTREAM_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	reapStop := startSessionReaper(ctx, logging.WithComponent(logger, "reaper"), manager,
		resolveDuration(*reapInterval, "KIDSTREAM_SESSION_REAP_INTERVAL", 5*time.Minute),
		resolveDuration(*sessionMaxAge, "KIDSTREAM_SESSION_MAX_AGE", 6*time.Hour))
	defer reapStop()

	listenAddr := srv.HTTPServer().Addr
	logger.Info("ingress API listening", "addr", listenAddr, "region", awsRegion)
	runErr := serverutil.Run(ctx, serverutil.Config{
		Server: srv.HTTPServer(),
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("KIDSTREAM_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("KIDSTREAM_TLS_KEY")),
		},
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func openStore(ctx context.Context, driver string, pgCfg storage.PostgresConfig) (storage.Repository, func(), error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		if pgCfg.DSN == "" {
			return nil, nil, fmt.Errorf("postgres storage selected without DSN")
		}
		repo, err := storage.NewPostgres(ctx, pgCfg)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	case "", "memory":
		if pgCfg.DSN != "" {
			repo, err := storage.NewPostgres(ctx, pgCfg)
			if err != nil {
				return nil, nil, err
			}
			return repo, repo.Close, nil
		}
		return storage.NewMemory(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func resolveAuthTokens(flagEntries []string, file string) ([]string, error) {
	entries := append([]string(nil), flagEntries...)
	for _, entry := range splitAndTrim(os.Getenv("KIDSTREAM_AUTH_TOKENS")) {
		entries = append(entries, entry)
	}
	path := firstNonEmpty(file, os.Getenv("KIDSTREAM_AUTH_TOKENS_FILE"))
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read auth tokens file: %w", err)
		}
		for _, line := range strings.Split(string(raw), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			entries = append(entries, line)
		}
	}
	return entries, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
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

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
