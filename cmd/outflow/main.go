// Outflow Relay
//
// Standalone relay binary for production deployments. Polls the
// configured outbox backend for pending events and forwards them to the
// configured sink, exposing health, metrics, and dead-letter endpoints.

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	outflow "go.outflow.dev"
	"go.outflow.dev/internal/config"
	"go.outflow.dev/internal/health"
	"go.outflow.dev/internal/leader"
	"go.outflow.dev/internal/secrets"
	"go.outflow.dev/outbox"
	"go.outflow.dev/publisher"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// gater is the optional claim-gate capability of the backend adapters.
type gater interface {
	Gate(func() bool)
}

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("OUTFLOW_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if len(os.Args) > 1 && os.Args[1] == "init-config" {
		path := "outflow.toml"
		if len(os.Args) > 2 {
			path = os.Args[2]
		}
		if err := config.WriteExampleConfig(path); err != nil {
			slog.Error("Failed to write example config", "error", err)
			os.Exit(1)
		}
		fmt.Println("Wrote", path)
		return
	}

	slog.Info("Starting Outflow Relay",
		"version", version,
		"build_time", buildTime)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.DevMode {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secretProvider, err := secrets.NewProvider(cfg.SecretsConfigFor())
	if err != nil {
		slog.Error("Failed to create secrets provider", "error", err)
		os.Exit(1)
	}
	if err := cfg.ResolveSecrets(ctx, secretProvider); err != nil {
		slog.Error("Failed to resolve secret references", "error", err)
		os.Exit(1)
	}

	healthChecker := health.NewChecker()

	engineCfg := &outbox.Config{
		BatchSize:         cfg.Outbox.BatchSize,
		PollInterval:      cfg.Outbox.PollInterval,
		MaxRetries:        cfg.Outbox.MaxRetries,
		BaseBackoff:       cfg.Outbox.RetryBackoffBase,
		MaxErrorBackoff:   cfg.Outbox.MaxErrorBackoff,
		ProcessingTimeout: cfg.Outbox.ProcessingTimeout,
	}

	ox, storageClose, err := buildStorage(ctx, cfg, engineCfg, healthChecker)
	if err != nil {
		slog.Error("Failed to initialize storage backend", "backend", cfg.Storage.Type, "error", err)
		os.Exit(1)
	}
	defer storageClose()

	sender, senderClose, err := buildSender(ctx, cfg, healthChecker)
	if err != nil {
		slog.Error("Failed to initialize sink", "sink", cfg.Publisher.Sink, "error", err)
		os.Exit(1)
	}
	defer senderClose()

	pub := publisher.New(sender, &publisher.Config{
		Retry: publisher.RetryConfig{
			MaxAttempts:  cfg.Publisher.RetryMaxAttempts,
			InitialDelay: cfg.Publisher.RetryInitialDelay,
			MaxDelay:     cfg.Publisher.RetryMaxDelay,
		},
		Processing: publisher.ProcessingConfig{
			BufferSize:    cfg.Publisher.BufferSize,
			FlushTimeout:  cfg.Publisher.FlushTimeout,
			Concurrency:   cfg.Publisher.Concurrency,
			MaxBatchSize:  cfg.Publisher.MaxBatchSize,
			RatePerSecond: float64(cfg.Publisher.RatePerSecond),
		},
		Breaker: cfg.Publisher.Breaker,
	})
	defer pub.Close()

	// Leader election, when enabled, gates the claim loop so only one
	// relay instance drains the outbox.
	elector, err := buildElector(cfg)
	if err != nil {
		slog.Error("Failed to initialize leader election", "error", err)
		os.Exit(1)
	}
	if err := elector.Start(ctx); err != nil {
		slog.Error("Failed to start leader election", "error", err)
		os.Exit(1)
	}
	defer elector.Stop()

	if g, ok := ox.(gater); ok {
		g.Gate(leader.Gate(elector))
	}

	var running atomic.Bool
	running.Store(true)
	handler := func(ctx context.Context, ev *outflow.Event) error {
		return pub.Enqueue(ev)
	}
	sink := func(err error, ev *outflow.Event) {
		if ev != nil {
			slog.Error("Event delivery failed", "eventId", ev.ID, "type", ev.Type, "error", err)
			return
		}
		slog.Error("Outbox processing error", "error", err)
	}

	if err := ox.Start(handler, sink); err != nil {
		slog.Error("Failed to start outbox processor", "error", err)
		os.Exit(1)
	}
	defer ox.Stop()

	healthChecker.AddLivenessCheck(health.PollerCheck(
		running.Load,
		elector.IsPrimary,
	))
	healthChecker.AddReadinessCheck(health.LeaderCheck(elector.InstanceID, elector.IsPrimary))

	slog.Info("Outflow relay started",
		"backend", cfg.Storage.Type,
		"sink", cfg.Publisher.Sink,
		"pollInterval", cfg.Outbox.PollInterval,
		"batchSize", cfg.Outbox.BatchSize,
		"leaderElection", cfg.Leader.Enabled)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      buildRouter(cfg, healthChecker, ox),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("HTTP server starting", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down gracefully...")
	running.Store(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced to shutdown", "error", err)
	}
	if err := ox.Stop(); err != nil {
		slog.Error("Error stopping outbox processor", "error", err)
	}
	if err := pub.Close(); err != nil {
		slog.Error("Error closing publisher", "error", err)
	}

	slog.Info("Outflow relay stopped")
}

// buildStorage constructs the configured outbox adapter and registers
// its readiness check. The returned closer releases the connection.
func buildStorage(ctx context.Context, cfg *config.Config, engineCfg *outbox.Config, hc *health.Checker) (outbox.Outbox, func(), error) {
	noop := func() {}

	switch cfg.Storage.Type {
	case "memory":
		return outbox.NewMemory(engineCfg), noop, nil

	case "postgres":
		db, closer, err := openSQL(ctx, "postgres", cfg.Storage.Postgres, hc, "PostgreSQL")
		if err != nil {
			return nil, nil, err
		}
		adapter := outbox.NewPostgres(db, engineCfg)
		if cfg.Storage.Postgres.CreateSchema {
			if err := adapter.CreateSchema(ctx); err != nil {
				closer()
				return nil, nil, fmt.Errorf("creating postgres schema: %w", err)
			}
		}
		return adapter, closer, nil

	case "mysql":
		db, closer, err := openSQL(ctx, "mysql", cfg.Storage.MySQL, hc, "MySQL")
		if err != nil {
			return nil, nil, err
		}
		adapter := outbox.NewMySQL(db, engineCfg)
		if cfg.Storage.MySQL.CreateSchema {
			if err := adapter.CreateSchema(ctx); err != nil {
				closer()
				return nil, nil, fmt.Errorf("creating mysql schema: %w", err)
			}
		}
		return adapter, closer, nil

	case "mongodb":
		slog.Info("Connecting to MongoDB", "uri", maskURI(cfg.Storage.MongoDB.URI))
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Storage.MongoDB.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to mongodb: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			client.Disconnect(ctx)
			return nil, nil, fmt.Errorf("pinging mongodb: %w", err)
		}
		hc.AddReadinessCheck(health.PingCheck("MongoDB", func() error {
			return client.Ping(context.Background(), nil)
		}))

		adapter := outbox.NewMongo(client.Database(cfg.Storage.MongoDB.Database), engineCfg)
		if cfg.Storage.MongoDB.EnsureIndexes {
			if err := adapter.EnsureIndexes(ctx); err != nil {
				client.Disconnect(ctx)
				return nil, nil, fmt.Errorf("ensuring mongodb indexes: %w", err)
			}
		}
		closer := func() {
			if err := client.Disconnect(context.Background()); err != nil {
				slog.Error("Error disconnecting from MongoDB", "error", err)
			}
		}
		return adapter, closer, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("pinging redis: %w", err)
		}
		hc.AddReadinessCheck(health.PingCheck("Redis", func() error {
			return client.Ping(context.Background()).Err()
		}))
		closer := func() { client.Close() }
		return outbox.NewRedis(client, engineCfg), closer, nil

	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.DynamoDB.Region))
		if err != nil {
			return nil, nil, fmt.Errorf("loading aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.Storage.DynamoDB.Endpoint != "" {
				o.BaseEndpoint = awssdk.String(cfg.Storage.DynamoDB.Endpoint)
			}
		})
		return outbox.NewDynamo(client, cfg.Storage.DynamoDB.Table, engineCfg), noop, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

func openSQL(ctx context.Context, driver string, sc config.SQLConfig, hc *health.Checker, name string) (*sql.DB, func(), error) {
	if sc.DSN == "" {
		return nil, nil, fmt.Errorf("%s dsn is required", driver)
	}

	db, err := sql.Open(driver, sc.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s connection: %w", driver, err)
	}
	db.SetMaxOpenConns(sc.MaxOpenConns)
	db.SetMaxIdleConns(sc.MaxIdleConns)
	db.SetConnMaxLifetime(sc.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("pinging %s: %w", driver, err)
	}

	hc.AddReadinessCheck(health.PingCheck(name, func() error {
		return db.PingContext(context.Background())
	}))
	return db, func() { db.Close() }, nil
}

// buildSender constructs the configured sink sender and registers its
// readiness check where the transport exposes one.
func buildSender(ctx context.Context, cfg *config.Config, hc *health.Checker) (publisher.Sender, func(), error) {
	noop := func() {}

	switch cfg.Publisher.Sink {
	case "log":
		return publisher.NewLogSender(), noop, nil

	case "sqs":
		if cfg.Publisher.SQS.QueueURL == "" {
			return nil, nil, fmt.Errorf("sqs queue_url is required")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Publisher.SQS.Region))
		if err != nil {
			return nil, nil, fmt.Errorf("loading aws config: %w", err)
		}
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.Publisher.SQS.Endpoint != "" {
				o.BaseEndpoint = awssdk.String(cfg.Publisher.SQS.Endpoint)
			}
		})
		return publisher.NewSQSSender(client, cfg.Publisher.SQS.QueueURL), noop, nil

	case "nats":
		conn, err := nats.Connect(cfg.Publisher.NATS.URL,
			nats.ReconnectWait(time.Second),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to nats: %w", err)
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("creating jetstream context: %w", err)
		}
		hc.AddReadinessCheck(health.NATSCheck(conn.IsConnected))
		return publisher.NewNATSSender(js, cfg.Publisher.NATS.SubjectPrefix), func() { conn.Close() }, nil

	case "embedded-nats":
		embedded, err := publisher.NewEmbeddedNATS(&publisher.EmbeddedNATSConfig{
			DataDir:    cfg.Publisher.NATS.DataDir,
			Host:       "127.0.0.1",
			Port:       4222,
			StreamName: "OUTFLOW",
			Subjects:   []string{cfg.Publisher.NATS.SubjectPrefix + ".>"},
			MaxAge:     24 * time.Hour,
		})
		if err != nil {
			return nil, nil, err
		}
		hc.AddReadinessCheck(health.NATSCheck(embedded.Connection().IsConnected))
		closer := func() { embedded.Close() }
		return publisher.NewNATSSender(embedded.JetStream(), cfg.Publisher.NATS.SubjectPrefix), closer, nil

	default:
		return nil, nil, fmt.Errorf("unknown sink %q", cfg.Publisher.Sink)
	}
}

func buildElector(cfg *config.Config) (leader.Elector, error) {
	if !cfg.Leader.Enabled {
		return leader.NewStandalone(), nil
	}

	addr := cfg.Leader.RedisAddr
	if addr == "" {
		addr = cfg.Storage.Redis.Addr
	}
	if addr == "" {
		return nil, fmt.Errorf("leader election requires a redis address")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})

	electCfg := leader.DefaultConfig(cfg.Leader.LockName)
	if cfg.Leader.InstanceID != "" {
		electCfg.InstanceID = cfg.Leader.InstanceID
	}
	if cfg.Leader.TTL > 0 {
		electCfg.TTL = cfg.Leader.TTL
	}
	if cfg.Leader.RefreshInterval > 0 {
		electCfg.RefreshInterval = cfg.Leader.RefreshInterval
	}
	return leader.NewRedisElector(client, electCfg), nil
}

// buildRouter assembles the ops API: health, metrics, and the
// dead-letter inspection endpoints.
func buildRouter(cfg *config.Config, hc *health.Checker, ox outbox.Outbox) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	if len(cfg.HTTP.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.HTTP.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/q/health", hc.HandleHealth)
	r.Get("/q/health/live", hc.HandleLive)
	r.Get("/q/health/ready", hc.HandleReady)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if cfg.HTTP.JWTSecret != "" {
			r.Use(bearerAuth(cfg.HTTP.JWTSecret))
		}
		r.Get("/outbox/failed", handleFailedEvents(ox))
		r.Post("/outbox/retry", handleRetryEvents(ox))
	})

	return r
}

func handleFailedEvents(ox outbox.Outbox) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		source, ok := ox.(outbox.FailedEventSource)
		if !ok {
			writeJSONError(w, http.StatusNotImplemented, "backend does not expose failed events")
			return
		}

		limit := 0
		if raw := req.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = parsed
		}

		events, err := source.FailedEvents(req.Context(), limit)
		if err != nil {
			slog.Error("Failed to list dead-letter events", "error", err)
			writeJSONError(w, http.StatusInternalServerError, "failed to list events")
			return
		}
		if events == nil {
			events = []*outflow.FailedEvent{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"events": events})
	}
}

func handleRetryEvents(ox outbox.Outbox) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		retryer, ok := ox.(outbox.Retryer)
		if !ok {
			writeJSONError(w, http.StatusNotImplemented, "backend does not support manual retry")
			return
		}

		var body struct {
			IDs []string `json:"ids"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(body.IDs) == 0 {
			writeJSONError(w, http.StatusBadRequest, "ids is required")
			return
		}

		if err := retryer.RetryEvents(req.Context(), body.IDs); err != nil {
			slog.Error("Failed to retry events", "count", len(body.IDs), "error", err)
			writeJSONError(w, http.StatusInternalServerError, "failed to retry events")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"retried": len(body.IDs)})
	}
}

// bearerAuth validates an HS256 bearer token against the shared secret.
func bearerAuth(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			auth := req.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "),
				func(t *jwt.Token) (any, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
					}
					return key, nil
				},
				jwt.WithValidMethods([]string{"HS256"}),
			)
			if err != nil || !token.Valid {
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// maskURI hides credentials embedded in a connection URI for logging.
func maskURI(uri string) string {
	if at := strings.Index(uri, "@"); at != -1 {
		if scheme := strings.Index(uri, "://"); scheme != -1 {
			return uri[:scheme+3] + "***" + uri[at:]
		}
	}
	return uri
}
