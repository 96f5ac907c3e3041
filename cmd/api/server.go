package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/livestage/internal/api"
	"github.com/onnwee/livestage/internal/archive"
	"github.com/onnwee/livestage/internal/audit"
	"github.com/onnwee/livestage/internal/auth"
	"github.com/onnwee/livestage/internal/config"
	"github.com/onnwee/livestage/internal/coordinator"
	"github.com/onnwee/livestage/internal/db"
	"github.com/onnwee/livestage/internal/health"
	"github.com/onnwee/livestage/internal/idempotency"
	"github.com/onnwee/livestage/internal/jobs"
	"github.com/onnwee/livestage/internal/livekit"
	"github.com/onnwee/livestage/internal/middleware"
	"github.com/onnwee/livestage/internal/stream"
)

const serviceName = "livestage-api"

// idempotencyCleanupInterval is how often the in-memory idempotency
// repository drops expired responses. Redis expires keys itself.
const idempotencyCleanupInterval = time.Hour

// rateWindowCleanupInterval bounds how long closed in-memory rate limit
// windows are kept for callers that never return.
const rateWindowCleanupInterval = 5 * time.Minute

// server holds the assembled collaborators of the API process.
type server struct {
	cfg    *config.Config
	logger *slog.Logger

	coord       *coordinator.Coordinator
	feed        stream.Feed
	tokens      api.TokenIssuer
	validator   middleware.TokenValidator
	idempotency idempotency.Repository
	rateStore   middleware.RateLimitStore

	streamMetrics *stream.Metrics
	httpMetrics   *middleware.Metrics
	jobMetrics    *jobs.Metrics
	registry      *prometheus.Registry
	health        api.HealthHandlersConfig

	closers []func() error
}

// newServer wires stores, feed, media and middleware from cfg. Background
// work it starts stops when ctx is cancelled.
func newServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *server, err error) {
	s := &server{
		cfg:           cfg,
		logger:        logger,
		validator:     auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret),
		streamMetrics: stream.NewMetrics(),
		httpMetrics:   middleware.NewMetrics(),
		jobMetrics:    jobs.NewMetrics(),
		registry:      prometheus.NewRegistry(),
		health:        api.HealthHandlersConfig{MetricsEnabled: true},
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := s.streamMetrics.Register(s.registry); err != nil {
		return nil, fmt.Errorf("register stream metrics: %w", err)
	}
	if err := s.httpMetrics.Register(s.registry); err != nil {
		return nil, fmt.Errorf("register http metrics: %w", err)
	}
	if err := s.jobMetrics.Register(s.registry); err != nil {
		return nil, fmt.Errorf("register job metrics: %w", err)
	}

	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		s.closers = append(s.closers, redisClient.Close)
		s.health.RedisChecker = health.NewRedisChecker(redisClient)
	}

	base, err := s.openStore(ctx, redisClient)
	if err != nil {
		return nil, err
	}

	switch cfg.FeedBackend {
	case config.BackendRedis:
		s.feed = stream.NewRedisFeed(redisClient, stream.DefaultSubscriberBuffer, logger)
	default:
		s.feed = stream.NewInMemoryFeed(stream.DefaultSubscriberBuffer, logger)
	}
	store := stream.NewPublishingStore(base, s.feed, s.streamMetrics, logger)

	opts := coordinator.Options{
		Audit:       audit.NewInMemoryRepository(),
		Metrics:     s.streamMetrics,
		Logger:      logger,
		MaxAttempts: cfg.MutationMaxAttempts,
	}
	if cfg.LiveKitEnabled() {
		if rooms := livekit.NewRoomService(cfg.LiveKitURL, cfg.LiveKitAPIKey, cfg.LiveKitAPISecret, logger); rooms != nil {
			opts.Media = rooms
		}
		tokens, err := livekit.NewTokenService(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret)
		if err != nil {
			return nil, fmt.Errorf("livekit token service: %w", err)
		}
		s.tokens = tokens
		s.health.LiveKitChecker = health.NewLiveKitChecker(cfg.LiveKitURL)
	}
	if cfg.ArchiveEnabled() {
		archiver, err := archive.New(archive.Config{
			Bucket:          cfg.ArchiveBucket,
			Endpoint:        cfg.ArchiveEndpoint,
			Region:          cfg.ArchiveRegion,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("session archive: %w", err)
		}
		opts.Archiver = trackedArchiver{archiver: archiver, reporter: s.jobMetrics}
	}
	s.coord = coordinator.New(store, opts)

	if redisClient != nil {
		s.idempotency = idempotency.NewRedisRepository(redisClient, idempotency.DefaultExpiry)
		s.rateStore = middleware.NewRedisRateLimitStore(redisClient).WithMetrics(s.httpMetrics)
	} else {
		repo := idempotency.NewInMemoryRepository()
		cleanup := jobs.NewPeriodic(jobs.Config{
			Type:     jobs.JobTypeIdempotencyCleanup,
			Interval: idempotencyCleanupInterval,
			Logger:   logger,
			Reporter: s.jobMetrics,
		}, func(ctx context.Context) error {
			_, err := idempotency.CleanupOldKeys(ctx, repo, idempotency.DefaultExpiry, logger)
			return err
		})
		cleanup.Start(ctx)
		s.closers = append(s.closers, func() error { cleanup.Stop(); return nil })
		s.idempotency = repo

		limits := middleware.NewInMemoryRateLimitStore()
		sweep := jobs.NewPeriodic(jobs.Config{
			Type:     jobs.JobTypeRateLimitCleanup,
			Interval: rateWindowCleanupInterval,
			Logger:   logger,
			Reporter: s.jobMetrics,
		}, func(context.Context) error {
			if n := limits.Cleanup(); n > 0 {
				logger.Debug("dropped closed rate limit windows", "count", n)
			}
			return nil
		})
		sweep.Start(ctx)
		s.closers = append(s.closers, func() error { sweep.Stop(); return nil })
		s.rateStore = limits
	}

	logger.Info("server assembled",
		"store_backend", cfg.StoreBackend,
		"feed_backend", cfg.FeedBackend,
		"livekit", cfg.LiveKitEnabled(),
		"archive", cfg.ArchiveEnabled(),
	)
	return s, nil
}

func (s *server) openStore(ctx context.Context, redisClient *redis.Client) (stream.SessionStore, error) {
	switch s.cfg.StoreBackend {
	case config.BackendPostgres:
		conn, err := db.Open(ctx, s.cfg.DatabaseURL, s.logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, conn.Close)
		s.health.DBChecker = health.NewDBChecker(conn)
		return stream.NewPostgresSessionStore(conn, s.logger), nil
	case config.BackendRedis:
		return stream.NewRedisSessionStore(redisClient, stream.DefaultEndedRetention, s.logger), nil
	default:
		return stream.NewInMemorySessionStore(), nil
	}
}

// handler builds the full middleware chain. Health and metrics are public;
// every /streams and /rooms route requires a bearer token.
func (s *server) handler() http.Handler {
	cors := middleware.DefaultCORSConfig(s.cfg.CORSOrigins)

	streams := http.NewServeMux()
	api.NewStreamHandlers(api.StreamHandlersConfig{
		Coordinator: s.coord,
		Tokens:      s.tokens,
		Feed:        s.feed,
		Metrics:     s.streamMetrics,
		CheckOrigin: middleware.OriginChecker(cors),
		Logger:      s.logger,
	}).Register(streams)

	var protected http.Handler = streams
	protected = middleware.Idempotency(s.idempotency, api.IdempotentRoutes)(protected)
	protected = middleware.RateLimit(s.rateStore, middleware.DefaultBudgets(), s.httpMetrics)(protected)
	protected = middleware.RequireAuth(s.validator)(protected)

	healthHandlers := api.NewHealthHandlers(s.health)
	root := http.NewServeMux()
	root.HandleFunc("/health/live", healthHandlers.Live)
	root.HandleFunc("/health/ready", healthHandlers.Ready)
	root.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	root.Handle("/streams", protected)
	root.Handle("/streams/", protected)
	root.Handle("/rooms/", protected)
	root.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, r.Context(), http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
	})

	var h http.Handler = root
	h = middleware.CORS(cors)(h)
	h = middleware.HTTPMetrics(s.httpMetrics)(h)
	h = middleware.Logging(s.logger)(h)
	h = middleware.Tracing(serviceName)(h)
	h = middleware.RequestID(h)
	return h
}

// trackedArchiver reports each archive write as a background job.
type trackedArchiver struct {
	archiver coordinator.Archiver
	reporter jobs.Reporter
}

func (a trackedArchiver) Archive(ctx context.Context, session *stream.Session) error {
	return jobs.Track(a.reporter, jobs.JobTypeSessionArchive, func() error {
		return a.archiver.Archive(ctx, session)
	})
}

// Close releases connections in reverse order of creation.
func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("failed to close resource", "error", err)
		}
	}
	s.closers = nil
}
