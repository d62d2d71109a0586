package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"rollcall.io/internal/access"
	"rollcall.io/internal/audit"
	"rollcall.io/internal/auth"
	"rollcall.io/internal/config"
	"rollcall.io/internal/grpcapi"
	"rollcall.io/internal/httpapi"
	"rollcall.io/internal/obs"
	"rollcall.io/internal/policy"
	"rollcall.io/internal/store/pg"
	"rollcall.io/internal/store/redisstore"
	"rollcall.io/internal/token"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("rollcall-api: %v", err)
	}
}

func run(cfg *config.Config) error {
	obs.SetLogger(obs.NewJSONLogger(os.Stderr, obs.ParseLevel(cfg.LogLevel)))
	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Policy file when present, embedded table otherwise.
	engine, err := loadPolicy(cfg)
	if err != nil {
		return err
	}
	if cfg.PolicyWatch && cfg.PolicyFile != "" {
		if w, err := policy.NewWatcher(cfg.PolicyFile, engine, policy.WithWatchLogger(logger)); err != nil {
			logger.Warn("policy_watch_disabled", "path", cfg.PolicyFile, "error", err)
		} else {
			go w.Run(ctx)
		}
	}

	deps := map[string]httpapi.Pinger{}
	var (
		tokens   token.Store         = token.NewMemoryStore()
		throttle token.ThrottleStore = token.NewMemoryThrottle()
		sinks    audit.MultiSink
		closers  []func()
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	if cfg.PostgresDSN != "" {
		store, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		closers = append(closers, func() { _ = store.Close() })
		deps["postgres"] = store
		tokens, throttle = store, store
		sinks = append(sinks, store)
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		closers = append(closers, func() { _ = client.Close() })
		store := redisstore.New(client, cfg.RedisPrefix)
		deps["redis"] = store
		// Redis takes over tokens; Postgres stays the audit sink.
		tokens, throttle = store, store
	}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("rollcall-api"), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		closers = append(closers, func() { _ = nc.Drain() })
		deps["nats"] = httpapi.PingFunc(func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
		sinks = append(sinks, audit.NewNATSSink(nc, cfg.NATSSubjectPrefix))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, audit.NewLogSink(logger))
	}
	feed := audit.NewFeed()
	sinks = append(sinks, feed)

	recorder := audit.NewRecorder(sinks,
		audit.WithLogger(logger),
		audit.WithQueueSize(cfg.AuditQueueSize),
		audit.WithWorkers(cfg.AuditWorkers),
		audit.WithRetry(uint64(cfg.AuditRetries), 50*time.Millisecond),
		audit.WithSuspicion(cfg.AuditDenyThreshold, cfg.AuditDenyWindow),
	)

	tokenSvc, err := token.NewService(tokens, throttle,
		token.WithPepper([]byte(cfg.TokenPepper)),
		token.WithTTL(token.PurposeEmailVerify, cfg.EmailVerifyTTL),
		token.WithTTL(token.PurposePasswordReset, cfg.PasswordResetTTL),
		token.WithLimits(token.Limits{
			Ceiling:  cfg.ThrottleCeiling,
			Window:   cfg.ThrottleWindow,
			Cooldown: cfg.ThrottleCooldown,
		}),
		token.WithTimeout(cfg.StorageTimeout),
		token.WithAuditor(recorder),
		token.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	authz := access.NewAuthorizer(engine, recorder, access.WithLogger(logger))

	sessions, err := auth.NewSessions(cfg.SessionSecret, auth.WithIssuer(cfg.SessionIssuer))
	if err != nil {
		return err
	}

	ready := httpapi.Readiness{Deps: deps, Timeout: cfg.StorageTimeout}
	api := httpapi.New(ready, version, authz, tokenSvc, sessions,
		httpapi.WithRateLimit(cfg.HTTPRateBurst, cfg.HTTPRatePerSec),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
		httpapi.WithAuditFeed(feed),
	)
	// Long-lived SSE streams end with the server.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(cancelStreams)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http_listen", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var stopGRPC func()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv := grpcapi.NewServer(authz, tokenSvc, sessions, ready)
		gs := grpcSrv.NewGRPCServer()
		stopGRPC = gs.GracefulStop
		go grpcSrv.WatchReadiness(ctx, 5*time.Second)
		go func() {
			logger.Info("grpc_listen", "addr", cfg.GRPCAddr)
			if err := gs.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server_failed", "error", err)
	}
	logger.Info("shutting_down")
	obs.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown", "error", err)
	}
	if stopGRPC != nil {
		stopGRPC()
	}
	// Drain the audit queue before closing stores.
	if err := recorder.Close(shutdownCtx); err != nil {
		logger.Warn("audit_drain", "error", err)
	}
	logger.Info("stopped")
	return nil
}

func loadPolicy(cfg *config.Config) (*policy.Engine, error) {
	if cfg.PolicyFile == "" {
		return policy.NewEngine(policy.Default()), nil
	}
	t, err := policy.LoadFile(cfg.PolicyFile)
	if errors.Is(err, os.ErrNotExist) {
		obs.Logger().Warn("policy_file_missing", "path", cfg.PolicyFile, "fallback", "embedded")
		return policy.NewEngine(policy.Default()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return policy.NewEngine(t), nil
}
