package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"vms.org/internal/auth"
	"vms.org/internal/config"
	"vms.org/internal/events/mq"
	"vms.org/internal/httpapi"
	"vms.org/internal/identity"
	"vms.org/internal/notify"
	"vms.org/internal/obs"
	"vms.org/internal/store/pg"
	"vms.org/internal/stream"
	"vms.org/internal/visitor"
	"vms.org/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal("load config", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid config", err)
	}

	obs.Init()
	obs.InitBuildInfo(cfg.Version, cfg.Commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		db            *sql.DB
		userStore     identity.Store = identity.NewMemoryStore()
		requestStore  visitor.Store  = visitor.NewMemoryStore()
		notifications notify.Store   = notify.NewMemoryStore()
	)
	if cfg.PGDSN != "" {
		st, err := pg.Open(cfg.PGDSN)
		if err != nil {
			fatal("open db", err)
		}
		defer st.Close()
		db = st.DB()
		userStore, requestStore, notifications = st.Users(), st.Requests(), st.Notifications()
	} else {
		obs.Warn("VMS_PG_DSN not set, using in-memory stores", nil)
	}

	issuer, err := auth.NewIssuer(cfg.AuthSecret,
		auth.WithIssuerName(cfg.AuthIssuer),
		auth.WithTTL(cfg.AccessTTL, cfg.RefreshTTL),
	)
	if err != nil {
		fatal("token issuer", err)
	}
	identities := identity.NewService(userStore, issuer, identity.WithReferrers(requestStore, notifications))
	requests := visitor.NewService(requestStore)

	hub := stream.NewHub()
	var pusher notify.Pusher = hub
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			fatal("redis ping", err)
		}
		bridge := stream.NewRedisBridge(redisClient, cfg.RedisChannel, hub)
		pusher = bridge
		go func() {
			if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
				obs.Error("redis live bridge stopped", map[string]any{"error": err})
			}
		}()
	}

	dispatcher := notify.NewDispatcher(notifications, identities,
		notify.WithPusher(pusher),
		notify.WithPushTimeout(cfg.NotifyTimeout),
	)
	engineOpts := []workflow.Option{
		workflow.WithSink("notify", dispatcher),
		workflow.WithEmitTimeout(cfg.NotifyTimeout),
	}
	probe := httpapi.ReadyProbe{DB: db, Redis: redisClient}
	if cfg.AMQPURL != "" {
		pub, err := mq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			fatal("amqp publisher", err)
		}
		defer pub.Close()
		engineOpts = append(engineOpts, workflow.WithSink("amqp", pub))
		probe.Broker = pub
	}
	engine := workflow.New(identities, requests, engineOpts...)

	if cfg.BootstrapSuperAdmin() {
		u, created, err := identities.EnsureSuperAdmin(ctx, identity.SuperAdmin{
			FullName:      cfg.SuperAdminName,
			ServiceNumber: cfg.SuperAdminServiceNumber,
			Email:         cfg.SuperAdminEmail,
			Password:      cfg.SuperAdminPassword,
		})
		if err != nil {
			fatal("ensure superadmin", err)
		}
		if created {
			obs.Info("superadmin created", map[string]any{"user_id": u.ID, "service_number": u.ServiceNumber})
		}
	}

	api := httpapi.New(httpapi.Services{
		Identity:      identities,
		Requests:      requests,
		Workflow:      engine,
		Notifications: dispatcher,
		Hub:           hub,
	}, probe, cfg.Version,
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
		httpapi.WithLoginLimit(cfg.LoginBurst, cfg.LoginWindow),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// no WriteTimeout: notification streams stay open
		IdleTimeout: 60 * time.Second,
	}
	srv.RegisterOnShutdown(api.CloseStreams)

	grpcServer := grpc.NewServer()
	health := httpapi.NewGRPCServer(probe, cfg.Version)
	health.Register(grpcServer)
	go health.Run(ctx, 10*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		fatal("grpc listen", err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			obs.Error("grpc serve", map[string]any{"error": err})
			stop()
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("http listen", map[string]any{"error": err})
			stop()
		}
	}()
	obs.Info("vms-api started", map[string]any{
		"version":   cfg.Version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"postgres":  db != nil,
		"redis":     redisClient != nil,
		"amqp":      cfg.AMQPURL != "",
	})

	<-ctx.Done()
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Warn("http shutdown", map[string]any{"error": err})
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	obs.Info("stopped", nil)
}

func fatal(msg string, err error) {
	obs.Error(msg, map[string]any{"error": err})
	os.Exit(1)
}
