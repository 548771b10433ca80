package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/observelab/termdemo/config"
	deliveryHTTP "github.com/observelab/termdemo/internal/delivery/http"
	"github.com/observelab/termdemo/internal/delivery/kafka/producer"
	deliveryWS "github.com/observelab/termdemo/internal/delivery/ws"
	infraRedis "github.com/observelab/termdemo/internal/infra/redis"
	"github.com/observelab/termdemo/internal/ratelimit"
	repo "github.com/observelab/termdemo/internal/repository/redis"
	"github.com/observelab/termdemo/internal/service"
	"github.com/observelab/termdemo/internal/telemetry"
	"github.com/observelab/termdemo/internal/terminal"
	pkgKafka "github.com/observelab/termdemo/pkg/kafka"
	pkgLog "github.com/observelab/termdemo/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	l := pkgLog.InitializeZapLogger(pkgLog.ZapConfig{
		Level:    cfg.Log.Level,
		Mode:     cfg.Log.Mode,
		Encoding: cfg.Log.Encoding,
	})

	redisCli, err := infraRedis.Connect(ctx, cfg.Redis)
	if err != nil {
		l.Fatalf(ctx, "Failed to connect to Redis: %v", err)
	}
	defer infraRedis.Disconnect(redisCli)

	tel, err := telemetry.New(cfg.Telemetry.StatsdAddr, l)
	if err != nil {
		l.Fatalf(ctx, "Failed to initialize telemetry: %v", err)
	}
	defer tel.Close()

	inviteRepo := repo.NewRedisInviteRepository(redisCli, l)
	sessionRepo := repo.NewRedisSessionRepository(redisCli, l)

	var prod producer.Producer
	if cfg.Kafka.Enabled {
		kafkaSyncProd, err := pkgKafka.NewProducer(pkgKafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			RetryMax:     cfg.Kafka.ProducerRetryMax,
			RequiredAcks: cfg.Kafka.ProducerRequiredAcks,
		})
		if err != nil {
			l.Fatalf(ctx, "Failed to initialize Kafka producer: %v", err)
		}
		prod = producer.NewProducer(kafkaSyncProd, l)
		defer prod.Close()
	}

	limiter := ratelimit.New(ratelimit.Config{
		MaxAttemptsPerMinute: cfg.RateLimit.MaxConnectsPerMinute,
		MaxConsecFailures:    cfg.RateLimit.MaxInviteFailures,
		BlockDuration:        cfg.RateLimit.BlockDuration,
	})

	minter := service.NewTokenMinter(cfg.Session.Secret)
	invites := service.NewInviteService(inviteRepo, tel, cfg.Session.AuditRetention, l)
	supervisor := terminal.NewTtydSupervisor(cfg.Terminal, l)

	coord := service.NewCoordinator(
		cfg.Session,
		cfg.Terminal,
		minter,
		invites,
		sessionRepo,
		supervisor,
		config.WorkloadCredentials,
		prod,
		limiter,
		tel,
		l,
	)

	tel.RegisterGauge(telemetry.MetricQueueSize, func() float64 {
		return float64(coord.QueueSize())
	})
	tel.RegisterGauge(telemetry.MetricSessionsActive, func() float64 {
		if coord.SessionActive() {
			return 1
		}
		return 0
	})

	wsHandler := deliveryWS.NewHandler(coord, limiter, l)
	httpHandler := deliveryHTTP.NewHTTPHandler(coord, invites, l)

	r := chi.NewRouter()
	r.Use(deliveryHTTP.RequestLogger(l))
	httpHandler.Routes(r)
	r.Get("/ws", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		// No write timeout: the client protocol runs over long-lived
		// websocket connections on this listener.
		WriteTimeout: 0,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		l.Infof(gCtx, "HTTP server listening on port %d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		tel.Run(gCtx, cfg.Telemetry.GaugeFlush)
		return nil
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case <-gCtx.Done():
	}

	l.Info(ctx, "Server shutting down...")

	// End the active session before the listener goes away.
	coord.Shutdown(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Warnf(ctx, "HTTP server shutdown: %v", err)
	}

	cancel()
	if err := g.Wait(); err != nil {
		l.Errorf(ctx, "Server error: %v", err)
	}

	l.Info(ctx, "Server exited")
}
