package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hub-otp/internal/application/otp"
	"github.com/hub-otp/internal/config"
	"github.com/hub-otp/internal/infrastructure/dynamo"
	"github.com/hub-otp/internal/infrastructure/greenapi"
	"github.com/hub-otp/internal/infrastructure/hubbackend"
	jwtinfra "github.com/hub-otp/internal/infrastructure/jwt"
	"github.com/hub-otp/internal/infrastructure/kafka"
	"github.com/hub-otp/internal/infrastructure/memory"
	redisinfra "github.com/hub-otp/internal/infrastructure/redis"
	"github.com/hub-otp/internal/infrastructure/sns"
	"github.com/hub-otp/internal/pkg/clock"
	"github.com/hub-otp/internal/pkg/logger"
	"github.com/hub-otp/internal/pkg/signing"
	transporthttp "github.com/hub-otp/internal/transport/http"
	"github.com/hub-otp/internal/transport/http/handler"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	zlog, err := logger.New(cfg.AppEnv, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.New()
	signer, err := signing.NewSigner(cfg.OTPHMACSecret)
	if err != nil {
		return err
	}

	store, pinger, closeStore, err := buildStore(ctx, cfg, clk, log)
	if err != nil {
		return err
	}
	defer closeStore()

	channel, err := buildChannel(ctx, cfg)
	if err != nil {
		return err
	}

	deps := otp.ServiceDeps{
		Store:   store,
		Channel: channel,
		Hasher:  signer,
		Clock:   clk,
		Logger:  log,
		Policy: otp.Policy{
			DefaultAppID:    cfg.HubAppID,
			Length:          cfg.OTP.Length,
			TTL:             cfg.OTP.TTL,
			MaxAttempts:     cfg.OTP.MaxAttempts,
			Cooldown:        cfg.OTP.Cooldown,
			StoreTimeout:    cfg.StoreTimeout,
			DeliveryTimeout: cfg.DeliveryTimeout,
			BackendTimeout:  cfg.HubBackendTimeout,
			Brand:           cfg.MessageBrand,
		},
	}

	if cfg.HubBackendURL != "" {
		deps.Backend = hubbackend.New(cfg.HubBackendURL, signer, cfg.HubBackendTimeout, clk)
	} else {
		log.Info("hub backend not configured, sessions will not be issued")
	}

	var publisher interface {
		otp.Publisher
		io.Closer
	} = kafka.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		p, err := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		publisher = p
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("close event publisher", zap.Error(err))
		}
	}()
	deps.Publisher = publisher

	// Tickets are optional; without keys /v1/sessions/me is not mounted.
	routerDeps := &transporthttp.Deps{Logger: log}
	if p, err := jwtinfra.NewProvider(cfg); err == nil {
		deps.Tickets = p
		routerDeps.Tickets = p
	} else {
		log.Warn("JWT provider not available, verification tickets disabled", zap.Error(err))
	}
	if pinger != nil {
		routerDeps.Pinger = pinger
	}

	svc, err := otp.NewService(deps)
	if err != nil {
		return err
	}
	routerDeps.OTP = svc

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      transporthttp.NewRouter(ctx, cfg, routerDeps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting",
			zap.String("port", cfg.AppPort),
			zap.String("env", cfg.AppEnv),
			zap.String("store", cfg.StoreBackend),
			zap.String("channel", channel.Name()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

func buildStore(ctx context.Context, cfg *config.Config, clk clock.Clocker, log *zap.Logger) (otp.StoreWithCooldown, handler.Pinger, func(), error) {
	switch cfg.StoreBackend {
	case "redis":
		rdb, err := redisinfra.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		s := redisinfra.NewStore(rdb)
		return s, s, func() { _ = rdb.Close() }, nil
	case "dynamo":
		client, err := dynamo.NewClient(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		dynamo.Bootstrap(ctx, client, cfg.DynamoTables, log)
		s := dynamo.NewOTPStore(client, cfg.DynamoTables, clk)
		return s, s, func() {}, nil
	default:
		log.Warn("using in-memory OTP store, state is lost on restart and not shared between replicas")
		s := memory.New(clk)
		s.StartSweeper(ctx, time.Minute)
		return s, nil, func() {}, nil
	}
}

func buildChannel(ctx context.Context, cfg *config.Config) (otp.Channel, error) {
	switch cfg.DeliveryChannel {
	case "sms":
		awsCfg, err := dynamo.AWSConfig(ctx, cfg, cfg.SNSRegion)
		if err != nil {
			return nil, err
		}
		return sns.NewFromConfig(awsCfg, cfg.SNSSenderID), nil
	default:
		return greenapi.New(cfg.GreenAPIBase, cfg.GreenAPIInstance, cfg.GreenAPIToken, cfg.DeliveryTimeout)
	}
}
