package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/telecare/internal/api"
	"github.com/hackgods/telecare/internal/auth"
	"github.com/hackgods/telecare/internal/booking"
	"github.com/hackgods/telecare/internal/chat"
	"github.com/hackgods/telecare/internal/config"
	"github.com/hackgods/telecare/internal/db"
	"github.com/hackgods/telecare/internal/logging"
	"github.com/hackgods/telecare/internal/payment"
	"github.com/hackgods/telecare/internal/realtime"
	redisclient "github.com/hackgods/telecare/internal/redis"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.Env, cfg.LogLevel, "api-server")
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("storage", cfg.Storage).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		pgPool    *pgxpool.Pool
		lockRepo  booking.Repository
		chatRepo  chat.Repository
		pgPinger  api.Pinger
		rdsPinger api.Pinger
	)
	switch cfg.Storage {
	case config.StoragePostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err = db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		if err == nil {
			err = db.Migrate(pgCtx, pgPool)
		}
		cancelPg()
		if err != nil {
			log.Fatal().Err(err).Msg("postgres setup error")
		}
		defer pgPool.Close()
		log.Info().Msg("connected to Postgres")

		lockRepo = booking.NewPgRepository(pgPool)
		chatRepo = chat.NewPgRepository(pgPool)
		pgPinger = pgPool
	default:
		log.Warn().Msg("using in-memory storage, data is lost on restart")
		lockRepo = booking.NewMemoryRepository()
		chatRepo = chat.NewMemoryRepository()
	}

	var rdb *redis.Client
	if cfg.RedisEnabled {
		rdb, err = redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Error().Err(err).Msg("error closing redis")
			}
		}()
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
		rdsPinger = api.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	opts := []booking.Option{booking.WithWindow(cfg.LockWindow)}
	if rdb != nil {
		opts = append(opts, booking.WithGuard(redisclient.NewRedisSlotLocker(rdb, cfg.LockGuardTTL)))
	}
	locks := booking.NewManager(lockRepo, log, opts...)

	var verifier payment.Verifier = payment.NewRazorpayVerifier(cfg.RazorpayKeySecret)
	if cfg.PaymentVerify == "skip" {
		log.Warn().Msg("payment verification disabled")
		verifier = payment.StaticVerifier{}
	}

	chatSvc := chat.NewService(chatRepo, log)
	hub := realtime.NewHub(log)
	var bc realtime.Broadcaster = realtime.NewLocalBroadcaster(hub)
	if rdb != nil {
		ps := realtime.NewPubSubBroadcaster(redisclient.NewBackplane(rdb, redisclient.DefaultRealtimeChannel, log), hub, log)
		go func() {
			if err := ps.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("realtime backplane stopped")
				stop()
			}
		}()
		bc = ps
	}
	rt := realtime.NewRouter(chatSvc, hub, bc, realtime.Config{
		RingTimeout:     cfg.Call.RingTimeout,
		MaxDuration:     cfg.Call.MaxDuration,
		DisconnectGrace: cfg.Call.DisconnectGrace,
	}, log)

	authn := auth.NewJWTAuthenticator(cfg.JWTSecret)
	socket := realtime.NewServer(rt, authn, realtime.TransportConfig{
		PongWait:       cfg.WS.PongWait,
		WriteWait:      cfg.WS.WriteWait,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		AllowedOrigins: cfg.CORSOrigins,
	}, log)

	handler := api.NewRouter(api.RouterConfig{
		Locks:         locks,
		Payments:      verifier,
		Chat:          chatSvc,
		Realtime:      rt,
		Socket:        socket,
		Authenticator: authn,
		Health:        api.NewHealthHandler(pgPinger, rdsPinger, cfg.Env, version),
		CORSOrigins:   cfg.CORSOrigins,
		Log:           log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("http server failed")
	}

	log.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
