package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/TPCP-Project/tpcp-chat/internal/config"
	"github.com/TPCP-Project/tpcp-chat/internal/logger"
	"github.com/TPCP-Project/tpcp-chat/internal/metrics"
	"github.com/TPCP-Project/tpcp-chat/internal/sim"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("APP_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	lg, err := logger.New(logger.Config{Development: cfg.Log.Development, Level: cfg.Log.Level})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	sc := cfg.Sim
	if sc.JWTSecret == "" {
		lg.Fatal("sim.jwt_secret is required")
	}
	opts := sim.Options{
		JWTSecret:    sc.JWTSecret,
		RateLimitRPS: sc.RateLimitRPS,
		PingInterval: sc.PingInterval,
		PollTimeout:  sc.PollTimeout,
	}

	ctx := context.Background()
	if sc.MongoURI != "" {
		st, err := sim.ConnectMongo(ctx, sc.MongoURI, sc.MongoDatabase)
		if err != nil {
			lg.Fatal("mongo init", zap.Error(err))
		}
		opts.Store = st
		lg.Info("using mongo store", zap.String("database", sc.MongoDatabase))
	}
	if sc.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
		})
		defer rdb.Close()
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pctx).Err(); err != nil {
			cancel()
			lg.Fatal("redis ping", zap.Error(err))
		}
		cancel()
		opts.Redis = sim.NewRedisPresence(rdb, sc.RedisPrefix)
	}
	if len(sc.KafkaBrokers) > 0 {
		opts.Publisher = sim.NewKafkaProducer(sc.KafkaBrokers, sc.KafkaTopic)
		lg.Info("publishing messages to kafka", zap.Strings("brokers", sc.KafkaBrokers), zap.String("topic", sc.KafkaTopic))
	}

	srv, err := sim.New(opts, lg)
	if err != nil {
		lg.Fatal("sim init", zap.Error(err))
	}
	srv.App().Get("/metrics", adaptor.HTTPHandler(metrics.Handler(nil)))

	// a ready-made token for the configured user saves a round trip to an auth service
	if cfg.Auth.UserID != "" {
		tok, err := srv.IssueToken(cfg.Auth.UserID, "", 24*time.Hour)
		if err == nil {
			lg.Info("dev token issued", zap.String("user_id", cfg.Auth.UserID), zap.String("token", tok))
		}
	}

	errs := make(chan error, 1)
	go func() {
		addr := ":" + sc.PortString()
		lg.Info("starting chat simulator", zap.String("addr", addr))
		errs <- srv.Listen(addr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case e := <-errs:
		lg.Fatal("server error", zap.Error(e))
	case s := <-sig:
		lg.Info("signal received", zap.String("signal", s.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("shutdown", zap.Error(err))
	}
	lg.Info("chat simulator stopped")
}
