package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/TPCP-Project/tpcp-chat/internal/api"
	"github.com/TPCP-Project/tpcp-chat/internal/auth"
	"github.com/TPCP-Project/tpcp-chat/internal/config"
	"github.com/TPCP-Project/tpcp-chat/internal/console"
	"github.com/TPCP-Project/tpcp-chat/internal/conversation"
	"github.com/TPCP-Project/tpcp-chat/internal/logger"
	"github.com/TPCP-Project/tpcp-chat/internal/metrics"
	"github.com/TPCP-Project/tpcp-chat/internal/realtime"
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

	tok := cfg.Auth.Token
	claims, err := auth.Precheck(tok, time.Now())
	if err != nil {
		lg.Fatal("auth.token unusable", zap.Error(err))
	}
	selfID, err := auth.UserID(claims)
	if err != nil {
		lg.Fatal("auth.token has no user id", zap.Error(err))
	}
	if cfg.Auth.UserID != "" && cfg.Auth.UserID != selfID {
		lg.Warn("auth.user_id differs from the token subject; using the token",
			zap.String("configured", cfg.Auth.UserID), zap.String("token", selfID))
	}

	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		msrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Warn("metrics server", zap.Error(err))
			}
		}()
		defer msrv.Close()
	}

	client := api.New(api.Config{
		BaseURL:         cfg.API.BaseURL,
		Token:           tok,
		RetryMaxElapsed: cfg.API.RetryMaxElapsed,
		BreakerFailures: cfg.API.BreakerFailures,
		BreakerInterval: cfg.API.BreakerInterval,
		BreakerTimeout:  cfg.API.BreakerTimeout,
	}, lg, mt)

	rt := realtime.NewManager(realtime.Config{
		URL:         cfg.Realtime.URL,
		Transports:  cfg.Realtime.Transports,
		MaxAttempts: cfg.Realtime.Reconnect.MaxAttempts,
		BaseDelay:   cfg.Realtime.Reconnect.BaseDelay,
		WebSocket: realtime.WebSocketOptions{
			PingInterval:   cfg.Realtime.PingInterval,
			PongWait:       cfg.Realtime.PongWait,
			WriteWait:      cfg.Realtime.WriteWait,
			MaxMessageSize: cfg.Realtime.MaxMessageSize,
		},
	}, lg, realtime.WithMetrics(mt), realtime.WithHTTPClient(&http.Client{Timeout: cfg.Realtime.PollTimeout + 5*time.Second}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cctx, cancel := context.WithTimeout(ctx, time.Minute)
	sess, err := rt.Connect(cctx, tok)
	cancel()
	if err != nil {
		lg.Fatal("real-time connect", zap.Error(err))
	}
	lg.Info("connected", zap.String("transport", sess.Transport), zap.String("sid", sess.ID))
	defer rt.Disconnect()

	ctrl := conversation.New(client, rt, selfID,
		conversation.WithLogger(lg),
		conversation.WithMetrics(mt),
		conversation.WithPageSize(cfg.Chat.HistoryPageSize),
		conversation.WithTypingQuietInterval(cfg.Chat.TypingQuietInterval),
		conversation.WithTypingStaleAfter(cfg.Chat.TypingStaleAfter),
	)
	defer ctrl.Close()
	list := conversation.NewList(client,
		conversation.WithListLogger(lg),
		conversation.WithListLimit(cfg.Chat.ConversationPage),
		conversation.WithRefreshInterval(cfg.Chat.ListRefreshInterval),
	)

	out := os.Stdout
	r := console.NewRenderer(out, selfID)
	ctrl.OnChange(func() { r.Render(ctrl.Snapshot()) })
	list.OnChange(func() { r.RenderList(list.Snapshot()) })
	go func() { _ = list.Run(ctx) }()

	history := ""
	if dir, err := os.UserConfigDir(); err == nil {
		history = filepath.Join(dir, "tpcp-chat", "history")
	}
	in := console.NewLiner(history)
	defer in.Close()

	s := console.NewSession(ctrl, list, rt, r, out)
	if err := console.Run(ctx, s, in, lg); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("console", zap.Error(err))
	}
	lg.Info("bye")
}
