package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"groupchat/internal/blob"
	"groupchat/internal/config"
	"groupchat/internal/db"
	clog "groupchat/internal/log"
	"groupchat/internal/mw"
	"groupchat/internal/relay"
	"groupchat/internal/server"
	"groupchat/internal/store"
	"groupchat/internal/ws"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	// main 函数负责加载配置、初始化日志、打开存储并启动 Gin 服务，收到信号后依次停服。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("open store")
	}
	blobs, err := blob.NewDiskStore(cfg.UploadDir, "/files", cfg.MaxUploadBytes())
	if err != nil {
		log.Fatal().Err(err).Msg("blob store")
	}

	engine := relay.NewEngine(relay.NewRegistry(), st, cfg.StorageTimeout)
	hub := ws.NewHub()
	limiter := mw.NewLimiter(rate.Limit(cfg.HTTPRatePerSec), cfg.HTTPRateBurst, 2*time.Minute)
	defer limiter.Stop()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, engine, hub, blobs, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("backend", cfg.StoreBackend).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errc:
		if err != nil {
			log.Error().Err(err).Msg("server run")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	// websocket 连接已被劫持，http.Server.Shutdown 不会等待它们，需要单独关闭。
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Int("connections", hub.Online()).Msg("ws shutdown")
	}
	if err := closeStore(); err != nil {
		log.Error().Err(err).Msg("close store")
	}
	log.Info().Msg("server stopped")
}

// openStore 按 STORE_BACKEND 打开消息存储，返回的 close 函数负责释放底层资源。
func openStore(cfg config.Config) (store.Store, func() error, error) {
	switch cfg.StoreBackend {
	case config.BackendBadger:
		st, err := store.OpenBadger(cfg.BadgerPath)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		gdb, err := db.Connect(cfg.StoreBackend, cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(gdb); err != nil {
			return nil, nil, err
		}
		return store.NewSQLStore(gdb), func() error { return db.Close(gdb) }, nil
	}
}
