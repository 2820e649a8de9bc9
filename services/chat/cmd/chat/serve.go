package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ragchat/internal/ratelimit"
	"ragchat/internal/util"
	"ragchat/services/chat/internal/config"
	"ragchat/services/chat/internal/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.FileConfig) error {
	d, err := buildDeps(ctx, cfg, cfg.SaveDebounce())
	if err != nil {
		return err
	}
	defer d.close()

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return err
	}
	srvCfg := server.Config{
		App:            d.app,
		Preferences:    d.kv,
		TrustedProxies: trusted,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	if cfg.AskRateLimitPerMinute > 0 {
		limiter, err := newAskLimiter(cfg)
		if err != nil {
			return err
		}
		defer limiter.Close()
		srvCfg.AskLimiter = limiter
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.New(srvCfg).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("chat server listening", "addr", addr, "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("chat server shutting down")
		err := srv.Shutdown(shutdownCtx)
		if drainErr := d.app.Shutdown(shutdownCtx); drainErr != nil {
			slog.Warn("in-flight answers cancelled at shutdown", "err", drainErr)
		}
		return err
	})
	return g.Wait()
}

type closingLimiter interface {
	server.Limiter
	Close() error
}

// newAskLimiter prefers the shared Redis counter when redisAddr is set.
func newAskLimiter(cfg config.FileConfig) (closingLimiter, error) {
	if cfg.RedisAddr == "" {
		slog.Warn("ask rate limit is per-process; set redisAddr to share it across instances")
		return ratelimit.NewLocalLimiter(cfg.AskRateLimitPerMinute, time.Minute)
	}
	return ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "ragchat:ratelimit", cfg.AskRateLimitPerMinute, time.Minute)
}
