package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ragchat/internal/servicetoken"
	"ragchat/pkg/storage"
	"ragchat/pkg/store"
	"ragchat/services/chat/internal/app"
	"ragchat/services/chat/internal/config"
	"ragchat/services/chat/internal/queryclient"
)

// deps holds the wired collaborators shared by every subcommand.
type deps struct {
	kv    storage.KV
	store *store.Store
	app   *app.App
}

func (d *deps) close() {
	d.store.Close()
	_ = storage.Close(d.kv)
}

func storageConfig(cfg config.FileConfig) storage.Config {
	sc := cfg.Storage
	redisAddr := sc.RedisAddr
	if redisAddr == "" {
		redisAddr = cfg.RedisAddr
	}
	return storage.Config{
		Driver:         sc.Driver,
		Dir:            sc.Dir,
		RedisAddr:      redisAddr,
		RedisPassword:  sc.RedisPassword,
		RedisPrefix:    sc.RedisPrefix,
		SQLitePath:     sc.SQLitePath,
		DatabaseURL:    sc.DatabaseURL,
		MinioEndpoint:  sc.MinioEndpoint,
		MinioAccessKey: sc.MinioAccessKey,
		MinioSecretKey: sc.MinioSecretKey,
		MinioBucket:    sc.MinioBucket,
		MinioUseSSL:    sc.MinioUseSSL,
	}
}

func newQueryClient(cfg config.FileConfig) (*queryclient.Client, error) {
	timeout, err := config.ParseQueryTimeout(cfg.QueryTimeout)
	if err != nil {
		return nil, err
	}
	opts := []queryclient.Option{queryclient.WithTimeout(timeout)}
	if strings.TrimSpace(cfg.ServiceTokenPrivateKeyPath) != "" {
		signer, err := servicetoken.NewSigner(servicetoken.Options{
			PrivateKeyPath: cfg.ServiceTokenPrivateKeyPath,
			KeyID:          cfg.ServiceTokenKeyID,
			Issuer:         cfg.ServiceTokenIssuer,
			TTL:            5 * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("init service token signer: %w", err)
		}
		opts = append(opts, queryclient.WithServiceToken(signer, cfg.ServiceTokenAudience))
	}
	return queryclient.NewClient(cfg.QueryServiceURL, opts...), nil
}

func buildDeps(ctx context.Context, cfg config.FileConfig, debounce time.Duration) (*deps, error) {
	kv, err := storage.Open(storageConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	st := store.New(ctx, store.Config{
		KV:           kv,
		Key:          cfg.StorageKey,
		SaveDebounce: debounce,
	})
	qc, err := newQueryClient(cfg)
	if err != nil {
		_ = storage.Close(kv)
		return nil, err
	}
	appCore, err := app.New(app.Config{
		Store:       st,
		Query:       qc,
		TopK:        cfg.TopK,
		MinScore:    cfg.MinScore,
		StreamDelay: cfg.StreamDelay(),
	})
	if err != nil {
		_ = storage.Close(kv)
		return nil, fmt.Errorf("init app: %w", err)
	}
	return &deps{kv: kv, store: st, app: appCore}, nil
}
