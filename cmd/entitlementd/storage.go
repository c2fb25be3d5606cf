package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
	firestorestorage "github.com/mihaimyh/goentitle/storage/firestore"
	"github.com/mihaimyh/goentitle/storage/memory"
	"github.com/mihaimyh/goentitle/storage/postgres"
	redisstorage "github.com/mihaimyh/goentitle/storage/redis"
)

// openStorage builds the configured backend. The returned func releases it.
func openStorage(ctx context.Context, cfg *Config) (goentitle.Storage, func(), error) {
	switch cfg.Storage.Backend {
	case "postgres":
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.Postgres.URL
		pgCfg.MaxConns = cfg.Postgres.MaxConns
		pgCfg.RunMigrations = cfg.Postgres.RunMigrations
		store, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store, err := redisstorage.New(client, redisstorage.Config{
			KeyPrefix: cfg.Redis.KeyPrefix,
			EventTTL:  cfg.Redis.EventTTL,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return store, func() { _ = store.Close() }, nil

	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := firestorestorage.New(client, firestorestorage.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil

	default:
		return memory.New(), func() {}, nil
	}
}
