// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package app

import (
	"context"
	"path/filepath"

	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/holomush/authflow/internal/broadcast"
	"github.com/holomush/authflow/internal/config"
	"github.com/holomush/authflow/internal/persistence"
	"github.com/holomush/authflow/internal/storage"
	"github.com/holomush/authflow/internal/storage/postgres"
	"github.com/holomush/authflow/internal/storage/redis"
	"github.com/holomush/authflow/internal/storage/sqlite"
	"github.com/holomush/authflow/internal/xdg"
)

// Backends are the storage openers and broadcast channel chosen by
// configuration. Openers open a fresh store per page load; the Runtime
// closes it. The redis pub/sub client is shared and closed by Close.
// Fallback lives as long as the Backends, so page loads that find no
// working candidate still share guard state.
type Backends struct {
	Indexed  persistence.Opener
	KeyValue persistence.Opener
	Fallback *storage.Memory
	Channel  broadcast.Channel

	pubsub *goredis.Client
}

// OpenBackends builds the backends named by cfg. Nothing connects until a
// page load opens a store.
func OpenBackends(cfg *config.Config) (*Backends, error) {
	b := &Backends{Fallback: storage.NewMemory()}

	switch cfg.Persistence.Indexed {
	case config.IndexedSQLite:
		path := cfg.Persistence.SQLitePath
		if path == "" {
			path = filepath.Join(xdg.StateDir(), "authflow.db")
		}
		b.Indexed = func(ctx context.Context) (storage.Store, error) {
			store, err := sqlite.Open(ctx, path)
			if err != nil {
				return nil, err //nolint:wrapcheck // coded by the backend
			}
			return store, nil
		}
	case config.IndexedPostgres:
		dsn := cfg.Secrets.DatabaseURL
		b.Indexed = func(ctx context.Context) (storage.Store, error) {
			store, err := postgres.Open(ctx, dsn)
			if err != nil {
				return nil, err //nolint:wrapcheck // coded by the backend
			}
			return store, nil
		}
	}

	switch cfg.Persistence.KeyValue {
	case config.KeyValueFile:
		path := cfg.Persistence.FilePath
		if path == "" {
			path = filepath.Join(xdg.StateDir(), "store.json")
		}
		b.KeyValue = func(context.Context) (storage.Store, error) {
			if err := xdg.EnsureDir(filepath.Dir(path)); err != nil {
				return nil, err
			}
			return storage.NewFile(path), nil
		}
	case config.KeyValueRedis:
		url := cfg.Secrets.RedisURL
		b.KeyValue = func(context.Context) (storage.Store, error) {
			store, err := redis.Open(url)
			if err != nil {
				return nil, err //nolint:wrapcheck // coded by the backend
			}
			return store, nil
		}
	case config.KeyValueMemory:
		shared := storage.NewMemory()
		b.KeyValue = func(context.Context) (storage.Store, error) {
			return storage.NewScoped(shared, ""), nil
		}
	}

	if cfg.Broadcast.Channel == config.ChannelRedis {
		opts, err := goredis.ParseURL(cfg.Secrets.RedisURL)
		if err != nil {
			return nil, oops.Code("APP_BACKEND_INVALID").With("backend", "redis").Wrap(err)
		}
		b.pubsub = goredis.NewClient(opts)
		b.Channel = broadcast.NewRedisChannel(b.pubsub, cfg.Broadcast.Name)
	}
	return b, nil
}

// Deps returns runtime dependencies over these backends.
func (b *Backends) Deps() Deps {
	return Deps{Indexed: b.Indexed, KeyValue: b.KeyValue, Fallback: b.Fallback, Channel: b.Channel}
}

// Close releases the shared pub/sub client.
func (b *Backends) Close() error {
	if b.pubsub == nil {
		return nil
	}
	if err := b.pubsub.Close(); err != nil {
		return oops.Code("APP_BACKEND_CLOSE_FAILED").With("backend", "redis").Wrap(err)
	}
	return nil
}
