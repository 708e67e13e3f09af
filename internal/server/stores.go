package server

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/catalog-crawler/internal/storage/postgres"
	redisstore "github.com/JakeFAU/catalog-crawler/internal/storage/redis"
)

// ErrNoDatabase is returned by operations that need Postgres when no DSN is configured.
var ErrNoDatabase = errors.New("database.dsn is not configured")

// Stores holds the link/content queue and the connections behind it.
type Stores struct {
	Queue crawler.QueueStore

	postgres *pgstore.QueueStore
	redis    *goredis.Client
	logger   *zap.Logger
}

// OpenStores selects the queue backend from cfg. An empty DSN yields the
// in-memory store; a Redis address adds the seen-URL cache in front of it.
func OpenStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stores, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Stores{logger: logger}

	if cfg.Database.DSN == "" {
		logger.Warn("no database DSN configured, using in-memory queue store")
		s.Queue = memory.NewQueueStore()
	} else {
		pg, err := pgstore.NewQueueStore(ctx, pgstore.Config{
			DSN:             cfg.Database.DSN,
			LinksTable:      cfg.Database.LinksTable,
			ContentTable:    cfg.Database.ContentTable,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("queue store init failed: %w", err)
		}
		s.postgres = pg
		s.Queue = pg
		if cfg.Database.AutoMigrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				s.Close()
				return nil, err
			}
		}
		logger.Info("postgres queue store initialized",
			zap.String("links_table", cfg.Database.LinksTable),
			zap.String("content_table", cfg.Database.ContentTable),
		)
	}

	if cfg.Redis.Addr != "" {
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("redis client init failed: %w", err)
		}
		s.redis = client
		s.Queue = redisstore.NewSeenCache(s.Queue, client, cfg.Redis.SeenTTL, logger)
		logger.Info("redis seen cache enabled", zap.String("addr", cfg.Redis.Addr))
	}
	return s, nil
}

// Migrate creates the Postgres tables.
func (s *Stores) Migrate(ctx context.Context) error {
	if s.postgres == nil {
		return ErrNoDatabase
	}
	return s.postgres.EnsureSchema(ctx)
}

// Ping checks every remote dependency.
func (s *Stores) Ping(ctx context.Context) error {
	if s.postgres != nil {
		if err := s.postgres.Ping(ctx); err != nil {
			return err
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}
	return nil
}

// Close releases the connections.
func (s *Stores) Close() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if s.postgres != nil {
		s.postgres.Close()
	}
}
