// Package app wires configuration into the store, queue and controller that
// every binary needs.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"job-queue-service/internal/config"
	"job-queue-service/internal/repository/postgresql"
	"job-queue-service/internal/service"
)

type Deps struct {
	DB         *pgxpool.Pool
	Redis      *redis.Client
	Repo       *postgresql.JobRepository
	Queue      *service.RedisPriorityQueue
	Controller *service.Controller
}

// QueueOptions translates config into queue settings.
func QueueOptions(cfg *config.Config) service.QueueOptions {
	return service.QueueOptions{
		KeyPrefix:     cfg.RedisQueueKey,
		DeadLetterKey: cfg.RedisDLQKey,
		InflightKey:   cfg.RedisInflightKey,
		PopTimeout:    cfg.PopTimeout,
		FairEvery:     cfg.QueueFairEvery,
		LeaseTimeout:  cfg.LeaseTimeout,
		LeasePoll:     cfg.LeasePollInterval,
	}
}

// Open connects to PostgreSQL and Redis. Both must answer a ping.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Deps, error) {
	db, err := postgresql.NewPool(ctx, cfg.PostgresDSN, cfg.DBMaxConns)
	if err != nil {
		return nil, fmt.Errorf("pg: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}

	repo := postgresql.NewJobRepository(db)
	queue := service.NewRedisPriorityQueue(rdb, QueueOptions(cfg))

	return &Deps{
		DB:         db,
		Redis:      rdb,
		Repo:       repo,
		Queue:      queue,
		Controller: service.NewController(repo, queue, cfg.MaxAttempts, log),
	}, nil
}

func (d *Deps) Close() {
	_ = d.Redis.Close()
	d.DB.Close()
}
