package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vivektripaathi/remote-job-executor/internal/config"
	"github.com/vivektripaathi/remote-job-executor/internal/logging"
	"github.com/vivektripaathi/remote-job-executor/internal/loghub"
	"github.com/vivektripaathi/remote-job-executor/internal/queue"
	"github.com/vivektripaathi/remote-job-executor/internal/repository/postgresql"
	"github.com/vivektripaathi/remote-job-executor/internal/runner"
	"github.com/vivektripaathi/remote-job-executor/internal/worker"
)

// Standalone dispatcher: claims jobs from redis and executes them over
// SSH, persisting results to postgres. Run it alongside an API server
// configured with the same store and queue.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Init()
	log := logging.WithComponent("worker")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.StoreDriver != config.StoreDriverPostgres || cfg.QueueDriver != config.QueueDriverRedis {
		log.Fatal("standalone worker requires store.driver=postgres and queue.driver=redis")
	}

	pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("pg: %v", err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis: %v", err)
	}

	repo := postgresql.NewJobRepository(pool)
	q := queue.NewRedis(rdb, cfg.RedisQueueKey, cfg.RedisProcessing)
	defer q.Close()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := q.RequeueStale(ctx, 100)
				if err != nil {
					log.Errorf("requeue: %v", err)
					continue
				}
				if n > 0 {
					log.Infof("requeued %d jobs from processing", n)
				}
			}
		}
	}()

	sshRunner, err := runner.NewSSH(cfg.SSH)
	if err != nil {
		log.Fatalf("ssh: %v", err)
	}

	processor := worker.NewProcessor(repo, sshRunner, loghub.New(), cfg.MaxAttempts, cfg.RetryBackoff)
	workers := worker.NewPool(q, processor, cfg.Workers)

	log.Infof("worker started: workers=%d", cfg.Workers)
	workers.Run(ctx)
	log.Info("worker stopped")
}
