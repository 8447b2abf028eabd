package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vivektripaathi/remote-job-executor/internal/config"
	"github.com/vivektripaathi/remote-job-executor/internal/logging"
	"github.com/vivektripaathi/remote-job-executor/internal/loghub"
	"github.com/vivektripaathi/remote-job-executor/internal/queue"
	memrepo "github.com/vivektripaathi/remote-job-executor/internal/repository/memory"
	"github.com/vivektripaathi/remote-job-executor/internal/repository/postgresql"
	"github.com/vivektripaathi/remote-job-executor/internal/runner"
	"github.com/vivektripaathi/remote-job-executor/internal/service"
	httptransport "github.com/vivektripaathi/remote-job-executor/internal/transport/http"
	"github.com/vivektripaathi/remote-job-executor/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Init()
	log := logging.WithComponent("server")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// store
	var repo service.JobRepository
	var workerRepo worker.JobRepo
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("pg: %v", err)
		}
		defer pool.Close()
		pgRepo := postgresql.NewJobRepository(pool)
		repo, workerRepo = pgRepo, pgRepo
	default:
		memRepo := memrepo.NewJobRepository()
		repo, workerRepo = memRepo, memRepo
	}

	// queue
	var q queue.Queue
	switch cfg.QueueDriver {
	case config.QueueDriverRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis: %v", err)
		}
		q = queue.NewRedis(rdb, cfg.RedisQueueKey, cfg.RedisProcessing)
		go runReaper(ctx, q)
	default:
		q = queue.NewMemory()
	}
	defer q.Close()

	sshRunner, err := runner.NewSSH(cfg.SSH)
	if err != nil {
		log.Fatalf("ssh: %v", err)
	}

	hub := loghub.New()
	processor := worker.NewProcessor(workerRepo, sshRunner, hub, cfg.MaxAttempts, cfg.RetryBackoff)
	workers := worker.NewPool(q, processor, cfg.Workers)

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		workers.Run(ctx)
	}()

	svc := service.NewJobService(repo, q, workers, sshRunner, hub, cfg.MaxTimeoutSeconds)
	h := httptransport.NewHandler(svc)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httptransport.Routes(h),
	}

	go func() {
		log.Infof("listening on %s (workers=%d)", cfg.HTTPAddr, cfg.Workers)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}

	<-workersDone
	log.Info("stopped")
}

// runReaper periodically returns jobs stuck in processing lists back to
// the queue (a worker died mid-claim).
func runReaper(ctx context.Context, q queue.Queue) {
	log := logging.WithComponent("reaper")

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
}
