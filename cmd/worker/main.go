// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/config"
	"github.com/unclebandit/smsleopard-dispatch/internal/db"
	"github.com/unclebandit/smsleopard-dispatch/internal/distlock"
	"github.com/unclebandit/smsleopard-dispatch/internal/logger"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

// The worker consumes delivery receipts from RabbitMQ and reconciles them
// against PostgreSQL. It needs the same database, and the same redis lock
// whenever more than one process writes campaign stats.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.AMQP.URL == "" {
		return errors.New("amqp.url (AMQP_URL) is required for the worker")
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("worker needs the postgres driver, got %q", cfg.Database.Driver)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, cfg.Database.URL, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	var locker distlock.Locker = distlock.NewKeyedMutex()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer client.Close()
		locker = distlock.NewRedisLocker(client, cfg.Redis.LockTTL, log)
	} else {
		log.Warn("no redis configured; campaign lock is local to this worker")
	}

	campaigns := &repository.CampaignRepository{DB: conn}
	logs := &repository.CommunicationLogRepository{DB: conn}
	stats := &service.StatsTracker{Campaigns: campaigns, Logs: logs, Locker: locker, Logger: log}

	worker := &service.ReceiptWorker{
		Receipts: &service.ReceiptService{Logs: logs, Stats: stats, Logger: log},
		Logger:   log,
		Topic:    cfg.AMQP.ReceiptQueue,
	}

	q, err := queue.DialAMQP(cfg.AMQP.URL, log)
	if err != nil {
		return err
	}
	defer q.Close()

	if err := worker.Subscribe(q); err != nil {
		return err
	}
	log.Info("worker running, waiting for receipts", zap.String("queue", cfg.AMQP.ReceiptQueue))

	<-ctx.Done()
	log.Info("worker stopping")
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}
