// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/smsleopard-dispatch/internal/config"
	"github.com/unclebandit/smsleopard-dispatch/internal/controller"
	"github.com/unclebandit/smsleopard-dispatch/internal/db"
	"github.com/unclebandit/smsleopard-dispatch/internal/distlock"
	"github.com/unclebandit/smsleopard-dispatch/internal/handler"
	"github.com/unclebandit/smsleopard-dispatch/internal/logger"
	"github.com/unclebandit/smsleopard-dispatch/internal/provider"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

type stores struct {
	campaigns repository.CampaignRepositoryInterface
	customers repository.CustomerRepositoryInterface
	logs      repository.CommunicationLogRepositoryInterface
	close     func()
}

func openStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stores, error) {
	if cfg.Database.Driver == "memory" {
		mem := repository.NewMemoryStore()
		mem.SeedDemo()
		log.Warn("using in-memory store with demo data")
		return &stores{mem.Campaigns(), mem.Customers(), mem.Logs(), func() {}}, nil
	}

	conn, err := db.Open(ctx, cfg.Database.URL, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &stores{
		campaigns: &repository.CampaignRepository{DB: conn},
		customers: &repository.CustomerRepository{DB: conn},
		logs:      &repository.CommunicationLogRepository{DB: conn},
		close:     func() { conn.Close() },
	}, nil
}

func newLocker(cfg *config.Config, log *zap.Logger) (distlock.Locker, func()) {
	if cfg.Redis.Addr == "" {
		return distlock.NewKeyedMutex(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	log.Info("using redis campaign lock", zap.String("addr", cfg.Redis.Addr))
	return distlock.NewRedisLocker(client, cfg.Redis.LockTTL, log), func() { client.Close() }
}

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	// this process is the only dispatcher; a run still marked running was
	// interrupted by a crash and can never finish
	stale, err := st.campaigns.FailRunning(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted runs: %w", err)
	}
	if stale > 0 {
		log.Warn("marked interrupted campaign runs failed", zap.Int("campaigns", stale))
	}

	locker, closeLocker := newLocker(cfg, log)
	defer closeLocker()

	stats := &service.StatsTracker{Campaigns: st.campaigns, Logs: st.logs, Locker: locker, Logger: log}
	receipts := &service.ReceiptService{Logs: st.logs, Stats: stats, Logger: log}

	// Receipts go through RabbitMQ when configured, with cmd/worker consuming
	// them. Otherwise they are reconciled in-process.
	var (
		q          queue.Queue
		drainQueue func()
	)
	if cfg.AMQP.URL != "" {
		aq, err := queue.DialAMQP(cfg.AMQP.URL, log)
		if err != nil {
			return err
		}
		q = aq
		drainQueue = func() {
			if err := aq.Close(); err != nil {
				log.Warn("closing amqp queue", zap.Error(err))
			}
		}
	} else {
		mq := queue.NewInMemoryQueue(log)
		worker := &service.ReceiptWorker{Receipts: receipts, Logger: log, Topic: cfg.AMQP.ReceiptQueue}
		if err := worker.Subscribe(mq); err != nil {
			return err
		}
		q = mq
		drainQueue = mq.Drain
	}

	simulated := provider.NewSimulated(provider.SimulatedConfig{
		FailureRate: cfg.Vendor.FailureRate,
		MinLatency:  cfg.Vendor.MinLatency,
		MaxLatency:  cfg.Vendor.MaxLatency,
		Seed:        cfg.Vendor.Seed,
	})
	gateway := provider.NewPaced(simulated, cfg.Vendor.RatePerSecond)

	receiptGateway := provider.NewSimulated(provider.SimulatedConfig{
		FailureRate: cfg.Vendor.ReceiptFailureRate,
		MinLatency:  cfg.Vendor.MinLatency,
		MaxLatency:  cfg.Vendor.MaxLatency,
		Seed:        cfg.Vendor.Seed,
	})
	async := provider.NewAsync(receiptGateway,
		&service.ReceiptPublisher{Queue: q, Topic: cfg.AMQP.ReceiptQueue},
		provider.AsyncConfig{Delay: cfg.Vendor.ReceiptDelay, Deadline: cfg.Vendor.ReceiptDeadline},
		log)

	dispatch := &service.DispatchService{
		Campaigns: st.campaigns,
		Customers: st.customers,
		Logs:      st.logs,
		Stats:     stats,
		Gateway:   gateway,
		Config: service.DispatchConfig{
			BatchSize:     cfg.Dispatch.BatchSize,
			Workers:       cfg.Dispatch.Workers,
			VendorTimeout: cfg.Dispatch.VendorTimeout,
		},
		Logger: log,
	}
	campaignController := &controller.CampaignController{
		Dispatch:        dispatch,
		CampaignService: &service.CampaignService{CampaignRepo: st.campaigns, LogRepo: st.logs},
		Logger:          log,
	}
	receiptHandler := handler.NewReceiptHandler(receipts, &service.AsyncSendService{
		Campaigns: st.campaigns,
		Customers: st.customers,
		Stats:     stats,
		Vendor:    async,
		Logger:    log,
	}, log)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.NewRouter(campaignController, receiptHandler, cfg.Server.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		// stop runs first so ?wait=true handlers can return before the server drains
		if err := dispatch.Shutdown(shutdownCtx); err != nil {
			log.Error("campaign runs did not stop in time", zap.Error(err))
		}
		err := srv.Shutdown(shutdownCtx)

		for _, t := range async.Close() {
			log.Warn("message left pending", zap.String("message_id", t.MessageID), zap.String("log_id", t.LogID),
				zap.String("campaign_id", t.CampaignID), zap.String("customer_id", t.CustomerID))
		}
		drainQueue()
		return err
	})
	return g.Wait()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}
