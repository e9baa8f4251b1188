package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"OpenMEE-Chain/internal/account"
	"OpenMEE-Chain/internal/api"
	"OpenMEE-Chain/internal/auth"
	"OpenMEE-Chain/internal/config"
	"OpenMEE-Chain/internal/execution"
	"OpenMEE-Chain/internal/job"
	"OpenMEE-Chain/internal/mee"
	"OpenMEE-Chain/internal/observability/alerting"
	mysqlstore "OpenMEE-Chain/internal/storage/mysql"
	"OpenMEE-Chain/internal/supertx"
	"OpenMEE-Chain/pkg/logger"
)

// main 是 OpenMEE 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.L().Error("openmeed 运行失败", slog.Any("error", err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	log := logger.Named("openmeed")

	owner, err := buildAccount(cfg)
	if err != nil {
		return err
	}
	log.Info("账户已加载", slog.String("eoa", owner.EOA().Hex()), slog.Any("chains", owner.Chains()))

	node, err := mee.NewClient(cfg.MEE.URL,
		mee.WithAPIKey(cfg.MEE.APIKey),
		mee.WithHTTPClient(&http.Client{Timeout: cfg.MEE.Timeout}),
	)
	if err != nil {
		return err
	}

	receipts, closeReceipts, err := buildReceiptStore(cfg)
	if err != nil {
		return err
	}
	defer closeReceipts()

	controller, err := execution.NewController(owner.Signer(), node,
		execution.WithReceiptStore(receipts),
		execution.WithDefaults(cfg.Execution),
	)
	if err != nil {
		return err
	}
	runner := job.NewRunner(owner, supertx.NewPlanner(node), controller, cfg.Execution)

	store, err := buildJobStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("关闭作业存储失败", slog.Any("error", err))
		}
	}()

	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Warn("关闭作业队列失败", slog.Any("error", err))
		}
	}()

	processor := job.NewProcessor(runner, store, queue, queue,
		job.WithWorkerCount(cfg.Server.Workers),
		job.WithProcessorLogger(logger.Named("job")),
		job.WithAlertDispatcher(buildAlerting(cfg)),
	)
	if n, err := processor.Resume(ctx); err != nil {
		return err
	} else if n > 0 {
		log.Info("恢复未完成作业", slog.Int("count", n))
	}

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("作业处理器异常退出", slog.Any("error", err))
		}
	}()

	service := job.NewService(store, queue, owner.EOA().Hex(), cfg.Server.MaxRetries)
	authService, err := auth.NewService(cfg.Server.Auth)
	if err != nil {
		return err
	}
	server := api.NewServer(cfg.Server.Address, service, api.WithAuth(authService))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildAccount(cfg *config.Config) (*account.Multichain, error) {
	signer, err := account.NewKeySigner(cfg.Account.PrivateKey)
	if err != nil {
		return nil, err
	}
	defs, err := cfg.ChainDefinitions()
	if err != nil {
		return nil, err
	}
	version, err := account.ResolveVersion(cfg.Account.Version, cfg.Account.Factory, cfg.Account.InitCodeHash)
	if err != nil {
		return nil, err
	}
	chains, err := account.ChainsFromDefinitions(defs, version)
	if err != nil {
		return nil, err
	}
	return account.NewMultichain(signer, chains...)
}

func buildReceiptStore(cfg *config.Config) (execution.ReceiptStore, func(), error) {
	switch cfg.Storage.ReceiptStore.Driver {
	case "redis":
		store, err := execution.NewRedisReceiptStore(execution.RedisReceiptStoreConfig{
			Address:  cfg.Storage.ReceiptStore.Redis.Address,
			Password: cfg.Storage.ReceiptStore.Redis.Password,
			DB:       cfg.Storage.ReceiptStore.Redis.DB,
			Prefix:   cfg.Storage.ReceiptStore.Prefix,
			TTL:      cfg.Storage.ReceiptStore.TTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return execution.NewMemoryReceiptStore(), func() {}, nil
	}
}

func buildJobStore(ctx context.Context, cfg *config.Config) (job.Store, error) {
	switch cfg.Storage.JobStore.Driver {
	case "mysql":
		return job.NewMySQLStore(ctx, mysqlstore.Config{
			DSN:             cfg.Storage.JobStore.DSN,
			MaxOpenConns:    cfg.Storage.JobStore.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.JobStore.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.JobStore.ConnMaxLifetime,
		})
	default:
		return job.NewMemoryStore(), nil
	}
}

func buildQueue(cfg *config.Config) (job.Queue, error) {
	switch cfg.Queue.Driver {
	case "redis":
		return job.NewRedisQueue(job.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Name,
			BlockWait: cfg.Queue.BlockWait,
		})
	case "rabbitmq":
		return job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.Name,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return job.NewMemoryQueue(cfg.Queue.Size), nil
	}
}

func buildAlerting(cfg *config.Config) alerting.Dispatcher {
	notifiers := make([]alerting.Notifier, 0, 2)
	if cfg.Alerting.Log {
		notifiers = append(notifiers, alerting.LogNotifier{})
	}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}
