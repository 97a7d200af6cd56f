package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pravardha-anchor/internal/config"
	"pravardha-anchor/internal/database"
	"pravardha-anchor/internal/httpapi"
	"pravardha-anchor/internal/ledger"
	"pravardha-anchor/internal/logger"
	"pravardha-anchor/internal/metrics"
	"pravardha-anchor/internal/mqtt"
	"pravardha-anchor/internal/notify"
	"pravardha-anchor/internal/redis"
	"pravardha-anchor/internal/repository"
	"pravardha-anchor/internal/service"
)

const serviceName = "pravardha-anchor"

// app 装配好的依赖
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *sql.DB
	metrics *metrics.Metrics

	commitments *service.CommitmentService
	anchors     *service.AnchorService
	batches     *service.BatchService

	checks  map[string]httpapi.HealthCheck
	closers []func()
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  log,
		metrics: metrics.New(),
		checks:  map[string]httpapi.HealthCheck{},
	}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	db, err := database.NewPostgresDB(ctx, &a.cfg.Database)
	if err != nil {
		return err
	}
	a.db = db
	a.closers = append(a.closers, func() { _ = database.Close(db) })
	a.checks["database"] = db.PingContext

	l, err := a.openLedger()
	if err != nil {
		return err
	}
	n, err := a.openNotifier(ctx)
	if err != nil {
		return err
	}

	readings := repository.NewPostgresReadingRepository(db, a.logger)
	windows := repository.NewPostgresWindowRepository(db, a.logger)
	batches := repository.NewPostgresBatchRepository(db, a.logger)
	devices := repository.NewPostgresDeviceRepository(db, a.logger)
	deriver := ledger.NewSeedDeriver([]byte(a.cfg.Ledger.ProgramID))

	a.commitments = service.NewCommitmentService(readings, windows, devices, l, deriver, a.metrics, a.logger)
	a.anchors = service.NewAnchorService(windows, devices, l, deriver,
		service.AnchorConfig{
			PendingLimit:  a.cfg.Anchor.PendingLimit,
			LedgerTimeout: a.cfg.Anchor.LedgerTimeout,
			StopOnError:   a.cfg.Anchor.StopOnError,
		},
		a.logger,
		service.WithNotifier(n),
		service.WithMetrics(a.metrics),
	)
	a.batches = service.NewBatchService(batches, windows, devices, n, a.metrics, a.logger)
	return nil
}

func (a *app) openLedger() (ledger.Ledger, error) {
	switch a.cfg.Ledger.Mode {
	case config.LedgerModeRPC:
		a.logger.Info("Using ledger gateway", zap.String("url", a.cfg.Ledger.RPCURL))
		return ledger.NewRPCLedger(ledger.RPCConfig{
			BaseURL:      a.cfg.Ledger.RPCURL,
			Authority:    a.cfg.Ledger.Authority,
			Timeout:      a.cfg.Ledger.Timeout,
			RetryCount:   a.cfg.Ledger.RetryCount,
			RetryWait:    500 * time.Millisecond,
			RetryMaxWait: 5 * time.Second,
		}, a.logger), nil
	default:
		a.logger.Info("Using local ledger", zap.String("path", a.cfg.Ledger.SQLitePath))
		l, err := ledger.OpenSQLiteLedger(a.cfg.Ledger.SQLitePath, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = l.Close() })
		return l, nil
	}
}

func (a *app) openNotifier(ctx context.Context) (notify.Notifier, error) {
	switch a.cfg.Notify.Driver {
	case config.NotifyDriverRedis:
		client := redis.NewRedisClient(&a.cfg.Redis)
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := redis.Ping(ctx, client); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.checks["redis"] = func(ctx context.Context) error { return redis.Ping(ctx, client) }
		return notify.NewRedisNotifier(client, a.cfg.Notify.Stream, a.logger), nil
	case config.NotifyDriverMQTT:
		client, err := mqtt.NewClient(&a.cfg.MQTT, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Disconnect)
		a.checks["mqtt"] = func(context.Context) error {
			if !client.IsConnected() {
				return fmt.Errorf("not connected")
			}
			return nil
		}
		return notify.NewMQTTNotifier(client, a.cfg.Notify.Topic, a.cfg.MQTT.QoS), nil
	default:
		return notify.Nop{}, nil
	}
}

// Close 逆序释放资源
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.logger.Sync()
}
