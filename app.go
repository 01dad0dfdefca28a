package main

import (
	"context"
	"errors"
	"fmt"

	appidem "github.com/Zhima-Mochi/directpay/internal/application/idempotency"
	apppay "github.com/Zhima-Mochi/directpay/internal/application/payment"
	"github.com/Zhima-Mochi/directpay/internal/config"
	domidem "github.com/Zhima-Mochi/directpay/internal/domain/idempotency"
	dompay "github.com/Zhima-Mochi/directpay/internal/domain/payment"
	gatewayinfra "github.com/Zhima-Mochi/directpay/internal/infrastructure/gateway"
	"github.com/Zhima-Mochi/directpay/internal/infrastructure/gateway/simulator"
	"github.com/Zhima-Mochi/directpay/internal/infrastructure/gateway/stripe"
	"github.com/Zhima-Mochi/directpay/internal/infrastructure/id"
	kafkainfra "github.com/Zhima-Mochi/directpay/internal/infrastructure/kafka"
	"github.com/Zhima-Mochi/directpay/internal/infrastructure/memory"
	obsinfra "github.com/Zhima-Mochi/directpay/internal/infrastructure/observability"
	"github.com/Zhima-Mochi/directpay/internal/infrastructure/observability/oteltrace"
	"github.com/Zhima-Mochi/directpay/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/directpay/internal/infrastructure/observability/zaplogger"
	"github.com/Zhima-Mochi/directpay/internal/infrastructure/outbox"
	"github.com/Zhima-Mochi/directpay/internal/infrastructure/postgres"
	redisinfra "github.com/Zhima-Mochi/directpay/internal/infrastructure/redis"
	"github.com/Zhima-Mochi/directpay/internal/observability"
	workerpresentation "github.com/Zhima-Mochi/directpay/internal/presentation/worker"
	"go.uber.org/zap"
)

const (
	systemTraceID = "system"
	systemSpanID  = "system"
)

// app holds the assembled service graph shared by the CLI commands.
type app struct {
	cfg        config.Config
	logger     observability.Logger
	system     observability.Logger
	tel        observability.Observability
	bus        *outbox.Bus
	relay      *kafkainfra.Relay
	orch       *apppay.Orchestrator
	reconciler *apppay.Reconciler

	closers []func(context.Context) error
}

func loadConfig(envFile string) (config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (observability.Logger, observability.Logger) {
	logger := zaplogger.New(
		observability.F("service", cfg.ServiceName),
		observability.F("env", cfg.Env),
		observability.F("instance", cfg.InstanceID),
	)
	if sugared, ok := zaplogger.Sugared(logger); ok {
		zap.ReplaceGlobals(sugared.Desugar())
	}
	return logger, logger.With(
		observability.F("trace_id", systemTraceID),
		observability.F("span_id", systemSpanID),
	)
}

func buildApp(ctx context.Context, cfg config.Config) (_ *app, err error) {
	logger, system := newLogger(cfg)
	tel := obsinfra.Standard(oteltrace.New(cfg.ServiceName), logger, prometrics.New("", ""))
	a := &app{cfg: cfg, logger: logger, system: system, tel: tel}
	defer func() {
		if err != nil {
			_ = a.close(context.WithoutCancel(ctx))
		}
	}()

	ledger, err := a.openLedger(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.openReservations(ctx)
	if err != nil {
		return nil, err
	}
	guard := appidem.NewGuard(store, cfg.InstanceID, logger)

	registry, err := a.buildRegistry()
	if err != nil {
		return nil, err
	}

	a.bus = outbox.NewBus(logger, tel)
	if cfg.KafkaEnabled() {
		writer := kafkainfra.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.relay = kafkainfra.NewRelay(writer, logger, tel)
		a.closers = append(a.closers, func(context.Context) error { return a.relay.Close() })
	}

	ids := id.NewUUIDGenerator()
	a.orch = apppay.NewOrchestrator(ledger, guard, registry, ids, a.bus, apppay.Config{
		GatewayTimeout:  cfg.GatewayTimeout,
		CreationWait:    cfg.CreationWait,
		DefaultCurrency: cfg.DefaultCurrency,
	}, tel)
	a.reconciler = apppay.NewReconciler(ledger, guard, registry, ids, a.bus, apppay.ReconcilerConfig{
		GracePeriod:    cfg.ReconcileGrace,
		BatchSize:      cfg.ReconcileBatch,
		GatewayTimeout: cfg.GatewayTimeout,
	}, tel)
	return a, nil
}

func (a *app) openLedger(ctx context.Context) (dompay.Ledger, error) {
	switch a.cfg.LedgerDriver {
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		a.system.Info("ledger_ready", observability.F("driver", config.DriverPostgres))
		return postgres.NewLedgerStore(db), nil
	default:
		a.system.Warn("ledger_ready", observability.F("driver", config.DriverMemory))
		return memory.NewLedgerStore(), nil
	}
}

func (a *app) openReservations(ctx context.Context) (domidem.Store, error) {
	switch a.cfg.GuardDriver {
	case config.DriverRedis:
		client := redisinfra.NewClient(a.cfg.RedisAddr, a.cfg.RedisPassword, 0)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", a.cfg.RedisAddr, err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		a.system.Info("guard_ready", observability.F("driver", config.DriverRedis))
		return redisinfra.NewReservationStore(client), nil
	default:
		a.system.Info("guard_ready", observability.F("driver", config.DriverMemory))
		return memory.NewReservationStore(), nil
	}
}

func (a *app) buildRegistry() (*gatewayinfra.Registry, error) {
	registry := gatewayinfra.NewRegistry(a.cfg.DefaultPlugin)

	sim := simulator.New()
	sim.SetSuccessRate(a.cfg.SimulatorSuccessRate)
	sim.SetUnknownRate(a.cfg.SimulatorUnknownRate)
	registry.Register(sim)

	if a.cfg.StripeSecretKey != "" {
		stripeCfg := stripe.Config{SecretKey: a.cfg.StripeSecretKey, BaseURL: a.cfg.StripeBaseURL}
		if sugared, ok := zaplogger.Sugared(a.logger.With(observability.F("component", "stripe_client"))); ok {
			stripeCfg.Logger = sugared
		}
		plugin, err := stripe.New(stripeCfg)
		if err != nil {
			return nil, err
		}
		registry.Register(plugin)
	}

	if _, err := registry.Lookup(a.cfg.DefaultPlugin); err != nil {
		return nil, fmt.Errorf("default plugin: %w", err)
	}
	for account, plugin := range a.cfg.AccountPlugins {
		if err := registry.Assign(account, plugin); err != nil {
			return nil, fmt.Errorf("account %s: %w", account, err)
		}
	}
	a.system.Info("gateway_plugins_registered",
		observability.F("plugins", registry.Names()),
		observability.F("default", a.cfg.DefaultPlugin),
	)
	return registry, nil
}

// startEvents starts the bus and attaches the broker relay.
func (a *app) startEvents(ctx context.Context) {
	a.bus.Start(ctx)
	if a.relay != nil {
		a.relay.Register(workerpresentation.NewSubscriber(a.bus, "kafka-relay", a.logger, a.tel))
	}
}

// close drains in-flight gateway calls, the bus, then releases connections in reverse order.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.orch != nil {
		if err := a.orch.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain gateway calls: %w", err))
		}
	}
	if a.bus != nil {
		a.bus.Stop(ctx)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	_ = zaplogger.Sync(a.logger)
	return errors.Join(errs...)
}
