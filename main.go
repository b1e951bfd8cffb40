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

	appInventory "github.com/Zhima-Mochi/minishop-checkout/internal/application/inventory"
	appOrder "github.com/Zhima-Mochi/minishop-checkout/internal/application/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/application/webhook"
	"github.com/Zhima-Mochi/minishop-checkout/internal/config"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/notification"
	domainOrder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/id"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/notify"
	infraobs "github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/observability/oteltrace"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/observability/zaplogger"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/outbox"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/payment/gateway"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/postgres"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/redisstore"
	"github.com/Zhima-Mochi/minishop-checkout/internal/pkg/logging"
	httppresentation "github.com/Zhima-Mochi/minishop-checkout/internal/presentation/http"
	workerpresentation "github.com/Zhima-Mochi/minishop-checkout/internal/presentation/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	baseLogger, err := logging.NewLogger(logging.Options{
		Service: cfg.ServiceName,
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
	})
	if err != nil {
		return err
	}
	defer func() { _ = baseLogger.Sync() }()
	zap.ReplaceGlobals(baseLogger)

	systemLogger := logging.WithTrace(baseLogger, logging.SystemTraceID, logging.SystemSpanID)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	counters, histograms := prometrics.Instruments(prometrics.New(registry, "", ""))
	tel := infraobs.New(
		infraobs.WithTracer(oteltrace.New(cfg.ServiceName)),
		infraobs.WithLogger(zaplogger.New(baseLogger)),
		infraobs.WithInstruments(counters, histograms),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var checks []httppresentation.Option

	var orderRepo domainOrder.Repository = memory.NewOrderRepository()
	if cfg.DatabaseURL != "" {
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg := postgres.NewOrderRepository(pool)
		orderRepo = pg
		checks = append(checks, httppresentation.WithHealthCheck("postgres", pg.Ping))
		systemLogger.Info("order_store_selected", zap.String("store", "postgres"))
	}

	var inbox webhook.Inbox = memory.NewWebhookInbox()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		ri := redisstore.NewInbox(client)
		inbox = ri
		checks = append(checks, httppresentation.WithHealthCheck("redis", ri.Ping))
		systemLogger.Info("webhook_inbox_selected", zap.String("store", "redis"))
	}

	var notifier notification.Notifier = notify.NewLogNotifier(tel.Logger())
	if cfg.KafkaBrokers != "" {
		kn := notify.NewKafkaNotifier(notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.NotificationTopic))
		defer func() { _ = kn.Close() }()
		notifier = kn
		systemLogger.Info("notifier_selected", zap.String("transport", "kafka"))
	}

	bus := outbox.NewBus(tel)
	bus.Start(ctx)

	gw := gateway.NewSimulator(gateway.WithSuccessRate(cfg.PaymentSuccessRate))
	stock := appInventory.NewManager(memory.NewInventoryRepository(), cfg.ReservationTTL, tel)
	orders := appOrder.NewService(appOrder.Deps{
		Orders:    orderRepo,
		Inventory: stock,
		Gateway:   gw,
		Notifier:  notifier,
		IDs:       id.NewUUIDGenerator(),
		Numbers:   id.NewOrderNumbers(cfg.OrderNumberPrefix, time.Now),
		Pricing:   appOrder.Pricing{Shipping: cfg.ShippingFlatRate, TaxRates: cfg.TaxRates},
		Currency:  cfg.DefaultCurrency,
	}, tel, appOrder.WithGatewayRetry(cfg.GatewayMaxAttempts, 200*time.Millisecond))

	sweeper := appOrder.NewSweeper(orders, orderRepo, stock, cfg.SweepInterval, cfg.AutoCancelAfter, tel)
	go sweeper.Run(ctx)

	receiver := webhook.NewReceiver(gw, cfg.WebhookSecret, inbox, bus, tel)
	processor := webhook.NewProcessor(inbox, orders, tel)
	webhookWorker := workerpresentation.NewWebhookWorker(bus, processor, cfg.WebhookPoll, tel)
	webhookWorker.Start()
	go webhookWorker.Run(ctx)

	handler := httppresentation.NewHandler(orders, stock, receiver, tel,
		append(checks, httppresentation.WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))...,
	)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(handler.Router(), "http.server"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		systemLogger.Info("http_server_start", zap.String("addr", server.Addr))
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			systemLogger.Error("http_server_error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		systemLogger.Error("http_server_shutdown_error", zap.Error(err))
	} else {
		systemLogger.Info("http_server_stopped")
	}
	bus.Stop(shutdownCtx)
	return nil
}
