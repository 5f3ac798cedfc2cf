package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Zhima-Mochi/offramp-settlement/internal/application/offramp"
	"github.com/Zhima-Mochi/offramp-settlement/internal/application/polling"
	"github.com/Zhima-Mochi/offramp-settlement/internal/application/reconcile"
	appwallet "github.com/Zhima-Mochi/offramp-settlement/internal/application/wallet"
	appwebhook "github.com/Zhima-Mochi/offramp-settlement/internal/application/webhook"
	"github.com/Zhima-Mochi/offramp-settlement/internal/config"
	"github.com/Zhima-Mochi/offramp-settlement/internal/domain/fee"
	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domprovider "github.com/Zhima-Mochi/offramp-settlement/internal/domain/provider"
	domwallet "github.com/Zhima-Mochi/offramp-settlement/internal/domain/wallet"
	domwebhook "github.com/Zhima-Mochi/offramp-settlement/internal/domain/webhook"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/custody"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/id"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/observability/oteltrace"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/observability/telemetry"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/observability/zaplogger"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/outbox"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/postgres"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/provider/paycrest"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/provider/pretium"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/redis"
	"github.com/Zhima-Mochi/offramp-settlement/internal/pkg/logging"
	httppresentation "github.com/Zhima-Mochi/offramp-settlement/internal/presentation/http"
	workerpresentation "github.com/Zhima-Mochi/offramp-settlement/internal/presentation/worker"
)

type stores struct {
	orders     domorder.Repository
	wallets    domwallet.Repository
	deliveries domwebhook.Repository
	readiness  []httppresentation.ReadinessCheck
	close      func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.MustNewLogger("offramp-settlement", "bootstrap", "info")
		boot.Fatal("config_load_failed", zap.Error(err))
	}

	baseLogger := logging.MustNewLogger(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer func() { _ = baseLogger.Sync() }()
	zap.ReplaceGlobals(baseLogger)

	systemLogger := logging.WithTrace(baseLogger, logging.SystemTraceID, logging.SystemSpanID)

	counters, histograms := prometrics.RegisterAll(prometrics.New(prometheus.DefaultRegisterer, "", ""))
	tel := telemetry.New(
		oteltrace.New(cfg.ServiceName),
		zaplogger.New(baseLogger),
		counters,
		histograms,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		systemLogger.Fatal("store_open_failed", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer st.close()

	statusCache, pollLock, cacheCheck, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		systemLogger.Fatal("redis_connect_failed", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	defer closeCache()
	if cacheCheck != nil {
		st.readiness = append(st.readiness, *cacheCheck)
	}

	adapters := domprovider.NewRegistry(
		paycrest.New(paycrest.Config{
			BaseURL:                cfg.PaycrestBaseURL,
			APIKey:                 cfg.PaycrestAPIKey,
			WebhookSecret:          cfg.PaycrestWebhookSecret,
			MobileMoneyInstitution: cfg.PaycrestInstitution,
			Timeout:                cfg.VendorTimeout,
		}, tel),
		pretium.New(pretium.Config{
			BaseURL: cfg.PretiumBaseURL,
			APIKey:  cfg.PretiumAPIKey,
			Chain:   cfg.PretiumChain,
			Timeout: cfg.VendorTimeout,
		}, tel),
	)

	// In-process event bus: order.created feeds the dispatch worker and
	// order.status_changed feeds the status cache worker.
	bus := outbox.NewBus(tel, outbox.Options{})
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	idGenerator := id.NewUUIDGenerator()
	reconciler := reconcile.New(st.orders, adapters, bus, tel)

	pollDefaults := polling.Options{
		BaseDelay:         cfg.PollBaseDelay,
		GrowthFactor:      cfg.PollGrowthFactor,
		CapDelay:          cfg.PollCapDelay,
		MaxAttempts:       cfg.PollMaxAttempts,
		Timeout:           cfg.PollTimeout,
		AttemptTimeout:    cfg.PollAttemptTimeout,
		NotFoundThreshold: cfg.PollNotFoundThreshold,
	}.Merge(polling.DefaultOptions())
	engine := polling.NewEngine(st.orders, adapters, reconciler, tel,
		polling.WithDefaults(pollDefaults),
		polling.WithStatusCache(statusCache),
		polling.WithLocker(pollLock),
	)

	calc, err := fee.NewCalculator(decimal.NewFromFloat(cfg.FeeRate), cfg.FeePlaces)
	if err != nil {
		systemLogger.Fatal("fee_calculator_invalid", zap.Float64("rate", cfg.FeeRate), zap.Error(err))
	}
	createOrder := offramp.NewCreateOrderUseCase(st.orders, adapters, calc,
		offramp.Settlement{Token: cfg.Token, Network: cfg.Network}, idGenerator, bus, tel)
	checkStatus := offramp.NewCheckStatusUseCase(st.orders, adapters, reconciler, cfg.PollAttemptTimeout, tel)
	ingestor := appwebhook.NewIngestor(st.orders, st.deliveries, adapters, reconciler, idGenerator, tel)
	provisioner := appwallet.NewProvisioner(st.wallets, custody.New(custody.Config{
		BaseURL: cfg.CustodyBaseURL,
		APIKey:  cfg.CustodyAPIKey,
		Timeout: cfg.VendorTimeout,
	}, tel), tel)

	workerpresentation.NewDispatchWorker(bus, engine, pollDefaults, tel).Start()
	workerpresentation.NewStatusCacheWorker(bus, statusCache, tel).Start()

	handler := httppresentation.NewHandler(httppresentation.Deps{
		CreateOrder:  createOrder,
		CheckStatus:  checkStatus,
		AssignWallet: provisioner,
		Orders:       offramp.NewReader(st.orders),
		Poller:       engine,
		Webhooks:     ingestor,
		Readiness:    st.readiness,
		Metrics:      promhttp.Handler(),
	}, tel.Logger(), tel)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		systemLogger.Info("http_server_start",
			zap.String("addr", server.Addr),
			zap.String("store", cfg.StoreDriver),
			zap.Bool("redis", cfg.RedisAddr != ""),
		)
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			systemLogger.Error("http_server_error",
				zap.Error(err),
			)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		systemLogger.Error("http_server_shutdown_error",
			zap.Error(err),
		)
	} else {
		systemLogger.Info("http_server_stopped")
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		systemLogger.Warn("poll_loops_shutdown_incomplete", zap.Error(err))
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.StoreDriver == config.StoreMemory {
		return &stores{
			orders:     memory.NewOrderRepository(),
			wallets:    memory.NewWalletRepository(),
			deliveries: memory.NewDeliveryRepository(),
			close:      func() {},
		}, nil
	}

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL(), cfg.DBMaxConns)
	if err != nil {
		return nil, err
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &stores{
		orders:     postgres.NewOrderRepository(pool),
		wallets:    postgres.NewWalletRepository(pool),
		deliveries: postgres.NewDeliveryRepository(pool),
		readiness:  []httppresentation.ReadinessCheck{{Name: "postgres", Ping: pool.Ping}},
		close:      pool.Close,
	}, nil
}

// openCache falls back to in-process implementations when REDIS_ADDR is
// unset; a single instance then owns every poll loop.
func openCache(ctx context.Context, cfg *config.Config) (domorder.StatusCache, polling.Locker, *httppresentation.ReadinessCheck, func(), error) {
	if cfg.RedisAddr == "" {
		return memory.NewStatusCache(), memory.NewPollLock(), nil, func() {}, nil
	}
	client, err := redis.NewClient(ctx, redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	check := &httppresentation.ReadinessCheck{
		Name: "redis",
		Ping: func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}
	closeFn := func() { _ = client.Close() }
	return redis.NewStatusCache(client, cfg.StatusCacheTTL), redis.NewPollLock(client), check, closeFn, nil
}
