package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rl1809/stock-ledger/internal/adapter/handler"
	"github.com/rl1809/stock-ledger/internal/adapter/notify"
	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/config"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/platform/logging"
	"github.com/rl1809/stock-ledger/internal/platform/metrics"
	"github.com/rl1809/stock-ledger/internal/platform/tracing"
	"github.com/rl1809/stock-ledger/internal/port"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development}, cfg.Service.Name)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
	logger.Info("server stopped")
}

// backend is the storage selected by storage.driver.
type backend struct {
	store   port.StockStore
	catalog port.ProductCatalog
	orders  port.OrderReader
	seeder  interface {
		SeedProduct(ctx context.Context, p domain.Product) error
	}
	audit   notify.AuditWriter
	closers []func() error
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:      cfg.Tracing.Endpoint,
		URLPath:       cfg.Tracing.URLPath,
		Insecure:      cfg.Tracing.Insecure,
		SampleRatio:   cfg.Tracing.SampleRatio,
		ExportTimeout: cfg.Tracing.ExportTimeout.Std(),
		MaxQueueSize:  cfg.Tracing.MaxQueueSize,
	}, cfg.Service.Name, cfg.Service.Version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	m := metrics.New(cfg.Metrics.Namespace)

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for i := len(be.closers) - 1; i >= 0; i-- {
			if err := be.closers[i](); err != nil {
				logger.Warn("close failed", zap.Error(err))
			}
		}
	}()

	if err := seedProducts(ctx, be, cfg.Seed.Products, logger); err != nil {
		return err
	}

	sinks, writers := []notify.Sink{}, []notify.AuditWriter{}
	if be.audit != nil {
		writers = append(writers, be.audit)
	}
	if cfg.Events.LogEvents {
		sinks = append(sinks, notify.NewLogSink(logger))
		writers = append(writers, notify.NewLogAuditWriter(logger))
	}

	var cache port.CacheRepository
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		be.closers = append(be.closers, rdb.Close)
		logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))

		cache = storage.NewRedisAdapter(rdb, cfg.Redis.IdempotencyTTL.Std())
		if cfg.Redis.MirrorStock {
			sinks = append(sinks, storage.NewRedisStockMirror(rdb))
		}
	}

	if cfg.Events.NATSURL != "" {
		nc, err := nats.Connect(cfg.Events.NATSURL, nats.Name(cfg.Service.Name))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		be.closers = append(be.closers, func() error { return nc.Drain() })
		sinks = append(sinks, notify.NewNATSSink(nc, cfg.Events.NATSSubject))
		logger.Info("connected to nats", zap.String("url", cfg.Events.NATSURL))
	}

	if len(cfg.Events.KafkaBrokers) > 0 {
		kafkaSink := notify.NewKafkaSink(notify.NewKafkaWriter(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic))
		be.closers = append(be.closers, kafkaSink.Close)
		sinks = append(sinks, kafkaSink)
		logger.Info("publishing to kafka",
			zap.Strings("brokers", cfg.Events.KafkaBrokers),
			zap.String("topic", cfg.Events.KafkaTopic),
		)
	}

	dispatcher := notify.NewDispatcher(notify.Config{
		QueueSize:      cfg.Events.QueueSize,
		Workers:        cfg.Events.Workers,
		PublishTimeout: cfg.Events.PublishTimeout.Std(),
	}, sinks, writers, logger.Named("notify"), m)

	deps := service.Dependencies{
		Store:   be.store,
		Catalog: be.catalog,
		Orders:  be.orders,
		Events:  dispatcher,
		Audit:   dispatcher,
		Metrics: m,
		Logger:  logger.Named("ledger"),
		Tracer:  tracer,
	}
	svc := handler.Services{
		Orders:       service.NewOrderService(deps, cache),
		Movements:    service.NewMovementService(deps),
		Fulfillments: service.NewFulfillmentService(deps),
		Queries:      service.NewQueryService(deps),
	}

	var grpcLis net.Listener
	if cfg.Service.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", cfg.Service.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var httpServer *http.Server
	if cfg.Service.HTTPAddr != "" {
		mux := http.NewServeMux()
		handler.NewHTTPHandler(svc, logger.Named("http"), m).Register(mux)
		if cfg.Metrics.Enabled {
			mux.Handle("GET /metrics", m.Handler())
		}
		httpServer = &http.Server{
			Addr:              cfg.Service.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("HTTP server listening", zap.String("addr", cfg.Service.HTTPAddr))
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	var grpcServer *grpc.Server
	if grpcLis != nil {
		grpcServer = grpc.NewServer()
		handler.RegisterStockLedgerServer(grpcServer, handler.NewGRPCHandler(svc, logger.Named("grpc")))
		g.Go(func() error {
			logger.Info("gRPC server listening", zap.String("addr", cfg.Service.GRPCAddr))
			if err := grpcServer.Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout.Std())
		defer cancel()

		if httpServer != nil {
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		if err := dispatcher.Close(shutdownCtx); err != nil {
			logger.Warn("event queue not drained", zap.Error(err))
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backend, error) {
	lockTimeout := cfg.Storage.LockTimeout.Std()

	switch cfg.Storage.Driver {
	case config.DriverMySQL:
		db, err := sql.Open("mysql", cfg.Storage.MySQLDSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		logger.Info("connected to mysql")

		gdb, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: db}), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open gorm: %w", err)
		}
		catalog := storage.NewGormCatalog(gdb)
		if cfg.Storage.AutoMigrate {
			if err := catalog.AutoMigrate(ctx); err != nil {
				db.Close()
				return nil, err
			}
		}
		return &backend{
			store:   storage.NewMySQLAdapter(db, lockTimeout),
			catalog: catalog,
			orders:  catalog,
			seeder:  catalog,
			audit:   storage.NewGormAuditWriter(gdb),
			closers: []func() error{db.Close},
		}, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")

		store := storage.NewPostgresStore(pool, lockTimeout)
		if cfg.Storage.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return &backend{
			store:   store,
			catalog: store,
			orders:  store,
			seeder:  store,
			closers: []func() error{func() error { pool.Close(); return nil }},
		}, nil

	default:
		store := storage.NewMemoryStore(lockTimeout)
		logger.Warn("using in-memory store, state is lost on exit")
		return &backend{store: store, catalog: store, orders: store, seeder: store}, nil
	}
}

// seedProducts inserts configured products that do not exist yet. Existing
// rows, and the stock they hold, are left alone.
func seedProducts(ctx context.Context, be *backend, products []config.SeedProduct, logger *zap.Logger) error {
	for _, sp := range products {
		price, err := sp.Price()
		if err != nil {
			return fmt.Errorf("seed product %d: %w", sp.ID, err)
		}
		p := domain.Product{
			ID:           sp.ID,
			SKU:          sp.SKU,
			UnitPrice:    price,
			CentralStock: sp.CentralStock,
			UpdatedAt:    time.Now().UTC(),
		}
		if err := be.seeder.SeedProduct(ctx, p); err != nil {
			return fmt.Errorf("seed product %d: %w", sp.ID, err)
		}
	}
	if len(products) > 0 {
		logger.Info("seeded products", zap.Int("count", len(products)))
	}
	return nil
}
