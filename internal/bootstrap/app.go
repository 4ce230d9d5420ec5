package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/Domenick1991/bookingengine/config"
	"github.com/Domenick1991/bookingengine/internal/cache"
	"github.com/Domenick1991/bookingengine/internal/catalog"
	"github.com/Domenick1991/bookingengine/internal/kafka"
	"github.com/Domenick1991/bookingengine/internal/repository"
	"github.com/Domenick1991/bookingengine/internal/scheduler"
	"github.com/Domenick1991/bookingengine/internal/service/booking"
	"github.com/Domenick1991/bookingengine/internal/service/departures"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App holds the wired services and the infrastructure they run on.
type App struct {
	Departures *departures.DepartureService
	Bookings   *booking.BookingService
	Expiries   scheduler.Runner
	Cache      *cache.RedisCache

	closers []func()
}

// NewApp connects the configured backends and wires the services.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{}

	var (
		departureRepo repository.DepartureRepository
		bookingRepo   repository.BookingRepository
		tx            repository.Transactor
	)
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		app.closers = append(app.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			app.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		departureRepo = repository.NewDepartureRepository(pool)
		bookingRepo = repository.NewBookingRepository(pool)
		tx = repository.NewTxManager(pool)
	default:
		logger.Warn("using in-memory storage, data is lost on restart")
		departureRepo = repository.NewMemoryDepartureRepository()
		bookingRepo = repository.NewMemoryBookingRepository()
		tx = repository.NewMemoryTransactor()
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = cache.NewRedisClient(cfg.Redis)
		app.closers = append(app.closers, func() { _ = redisClient.Close() })
		if err := redisClient.Ping(ctx).Err(); err != nil {
			app.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		app.Cache = cache.NewRedisCache(redisClient, cfg.Booking.DeparturesCacheTTL)
	}

	retry := scheduler.RetryPolicy{MaxAttempts: cfg.Worker.MaxAttempts, Backoff: cfg.Worker.RetryBackoff}
	switch {
	case cfg.Worker.Scheduler == config.DriverRedis && redisClient != nil:
		app.Expiries = scheduler.NewRedisScheduler(redisClient, cfg.Worker.PollInterval, retry, logger.Named("scheduler"))
	case cfg.Worker.Scheduler == config.DriverRedis:
		app.Close()
		return nil, fmt.Errorf("redis scheduler requires redis.addr")
	default:
		app.Expiries = scheduler.NewHeapScheduler(retry, logger.Named("scheduler"))
	}

	products := newCatalog(cfg.Catalog, logger)

	var opts []booking.BookingServiceOption
	opts = append(opts, booking.WithLogger(logger.Named("booking")))
	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, logger.Named("kafka"))
		app.closers = append(app.closers, func() { _ = producer.Close() })
		if err := producer.CheckConnection(ctx); err != nil {
			logger.Warn("kafka unreachable, booking events will be dropped until it recovers", zap.Error(err))
		}
		opts = append(opts, booking.WithProducer(producer, cfg.Kafka.BookingEventsTopic))
	}

	app.Bookings = booking.NewBookingService(bookingRepo, departureRepo, tx, products, app.Expiries, cfg.Booking.HoldTTL, opts...)

	var departuresCache departures.Cache
	if app.Cache != nil {
		departuresCache = app.Cache
	}
	app.Departures = departures.NewDepartureService(departureRepo, products, departuresCache, logger.Named("departures"))

	return app, nil
}

// Services exposes the app to the HTTP layer.
func (a *App) Services() Services {
	svcs := Services{Departures: a.Departures, Bookings: a.Bookings}
	if a.Cache != nil {
		svcs.Idempotency = a.Cache
	}
	return svcs
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newCatalog(cfg config.CatalogConfig, logger *zap.Logger) catalog.Catalog {
	if cfg.Driver == config.DriverHTTP {
		return catalog.NewHTTPClient(catalog.HTTPConfig{
			BaseURL:             cfg.BaseURL,
			Timeout:             cfg.Timeout,
			ConsecutiveFailures: cfg.BreakerFailures,
			OpenTimeout:         cfg.BreakerOpenTimeout,
		}, logger.Named("catalog"))
	}

	static := catalog.NewStatic()
	for _, p := range cfg.Static {
		static.PutProduct(catalog.Product{ID: p.ID, Bookable: p.Bookable})
		for _, it := range p.Items {
			static.PutItem(catalog.Item{ID: it.ID, ProductID: p.ID, UnitPrice: it.UnitPrice, Currency: it.Currency})
		}
	}
	return static
}

// RunWorker re-arms persisted holds, then fires hold expiries and runs the
// periodic consistency sweep until ctx is cancelled.
func RunWorker(ctx context.Context, app *App, interval time.Duration, logger *zap.Logger) error {
	if _, err := app.Bookings.RecoverHolds(ctx); err != nil {
		return fmt.Errorf("recover holds: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- app.Expiries.Run(ctx, app.Bookings.Expire) }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			violations, err := app.Departures.CheckConsistency(ctx)
			if err != nil {
				logger.Error("consistency sweep failed", zap.Error(err))
				continue
			}
			logger.Debug("consistency sweep done", zap.Int("violations", len(violations)))
		}
	}
}
