package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Domenick1991/bookingengine/api"
	"github.com/Domenick1991/bookingengine/config"
	"github.com/Domenick1991/bookingengine/internal/service/booking"
	"github.com/Domenick1991/bookingengine/internal/service/departures"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Services are the use cases exposed over HTTP.
type Services struct {
	Departures departures.DepartureUseCase
	Bookings   booking.BookingUseCase
	// Idempotency backs the Idempotency-Key header on hold creation. Nil
	// disables it.
	Idempotency api.IdempotencyStore
}

type Servers struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
}

// Run starts the gRPC health server and the HTTP API and blocks until ctx
// is cancelled or a server fails.
func Run(ctx context.Context, cfg *config.Config, svcs Services, logger *zap.Logger) error {
	s := newServers(cfg, svcs, logger)

	errCh := make(chan error, 2)

	lis, err := net.Listen("tcp", cfg.GRPC.Address)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPC.Address, err)
	}
	go func() { errCh <- s.grpcServer.Serve(lis) }()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("servers started", zap.String("http", cfg.HTTP.Address), zap.String("grpc", cfg.GRPC.Address))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.health.Shutdown()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		s.grpcServer.GracefulStop()
		return nil
	}
}

func newServers(cfg *config.Config, svcs Services, logger *zap.Logger) *Servers {
	grpcSrv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcSrv, hs)

	return &Servers{
		grpcServer: grpcSrv,
		health:     hs,
		httpServer: &http.Server{
			Addr:              cfg.HTTP.Address,
			Handler:           NewRouter(cfg, svcs, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// NewRouter builds the HTTP API.
func NewRouter(cfg *config.Config, svcs Services, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if cfg.HTTP.SwaggerDir != "" {
		router.Static("/swagger", cfg.HTTP.SwaggerDir)
		router.GET("/docs/*any", gin.WrapH(httpSwagger.Handler(httpSwagger.URL("/swagger/booking.swagger.json"))))
	}

	v1 := router.Group("/api/v1")
	if cfg.HTTP.RateLimitRPS > 0 {
		v1.Use(api.RateLimit(rate.NewLimiter(rate.Limit(cfg.HTTP.RateLimitRPS), cfg.HTTP.RateLimitBurst)))
	}

	api.NewDepartureHandler(svcs.Departures).Register(v1.Group("/departures"))

	var holdMiddleware []gin.HandlerFunc
	if svcs.Idempotency != nil {
		holdMiddleware = append(holdMiddleware, api.Idempotency(svcs.Idempotency, cfg.HTTP.IdempotencyTTL, logger))
	}
	api.NewBookingHandler(svcs.Bookings).Register(v1.Group("/bookings"), holdMiddleware...)

	return router
}
