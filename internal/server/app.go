// Package server wires the tracker process: the in-memory bus, the
// coordinator, the gRPC services exposing both and the metrics endpoint.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/fragnet/internal/bus"
	"github.com/dmitrijs2005/fragnet/internal/logging"
	"github.com/dmitrijs2005/fragnet/internal/publisher"
	"github.com/dmitrijs2005/fragnet/internal/server/config"

	gs "github.com/dmitrijs2005/fragnet/internal/server/grpc"
)

type App struct {
	config    *config.Config
	logger    logging.Logger
	registry  *prometheus.Registry
	bus       *bus.MemoryBus
	publisher *publisher.Publisher
}

func NewApp(c *config.Config, l logging.Logger) (*App, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	b := bus.NewMemoryBus(l)

	p, err := publisher.New(b,
		publisher.WithConfig(publisher.Config{
			TrackerID:       c.TrackerID,
			HashAlgorithm:   c.HashAlgorithm,
			FragmentSize:    c.FragmentSize,
			JoinTimeout:     c.JoinTimeout,
			RequestWindow:   c.RequestWindow,
			DeliveryTimeout: c.DeliveryTimeout,
			Quorum:          c.Quorum,
		}),
		publisher.WithLogger(l),
		publisher.WithMetrics(publisher.NewMetrics(registry)),
	)
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	return &App{config: c, logger: l, registry: registry, bus: b, publisher: p}, nil
}

// Publisher returns the coordinator.
func (app *App) Publisher() *publisher.Publisher { return app.publisher }

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) runMetricsServer(ctx context.Context) error {
	if app.config.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: app.config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	app.logger.Info(ctx, "Starting metrics server", "address", app.config.MetricsAddr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run starts the tracker and blocks until ctx is canceled, a signal arrives
// or one of the servers fails.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	if err := app.publisher.Start(ctx); err != nil {
		_ = app.bus.Close()
		return err
	}

	s, err := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.publisher, app.bus)
	if err != nil {
		_ = app.publisher.Close()
		_ = app.bus.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.Run(gctx) })
	g.Go(func() error { return app.runMetricsServer(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info(ctx, "Stopping tracker...")
		// Goodbye reaches remote peers before their streams are closed
		err := app.publisher.Close()
		return errors.Join(err, app.bus.Close())
	})

	return g.Wait()
}
