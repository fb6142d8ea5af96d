// Package app wires the dispatch engine together from configuration and runs
// its HTTP front end.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/routa/dispatch/api/admin"
	"github.com/routa/dispatch/config"
	"github.com/routa/dispatch/core/dispatch"
	coremetrics "github.com/routa/dispatch/core/metrics"
	"github.com/routa/dispatch/core/order"
	"github.com/routa/dispatch/core/pool"
	"github.com/routa/dispatch/core/registry"
	"github.com/routa/dispatch/infra/geo"
	"github.com/routa/dispatch/infra/logger"
	"github.com/routa/dispatch/infra/metrics"
	"github.com/routa/dispatch/infra/sink"
	"github.com/routa/dispatch/infra/ws"
	"github.com/routa/dispatch/internal/eventbus"
	"github.com/routa/dispatch/jobs"
)

// Service owns every long-lived component of the dispatch server.
type Service struct {
	Pool     *pool.DriverPool
	Table    *order.Table
	Engine   *dispatch.Engine
	Registry *registry.Registry

	server    *http.Server
	bus       *eventbus.Bus[order.Event]
	forwarder *sink.Forwarder
	lifecycle sink.Sink
	geoIndex  *geo.RedisIndex
	influx    *metrics.InfluxSink
	jobs      *jobs.Manager
	log       logger.Logger
}

// New assembles a Service from the configuration. Optional backends (Redis
// geo index, Kafka, MQTT, Influx) are only dialed when enabled.
func New(cfg *config.Config) (*Service, error) {
	log := logger.New("service")

	var msinks []coremetrics.Sink
	promEnabled := cfg.Metrics.PrometheusEnabled
	if promEnabled {
		ps, err := metrics.NewPromSink()
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		msinks = append(msinks, ps)
	}
	var influx *metrics.InfluxSink
	if cfg.Metrics.InfluxEnabled {
		is := metrics.NewInfluxSinkWithFallback(cfg.Metrics)
		if concrete, ok := is.(*metrics.InfluxSink); ok {
			influx = concrete
		}
		msinks = append(msinks, is)
	}
	var msink coremetrics.Sink
	switch len(msinks) {
	case 0:
		msink = coremetrics.NopSink{}
	case 1:
		msink = msinks[0]
	default:
		msink = metrics.NewMultiSink(msinks...)
	}

	var lsinks []sink.Sink
	if cfg.Sinks.Kafka.Enabled {
		ks := sink.NewKafkaSink(cfg.Sinks.Kafka)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := ks.EnsureTopics(ctx, cfg.Sinks.Kafka.Brokers)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("kafka topics: %w", err)
		}
		lsinks = append(lsinks, ks)
	}
	if cfg.Sinks.MQTT.Enabled {
		ms, err := sink.NewMQTTSink(cfg.Sinks.MQTT)
		if err != nil {
			return nil, fmt.Errorf("mqtt sink: %w", err)
		}
		lsinks = append(lsinks, ms)
	}
	var lifecycle sink.Sink = sink.Nop{}
	if len(lsinks) == 1 {
		lifecycle = lsinks[0]
	} else if len(lsinks) > 1 {
		lifecycle = sink.NewMulti(lsinks...)
	}

	var (
		selector order.Selector
		mirror   dispatch.PositionMirror
		geoIndex *geo.RedisIndex
	)
	if cfg.Geo.Enabled {
		idx, err := geo.NewRedisIndex(cfg.Geo)
		if err != nil {
			return nil, fmt.Errorf("geo index: %w", err)
		}
		geoIndex = idx
		selector = idx
		mirror = idx
	} else if cfg.Geo.RadiusKm > 0 {
		selector = geo.RadiusSelector{RadiusKm: cfg.Geo.RadiusKm}
	}

	bus := eventbus.New[order.Event]()
	p := pool.New()
	reg := registry.New(logger.New("registry"))
	table := order.New(p, reg, selector, bus, msink, logger.New("orders"), cfg.Dispatch.TableConfig())
	engine := dispatch.New(p, table, reg, mirror, msink, logger.New("dispatch"))

	auth := ws.NewAuthenticator(cfg.Auth.JWTSecret)
	wsServer := ws.NewServer(engine, auth, logger.New("ws"))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", wsServer.Handle)
	r.Mount("/api/admin", admin.NewHandler(p, table).Routes())
	if promEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	svc := &Service{
		Pool:      p,
		Table:     table,
		Engine:    engine,
		Registry:  reg,
		server:    &http.Server{Addr: cfg.Server.Addr, Handler: r},
		bus:       bus,
		forwarder: sink.NewForwarder(bus, lifecycle, logger.New("sink")),
		lifecycle: lifecycle,
		geoIndex:  geoIndex,
		influx:    influx,
		jobs:      jobs.NewManager(table, cfg.Jobs, logger.New("jobs")),
		log:       log,
	}
	return svc, nil
}

// Run starts the background workers and serves HTTP until the context is
// cancelled, then drains with a grace period.
func (s *Service) Run(ctx context.Context) error {
	go s.forwarder.Run(ctx)
	if err := s.jobs.Start(); err != nil {
		return fmt.Errorf("start jobs: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Close releases every backend connection the service holds.
func (s *Service) Close() error {
	s.jobs.Stop()
	s.bus.Close()
	var firstErr error
	if err := s.lifecycle.Close(); err != nil {
		firstErr = err
	}
	if s.geoIndex != nil {
		if err := s.geoIndex.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.influx != nil {
		s.influx.Close()
	}
	return firstErr
}
