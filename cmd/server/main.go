package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"dronedispatch/internal/config"
	"dronedispatch/internal/db"
	"dronedispatch/internal/dispatch"
	"dronedispatch/internal/eta"
	"dronedispatch/internal/httpapi"
	"dronedispatch/internal/notify"
	"dronedispatch/internal/optimizer"
	"dronedispatch/internal/queue"
	"dronedispatch/internal/telemetry"
	"dronedispatch/internal/zones"
	"dronedispatch/repository"
)

func main() {
	// Load configuration
	cfg, err := config.LoadWithDefaults()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Printf("Configuration loaded: %v", cfg)

	// Open DB
	d, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Printf("close db: %v", err)
		}
	}()

	users := repository.NewUserRepository(d)
	drones := repository.NewDroneRepository(d)
	packages := repository.NewPackageRepository(d)
	orders := repository.NewOrderRepository(d)
	routes := repository.NewRouteRepository(d)
	zoneRepo := repository.NewZoneRepository(d)
	telemetryRepo := repository.NewTelemetryRepository(d)
	notifications := repository.NewNotificationRepository(d)

	zoneStore := zones.NewStore(zoneRepo)
	routeOptimizer := optimizer.New(cfg.Optimizer, zoneStore,
		optimizer.WithInstruments(optimizer.NewInstruments(prometheus.DefaultRegisterer)))
	zoneStore.OnMutate(routeOptimizer.ClearCache)
	predictor := eta.New(cfg.ETA)

	hub := telemetry.NewHub()

	// A misconfigured broker is an unrecoverable startup failure; an empty
	// REDIS_URL deliberately selects the in-memory queue instead.
	q, err := queue.New(queue.Options{
		RedisURL:    cfg.Queue.RedisURL,
		RetryCount:  cfg.Queue.RetryCount,
		RetryDelay:  time.Duration(cfg.Queue.RetryDelayS) * time.Second,
		Concurrency: cfg.Worker.Concurrency,
		Registerer:  prometheus.DefaultRegisterer,
	})
	if err != nil {
		log.Fatalf("start queue: %v", err)
	}
	defer func() { _ = q.Close() }()

	notifier := notify.New(notifications, hub, q)
	pipeline := dispatch.New(dispatch.Deps{
		Orders:    orders,
		Drones:    drones,
		Packages:  packages,
		Routes:    routes,
		Users:     users,
		Notifier:  notifier,
		Optimizer: routeOptimizer,
		Predictor: predictor,
		Queue:     q,
		Hub:       hub,
	})
	q.SetErrorSink(pipeline.ErrorSink())
	ingestor := telemetry.NewIngestor(drones, telemetryRepo, hub, q, pipeline)

	api := httpapi.New(httpapi.Deps{
		Config:   cfg,
		Users:    users,
		Orders:   orders,
		Packages: packages,
		Routes:   routes,
		Pipeline: pipeline,
		Ingestor: ingestor,
		Hub:      hub,
	})

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workersDone := make(chan struct{})
	go func() {
		q.Run(workerCtx)
		close(workersDone)
	}()

	srv := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: api.Handler(),
	}
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTP.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	// Wait for signal
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	stopWorkers()
	select {
	case <-workersDone:
	case <-ctx.Done():
		log.Printf("workers did not drain before deadline")
	}
}
