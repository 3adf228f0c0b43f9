package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/amarvote/orchestrator-core/internal/api"
	"github.com/amarvote/orchestrator-core/internal/audit"
	"github.com/amarvote/orchestrator-core/internal/config"
	"github.com/amarvote/orchestrator-core/internal/cryptoclient"
	"github.com/amarvote/orchestrator-core/internal/domain"
	"github.com/amarvote/orchestrator-core/internal/metrics"
	"github.com/amarvote/orchestrator-core/internal/middleware"
	"github.com/amarvote/orchestrator-core/internal/planner"
	"github.com/amarvote/orchestrator-core/internal/progress"
	"github.com/amarvote/orchestrator-core/internal/queue"
	"github.com/amarvote/orchestrator-core/internal/scheduler"
	"github.com/amarvote/orchestrator-core/internal/store"
	"github.com/amarvote/orchestrator-core/internal/unseal"
	"github.com/amarvote/orchestrator-core/internal/worker"
)

// role selects which parts of the orchestrator this process runs, letting
// the Admin API and Scheduler live on one fleet and the worker pools scale
// independently on another (spec.md §5's horizontal-scaling model).
type role int

const (
	roleAll role = iota
	roleScheduler
	roleWorker
)

const httpAddr = ":8080"

// runServe wires config, store, broker, scheduler, workers, and the Admin/
// Status API together and blocks until an interrupt or terminate signal.
func runServe(ctx context.Context, r role) error {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("server: load config: %w", err)
	}

	metrics.SetVersion(version())
	m := metrics.NewMetrics()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("server: open store: %w", err)
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	auditLog, err := audit.NewLoggerFromConfig(cfg.Audit)
	if err != nil {
		return fmt.Errorf("server: build audit logger: %w", err)
	}

	publisher := queue.NewPublisher(redisClient, log)
	sched := scheduler.New(publisher, m, log)

	var apiServer *http.Server
	if r == roleAll || r == roleScheduler {
		sched.Start(ctx)
		defer sched.Stop()

		unsealer, err := unseal.NewKMIPUnsealer(ctx, unseal.Options{
			Endpoint: cfg.Unseal.KMIPEndpoint,
			CACert:   cfg.Unseal.KMIPCACert,
			Timeout:  cfg.Unseal.Timeout,
		})
		if err != nil {
			return fmt.Errorf("server: connect to KMIP unsealer: %w", err)
		}
		defer unsealer.Close(ctx)

		pl := planner.New(st, cfg.ChunkSize, assignmentMode(cfg), log)
		tracker := progress.New(st, sched, unsealer, log)

		handler := api.NewHandler(st, pl, tracker, sched, log, m)
		router := mux.NewRouter()
		handler.RegisterRoutes(router)

		var chain http.Handler = router
		chain = middleware.LoggingMiddleware(log)(chain)
		chain = middleware.RecoveryMiddleware(log)(chain)

		apiServer = &http.Server{Addr: httpAddr, Handler: chain}
		go func() {
			log.WithField("addr", httpAddr).Info("admin/status API listening")
			if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("admin/status API stopped unexpectedly")
			}
		}()
	}

	var stopWorkers func()
	if r == roleAll || r == roleWorker {
		cryptoClient := cryptoclient.New(cryptoClientConfig(cfg), m, log)
		defer cryptoClient.Close()

		stopWorkers, err = startWorkers(ctx, cfg, redisClient, sched, st, cryptoClient, auditLog, m, log)
		if err != nil {
			return fmt.Errorf("server: start workers: %w", err)
		}
	}

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("admin/status API did not shut down cleanly")
		}
	}
	if stopWorkers != nil {
		stopWorkers()
	}
	return nil
}

// startWorkers dials one consumer per operation kind and runs
// cfg.WorkerConcurrency goroutines per kind, matching spec.md §4.6's
// "worker concurrency per process (6, range 4-10)" knob. It returns a
// function that cancels every worker's context and waits for them to
// return.
func startWorkers(ctx context.Context, cfg *config.Config, redisClient *redis.Client, sched *scheduler.Scheduler, st *store.Store, cryptoClient cryptoclient.Client, auditLog audit.Logger, m *metrics.Metrics, log *logrus.Logger) (func(), error) {
	workerCtx, cancel := context.WithCancel(ctx)

	kinds := []domain.OperationKind{domain.OpTally, domain.OpPartial, domain.OpCompensated, domain.OpCombine}
	done := make(chan struct{}, len(kinds)*cfg.WorkerConcurrency)
	runCount := 0

	for _, kind := range kinds {
		for i := 0; i < cfg.WorkerConcurrency; i++ {
			consumerName := fmt.Sprintf("%s-%d", kind, i)
			consumer, err := queue.NewConsumer(ctx, redisClient, kind, consumerName, log)
			if err != nil {
				cancel()
				return nil, fmt.Errorf("create consumer for %s: %w", kind, err)
			}

			runnable := newWorker(kind, consumer, sched, st, cryptoClient, auditLog, m, log)
			runCount++
			go func() {
				runnable(workerCtx)
				done <- struct{}{}
			}()
		}
	}

	return func() {
		cancel()
		for i := 0; i < runCount; i++ {
			<-done
		}
	}, nil
}

// newWorker builds the one worker kind matching operation, matching
// internal/worker's four constructors (spec.md §4.6).
func newWorker(kind domain.OperationKind, consumer *queue.Consumer, sched *scheduler.Scheduler, st *store.Store, cryptoClient cryptoclient.Client, auditLog audit.Logger, m *metrics.Metrics, log *logrus.Logger) func(context.Context) {
	switch kind {
	case domain.OpTally:
		return worker.NewTallyWorker(consumer, sched, st, cryptoClient, auditLog, m, log).Run
	case domain.OpPartial:
		return worker.NewPartialWorker(consumer, sched, st, cryptoClient, auditLog, m, log).Run
	case domain.OpCompensated:
		return worker.NewCompensatedWorker(consumer, sched, st, cryptoClient, auditLog, m, log).Run
	case domain.OpCombine:
		return worker.NewCombineWorker(consumer, sched, st, cryptoClient, auditLog, m, log).Run
	default:
		panic("server: unknown operation kind " + string(kind))
	}
}

func cryptoClientConfig(cfg *config.Config) cryptoclient.Config {
	c := cryptoclient.DefaultConfig(cfg.CryptoServiceURL)
	c.PoolMaxTotal = cfg.Pool.MaxTotal
	c.PoolMaxPerHost = cfg.Pool.MaxPerHost
	c.AcquireTimeout = cfg.Pool.AcquireTimeout
	c.ConnTTL = cfg.Pool.ConnectionTTL
	c.IdleValidate = cfg.Pool.IdleValidateAfter
	c.EvictInterval = cfg.Pool.EvictInterval
	c.HighWaterRatio = cfg.Pool.HighWaterPct
	c.RequestTimeout = cfg.Pool.ResponseTimeout
	return c
}

func assignmentMode(cfg *config.Config) planner.AssignmentMode {
	if cfg.RederiveChunks {
		return planner.AssignSeedRederivation
	}
	return planner.AssignEager
}

// version is overridden at build time via -ldflags "-X main.buildVersion=...".
var buildVersion = "dev"

func version() string { return buildVersion }
