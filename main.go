package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"candlestream/batcher"
	"candlestream/breaker"
	"candlestream/broker"
	"candlestream/clock"
	"candlestream/config"
	"candlestream/controller"
	"candlestream/dbpool"
	"candlestream/httpapi"
	"candlestream/logging"
	"candlestream/metricsink"
	"candlestream/supervisor"
	"candlestream/wal"
	"candlestream/writer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Startup precondition failure: exit 2, distinct from a runtime fault.
		println("startup precondition failure: " + err.Error())
		os.Exit(2)
	}

	log := logging.Setup(cfg.LogFormat, cfg.LogLevel)
	log.Info().Int("metrics_port", cfg.MetricsPort).Msg("starting candlestream")

	sink := metricsink.New()
	realClock := clock.Real{}

	pool, err := dbpool.New(context.Background(), cfg.DSN(), cfg.TimescalePoolSize)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create database connection pool")
	}
	defer pool.Close()

	br := breaker.New(cfg.CBFailureThreshold, cfg.CBResetTimeout, cfg.CBHalfOpenTimeout, realClock)
	w := writer.New(pool, cfg.TimescaleTable, br, cfg.InsertRetryAttempts, cfg.InsertRetryDelay, realClock, log, sink)

	ctl := controller.New(
		5,
		controller.Thresholds{LatencyHigh: cfg.LatencyThresholdHigh, LatencyLow: cfg.LatencyThresholdLow},
		controller.Bounds{
			PollMin:  cfg.PollTimeoutMin,
			PollMax:  cfg.PollTimeoutMax,
			BatchMin: cfg.BatchSizeMin,
			BatchMax: min(cfg.BatchSizeMax, cfg.InsertBatchSize),
		},
		controller.Steps{PollStep: 50 * time.Millisecond, BatchStep: 10},
		cfg.KafkaInitialPollTimeout,
		cfg.KafkaInitialMaxBatchSize,
	)

	b := batcher.New(cfg.InsertBatchSize, cfg.InsertTimeInterval, realClock)

	var walStore *wal.WAL
	var replayer *wal.Replayer
	if cfg.WALPath != "" {
		walStore, err = wal.Open(cfg.WALPath)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open WAL, continuing without spill fallback")
		} else {
			if count, err := walStore.Count(); err == nil && count > 0 {
				log.Info().Int("count", count).Msg("found existing WAL records, will replay once breaker allows")
			}
			replayer = wal.NewReplayer(walStore, w, cfg.WALReplayCheckInterval, log)
		}
	}

	reader := broker.NewKafkaReader(broker.Config{
		Brokers: cfg.KafkaBootstrapServers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupID,
		MaxWait: cfg.KafkaInitialPollTimeout,
	})

	var wSpiller broker.WALSpiller
	if walStore != nil {
		wSpiller = walStore
	}

	loop := broker.NewLoop(reader, b, w, ctl, wSpiller, sink, log, realClock, broker.LoopConfig{
		MaxIdleCyclesBeforeSpill: cfg.WALMaxIdleCyclesBeforeSpill,
	})

	sup := supervisor.New(loop, replayer, reader, 30*time.Second, log)

	router := httpapi.Router(sup, w, walStore, sink)
	server := &http.Server{
		Addr:           ":" + strconv.Itoa(cfg.MetricsPort),
		Handler:        router,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.Info().Int("port", cfg.MetricsPort).Msg("health/metrics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health/metrics server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := sup.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error shutting down health/metrics server")
	}
	if walStore != nil {
		if err := walStore.Close(); err != nil {
			log.Error().Err(err).Msg("error closing WAL")
		}
	}

	if runErr != nil {
		log.Error().Err(runErr).Msg("consumer loop exited with a fatal error")
		os.Exit(1)
	}

	log.Info().Msg("candlestream exited cleanly")
}

