package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BarkinBalci/engagement-rollup-service/internal/aggregator/session"
	"github.com/BarkinBalci/engagement-rollup-service/internal/aggregator/user"
	"github.com/BarkinBalci/engagement-rollup-service/internal/config"
	"github.com/BarkinBalci/engagement-rollup-service/internal/dimension"
	"github.com/BarkinBalci/engagement-rollup-service/internal/flush"
	"github.com/BarkinBalci/engagement-rollup-service/internal/handler"
	"github.com/BarkinBalci/engagement-rollup-service/internal/intake"
	"github.com/BarkinBalci/engagement-rollup-service/internal/logger"
	"github.com/BarkinBalci/engagement-rollup-service/internal/queue/sqs"
	"github.com/BarkinBalci/engagement-rollup-service/internal/repository/clickhouse"
	"github.com/BarkinBalci/engagement-rollup-service/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	log, err := logger.New(cfg.Service.Environment)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer func(log *zap.Logger) {
		err := log.Sync()
		if err != nil {
			log.Error("Failed to sync logger", zap.Error(err))
		}
	}(log)

	log.Info("Starting rollup engine",
		zap.String("environment", cfg.Service.Environment),
		zap.Int("session_shards", cfg.Aggregator.SessionShards),
		zap.Int("user_shards", cfg.Aggregator.UserShards))

	ctx := context.Background()

	// Initialize ClickHouse client and rollup store
	chClient, err := clickhouse.NewClient(ctx, &cfg.ClickHouse, log)
	if err != nil {
		log.Fatal("Failed to create ClickHouse client", zap.Error(err))
	}
	defer func() {
		if err := chClient.Close(); err != nil {
			log.Error("Failed to close ClickHouse client", zap.Error(err))
		}
	}()

	store := clickhouse.NewRepository(chClient, log)

	if err := store.InitSchema(ctx); err != nil {
		log.Fatal("Failed to initialize schema", zap.Error(err))
	}
	log.Info("Rollup storage schema initialized")

	// Dimension cache and change feed
	dims := dimension.NewCache(log)

	dimClient, err := sqs.NewClient(ctx, cfg.SQS, cfg.SQS.DimensionFeedURL, log)
	if err != nil {
		log.Fatal("Failed to create dimension feed SQS client", zap.Error(err))
	}
	feed := dimension.NewFeed(dimClient, dims, dimension.FeedConfig{
		MaxMessages:     10,
		WaitTimeSeconds: 20,
	}, log)

	// User rollup tier
	userAgg, err := user.NewAggregator(user.Config{
		Shards:     cfg.Aggregator.UserShards,
		QueueSize:  cfg.Aggregator.ShardQueueSize,
		LedgerSize: cfg.Aggregator.DedupLedgerSize,
		LedgerTTL:  time.Duration(cfg.Intake.MaxSessionLifetimeSec) * time.Second,
	}, log)
	if err != nil {
		log.Fatal("Failed to create user aggregator", zap.Error(err))
	}

	// Session rollup tier
	sessionAgg, err := session.NewAggregator(session.Config{
		Shards:               cfg.Aggregator.SessionShards,
		QueueSize:            cfg.Aggregator.ShardQueueSize,
		GraceWindow:          time.Duration(cfg.Intake.GraceWindowSec) * time.Second,
		PendingDimensionWait: time.Duration(cfg.Aggregator.PendingDimensionSec) * time.Second,
		PendingDimensionCap:  cfg.Aggregator.PendingDimensionCap,
		EmitRetries:          cfg.Aggregator.EmitRetries,
		MaxSessionLifetime:   time.Duration(cfg.Intake.MaxSessionLifetimeSec) * time.Second,
		TickInterval:         time.Second,
	}, dims, userAgg, log)
	if err != nil {
		log.Fatal("Failed to create session aggregator", zap.Error(err))
	}

	// Snapshot and flush manager over both tiers
	manager := flush.NewManager(store, []flush.Source{sessionAgg, userAgg}, flush.Config{
		Interval:        time.Duration(cfg.Flush.IntervalSec) * time.Second,
		DirtyThreshold:  cfg.Flush.DirtyThreshold,
		RetryBudget:     cfg.Flush.RetryBudget,
		CompactInterval: time.Duration(cfg.Flush.CompactIntervalSec) * time.Second,
	}, log)

	// Replay unflushed deltas before any shard starts
	if err := manager.Recover(ctx); err != nil {
		log.Fatal("Failed to recover rollup state", zap.Error(err))
	}
	log.Info("Rollup state recovered")

	// Event intake over the ingest queue
	ingest, err := intake.NewIntake(intake.Config{
		DedupWindowSize:    cfg.Intake.DedupWindowSize,
		SessionWindowSize:  cfg.Intake.SessionWindowSize,
		MaxSessionLifetime: time.Duration(cfg.Intake.MaxSessionLifetimeSec) * time.Second,
		GraceWindow:        time.Duration(cfg.Intake.GraceWindowSec) * time.Second,
	}, sessionAgg, manager, log)
	if err != nil {
		log.Fatal("Failed to create intake", zap.Error(err))
	}

	eventClient, err := sqs.NewClient(ctx, cfg.SQS, cfg.SQS.EventQueueURL, log)
	if err != nil {
		log.Fatal("Failed to create event SQS client", zap.Error(err))
	}
	consumer := intake.NewConsumer(eventClient, ingest, log)

	// Query facade
	querier := service.NewQueryService(sessionAgg, userAgg, store, manager, log)
	h := handler.NewHandler(querier, log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go userAgg.Start(runCtx)
	go sessionAgg.Start(runCtx)
	go manager.Start(runCtx)
	go feed.Start(runCtx)
	go func() {
		if err := consumer.Start(runCtx); err != nil {
			log.Fatal("Consumer error", zap.Error(err))
		}
	}()

	go func() {
		addr := fmt.Sprintf(":%s", cfg.Service.APIPort)
		log.Info("Query API starting", zap.String("address", addr))
		if err := http.ListenAndServe(addr, h); err != nil {
			log.Error("Query API server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down rollup engine gracefully")
	cancel()

	// Give the flush loops a moment to write their final batches.
	time.Sleep(2 * time.Second)
}
