// Command consumer-demo runs the flowqueue consumer engine against either
// an in-memory test queue or real SQS, wiring in the optional idempotency
// guard and audit sink, and exposing Prometheus metrics and a health
// endpoint the same way the teacher's worker binary does.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sentinelq/flowqueue"
	"github.com/sentinelq/flowqueue/cmd/consumer-demo/config"
	"github.com/sentinelq/flowqueue/internal/audit"
	"github.com/sentinelq/flowqueue/internal/idempotency"
	"github.com/sentinelq/flowqueue/internal/queue"
	"github.com/sentinelq/flowqueue/internal/queue/inmemqueue"
	"github.com/sentinelq/flowqueue/internal/queue/sqsqueue"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("starting flowqueue consumer-demo")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := buildQueueClient(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to build queue client", zap.Error(err))
	}

	var guard *idempotency.Guard
	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Warn("invalid redis URL, idempotency guard disabled", zap.Error(err))
	} else {
		redisClient := goredis.NewClient(redisOpts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, idempotency guard disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			guard = idempotency.NewGuard(redisClient, 10*time.Minute)
			logger.Info("connected to redis, idempotency guard enabled")
		}
	}

	var auditSink audit.Sink
	dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Warn("failed to connect to postgres, audit sink disabled", zap.Error(err))
	} else if err := dbPool.Ping(ctx); err != nil {
		logger.Warn("postgres unreachable, audit sink disabled", zap.Error(err))
		dbPool.Close()
	} else {
		defer dbPool.Close()
		auditSink = audit.NewPostgresSink(dbPool)
		logger.Info("connected to postgres, audit sink enabled")
	}

	handler := flowqueue.Handler(demoHandler(logger))
	if guard != nil {
		handler = flowqueue.Handler(idempotency.Wrap(guard, handler))
	}

	opts := flowqueue.DefaultOptions()
	opts.Logger = logger
	opts.Audit = auditSink
	if cfg.Consumer.MessageChannelSize > 0 {
		opts.MessageChannelSize = cfg.Consumer.MessageChannelSize
	}
	if cfg.Consumer.NumWorkers > 0 {
		opts.NumWorkers = cfg.Consumer.NumWorkers
	}
	if cfg.Consumer.NumListeners > 0 {
		opts.NumListeners = cfg.Consumer.NumListeners
	}
	if cfg.Consumer.DequeueLimit > 0 {
		opts.DequeueLimit = cfg.Consumer.DequeueLimit
	}
	if cfg.Consumer.MaxConcurrentWork > 0 {
		opts.MaxConcurrentWork = cfg.Consumer.MaxConcurrentWork
	}
	if cfg.Consumer.PollTimeout > 0 {
		opts.PollTimeout = cfg.Consumer.PollTimeout
	}

	consumer, err := flowqueue.Start(ctx, client, handler, opts)
	if err != nil {
		logger.Fatal("failed to start consumer", zap.Error(err))
	}

	go func() {
		if err := <-consumer.Err(); err != nil {
			logger.Error("consumer reported a fatal error", zap.Error(err))
			cancel()
		}
	}()

	metricsSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	metricsSrv.Handler = mux

	go func() {
		logger.Info("metrics/health server listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down consumer-demo")

	if err := consumer.Stop(); err != nil {
		logger.Error("error stopping consumer", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}

	logger.Info("consumer-demo stopped")
}

func buildQueueClient(ctx context.Context, cfg *config.Config) (queue.Client, error) {
	dlqName := cfg.Queue.DLQName
	if dlqName == "" {
		dlqName = cfg.Queue.Name + "-failed"
	}

	if cfg.Queue.UseInMemory {
		q := inmemqueue.New()
		for i := 0; i < 10; i++ {
			q.Enqueue([]byte(fmt.Sprintf("demo message %d", i)))
		}
		return q, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Queue.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sqsqueue.Connect(ctx, awssqs.NewFromConfig(awsCfg), cfg.Queue.Name, dlqName)
}

// demoHandler just acks every message it sees, logging the body, so the
// binary is runnable out of the box against the in-memory queue.
func demoHandler(logger *zap.Logger) func(msg *flowqueue.Message, done chan<- *flowqueue.Message) {
	return func(msg *flowqueue.Message, done chan<- *flowqueue.Message) {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		logger.Info("handled message", zap.String("message_id", msg.ID), zap.ByteString("body", msg.Body))
		done <- msg
	}
}
