package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/eventorder/libs/httpx"
	"github.com/md-rashed-zaman/eventorder/libs/kafkax"
	otelx "github.com/md-rashed-zaman/eventorder/libs/otel"
	"github.com/md-rashed-zaman/eventorder/libs/redisx"
	"github.com/md-rashed-zaman/eventorder/libs/runtime"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/consumer"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/ordering"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/outbox"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume order events, sweep the buffer and serve health endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg Config) error {
	logger := runtime.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if cfg.KafkaBrokers == "" {
		return errors.New("KAFKA_BROKERS is required for serve")
	}

	otelCfg, err := otelx.ConfigFromEnv(cfg.ServiceName)
	if err != nil {
		return err
	}
	otelShutdown, err := otelx.Setup(ctx, otelCfg)
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	metrics, err := ordering.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("store open failed", "store_driver", cfg.StoreDriver, "err", err)
		return err
	}
	defer b.close()

	ready := append([]runtime.ReadyCheck{}, b.ready...)
	ready = append(ready, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)})

	var lease ordering.Lease
	if cfg.RedisAddr != "" {
		client, err := redisx.Open(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer client.Close()
		lease = redisx.NewLease(client, cfg.ServiceName+":buffer-sweep", cfg.SweepLeaseTTL)
		ready = append(ready, runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(client)})
	}

	applier := b.applier(cfg, logger)
	reorderer := ordering.NewReorderer(b.store, applier, logger, ordering.ReordererConfig{
		MaxConflictRetries: cfg.MaxConflictRetries,
		Metrics:            metrics,
	})
	sweeper := ordering.NewSweeper(b.store, applier, logger, ordering.SweeperConfig{
		Interval: cfg.SweepInterval,
		Lease:    lease,
		Metrics:  metrics,
	})

	consumerCfg := consumer.Config{
		Brokers:           cfg.KafkaBrokers,
		GroupID:           cfg.KafkaGroupID,
		Topic:             cfg.KafkaConsumeTopic,
		DeadLetterTopic:   cfg.KafkaDLTTopic,
		RetryAttempts:     cfg.KafkaRetryAttempts,
		BackoffInitial:    cfg.KafkaBackoffInitial,
		BackoffMultiplier: cfg.KafkaBackoffMultiplier,
	}
	var deadLetter consumer.MessageWriter
	if cfg.KafkaDLTTopic != "" {
		w := kafkax.NewWriter(cfg.KafkaBrokers)
		defer w.Close()
		deadLetter = w
	}
	eventConsumer := consumer.New(consumer.NewReader(consumerCfg), deadLetter, reorderer, logger, consumerCfg)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eventConsumer.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })

	if b.pool != nil && cfg.OutboxEnabled {
		w := kafkax.NewWriter(cfg.KafkaBrokers)
		defer w.Close()
		publisher := outbox.NewPublisher(outbox.NewRepository(b.pool), w, logger, outbox.PublisherConfig{
			PollEvery: cfg.OutboxPollEvery,
			BatchSize: cfg.OutboxBatchSize,
		})
		g.Go(func() error { return publisher.Run(ctx) })
	}

	g.Go(func() error { return serveHealth(ctx, cfg, logger, ready) })

	logger.Info("ordering service started",
		"store_driver", cfg.StoreDriver,
		"topic", cfg.KafkaConsumeTopic,
		"dead_letter_topic", cfg.KafkaDLTTopic,
		"sweep_interval", cfg.SweepInterval.String(),
		"sweep_lease", lease != nil,
	)
	err = g.Wait()
	logger.Info("ordering service stopped")
	return err
}

func serveHealth(ctx context.Context, cfg Config, logger *slog.Logger, ready []runtime.ReadyCheck) error {
	mux := runtime.NewBaseMuxWithReady(ready...)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger, "/healthz", "/readyz"),
		httpx.WithTimeout(5*time.Second),
	)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(handler, "ordering"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return httpx.Serve(ctx, srv, logger, 10*time.Second)
}
