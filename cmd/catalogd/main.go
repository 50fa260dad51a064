package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/overtonx/eventstore"
	"github.com/overtonx/eventstore/aggregate"
	"github.com/overtonx/eventstore/codec"
	"github.com/overtonx/eventstore/outbox"
	"github.com/overtonx/eventstore/schedule"
	"github.com/overtonx/eventstore/storage/sqlstore"
	"github.com/overtonx/eventstore/uow"
)

func main() {
	cfg, err := eventstore.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.LogMode)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("catalogd stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func newLogger(mode string) (*zap.Logger, error) {
	if mode == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg eventstore.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlstore.Open(ctx, cfg.DBDriver, cfg.DBDSN, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.EnsureTables(ctx); err != nil {
		return err
	}

	key, err := cfg.EncryptionKey()
	if err != nil {
		return err
	}
	if key == nil {
		return fmt.Errorf("FIELD_ENCRYPTION_KEY is required: schedule command data is stored encrypted")
	}
	cipher, err := codec.NewXChaCha20Cipher(key)
	if err != nil {
		return err
	}

	registry := codec.NewRegistry()
	if err := schedule.RegisterSchema(registry); err != nil {
		return err
	}
	stateCodec, err := codec.NewCodec(registry, codec.WithCipher(cipher))
	if err != nil {
		return err
	}
	defer stateCodec.Close()

	metrics := eventstore.NewOpenTelemetryMetricsCollector()

	aggregates := aggregate.NewStore(stateCodec,
		aggregate.WithProjectors(schedule.ViewProjector()),
		aggregate.WithTopic(cfg.Kafka.Topic),
	)

	batcher := uow.NewBatcher(store.TxManager(), store,
		uow.WithBatchSizeThreshold(cfg.BatchSizeThreshold),
		uow.WithFlushInterval(cfg.FlushInterval),
		uow.WithMaxQueueDepth(cfg.MaxQueueDepth),
		uow.WithBlockOnFull(cfg.BlockOnFullQueue),
		uow.WithBatcherLogger(logger.Named("batcher")),
		uow.WithBatcherMetrics(metrics),
	)
	unit := uow.New(store, store.TxManager(), uow.WithBatcher(batcher), uow.WithLogger(logger))

	handlers := schedule.NewRegistry()
	handlers.MustRegister("LogMessage", schedule.HandlerFunc(func(_ context.Context, payload map[string]any) error {
		logger.Info("Scheduled message", zap.Any("payload", payload))
		return nil
	}))

	poller := schedule.NewPoller(unit, store, aggregates, handlers,
		schedule.WithPollInterval(cfg.PollInterval),
		schedule.WithBatchSize(cfg.PollBatchSize),
		schedule.WithMaxRetries(cfg.MaxRetries),
		schedule.WithLogger(logger.Named("schedule_poller")),
		schedule.WithMetrics(metrics),
	)

	// The batcher is registered first so that it is stopped last.
	dispatcher := eventstore.NewDispatcher(logger, batcher, poller)

	if cfg.Relay.Enabled {
		publisher, err := newPublisher(cfg.Kafka, logger)
		if err != nil {
			return err
		}
		relay := outbox.NewRelay(unit, store, publisher,
			outbox.WithLogger(logger.Named("outbox_relay")),
			outbox.WithMetrics(metrics),
			outbox.WithBatchSize(cfg.Relay.BatchSize),
			outbox.WithMaxAttempts(cfg.Relay.MaxAttempts),
			outbox.WithDeadLetterRetention(cfg.Relay.DeadLetterMaxAge),
		)
		defer relay.Close()
		dispatcher.Add(relay.Worker(cfg.Relay.Interval))
		dispatcher.Add(relay.CleanupWorker(cfg.Relay.CleanupInterval))
	}

	logger.Info("catalogd started",
		zap.String("db_driver", cfg.DBDriver),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Bool("relay_enabled", cfg.Relay.Enabled))

	dispatcher.Start(ctx)
	logger.Info("catalogd stopped")
	return nil
}

func newPublisher(cfg eventstore.KafkaConfig, logger *zap.Logger) (outbox.Publisher, error) {
	if len(cfg.Brokers) == 0 {
		logger.Warn("No Kafka brokers configured, outbox entries are discarded after relay")
		return outbox.NewNopPublisher(), nil
	}
	switch cfg.Client {
	case "confluent":
		return outbox.NewKafkaPublisher(logger.Named("kafka"),
			outbox.WithKafkaDefaultTopic(cfg.Topic),
			outbox.WithKafkaProducerProps(kafka.ConfigMap{"bootstrap.servers": strings.Join(cfg.Brokers, ",")}),
		)
	case "kafka-go":
		return outbox.NewKafkaGoPublisher(logger.Named("kafka"), cfg.Brokers,
			outbox.WithKafkaGoDefaultTopic(cfg.Topic),
			outbox.WithKafkaGoBatchTimeout(cfg.BatchTimeout),
		)
	default:
		return nil, fmt.Errorf("unsupported KAFKA_CLIENT %q", cfg.Client)
	}
}
