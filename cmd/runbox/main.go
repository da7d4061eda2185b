package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/3rs4lg4d0/runbox/cache"
	rbxconsumer "github.com/3rs4lg4d0/runbox/consumer/kafka"
	rbxemitter "github.com/3rs4lg4d0/runbox/emitter/kafka"
	rbxengine "github.com/3rs4lg4d0/runbox/engine/http"
	"github.com/3rs4lg4d0/runbox/internal/config"
	rbxzrlg "github.com/3rs4lg4d0/runbox/logger/zerolog"
	rbxtally "github.com/3rs4lg4d0/runbox/metrics/tally"
	"github.com/3rs4lg4d0/runbox/rbx"
	rbxgorm "github.com/3rs4lg4d0/runbox/repository/gorm"
	"github.com/3rs4lg4d0/runbox/repository/pgxv5"
	"github.com/3rs4lg4d0/runbox/workflow"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"
	tally "github.com/uber-go/tally/v4"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type txKey struct{}

// stores are the persistence collaborators of one backend.
type stores struct {
	outbox rbx.Repository
	runs   workflow.Store
	flags  cache.FlagSource
	close  func()
}

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := rbxzrlg.New(os.Stdout, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("runbox stopped", err)
		os.Exit(1)
	}
	logger.Info("runbox stopped")
}

func run(ctx context.Context, cfg config.Config, logger *rbxzrlg.Logger) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:   "runbox",
		Reporter: metricsReporter(cfg, logger),
	}, cfg.MetricsInterval)
	defer closeQuietly(closer)

	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Kafka.Brokers,
		"linger.ms":          5,
		"compression.type":   "lz4",
		"acks":               -1,
		"enable.idempotence": true,
	})
	if err != nil {
		return fmt.Errorf("could not create the kafka producer: %w", err)
	}
	defer func() {
		producer.Flush(int(cfg.Kafka.DeliveryTimeout.Milliseconds()))
		producer.Close()
	}()
	go logProducerEvents(producer, logger.For("kafka"))

	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Kafka.Brokers,
		"group.id":           cfg.Kafka.GroupId,
		"enable.auto.commit": false,
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return fmt.Errorf("could not create the kafka consumer: %w", err)
	}
	defer consumer.Close()
	if err := consumer.SubscribeTopics([]string{cfg.Kafka.CommandTopic}, nil); err != nil {
		return fmt.Errorf("could not subscribe to %s: %w", cfg.Kafka.CommandTopic, err)
	}

	clock := rbx.SystemClock{}
	capture := rbx.NewCapture(st.outbox, clock)
	service := workflow.NewService(workflow.NewRepository(st.runs, capture), capture, clock)
	service.SetLogger(logger.For("workflow"))

	engine := rbxengine.New(cfg.Engine.URL, &http.Client{Timeout: cfg.Engine.Timeout}, gobreaker.Settings{
		MaxRequests: uint32(cfg.Engine.BreakerRequests),
		Timeout:     cfg.Engine.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(cfg.Engine.BreakerFailures)
		},
	})

	delivery := rbxtally.NewCounters(scope, "delivery")
	rb, err := rbx.New(cfg.Pipeline, rbx.Collaborators{
		Repository: st.outbox,
		Sink:       rbxemitter.New(producer, rbxemitter.WithDeliveryTimeout(cfg.Kafka.DeliveryTimeout)),
		Engine:     engine,
		Tracker:    service,
		Decoders:   workflow.Decoders(),
	},
		rbx.WithLogger(logger.For("delivery")),
		rbx.WithClock(clock),
		rbx.WithToggle(cache.NewToggle(st.flags, cfg.FlagTTL, clock)),
		rbx.WithOnSuccessCounter(delivery.Delivered),
		rbx.WithOnErrorCounter(delivery.Failed),
		rbx.WithOnRetryCounter(delivery.Retried),
		rbx.WithOnDeadCounter(delivery.Dead),
		rbx.WithProcessedHooks(service.Hooks()),
	)
	if err != nil {
		return err
	}

	guard := rbx.NewGuard(st.outbox)
	guard.SetLogger(logger.For("guard"))
	inbound := rbxtally.NewCounters(scope, "consumer")
	commands := rbxconsumer.New(consumer, producer, guard, rbx.NewFailFast(workflow.Permanent), workflow.Handlers(service),
		rbxconsumer.Settings{
			PollTimeout:     cfg.Consumer.PollTimeout,
			MaxAttempts:     cfg.Consumer.MaxAttempts,
			RetryDelay:      cfg.Consumer.RetryDelay,
			DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
		},
		rbxconsumer.WithOnSuccessCounter(inbound.Delivered),
		rbxconsumer.WithOnRetryCounter(inbound.Retried),
		rbxconsumer.WithOnDeadCounter(inbound.Dead),
		rbxconsumer.WithClock(clock),
	)
	commands.SetLogger(logger.For("consumer"))

	logger.Info(fmt.Sprintf("runbox started with the %s backend", cfg.Backend))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rb.Start(ctx) })
	g.Go(func() error { return commands.Run(ctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	switch cfg.Backend {
	case config.BackendGorm:
		db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("could not open the database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("could not open the database: %w", err)
		}
		repo := rbxgorm.New(txKey{}, db)
		return &stores{outbox: repo, runs: repo.Runs(), flags: repo.Flags(), close: func() { closeQuietly(sqlDB) }}, nil
	default:
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("could not create the connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("could not reach the database: %w", err)
		}
		repo := pgxv5.New(txKey{}, pool)
		return &stores{outbox: repo, runs: repo.Runs(), flags: repo.Flags(), close: pool.Close}, nil
	}
}

// logProducerEvents drains the producer event channel. Delivery reports go to
// per-message channels, so only client level errors arrive here.
func logProducerEvents(p *kafka.Producer, logger rbx.Logger) {
	for e := range p.Events() {
		switch ev := e.(type) {
		case kafka.Error:
			logger.Error("kafka producer error", ev)
		default:
			logger.Debug(fmt.Sprintf("Ignored event: %s", strings.TrimSpace(ev.String())))
		}
	}
}

func metricsReporter(cfg config.Config, logger *rbxzrlg.Logger) tally.StatsReporter {
	if cfg.MetricsReporter == config.ReporterNone {
		return tally.NullStatsReporter
	}
	return rbxtally.NewLogReporter(logger.For("metrics").Logger)
}

func closeQuietly(c io.Closer) {
	_ = c.Close()
}
