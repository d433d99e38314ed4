// cmd/stock-processor/main.go
package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"stockflow/internal/pkg/bootstrap"
	"stockflow/internal/pkg/db"
	"stockflow/internal/pkg/lock"
	"stockflow/internal/pkg/metrics"
	"stockflow/internal/pkg/mq"
	"stockflow/internal/pkg/redis"
	"stockflow/internal/pkg/stream"
	"stockflow/internal/pkg/tracing"
	"stockflow/internal/service/order/application"
	"stockflow/internal/service/order/infrastructure"
	"stockflow/internal/service/order/infrastructure/adapter"
	"stockflow/internal/service/order/interfaces"
	"stockflow/internal/service/order/port"
)

const serviceName = "stock-processor"

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	cfg, err := bootstrap.Init(serviceName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	ctx := context.Background()

	// 1. 初始化核心技术组件
	tp, err := tracing.InitTracerProvider(cfg.Service.Name, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}
	m := metrics.New("stockflow")

	gdb, err := db.Open(db.Options{
		DSN:          cfg.Infra.MySQL.DSN,
		MaxOpenConns: cfg.Infra.MySQL.MaxOpenConns,
		MaxIdleConns: cfg.Infra.MySQL.MaxIdleConns,
		ConnMaxLife:  cfg.Infra.MySQL.ConnMaxLife,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect mysql")
	}
	if cfg.Infra.MySQL.AutoMigrate {
		if err := gdb.AutoMigrate(infrastructure.AllModels()...); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate schema")
		}
	}

	redisClient, err := redis.NewClient(ctx, cfg.Infra.Redis.Addrs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize redis client")
	}

	locker, closeLocker, err := newProductLocker(ctx, cfg, redisClient)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.Lock.Provider).Msg("failed to initialize product locker")
	}

	// 2. 组装应用服务
	orders := infrastructure.NewGormOrderRepository(gdb)
	products := infrastructure.NewGormProductRepository(gdb)
	reservation := application.NewReservationService(orders, products, infrastructure.NewGormTxManager(gdb), locker, cfg.Lock.Wait, m)
	queue := adapter.NewStreamRedisAdapter(stream.New(redisClient.GetClient(), cfg.Stream.Key, cfg.Stream.Group))

	var (
		deadLetters port.DeadLetterPublisher
		workers     []func(context.Context) error
		shutdown    = []func(context.Context) error{
			func(ctx context.Context) error { return tp.Shutdown(ctx) },
			func(context.Context) error { return db.Close(gdb) },
			func(context.Context) error { return redisClient.Close() },
			func(context.Context) error { return closeLocker() },
		}
	)

	// 3. 死信主题是可选的：未配置 Kafka 时被丢弃的消息只记录日志
	if brokers := cfg.KafkaBrokers(); len(brokers) > 0 {
		topic := cfg.Infra.Kafka.DeadLetterTopic
		dlt := adapter.NewDeadLetterKafkaAdapter(mq.NewKafkaWriter(brokers, topic))
		deadLetters = dlt
		auditor := interfaces.NewDltConsumerAdapter(mq.NewKafkaReader(brokers, topic, cfg.Infra.Kafka.AuditGroup), topic)
		workers = append(workers, auditor.Run)
		shutdown = append(shutdown,
			func(context.Context) error { return dlt.Close() },
			func(context.Context) error { return auditor.Close() },
		)
	} else {
		log.Warn().Msg("KAFKA_BROKERS not set, dead letters will only be logged")
	}

	consumerName := cfg.Stream.Consumer
	if consumerName == "" {
		consumerName = defaultConsumerName()
	}
	consumer := interfaces.NewStockUpdateConsumer(queue, reservation, deadLetters, interfaces.ConsumerConfig{
		Stream:       cfg.Stream.Key,
		Consumer:     consumerName,
		BatchSize:    cfg.Stream.BatchSize,
		BlockTimeout: cfg.Stream.BlockTimeout,
		PollInterval: cfg.Stream.PollInterval,
		ClaimMinIdle: cfg.Stream.ClaimMinIdle,
		MaxLen:       cfg.Stream.MaxLen,
	}, m)
	workers = append(workers, consumer.Run)

	// 4. 启动
	if err := bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: cfg.Service.Name,
		MetricsAddr: cfg.Service.MetricsAddr,
		Metrics:     m.Handler(),
		Workers:     workers,
		OnShutdown:  shutdown,
	}); err != nil {
		log.Fatal().Err(err).Msg("service stopped with error")
	}
}

// newProductLocker 按配置选择锁实现，返回的 closer 释放底层连接
func newProductLocker(ctx context.Context, cfg bootstrap.Config, client *redis.Client) (port.ProductLocker, func() error, error) {
	switch cfg.Lock.Provider {
	case bootstrap.LockProviderZookeeper:
		conn, err := lock.ConnectZookeeper(cfg.Infra.Zookeeper.Servers, cfg.Infra.Zookeeper.SessionTimeout)
		if err != nil {
			return nil, nil, err
		}
		l, err := lock.NewZookeeperLocker(conn, cfg.Infra.Zookeeper.Root)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return l, func() error { conn.Close(); return nil }, nil
	case bootstrap.LockProviderRedis:
		l, err := lock.NewRedisLocker(ctx, client, cfg.Lock.KeyPrefix, cfg.Lock.Lease)
		if err != nil {
			return nil, nil, err
		}
		return l, func() error { return nil }, nil
	default:
		return nil, nil, errors.Errorf("unknown lock provider %q", cfg.Lock.Provider)
	}
}

// defaultConsumerName 形如 <hostname>-<uuid 前 8 位>，多实例之间不会重名
func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = serviceName
	}
	return host + "-" + uuid.NewString()[:8]
}
