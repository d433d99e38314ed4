package interfaces

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"stockflow/internal/pkg/db"
	"stockflow/internal/pkg/lock"
	"stockflow/internal/pkg/logger"
	"stockflow/internal/pkg/metrics"
	"stockflow/internal/service/order/application"
	"stockflow/internal/service/order/domain"
	"stockflow/internal/service/order/port"
)

// 失败分类，同时用作死信消息头和指标标签
const (
	ClassPoison       = "poison"
	ClassNotFound     = "not_found"
	ClassUnclassified = "unclassified"
	ClassLock         = "lock"
	ClassDBContention = "db_contention"
	ClassShutdown     = "shutdown"
)

// StockMessageHandler 是消费者驱动的应用服务
type StockMessageHandler interface {
	Handle(ctx context.Context, msg domain.StockUpdateMessage) (application.Decision, error)
}

// ConsumerConfig 轮询参数
type ConsumerConfig struct {
	Stream       string
	Consumer     string
	BatchSize    int64
	BlockTimeout time.Duration
	PollInterval time.Duration
	ClaimMinIdle time.Duration
	MaxLen       int64
}

// StockUpdateConsumer 以固定间隔轮询库存变更流。
// 每条记录独立处理：成功确认并裁剪；加锁失败等可恢复错误不确认，等待重新投递；
// 其余失败转存死信后确认，保证流不会被一条坏消息卡住。
type StockUpdateConsumer struct {
	queue   port.StockUpdateQueue
	handler StockMessageHandler
	dead    port.DeadLetterPublisher
	cfg     ConsumerConfig
	metrics *metrics.Metrics
	tracer  trace.Tracer

	groupReady bool
}

// NewStockUpdateConsumer dead 可以为 nil，此时被丢弃的消息只记录日志
func NewStockUpdateConsumer(queue port.StockUpdateQueue, handler StockMessageHandler, dead port.DeadLetterPublisher,
	cfg ConsumerConfig, m *metrics.Metrics) *StockUpdateConsumer {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &StockUpdateConsumer{
		queue:   queue,
		handler: handler,
		dead:    dead,
		cfg:     cfg,
		metrics: m,
		tracer:  otel.Tracer("stockflow/consumer"),
	}
}

// Run 阻塞直到 ctx 取消。两次轮询之间是固定延迟，计时从上一批处理完成后开始。
func (c *StockUpdateConsumer) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().
		Str("stream", c.cfg.Stream).
		Str("consumer", c.cfg.Consumer).
		Dur("poll_interval", c.cfg.PollInterval).
		Msg("✅ Stock update consumer started.")
	c.EnsureGroup(ctx)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("🛑 Stock update consumer shutting down.")
			return nil
		case <-timer.C:
		}
		c.PollOnce(ctx)
		timer.Reset(c.cfg.PollInterval)
	}
}

// EnsureGroup 创建消费组；已存在是常态，其他错误只记录，下一轮会再试
func (c *StockUpdateConsumer) EnsureGroup(ctx context.Context) {
	created, err := c.queue.CreateGroupIfAbsent(ctx)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("stream", c.cfg.Stream).Msg("failed to create consumer group")
		return
	}
	c.groupReady = true
	if created {
		logger.Ctx(ctx).Info().Str("stream", c.cfg.Stream).Msg("consumer group created")
	}
}

// PollOnce 执行一轮：先认领超时未确认的记录，再读取新记录，返回本轮处理的条数
func (c *StockUpdateConsumer) PollOnce(ctx context.Context) int {
	if !c.groupReady {
		c.EnsureGroup(ctx)
	}

	var entries []port.StreamEntry
	if c.cfg.ClaimMinIdle > 0 {
		claimed, err := c.queue.ClaimStale(ctx, c.cfg.Consumer, c.cfg.ClaimMinIdle, c.cfg.BatchSize)
		if err != nil && ctx.Err() == nil {
			logger.Ctx(ctx).Error().Err(err).Msg("failed to claim stale entries")
		}
		entries = append(entries, claimed...)
	}
	// 重新投递的记录占用同一批次的名额，一轮最多处理 BatchSize 条
	if remaining := c.cfg.BatchSize - int64(len(entries)); remaining > 0 {
		fresh, err := c.queue.ReadBatch(ctx, c.cfg.Consumer, remaining, c.cfg.BlockTimeout)
		if err != nil && ctx.Err() == nil {
			logger.Ctx(ctx).Error().Err(err).Msg("failed to read stock update stream")
		}
		entries = append(entries, fresh...)
	}
	c.metrics.BatchSize.Observe(float64(len(entries)))

	for _, entry := range entries {
		if ctx.Err() != nil {
			// 剩余记录保持未确认，由下一个消费者认领
			break
		}
		c.process(ctx, entry)
	}

	if pending, err := c.queue.PendingCount(ctx); err == nil {
		c.metrics.PendingEntries.Set(float64(pending))
	}
	return len(entries)
}

func (c *StockUpdateConsumer) process(ctx context.Context, entry port.StreamEntry) {
	raw := entry.Fields[application.FieldMessage]
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(entry.Fields))
	ctx, span := c.tracer.Start(ctx, "consumer.StockUpdate", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.String("messaging.system", "redis"), attribute.String("messaging.message.id", entry.ID))

	updateType := "unknown"
	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("panic while handling entry %s: %v", entry.ID, r)
			span.RecordError(err)
			c.drop(ctx, entry, raw, updateType, ClassUnclassified, err)
		}
	}()

	var msg domain.StockUpdateMessage
	var err error
	if _, ok := entry.Fields[application.FieldMessage]; !ok {
		err = errors.Wrap(domain.ErrInvalidMessage, "entry has no message field")
	} else {
		msg, err = domain.ParseStockUpdateMessage(raw)
	}
	if err == nil {
		updateType = string(msg.UpdateType)
		span.SetAttributes(attribute.Int64("order_item.id", msg.OrderItemID), attribute.String("stock.update_type", updateType))
		_, err = c.handler.Handle(ctx, msg)
	}

	class, retry := Classify(ctx, err)
	switch {
	case err == nil:
		c.ack(ctx, entry.ID, updateType, metrics.OutcomeAcked)
		if trimErr := c.queue.Trim(ctx, c.cfg.MaxLen); trimErr != nil {
			logger.Ctx(ctx).Warn().Err(trimErr).Msg("failed to trim stream")
		}
	case retry:
		span.SetStatus(codes.Error, class)
		c.metrics.Messages.WithLabelValues(updateType, metrics.OutcomeRetry).Inc()
		logger.Ctx(ctx).Warn().Err(err).
			Str("entry_id", entry.ID).
			Str("class", class).
			Msg("stock update left pending for redelivery")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, class)
		c.drop(ctx, entry, raw, updateType, class, err)
	}
}

// drop 转存死信（尽力而为）后确认
func (c *StockUpdateConsumer) drop(ctx context.Context, entry port.StreamEntry, raw, updateType, class string, cause error) {
	logger.Ctx(ctx).Error().Err(cause).
		Str("entry_id", entry.ID).
		Str("class", class).
		Str("payload", raw).
		Msg("dropping stock update message")
	c.metrics.DeadLetters.WithLabelValues(class).Inc()

	if c.dead != nil {
		letter := port.DeadLetter{
			Stream:     c.cfg.Stream,
			EntryID:    entry.ID,
			Payload:    raw,
			Class:      class,
			Reason:     cause.Error(),
			OccurredAt: time.Now(),
		}
		if err := c.dead.Publish(ctx, letter); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("entry_id", entry.ID).Msg("failed to publish dead letter")
		}
	}
	c.ack(ctx, entry.ID, updateType, metrics.OutcomeDropped)
}

func (c *StockUpdateConsumer) ack(ctx context.Context, id, updateType, outcome string) {
	if err := c.queue.Ack(ctx, id); err != nil {
		// 未确认的记录会被重新投递，版本保护保证重复处理无副作用
		logger.Ctx(ctx).Error().Err(err).Str("entry_id", id).Msg("failed to ack stream entry")
		return
	}
	c.metrics.Messages.WithLabelValues(updateType, outcome).Inc()
}

// Classify 返回错误的分类以及是否应保留待重投
func Classify(ctx context.Context, err error) (string, bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), ctx.Err() != nil:
		return ClassShutdown, true
	case lock.IsRetryable(err):
		return ClassLock, true
	case db.IsRetryable(err):
		return ClassDBContention, true
	case errors.Is(err, domain.ErrInvalidMessage):
		return ClassPoison, false
	case errors.Is(err, domain.ErrProductNotFound), errors.Is(err, domain.ErrOrderItemNotFound):
		return ClassNotFound, false
	default:
		return ClassUnclassified, false
	}
}
