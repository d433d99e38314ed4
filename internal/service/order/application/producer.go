package application

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"stockflow/internal/pkg/logger"
	"stockflow/internal/pkg/metrics"
	"stockflow/internal/service/order/domain"
	"stockflow/internal/service/order/port"
)

const tracerName = "stockflow/order"

// FieldMessage 是流条目中承载序列化消息的字段
const FieldMessage = "message"

// StockUpdateProducer 为每个订单项追加一条库存变更消息。
// 追加是尽力而为的：单条失败只记录日志，不影响其余订单项，也没有 outbox。
type StockUpdateProducer struct {
	publisher port.StockUpdatePublisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

func NewStockUpdateProducer(publisher port.StockUpdatePublisher, m *metrics.Metrics) *StockUpdateProducer {
	return &StockUpdateProducer{publisher: publisher, metrics: m, tracer: otel.Tracer(tracerName)}
}

// Publish 为 items 中的每一项追加一条 updateType 消息，期望版本取订单项当前的版本
func (p *StockUpdateProducer) Publish(ctx context.Context, items []domain.OrderItem, updateType domain.UpdateType) (PublishReport, error) {
	var report PublishReport
	if len(items) == 0 {
		return report, domain.ErrNoItems
	}

	ctx, span := p.tracer.Start(ctx, "producer.Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(attribute.String("stock.update_type", string(updateType)), attribute.Int("stock.items", len(items)))

	for _, item := range items {
		entryID, err := p.publishOne(ctx, item, updateType)
		if err != nil {
			report.Failed = append(report.Failed, item.ID)
			p.metrics.ProducerAppends.WithLabelValues(string(updateType), metrics.OutcomeFailed).Inc()
			span.RecordError(err)
			logger.Ctx(ctx).Error().Err(err).
				Int64("order_id", item.OrderID).
				Int64("order_item_id", item.ID).
				Str("update_type", string(updateType)).
				Msg("failed to append stock update message")
			continue
		}
		report.Appended = append(report.Appended, item.ID)
		report.EntryIDs = append(report.EntryIDs, entryID)
		p.metrics.ProducerAppends.WithLabelValues(string(updateType), metrics.OutcomeAppended).Inc()
	}

	if len(report.Failed) > 0 {
		span.SetStatus(codes.Error, "some stock update messages were not appended")
	}
	logger.Ctx(ctx).Debug().
		Int("appended", len(report.Appended)).
		Int("failed", len(report.Failed)).
		Str("update_type", string(updateType)).
		Msg("stock update messages published")
	return report, nil
}

func (p *StockUpdateProducer) publishOne(ctx context.Context, item domain.OrderItem, updateType domain.UpdateType) (string, error) {
	payload, err := domain.NewStockUpdateMessage(item, updateType).Marshal()
	if err != nil {
		return "", err
	}
	fields := map[string]string{FieldMessage: payload}
	// traceparent / tracestate 与消息并列，消费者不依赖它们
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(fields))

	id, err := p.publisher.Append(ctx, fields)
	if err != nil {
		return "", errors.Wrapf(err, "append %s for order item %d", updateType, item.ID)
	}
	return id, nil
}
